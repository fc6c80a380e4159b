// Package singleton runs the cluster wide singleton: a process living only on
// the current cluster leader, periodically announcing its whereabouts to the
// local topology monitor so every member's tree marks where it runs.
package singleton

import (
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/shardview/cluster"
	"github.com/karalabe/shardview/monitor"
	"github.com/karalabe/shardview/sharding"
)

// Membership is the source of leadership changes.
type Membership interface {
	Self() string
	Subscribe(ch chan cluster.Event) func()
}

// Sink receives the singleton announcements, usually the local monitor.
type Sink interface {
	Deliver(msg interface{})
}

// Config is the set of options to fine tune the singleton.
type Config struct {
	Interval time.Duration // Interval between start announcements while active

	Logger log.Logger // Logger to allow differentiating singletons if many is embedded
}

// Singleton follows the cluster leadership and announces itself while the local
// member leads.
type Singleton struct {
	self       string
	membership Membership
	sink       Sink
	interval   time.Duration

	logger log.Logger
	quit   chan chan error
	term   chan struct{}
}

// New creates the singleton and starts following leadership changes.
func New(config *Config, membership Membership, sink Sink) *Singleton {
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	s := &Singleton{
		self:       membership.Self(),
		membership: membership,
		sink:       sink,
		interval:   interval,
		logger:     logger,
		quit:       make(chan chan error),
		term:       make(chan struct{}),
	}
	go s.loop()
	return s
}

// Close stops the singleton, announcing its stop if it was active.
func (s *Singleton) Close() error {
	errc := make(chan error)
	select {
	case s.quit <- errc:
	case <-s.term:
		return nil // already terminated
	}
	err := <-errc
	close(s.term)
	return err
}

func (s *Singleton) loop() {
	events := make(chan cluster.Event, 1)
	unsub := s.membership.Subscribe(events)
	defer unsub()

	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	for {
		select {
		case event := <-events:
			switch {
			case event.Leader == s.self && ticker == nil:
				s.logger.Info("Cluster singleton started", "member", s.self)
				s.announce(sharding.ActionStart)

				ticker = time.NewTicker(s.interval)
				tick = ticker.C

			case event.Leader != s.self && ticker != nil:
				s.logger.Info("Cluster singleton handed over", "member", s.self, "leader", event.Leader)
				s.announce(sharding.ActionStop)

				ticker.Stop()
				ticker, tick = nil, nil
			}

		case <-tick:
			s.announce(sharding.ActionStart)

		case errc := <-s.quit:
			if ticker != nil {
				ticker.Stop()
				s.announce(sharding.ActionStop)
				s.logger.Info("Cluster singleton stopped", "member", s.self)
			}
			errc <- nil
			return
		}
	}
}

// announce reports the singleton's state to the sink, to be relayed to every
// other member.
func (s *Singleton) announce(kind sharding.ActionKind) {
	s.sink.Deliver(monitor.SingletonAction{Member: s.self, Kind: kind, Forward: true})
}
