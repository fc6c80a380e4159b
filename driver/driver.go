// Package driver generates synthetic traffic into the entity population.
//
// A driver keeps at most one request in flight. Every tick either sends a new
// request or, if the previous one is still unanswered, gives up on it; the tick
// interval is thus also the request timeout. Acks for given up requests are only
// logged.
package driver

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/karalabe/shardview/cluster"
	"github.com/karalabe/shardview/metrics"
	"github.com/patrickmn/go-cache"
)

// FallbackMembers is the member count assumed for pacing while the cluster
// reports no members at all.
const FallbackMembers = 3

// State is the phase of the request cycle.
type State uint8

const (
	Sending     State = iota // Next tick sends a request
	AwaitingAck              // A request is in flight
)

func (s State) String() string {
	switch s {
	case Sending:
		return "sending"
	case AwaitingAck:
		return "awaiting-ack"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Sender routes requests to entities. Replies must come back to the endpoint
// named by replyTo, carrying the same id.
type Sender interface {
	Tell(id string, msg interface{}, replyTo string) error
}

// Membership is the source of cluster size changes for adaptive pacing.
type Membership interface {
	Subscribe(ch chan cluster.Event) func()
}

// Config is the set of options to fine tune a driver.
type Config struct {
	Name     string        // Unique name of the driver, also its reply endpoint
	Source   Source        // Generator of the requests
	Rate     int           // Target requests per second cluster wide; zero for a fixed interval
	Interval time.Duration // Tick interval if Rate is zero
	Abandon  time.Duration // How long to remember given up requests

	Logger log.Logger // Logger to allow differentiating drivers if many is embedded
}

// Stats are the lifetime counters of a driver.
type Stats struct {
	Sent     uint64 // Requests sent
	Acked    uint64 // Requests acked in time
	Timeouts uint64 // Requests given up on
	Late     uint64 // Acks arriving for requests no longer in flight
}

// tickEvent is a timer firing.
type tickEvent struct{}

// ackEvent is a reply arriving to the driver's endpoint.
type ackEvent struct {
	id    string
	reply interface{}
}

// Driver is a single request generator.
type Driver struct {
	name     string
	source   Source
	sender   Sender
	rate     int
	interval time.Duration

	state     State
	inflight  string       // Id of the request in flight
	sentAt    time.Time    // Time the request in flight was sent
	abandoned *cache.Cache // Given up request ids to their send times

	sent     atomic.Uint64
	acked    atomic.Uint64
	timeouts atomic.Uint64
	late     atomic.Uint64

	acks   chan ackEvent
	logger log.Logger
	quit   chan chan error
	term   chan struct{}
}

// New creates a driver and starts generating requests. If membership is not nil
// and the driver is rate based, the tick interval follows the cluster size.
func New(config *Config, sender Sender, membership Membership) *Driver {
	d := newDriver(config, sender)
	go d.loop(membership)
	return d
}

// newDriver creates a driver without starting its loop.
func newDriver(config *Config, sender Sender) *Driver {
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	abandon := config.Abandon
	if abandon <= 0 {
		abandon = time.Minute
	}
	return &Driver{
		name:      config.Name,
		source:    config.Source,
		sender:    sender,
		rate:      config.Rate,
		interval:  interval,
		state:     Sending,
		abandoned: cache.New(abandon, 2*abandon),
		acks:      make(chan ackEvent, 16),
		logger:    logger.New("driver", config.Name),
		quit:      make(chan chan error),
		term:      make(chan struct{}),
	}
}

// Close stops the driver's ticker and loop.
func (d *Driver) Close() error {
	errc := make(chan error)
	select {
	case d.quit <- errc:
	case <-d.term:
		return nil // already terminated
	}
	err := <-errc
	close(d.term)
	return err
}

// Name returns the driver name, which is also its reply endpoint.
func (d *Driver) Name() string {
	return d.name
}

// Ack feeds a reply into the driver. It is meant to be registered as the reply
// endpoint of the driver on the shard region.
func (d *Driver) Ack(id string, reply interface{}) {
	select {
	case d.acks <- ackEvent{id: id, reply: reply}:
	case <-d.term:
	}
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Sent:     d.sent.Load(),
		Acked:    d.acked.Load(),
		Timeouts: d.timeouts.Load(),
		Late:     d.late.Load(),
	}
}

// Interval is the adaptive tick interval for a per second rate target with the
// given number of members: 1000/rate*members milliseconds, counting an empty
// cluster as FallbackMembers.
func Interval(rate int, members int) time.Duration {
	if members == 0 {
		members = FallbackMembers
	}
	return time.Duration(1000/rate*members) * time.Millisecond
}

// loop is the driver's single goroutine: it owns the ticker and the request
// state and handles ticks, acks and membership changes in order.
func (d *Driver) loop(membership Membership) {
	var events chan cluster.Event
	if d.rate > 0 && membership != nil {
		events = make(chan cluster.Event, 1)
		unsub := membership.Subscribe(events)
		defer unsub()
	}
	var ticker *time.Ticker
	if d.rate > 0 {
		ticker = d.schedule(nil, Interval(d.rate, 0), "start")
	} else {
		ticker = d.schedule(nil, d.interval, "start")
	}
	for {
		select {
		case <-ticker.C:
			d.handle(tickEvent{})

		case ack := <-d.acks:
			d.handle(ack)

		case event := <-events:
			ticker = d.schedule(ticker, Interval(d.rate, len(event.Members)), "membership")

		case errc := <-d.quit:
			ticker.Stop()
			d.logger.Info("Request driver stopped", "stats", fmt.Sprintf("%+v", d.Stats()))
			errc <- nil
			return
		}
	}
}

// schedule cancels the running ticker, if any, and starts a new one. The first
// tick is handled right away unless a request is in flight, which keeps the
// full new interval to be acked.
func (d *Driver) schedule(old *time.Ticker, interval time.Duration, reason string) *time.Ticker {
	if old != nil {
		old.Stop()
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	d.logger.Info("Scheduled request ticker", "interval", interval, "reason", reason)
	metrics.DriverInterval.WithLabelValues(d.name).Set(interval.Seconds())

	ticker := time.NewTicker(interval)
	if d.state == Sending {
		d.handle(tickEvent{})
	}
	return ticker
}

// handle is the state machine of the request cycle.
func (d *Driver) handle(event interface{}) {
	switch ev := event.(type) {
	case tickEvent:
		switch d.state {
		case Sending:
			d.send()
		case AwaitingAck:
			d.logger.Warn("No response to last request", "id", d.inflight, "age", time.Since(d.sentAt))

			d.timeouts.Add(1)
			metrics.DriverRequests.WithLabelValues(d.name, "timeout").Inc()

			d.abandoned.Set(d.inflight, d.sentAt, cache.DefaultExpiration)
			d.inflight, d.state = "", Sending
		}

	case ackEvent:
		if !d.source.Accepts(ev.reply) {
			d.logger.Warn("Dropping unexpected reply", "id", ev.id, "type", fmt.Sprintf("%T", ev.reply))
			return
		}
		if d.state == AwaitingAck && ev.id == d.inflight {
			d.logger.Info("Received", "reply", fmt.Sprintf("%+v", ev.reply), "rtt", time.Since(d.sentAt))

			d.acked.Add(1)
			metrics.DriverRequests.WithLabelValues(d.name, "acked").Inc()

			d.inflight, d.state = "", Sending
			return
		}
		d.late.Add(1)
		metrics.DriverRequests.WithLabelValues(d.name, "late").Inc()

		if sentAt, ok := d.abandoned.Get(ev.id); ok {
			d.logger.Warn("Received (late)", "id", ev.id, "reply", fmt.Sprintf("%+v", ev.reply), "age", time.Since(sentAt.(time.Time)))
		} else {
			d.logger.Warn("Received (late)", "id", ev.id, "reply", fmt.Sprintf("%+v", ev.reply))
		}
	}
}

// send issues a fresh request and waits for its ack.
func (d *Driver) send() {
	msg := d.source.Next()
	id := uuid.New().String()

	if err := d.sender.Tell(id, msg, d.name); err != nil {
		// A lost request is indistinguishable from an unanswered one, let the
		// next tick time it out
		d.logger.Debug("Failed to send request", "id", id, "err", err)
	}
	d.sent.Add(1)
	metrics.DriverRequests.WithLabelValues(d.name, "sent").Inc()

	d.inflight, d.sentAt, d.state = id, time.Now(), AwaitingAck
}
