// Package monitor owns the local topology view of a member. It applies entity
// and singleton lifecycle actions to the tree, relays locally originated actions
// to every other member exactly once, samples activity statistics and serves
// all of it over HTTP.
package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/shardview/metrics"
	"github.com/karalabe/shardview/sharding"
	"github.com/karalabe/shardview/topology"
)

// ErrMonitorTerminating is returned for requests against a closed monitor.
var ErrMonitorTerminating = errors.New("monitor terminating")

// Cluster is the membership and messaging substrate actions are relayed over.
type Cluster interface {
	Self() string
	Members() []string
	Send(member string, topic string, blob []byte) error
}

// Config is the set of options to fine tune the monitor.
type Config struct {
	StatsCount    int           // Number of statistics samples to retain
	StatsInterval time.Duration // Interval between statistics samples
	Leave         func()        // Invoked when this member is asked to stop

	Logger log.Logger // Logger to allow differentiating monitors if many is embedded
}

// processed is the internal notification of a message handled by a local entity.
type processed struct {
	shard  string
	entity string
}

// snapshotRequest asks the monitor loop for a rendering of the tree.
type snapshotRequest struct {
	result chan []byte
}

// statisticsRequest asks the monitor loop for a copy of the statistics.
type statisticsRequest struct {
	result chan *topology.Statistics
}

// Monitor is the topology aggregator of a member. The tree and statistics are
// owned by a single goroutine; everything else talks to it through its inbox.
type Monitor struct {
	cluster Cluster
	leave   func()

	tree     *topology.Tree
	stats    *topology.Statistics
	interval time.Duration
	commands int // Entity messages processed since the last sample

	inbox  chan interface{}
	logger log.Logger
	quit   chan chan error
	term   chan struct{}
}

// New creates a monitor and starts its aggregation loop.
func New(config *Config, cluster Cluster) *Monitor {
	count := config.StatsCount
	if count <= 0 {
		count = 121
	}
	interval := config.StatsInterval
	if interval <= 0 {
		interval = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	m := &Monitor{
		cluster:  cluster,
		leave:    config.Leave,
		tree:     topology.NewTree("cluster"),
		stats:    topology.NewStatistics(count, interval, time.Now()),
		interval: interval,
		inbox:    make(chan interface{}, 256),
		logger:   logger,
		quit:     make(chan chan error),
		term:     make(chan struct{}),
	}
	go m.loop()
	return m
}

// Close terminates the aggregation loop.
func (m *Monitor) Close() error {
	errc := make(chan error)
	select {
	case m.quit <- errc:
	case <-m.term:
		return nil // already terminated
	}
	err := <-errc
	close(m.term)
	return err
}

// Deliver queues a message for the monitor: a sharding.Action, SingletonAction
// or StopNode. Messages delivered after Close are dropped.
func (m *Monitor) Deliver(msg interface{}) {
	select {
	case m.inbox <- msg:
	case <-m.term:
	}
}

// Notify implements sharding.Sink.
func (m *Monitor) Notify(action sharding.Action) {
	m.Deliver(action)
}

// Processed implements sharding.Sink.
func (m *Monitor) Processed(shardID, entityID string) {
	m.Deliver(processed{shard: shardID, entity: entityID})
}

// HandleMessage decodes a monitor message published by another member (or by a
// control client) and delivers it.
func (m *Monitor) HandleMessage(blob []byte) error {
	msg, err := sharding.Unmarshal(blob)
	if err != nil {
		return err
	}
	switch msg.(type) {
	case sharding.Action, SingletonAction, StopNode:
		m.Deliver(msg)
		return nil
	default:
		return fmt.Errorf("unexpected monitor message %T", msg)
	}
}

// BroadcastStopNode asks every member, this one included, to check whether it
// is the named member and leave the cluster if so.
func (m *Monitor) BroadcastStopNode(member string) error {
	blob, err := sharding.Marshal(StopNode{Member: member})
	if err != nil {
		return err
	}
	var delivered bool
	for _, peer := range m.cluster.Members() {
		if err := m.cluster.Send(peer, Topic, blob); err != nil {
			m.logger.Debug("Failed to send stop request", "member", peer, "err", err)
			continue
		}
		delivered = delivered || peer == m.cluster.Self()
	}
	if !delivered {
		m.Deliver(StopNode{Member: member})
	}
	return nil
}

// Snapshot renders the topology tree as JSON. The local member is tagged as the
// one serving the view first.
func (m *Monitor) Snapshot() ([]byte, error) {
	req := &snapshotRequest{result: make(chan []byte, 1)}
	select {
	case m.inbox <- req:
	case <-m.term:
		return nil, ErrMonitorTerminating
	}
	select {
	case blob := <-req.result:
		return blob, nil
	case <-m.term:
		return nil, ErrMonitorTerminating
	}
}

// Statistics returns a copy of the sampled activity statistics.
func (m *Monitor) Statistics() (*topology.Statistics, error) {
	req := &statisticsRequest{result: make(chan *topology.Statistics, 1)}
	select {
	case m.inbox <- req:
	case <-m.term:
		return nil, ErrMonitorTerminating
	}
	select {
	case stats := <-req.result:
		return stats, nil
	case <-m.term:
		return nil, ErrMonitorTerminating
	}
}

// loop is the single owner of the tree and the statistics.
func (m *Monitor) loop() {
	sampler := time.NewTicker(m.interval)
	defer sampler.Stop()

	for {
		select {
		case msg := <-m.inbox:
			m.handle(msg)

		case now := <-sampler.C:
			entities := m.tree.LeafCount()
			m.stats.Add(topology.Statistic{
				Time:         now.UnixMilli(),
				EntityCount:  entities,
				CommandCount: m.commands,
			})
			m.commands = 0
			metrics.TopologyEntities.Set(float64(entities))

		case errc := <-m.quit:
			// Flush queued actions so final stops still reach the other members
			for len(m.inbox) > 0 {
				m.handle(<-m.inbox)
			}
			errc <- nil
			return
		}
	}
}

// handle applies a single inbox message.
func (m *Monitor) handle(msg interface{}) {
	switch msg := msg.(type) {
	case sharding.Action:
		m.logger.Debug("Entity action", "member", msg.Member, "shard", msg.ShardID, "entity", msg.EntityID, "kind", msg.Kind, "forward", msg.Forward)
		switch msg.Kind {
		case sharding.ActionStart:
			m.tree.Add(msg.Member, msg.ShardID, msg.EntityID)
		case sharding.ActionStop:
			m.tree.Remove(msg.Member, msg.ShardID, msg.EntityID)
		}
		if msg.Forward {
			m.forward(msg.AsNoForward())
		}

	case SingletonAction:
		m.logger.Info("Singleton action", "member", msg.Member, "kind", msg.Kind, "forward", msg.Forward)
		switch msg.Kind {
		case sharding.ActionStart:
			m.tree.SetMemberTag(msg.Member, topology.TagSingleton)
		case sharding.ActionStop:
			m.tree.UnsetMemberTag(msg.Member, topology.TagSingleton)
		}
		if msg.Forward {
			m.forward(msg.AsNoForward())
		}

	case StopNode:
		m.logger.Info("Stop requested", "member", msg.Member)
		if msg.Member == m.cluster.Self() && m.leave != nil {
			m.logger.Info("Stopping node", "member", msg.Member)
			go m.leave()
		}

	case processed:
		m.tree.IncrementEvents(m.cluster.Self(), msg.shard, msg.entity)
		m.commands++

	case *snapshotRequest:
		m.tree.SetMemberTag(m.cluster.Self(), topology.TagHTTPServer)
		blob, err := json.Marshal(m.tree)
		if err != nil {
			panic(err) // Can't fail, panic during development
		}
		msg.result <- blob

	case *statisticsRequest:
		msg.result <- m.stats.Copy()

	default:
		m.logger.Warn("Dropping unexpected monitor message", "type", fmt.Sprintf("%T", msg))
	}
}

// forward relays an action to the monitor of every other member currently up.
// Unreachable members are skipped, the relay is never retried.
func (m *Monitor) forward(msg interface{}) {
	blob, err := sharding.Marshal(msg)
	if err != nil {
		m.logger.Error("Failed to encode relayed action", "err", err)
		return
	}
	self := m.cluster.Self()
	for _, member := range m.cluster.Members() {
		if member == self {
			continue
		}
		if err := m.cluster.Send(member, Topic, blob); err != nil {
			m.logger.Debug("Failed to relay action", "member", member, "err", err)
			metrics.BroadcastFailures.Inc()
			continue
		}
		metrics.BroadcastsSent.Inc()
	}
}
