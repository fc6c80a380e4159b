package driver

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/karalabe/shardview/cluster"
	"github.com/karalabe/shardview/sharding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// told is a request captured by testSender.
type told struct {
	id      string
	msg     interface{}
	replyTo string
}

// testSender records every request and optionally acks them through a driver.
type testSender struct {
	lock sync.Mutex
	told []told
	ack  func(id string, msg interface{}) // Auto-responder, nil to stay silent
}

func (s *testSender) Tell(id string, msg interface{}, replyTo string) error {
	s.lock.Lock()
	s.told = append(s.told, told{id: id, msg: msg, replyTo: replyTo})
	ack := s.ack
	s.lock.Unlock()

	if ack != nil {
		go ack(id, msg)
	}
	return nil
}

func (s *testSender) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.told)
}

func (s *testSender) last() told {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.told[len(s.told)-1]
}

func newTestDriver(source Source) (*Driver, *testSender) {
	sender := new(testSender)
	return newDriver(&Config{Name: "test", Source: source, Interval: time.Second}, sender), sender
}

func TestDriverTimeout(t *testing.T) {
	d, sender := newTestDriver(NewCommandSource("test", 1, 100))

	d.handle(tickEvent{})
	require.Equal(t, AwaitingAck, d.state)
	first := sender.last()

	d.handle(tickEvent{})
	assert.Equal(t, Sending, d.state)
	assert.Equal(t, Stats{Sent: 1, Timeouts: 1}, d.Stats())
	assert.Equal(t, 1, sender.count())

	// The next tick issues a new request instead of retrying the old one
	d.handle(tickEvent{})
	assert.Equal(t, 2, sender.count())
	assert.NotEqual(t, first.id, sender.last().id)
	assert.NotEqual(t, first.msg, sender.last().msg)
	assert.Equal(t, uint64(1), d.Stats().Timeouts)
}

func TestDriverAcked(t *testing.T) {
	d, sender := newTestDriver(NewCommandSource("test", 1, 100))

	d.handle(tickEvent{})
	d.handle(ackEvent{id: sender.last().id, reply: sharding.CommandAck{Action: sharding.AckInitialize}})
	assert.Equal(t, Sending, d.state)

	d.handle(tickEvent{})
	d.handle(ackEvent{id: sender.last().id, reply: sharding.CommandAck{Action: sharding.AckUpdate}})

	assert.Equal(t, Stats{Sent: 2, Acked: 2}, d.Stats())
	assert.Equal(t, 2, sender.count())
	assert.Equal(t, "test", sender.last().replyTo)
}

func TestDriverLateAck(t *testing.T) {
	d, sender := newTestDriver(NewQuerySource(1, 100))

	d.handle(tickEvent{})
	abandoned := sender.last().id
	d.handle(tickEvent{})
	d.handle(tickEvent{})
	inflight := sender.last().id

	// An ack for the abandoned request must not complete the current one
	d.handle(ackEvent{id: abandoned, reply: sharding.QueryAckNotFound{ID: "1"}})
	assert.Equal(t, AwaitingAck, d.state)
	assert.Equal(t, inflight, d.inflight)

	_, ok := d.abandoned.Get(abandoned)
	assert.True(t, ok)

	// Unknown ids are late too, no matter the state
	d.handle(ackEvent{id: "bogus", reply: sharding.QueryAck{}})
	assert.Equal(t, AwaitingAck, d.state)

	d.handle(ackEvent{id: inflight, reply: sharding.QueryAck{}})
	assert.Equal(t, Sending, d.state)

	d.handle(ackEvent{id: inflight, reply: sharding.QueryAck{}})
	assert.Equal(t, Stats{Sent: 2, Acked: 1, Timeouts: 1, Late: 3}, d.Stats())
}

func TestDriverIgnoresForeignReplies(t *testing.T) {
	d, sender := newTestDriver(NewCommandSource("test", 1, 100))

	d.handle(tickEvent{})
	d.handle(ackEvent{id: sender.last().id, reply: sharding.QueryAck{}})

	assert.Equal(t, AwaitingAck, d.state)
	assert.Equal(t, Stats{Sent: 1}, d.Stats())
}

func TestInterval(t *testing.T) {
	assert.Equal(t, 300*time.Millisecond, Interval(10, 0))
	assert.Equal(t, 100*time.Millisecond, Interval(10, 1))
	assert.Equal(t, 300*time.Millisecond, Interval(10, 3))
	assert.Equal(t, 500*time.Millisecond, Interval(10, 5))
	assert.Equal(t, 150*time.Millisecond, Interval(20, 3))
}

func TestCommandSource(t *testing.T) {
	source := NewCommandSource("cmd", 1, 3)

	for i := 1; i <= 100; i++ {
		cmd, ok := source.Next().(sharding.Command)
		require.True(t, ok)
		assert.Equal(t, "cmd-"+strconv.Itoa(i), cmd.Entity.Value)

		id, err := strconv.Atoi(cmd.Entity.ID)
		require.NoError(t, err)
		assert.True(t, id >= 1 && id <= 3, "id %d out of range", id)
	}
	assert.True(t, source.Accepts(sharding.CommandAck{}))
	assert.False(t, source.Accepts(sharding.QueryAck{}))
}

func TestQuerySource(t *testing.T) {
	source := NewQuerySource(5, 5)

	query, ok := source.Next().(sharding.Query)
	require.True(t, ok)
	assert.Equal(t, "5", query.ID)

	assert.True(t, source.Accepts(sharding.QueryAck{}))
	assert.True(t, source.Accepts(sharding.QueryAckNotFound{}))
	assert.False(t, source.Accepts(sharding.CommandAck{}))
}

// testMembership hands out the subscription channel to the test.
type testMembership struct {
	subs chan chan cluster.Event
}

func (m *testMembership) Subscribe(ch chan cluster.Event) func() {
	m.subs <- ch
	return func() {}
}

// Tests that the running driver sends right away, keeps going while acked and
// picks up membership changes.
func TestDriverLoop(t *testing.T) {
	membership := &testMembership{subs: make(chan chan cluster.Event, 1)}
	sender := new(testSender)

	d := New(&Config{Name: "loop", Source: NewCommandSource("loop", 1, 100), Rate: 10}, sender, membership)
	defer d.Close()

	sender.lock.Lock()
	sender.ack = func(id string, msg interface{}) {
		d.Ack(id, sharding.CommandAck{Action: sharding.AckUpdate, Entity: msg.(sharding.Command).Entity})
	}
	sender.lock.Unlock()

	events := <-membership.subs
	events <- cluster.Event{Members: []string{"a"}}

	deadline := time.Now().Add(5 * time.Second)
	for d.Stats().Acked < 5 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, d.Stats().Acked >= 5, "driver stalled: %+v", d.Stats())

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
}

// eagerMembership reports the current members on subscription, like the cluster.
type eagerMembership struct {
	members []string
}

func (m *eagerMembership) Subscribe(ch chan cluster.Event) func() {
	ch <- cluster.Event{Members: m.members}
	return func() {}
}

// Tests that a membership change does not give up on the request in flight.
func TestDriverRescheduleKeepsInflight(t *testing.T) {
	var (
		d     *Driver
		ready = make(chan struct{})
	)
	sender := &testSender{ack: func(id string, msg interface{}) {
		<-ready
		time.Sleep(20 * time.Millisecond)
		d.Ack(id, sharding.CommandAck{Action: sharding.AckInitialize, Entity: msg.(sharding.Command).Entity})
	}}
	d = New(&Config{Name: "eager", Source: NewCommandSource("eager", 1, 100), Rate: 10}, sender, &eagerMembership{members: []string{"a", "b", "c"}})
	defer d.Close()
	close(ready)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, Stats{Sent: 1, Acked: 1}, d.Stats())
}

// Tests that rescheduling while idle sends right away, but while awaiting an ack
// leaves the request alone.
func TestDriverScheduleState(t *testing.T) {
	d, sender := newTestDriver(NewCommandSource("test", 1, 100))

	ticker := d.schedule(nil, time.Hour, "start")
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, AwaitingAck, d.state)

	ticker = d.schedule(ticker, time.Hour, "membership")
	defer ticker.Stop()

	assert.Equal(t, 1, sender.count())
	assert.Equal(t, AwaitingAck, d.state)
	assert.Equal(t, Stats{Sent: 1}, d.Stats())
}
