package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/karalabe/shardview/sharding"
	"github.com/karalabe/shardview/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sent is a message captured by testCluster.
type sent struct {
	member string
	topic  string
	msg    interface{}
}

// testCluster is a fixed membership recording every message sent through it.
type testCluster struct {
	self    string
	members []string

	lock sync.Mutex
	sent []sent
}

func (c *testCluster) Self() string      { return c.self }
func (c *testCluster) Members() []string { return c.members }

func (c *testCluster) Send(member string, topic string, blob []byte) error {
	msg, err := sharding.Unmarshal(blob)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	c.sent = append(c.sent, sent{member: member, topic: topic, msg: msg})
	return nil
}

func (c *testCluster) messages() []sent {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]sent{}, c.sent...)
}

func newTestMonitor(t *testing.T, leave func()) (*Monitor, *testCluster) {
	cluster := &testCluster{self: "a", members: []string{"a", "b", "c"}}
	m := New(&Config{StatsCount: 3, StatsInterval: time.Hour, Leave: leave}, cluster)
	t.Cleanup(func() { m.Close() })
	return m, cluster
}

// snapshot renders the monitor's tree, which also flushes its inbox.
func snapshot(t *testing.T, m *Monitor) *topology.Node {
	blob, err := m.Snapshot()
	require.NoError(t, err)

	root := new(topology.Node)
	require.NoError(t, json.Unmarshal(blob, root))
	return root
}

func find(node *topology.Node, name string) *topology.Node {
	if node.Name == name {
		return node
	}
	for _, child := range node.Children {
		if found := find(child, name); found != nil {
			return found
		}
	}
	return nil
}

func TestMonitorForwardsLocalActions(t *testing.T) {
	m, cluster := newTestMonitor(t, nil)

	m.Notify(sharding.Action{Member: "a", ShardID: "3", EntityID: "42", Kind: sharding.ActionStart, Forward: true})
	root := snapshot(t, m)

	require.NotNil(t, find(root, "42"))
	assert.True(t, find(root, "42").Tags.Has(topology.TagEntity))

	msgs := cluster.messages()
	require.Len(t, msgs, 2)
	for i, member := range []string{"b", "c"} {
		assert.Equal(t, member, msgs[i].member)
		assert.Equal(t, Topic, msgs[i].topic)
		assert.Equal(t, sharding.Action{Member: "a", ShardID: "3", EntityID: "42", Kind: sharding.ActionStart}, msgs[i].msg)
	}
}

func TestMonitorDoesNotRelayRemoteActions(t *testing.T) {
	m, cluster := newTestMonitor(t, nil)

	m.Deliver(sharding.Action{Member: "b", ShardID: "3", EntityID: "42", Kind: sharding.ActionStart})
	m.Deliver(SingletonAction{Member: "b", Kind: sharding.ActionStart})
	root := snapshot(t, m)

	assert.NotNil(t, find(root, "42"))
	assert.True(t, find(root, "b").Tags.Has(topology.TagSingleton))
	assert.Empty(t, cluster.messages())

	m.Deliver(sharding.Action{Member: "b", ShardID: "3", EntityID: "42", Kind: sharding.ActionStop})
	root = snapshot(t, m)

	assert.Nil(t, find(root, "42"))
	assert.Nil(t, find(root, "b"))
	assert.Empty(t, cluster.messages())
}

func TestMonitorSingletonActions(t *testing.T) {
	m, cluster := newTestMonitor(t, nil)

	// Only members hosting entities can carry tags
	m.Deliver(sharding.Action{Member: "a", ShardID: "1", EntityID: "1", Kind: sharding.ActionStart})
	m.Deliver(sharding.Action{Member: "b", ShardID: "1", EntityID: "2", Kind: sharding.ActionStart})
	m.Deliver(SingletonAction{Member: "a", Kind: sharding.ActionStart, Forward: true})
	root := snapshot(t, m)

	assert.True(t, find(root, "a").Tags.Has(topology.TagSingleton))
	assert.False(t, find(root, "b").Tags.Has(topology.TagSingleton))

	// Moving the singleton clears it from the previous holder
	m.Deliver(SingletonAction{Member: "b", Kind: sharding.ActionStart})
	root = snapshot(t, m)

	assert.False(t, find(root, "a").Tags.Has(topology.TagSingleton))
	assert.True(t, find(root, "b").Tags.Has(topology.TagSingleton))

	m.Deliver(SingletonAction{Member: "b", Kind: sharding.ActionStop})
	root = snapshot(t, m)
	assert.False(t, find(root, "b").Tags.Has(topology.TagSingleton))

	msgs := cluster.messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, SingletonAction{Member: "a", Kind: sharding.ActionStart}, msg.msg)
	}
}

func TestMonitorSnapshotTagsServer(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	m.Deliver(sharding.Action{Member: "a", ShardID: "1", EntityID: "1", Kind: sharding.ActionStart})

	root := snapshot(t, m)
	assert.Equal(t, "cluster", root.Name)
	assert.True(t, root.Tags.Has(topology.TagCluster))

	self := find(root, "a")
	require.NotNil(t, self)
	assert.True(t, self.Tags.Has(topology.TagMember))
	assert.True(t, self.Tags.Has(topology.TagHTTPServer))
}

func TestMonitorProcessed(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	m.Notify(sharding.Action{Member: "a", ShardID: "3", EntityID: "42", Kind: sharding.ActionStart})
	for i := 0; i < 3; i++ {
		m.Processed("3", "42")
	}
	root := snapshot(t, m)
	assert.Equal(t, 3, find(root, "42").Events)
}

func TestMonitorStopNode(t *testing.T) {
	left := make(chan struct{}, 2)
	m, _ := newTestMonitor(t, func() { left <- struct{}{} })

	m.Deliver(StopNode{Member: "b"})
	snapshot(t, m)

	select {
	case <-left:
		t.Fatalf("left the cluster on a foreign stop request")
	case <-time.After(50 * time.Millisecond):
	}
	m.Deliver(StopNode{Member: "a"})

	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatalf("did not leave the cluster")
	}
}

func TestMonitorBroadcastStopNode(t *testing.T) {
	m, cluster := newTestMonitor(t, nil)

	require.NoError(t, m.BroadcastStopNode("c"))

	msgs := cluster.messages()
	require.Len(t, msgs, 3)
	for i, member := range []string{"a", "b", "c"} {
		assert.Equal(t, member, msgs[i].member)
		assert.Equal(t, StopNode{Member: "c"}, msgs[i].msg)
	}
}

func TestMonitorHandleMessage(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	m.Deliver(sharding.Action{Member: "c", ShardID: "1", EntityID: "1", Kind: sharding.ActionStart})

	blob, err := sharding.Marshal(SingletonAction{Member: "c", Kind: sharding.ActionStart})
	require.NoError(t, err)
	require.NoError(t, m.HandleMessage(blob))

	root := snapshot(t, m)
	assert.True(t, find(root, "c").Tags.Has(topology.TagSingleton))

	blob, err = sharding.Marshal(sharding.Query{ID: "1"})
	require.NoError(t, err)
	assert.Error(t, m.HandleMessage(blob))
	assert.Error(t, m.HandleMessage([]byte{0x01}))
}

func TestMonitorClosed(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Snapshot()
	assert.Equal(t, ErrMonitorTerminating, err)
	_, err = m.Statistics()
	assert.Equal(t, ErrMonitorTerminating, err)

	m.Deliver(StopNode{Member: "a"}) // must not block
}

func TestMonitorHTTP(t *testing.T) {
	m, cluster := newTestMonitor(t, nil)
	m.Notify(sharding.Action{Member: "a", ShardID: "0", EntityID: "7", Kind: sharding.ActionStart})

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})
	srv := httptest.NewServer(m.Handler(metrics))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/topology")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	root := new(topology.Node)
	require.NoError(t, json.NewDecoder(res.Body).Decode(root))
	assert.NotNil(t, find(root, "7"))

	res, err = http.Get(srv.URL + "/statistics")
	require.NoError(t, err)
	defer res.Body.Close()

	stats := new(topology.Statistics)
	require.NoError(t, json.NewDecoder(res.Body).Decode(stats))
	assert.Equal(t, 3, stats.StatisticCount)
	assert.Len(t, stats.Statistics, 3)

	res, err = http.Post(srv.URL+"/members/b/stop", "text/plain", strings.NewReader(""))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Len(t, cluster.messages(), 3)

	res, err = http.Get(srv.URL + "/members/b/stop")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	for path, body := range map[string]string{"/healthz": "ok", "/metrics": "metrics"} {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		blob, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, body, string(blob), "path %s", path)
	}
}
