// Package cluster tracks the members of a shardview cluster and communicates
// through their brokers.
//
// Every member keeps a producer to every known broker and a consumer on every
// known broker's topology topic. Local views of who is reachable are exchanged
// over that topic and merged into a global membership, which is what the rest of
// the system consumes: up-member snapshots, a leader signal, change events and a
// best effort point to point send.
package cluster

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/shardview/broker"
	"github.com/karalabe/shardview/metrics"
	"github.com/nsqio/go-nsq"
	"github.com/olekukonko/tablewriter"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrClusterTerminating is returned for requests against a closed cluster.
	ErrClusterTerminating = errors.New("cluster terminating")

	// ErrUnknownMember is returned when sending to a member that is not up.
	ErrUnknownMember = errors.New("unknown member")
)

// Config is the set of options to fine tune the membership maintenance.
type Config struct {
	External    *net.TCPAddr  // External address to advertise for the local broker
	HealthCheck time.Duration // Interval between liveness checks of remote brokers

	Logger log.Logger // Logger to allow differentiating clusters if many is embedded
}

// API request to have the local cluster join with a remote one.
type joinRequest struct {
	address *net.TCPAddr // Remote address to join with
	result  chan error   // Result of the join operation
}

type Cluster struct {
	address *net.TCPAddr   // External address of the local broker
	broker  *broker.Broker // Broker through which to communicate
	health  time.Duration  // Interval between liveness checks

	nodes map[string]*net.TCPAddr     // Known remote members and their addresses
	times map[string]uint64           // Timestamps of the last member updates
	views map[string]map[string]*node // Remote views of the member cluster
	prods map[string]*nsq.Producer    // Producers writing into each remote broker

	lock    sync.RWMutex        // Protects the fields below and prods for outside readers
	members []string            // Sorted names of the members currently up
	subs    map[chan Event]bool // Subscribers to membership changes

	join chan *joinRequest // Channel for requesting joining a remote cluster

	logger log.Logger      // Logger to allow differentiating clusters if many is embedded
	quit   chan chan error // Termination channel to tear down the node
	term   chan struct{}   // Notification channel of termination
}

// New initializes a new cluster and starts making and maintaining connections
// to remote members.
func New(config *Config, broker *broker.Broker) (*Cluster, error) {
	self := broker.Name()

	address := config.External
	if address == nil {
		address = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: broker.Port()}
	}
	health := config.HealthCheck
	if health <= 0 {
		health = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	cluster := &Cluster{
		address: address,
		broker:  broker,
		health:  health,
		nodes: map[string]*net.TCPAddr{
			self: address,
		},
		times: map[string]uint64{
			self: uint64(time.Now().UnixNano()),
		},
		views: map[string]map[string]*node{
			self: make(map[string]*node),
		},
		prods:  make(map[string]*nsq.Producer),
		subs:   make(map[chan Event]bool),
		join:   make(chan *joinRequest),
		logger: logger,
		quit:   make(chan chan error),
		term:   make(chan struct{}),
	}
	go cluster.maintain()
	return cluster, nil
}

// Close terminates the cluster maintenance routines, disconnects all the message
// producers and consumers and returns any previous faults.
func (c *Cluster) Close() error {
	errc := make(chan error)
	select {
	case c.quit <- errc:
	case <-c.term:
		return nil // already terminated
	}
	err := <-errc

	c.lock.Lock()
	for _, producer := range c.prods {
		producer.Stop()
	}
	c.prods = nil
	c.members = nil
	c.lock.Unlock()

	close(c.term)
	return err
}

// Join requests the local member to join a remote cluster via a remote rendezvous
// member. The local and remote cluster will automatically merge if the connection
// succeeds.
func (c *Cluster) Join(peer *net.TCPAddr) error {
	res := make(chan error)

	select {
	case c.join <- &joinRequest{address: peer, result: res}:
		return <-res
	case <-c.term:
		return ErrClusterTerminating
	}
}

// Self returns the name of the local member.
func (c *Cluster) Self() string {
	return c.broker.Name()
}

// Members returns the sorted names of all members currently up, self included.
func (c *Cluster) Members() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return append([]string(nil), c.members...)
}

// Leader returns the name of the current leader, which is deterministically the
// lowest named up member. Every member that agrees on the membership agrees on
// the leader; during churn two members may transiently both consider themselves
// leaders.
func (c *Cluster) Leader() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return leaderOf(c.members)
}

// Subscribe registers a channel to receive membership change events. The current
// membership is delivered right away. Slow consumers only ever see the latest
// event, older undelivered ones are replaced, so the channel should be buffered.
// The returned function cancels the subscription.
func (c *Cluster) Subscribe(ch chan Event) func() {
	c.lock.Lock()
	c.subs[ch] = true
	members := append([]string(nil), c.members...)
	c.lock.Unlock()

	deliver(ch, Event{Members: members, Leader: leaderOf(members), Joined: members})

	return func() {
		c.lock.Lock()
		delete(c.subs, ch)
		c.lock.Unlock()
	}
}

// Send publishes a message into a topic of the given member's broker. Delivery is
// best effort: the message is handed to the member's broker, nothing more.
func (c *Cluster) Send(member string, topic string, blob []byte) error {
	c.lock.RLock()
	producer, ok := c.prods[member]
	c.lock.RUnlock()

	if !ok {
		return pkgerrors.Wrapf(ErrUnknownMember, "send to %s", member)
	}
	return pkgerrors.WithMessage(producer.Publish(topic, blob), "publish")
}

// maintain is a background process that subscribes to all remote brokers and
// keeps exchanging cluster topology information with them, trying to keep the
// entire thing in one piece.
func (c *Cluster) maintain() {
	// Create a new topology consumer and stream updates into a maintenance channel
	consumer, err := c.broker.NewConsumer(topologyTopic)
	if err != nil {
		panic(err)
	}
	defer consumer.Stop()

	updateCh := make(chan *update)
	consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
		update := new(update)
		if err := json.Unmarshal(msg.Body, update); err != nil {
			return err
		}
		select {
		case updateCh <- update:
		case <-c.term:
		}
		return nil
	}))
	health := time.NewTicker(c.health)
	defer health.Stop()

	// Exchange topology messages until a failure or the cluster is torn down
	var errc chan error
	for errc == nil && err == nil {
		// Iterate over all the known brokers and connect the consumer to any
		// that's not yet connected. Since there's no easy way to retrieve which
		// is and which isn't, just YOLO it and handle duplicates.
		for _, addr := range c.nodes {
			switch err := consumer.ConnectToNSQD(addr.String()); err {
			case nsq.ErrAlreadyConnected:
				// We're still alive, nothing to do
			case nil:
				// New broker connected, waiting for events
			default:
				// Connection failed
			}
		}
		// Iterate over all the known brokers and connect new producers to any
		// that's not yet connected.
		var changed bool

		for name, addr := range c.nodes {
			// If a producer exists for the specific remote broker, ping it as a
			// health check; removing any failed producers (as well as the
			// consumer, since we assume they are symmetric).
			if producer, ok := c.prods[name]; ok {
				if err := producer.Ping(); err != nil {
					c.logger.Warn("Remote member became unreachable", "name", name, "err", err)
					consumer.DisconnectFromNSQD(addr.String())

					c.dropProducer(name)
					c.views[c.broker.Name()][name].Alive = false

					changed = true
				}
			}
			// If a producer does not exist (or was just disconnected), try to
			// reconnect with it either way.
			if _, ok := c.prods[name]; !ok {
				producer, err := c.broker.NewProducer(addr.String())
				if err != nil {
					continue
				}
				if producer.Ping() != nil {
					producer.Stop()
					continue
				}
				c.addProducer(name, producer)

				c.views[c.broker.Name()][name] = &node{
					Address: addr.String(),
					Alive:   true,
				}
				changed = true
			}
		}
		// If the local view of the network was changed, generate an update message
		// and publish it with all live producers
		if changed {
			msg := &update{
				Owner: c.broker.Name(),
				Time:  uint64(time.Now().UnixNano()),
				Nodes: c.views[c.broker.Name()],
			}
			blob, err := json.Marshal(msg)
			if err != nil {
				panic(err) // Can't fail, panic during development
			}
			for _, producer := range c.prods {
				if err := producer.Publish(topologyTopic, blob); err != nil {
					c.logger.Warn("Failed to publish topology update", "err", err)
				}
			}
			// Mark the local view updated to keep the timestamps correlated
			c.times[msg.Owner] = msg.Time

			c.refreshMembers()
			c.reportStats()
		}
		select {
		case errc = <-c.quit:
			continue

		case <-health.C:
			// Loop around to ping everyone and reconnect anything missing

		case req := <-c.join:
			// User request received to join a remote cluster, make sure it's
			// not yet connected
			logger := c.logger.New("addr", req.address)
			logger.Info("Requesting to join remote cluster")

			var known string
			for name, addr := range c.nodes {
				if req.address.String() == addr.String() {
					known = name
					break
				}
			}
			if known != "" {
				logger.Info("Requested peer already known", "name", known)
				req.result <- fmt.Errorf("peer already known as %s", known)
				continue
			}
			// Peer not yet known, create a temporary producer to check that the
			// remote peer accepts inbound connections and uses the same secret.
			producer, err := c.broker.NewProducer(req.address.String())
			if err != nil {
				logger.Warn("Failed to connect to remote peer", "err", err)
				req.result <- err
				continue
			}
			if err := producer.Ping(); err != nil {
				logger.Warn("Failed to check remote health", "err", err)
				producer.Stop()
				req.result <- err
				continue
			}
			// Remote peer alive and mutual authentication passed. Push a topology
			// update and drop the producer. This will force the members of the
			// remote cluster to dial back and give us their true external address
			// and name even if the user supplied something weird.
			msg := &update{
				Owner: c.broker.Name(),
				Time:  c.times[c.broker.Name()],
				Nodes: c.views[c.broker.Name()],
			}
			blob, err := json.Marshal(msg)
			if err != nil {
				panic(err) // Can't fail, panic during development
			}
			if err := producer.Publish(topologyTopic, blob); err != nil {
				c.logger.Warn("Failed to publish topology update", "err", err)
			}
			producer.Stop()

			req.result <- nil

		case update := <-updateCh:
			c.integrate(update, consumer)
		}
	}
	// If the loop was stopped due to an error, wait for the termination request
	// and then return. Otherwise, just feed the request a nil error.
	if errc == nil {
		errc = <-c.quit
	}
	errc <- err
}

// integrate merges a remote topology update into the local view.
func (c *Cluster) integrate(update *update, consumer *nsq.Consumer) {
	// Everyone receives their own updates too. Ignore those as they are useless
	// (also prevents a duplicate name from overwriting the local view).
	logger := c.logger.New("updater", update.Owner, "seqnum", update.Time)
	if update.Owner == c.broker.Name() {
		logger.Debug("Ignoring self update")
		return
	}
	// Topology update received, if it's stale or duplicate, ignore. As we're
	// publishing and consuming on a full graph, each update will be received the
	// number of members times.
	if c.times[update.Owner] >= update.Time {
		logger.Debug("Ignoring stale update")
		return
	}
	logger.Info("Updating topology with remote view")

	c.times[update.Owner] = update.Time
	c.views[update.Owner] = update.Nodes

	for name, infos := range update.Nodes {
		// Make sure the address is valid and drop any invalid entries
		addr, err := net.ResolveTCPAddr("tcp", infos.Address)
		if err != nil {
			logger.Warn("Failed to resolve advertised address", "name", name, "addr", infos.Address, "err", err)
			delete(c.views[update.Owner], name)
			continue
		}
		// If the remote member is unknown, start tracking it
		if _, ok := c.nodes[name]; !ok {
			// Address clashes might happen when member names are changed
			var (
				renamed  string
				accepted bool
			)
			for oldName, oldAddr := range c.nodes {
				if oldAddr.String() != infos.Address {
					continue
				}
				// Mark the member renamed - whether we accept it or not - to
				// avoid discovering it as new too
				renamed = oldName

				// If a member advertises the same address as an old one, check
				// any live connections and reject or accept based on that.
				if producer, ok := c.prods[renamed]; ok {
					if producer.Ping() == nil {
						logger.Warn("Rejecting new name for healthy member", "addr", infos.Address, "old", renamed, "new", name)
						break
					}
					logger.Warn("Accepted new name for failing member", "addr", infos.Address, "old", renamed, "new", name)
					accepted = true

					consumer.DisconnectFromNSQD(oldAddr.String())
					break
				}
				logger.Warn("Accepted new name for dead member", "addr", infos.Address, "old", renamed, "new", name)
				accepted = true
				break
			}
			if renamed != "" && accepted {
				c.nodes[name] = addr

				delete(c.nodes, renamed)
				delete(c.times, renamed)
				delete(c.views, renamed)
				c.dropProducer(renamed)

				delete(c.views[c.broker.Name()], renamed)
				continue
			}
			if renamed != "" {
				continue
			}
			logger.Info("Discovered new remote member", "name", name, "addr", infos.Address)
			c.nodes[name] = addr
			continue
		}
		// If the remote member was already known, use majority live address
		if old := c.nodes[name].String(); old != infos.Address {
			// If we have a live producer, ping the remote member to double-check
			if producer, ok := c.prods[name]; ok {
				if producer.Ping() == nil {
					logger.Warn("Rejecting new address for healthy member", "name", name, "old", old, "new", infos.Address)
					continue
				}
				logger.Warn("Accepted new address for failing member", "name", name, "old", old, "new", infos.Address)
				c.nodes[name] = addr
				c.views[c.broker.Name()][name].Alive = false

				consumer.DisconnectFromNSQD(old)
				c.dropProducer(name)
				continue
			}
			logger.Warn("Accepted new address for dead member", "name", name, "old", old, "new", infos.Address)
			c.nodes[name] = addr
		}
	}
	c.refreshMembers()
	c.reportStats()
}

// addProducer tracks a freshly connected producer.
func (c *Cluster) addProducer(name string, producer *nsq.Producer) {
	c.lock.Lock()
	c.prods[name] = producer
	c.lock.Unlock()
}

// dropProducer stops and forgets the producer of a member, if any.
func (c *Cluster) dropProducer(name string) {
	c.lock.Lock()
	producer, ok := c.prods[name]
	delete(c.prods, name)
	c.lock.Unlock()

	if ok {
		producer.Stop()
	}
}

// refreshMembers recomputes the up-member set from the live producers and, if it
// changed, notifies all subscribers.
func (c *Cluster) refreshMembers() {
	c.lock.Lock()
	members := make([]string, 0, len(c.prods))
	for name := range c.prods {
		members = append(members, name)
	}
	sort.Strings(members)

	joined, left := diffMembers(c.members, members)
	if len(joined) == 0 && len(left) == 0 {
		c.lock.Unlock()
		return
	}
	c.members = members
	metrics.ClusterMembers.Set(float64(len(members)))

	event := Event{Members: members, Leader: leaderOf(members), Joined: joined, Left: left}
	subs := make([]chan Event, 0, len(c.subs))
	for ch := range c.subs {
		subs = append(subs, ch)
	}
	c.lock.Unlock()

	c.logger.Info("Cluster membership changed", "members", len(members), "leader", event.Leader, "joined", joined, "left", left)
	for _, ch := range subs {
		deliver(ch, event)
	}
}

// deliver pushes an event into a subscriber channel, replacing any undelivered
// older event if the channel is full.
func deliver(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// diffMembers returns the names present only in next and only in prev. Both
// inputs must be sorted.
func diffMembers(prev, next []string) (joined, left []string) {
	i, j := 0, 0
	for i < len(prev) || j < len(next) {
		switch {
		case i == len(prev):
			joined = append(joined, next[j])
			j++
		case j == len(next):
			left = append(left, prev[i])
			i++
		case prev[i] == next[j]:
			i++
			j++
		case prev[i] < next[j]:
			left = append(left, prev[i])
			i++
		default:
			joined = append(joined, next[j])
			j++
		}
	}
	return joined, left
}

// leaderOf picks the leader of a sorted member set.
func leaderOf(members []string) string {
	if len(members) == 0 {
		return ""
	}
	return members[0]
}

// reportStats is a debug method to print the current cluster topology and any
// other stats that might be useful.
func (c *Cluster) reportStats() {
	var (
		buffer = new(bytes.Buffer)
		stats  = bufio.NewWriter(buffer)
	)
	fmt.Fprintf(stats, "Member name:    %s\n", c.broker.Name())
	fmt.Fprintf(stats, "Member address: %v\n", c.address)
	fmt.Fprintf(stats, "\n")

	brokers := make([]string, 0, len(c.nodes))
	for name := range c.nodes {
		brokers = append(brokers, name)
	}
	sort.Strings(brokers)

	c.reportClusterMembers(stats, brokers)
	c.reportConnectionMatrix(stats, brokers)
	c.reportUnaccountedBrokers(stats, brokers)

	stats.Flush()
	c.logger.Debug("Updated cluster topology\n\n" + buffer.String())
}

// reportClusterMembers creates a membership table to report which members the
// local node knows about and whether other members agree or not.
func (c *Cluster) reportClusterMembers(w io.Writer, brokers []string) {
	fmt.Fprintf(w, "Cluster members:\n")

	c.lock.RLock()
	leader := leaderOf(c.members)
	c.lock.RUnlock()

	members := make([][]string, 0, len(brokers))
	for i, broker := range brokers {
		var (
			id   = strconv.Itoa(i + 1)
			addr = c.nodes[broker].String()
			age  = time.Since(time.Unix(0, int64(c.times[broker]))).String()
			role string

			agree    = make([]string, 0, len(brokers))
			disagree = make([]string, 0, len(brokers))
			unknown  = make([]string, 0, len(brokers))
		)
		if broker == leader {
			role = "LEADER"
		}
		for j, name := range brokers {
			if c.views[name][broker] == nil {
				unknown = append(unknown, strconv.Itoa(j+1))
			} else if c.views[name][broker].Address != addr {
				disagree = append(disagree, strconv.Itoa(j+1))
			} else {
				agree = append(agree, strconv.Itoa(j+1))
			}
		}
		members = append(members, []string{id, broker, role, addr, age,
			fmt.Sprintf("%v", agree), fmt.Sprintf("%v", disagree), fmt.Sprintf("%v", unknown)})
	}
	renderTable(w, []string{"#", "Name", "Role", "Address", "Updated", "Agree", "Disagree", "Unaware"}, members)
	fmt.Fprintf(w, "\n")
}

// reportConnectionMatrix creates a connection matrix to report on which member
// reports being connected to which other members.
func (c *Cluster) reportConnectionMatrix(w io.Writer, brokers []string) {
	fmt.Fprintf(w, "Connection matrix:\n")

	header := make([]string, 0, len(brokers))
	matrix := make([][]string, 0, len(brokers))

	for i, broker := range brokers {
		connected := make(map[int]bool)
		for name, node := range c.views[broker] {
			if idx := sort.SearchStrings(brokers, name); idx < len(brokers) && brokers[idx] == name {
				connected[idx] = node.Alive
			}
		}
		row := []string{strconv.Itoa(i + 1)}
		for idx := 0; idx < len(brokers); idx++ {
			if connected[idx] {
				row = append(row, "Y")
			} else {
				row = append(row, "N")
			}
		}
		header = append(header, strconv.Itoa(i+1))
		matrix = append(matrix, row)
	}
	renderTable(w, append([]string{""}, header...), matrix)
	fmt.Fprintf(w, "\n")
}

// reportUnaccountedBrokers creates a report on members that remote nodes have
// advertised, but for some reason the local node rejected them.
func (c *Cluster) reportUnaccountedBrokers(w io.Writer, brokers []string) {
	unaccounted := make([][]string, 0, len(brokers))
	for src, view := range c.views {
		var extras []string
		for dst := range view {
			if idx := sort.SearchStrings(brokers, dst); idx == len(brokers) || brokers[idx] != dst {
				extras = append(extras, dst)
			}
		}
		if len(extras) > 0 {
			sort.Strings(extras)
			unaccounted = append(unaccounted, []string{src, extras[0], view[extras[0]].Address})
			for _, extra := range extras[1:] {
				unaccounted = append(unaccounted, []string{"", extra, view[extra].Address})
			}
		}
	}
	if len(unaccounted) == 0 {
		return
	}
	fmt.Fprintf(w, "Dangling views:\n")
	renderTable(w, []string{"Source", "Target", "Address"}, unaccounted)
	fmt.Fprintf(w, "\n")
}

// renderTable writes a borderless table, the layout all stats reports share.
func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}
