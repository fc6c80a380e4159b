// Package sharding places entities into shards, shards onto cluster members, and
// runs the entity processes of the shards the local member owns.
package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/karalabe/shardview/metrics"
	pkgerrors "github.com/pkg/errors"
)

const (
	// EntitiesTopic is where messages routed to entities are published, on the
	// broker of the member owning the shard.
	EntitiesTopic = ".entities#ephemeral"

	// RepliesTopic is where entity replies are published, on the broker of the
	// member that sent the request.
	RepliesTopic = ".replies#ephemeral"
)

var (
	// ErrRegionClosed is returned when delivering into a stopped region.
	ErrRegionClosed = errors.New("region closed")

	// ErrNoRoute is returned when a message cannot be handed to its entity.
	ErrNoRoute = errors.New("no route")
)

// Transport is the membership and messaging substrate a region routes over.
type Transport interface {
	Self() string
	Members() []string
	Send(member string, topic string, blob []byte) error
}

// Sink receives what the local entity processes report.
type Sink interface {
	// Notify is called with every lifecycle action of a local entity.
	Notify(action Action)

	// Processed is called after a local entity handled a message.
	Processed(shardID, entityID string)
}

// ReplyFunc is a reply endpoint. The id is the one the request was told with.
type ReplyFunc func(id string, reply interface{})

// Config is the set of options to fine tune a shard region.
type Config struct {
	Shards      int           // Number of shards to split the entity space into
	IdleTimeout time.Duration // Inactivity after which entities are passivated
	Mailbox     int           // Number of messages an entity can have queued

	Logger log.Logger // Logger to allow differentiating regions if many is embedded
}

// Region routes messages to entities, wherever in the cluster they live, and
// hosts the entities of the shards the local member owns.
type Region struct {
	extract   Extractor
	idle      time.Duration
	mailbox   int
	transport Transport
	sink      Sink

	entities  map[string]*entity       // Live entity processes by entity id
	exiting   map[string]chan struct{} // Passivated processes not yet stopped
	endpoints map[string]ReplyFunc     // Reply endpoints by name
	closed    bool
	lock      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger log.Logger
}

// NewRegion creates a shard region on top of a transport, reporting entity
// activity into the sink.
func NewRegion(config *Config, transport Transport, sink Sink) *Region {
	idle := config.IdleTimeout
	if idle <= 0 {
		idle = 15 * time.Second
	}
	mailbox := config.Mailbox
	if mailbox <= 0 {
		mailbox = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Region{
		extract:   Extractor{Shards: config.Shards},
		idle:      idle,
		mailbox:   mailbox,
		transport: transport,
		sink:      sink,
		entities:  make(map[string]*entity),
		exiting:   make(map[string]chan struct{}),
		endpoints: make(map[string]ReplyFunc),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Close stops every local entity process, waiting for their stop actions to be
// emitted.
func (r *Region) Close() error {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}

// Register installs a named reply endpoint. Replies to messages told with this
// endpoint as replyTo are fed into fn, on whichever member they originate.
func (r *Region) Register(endpoint string, fn ReplyFunc) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.endpoints[endpoint] = fn
}

// Tell routes a message to its entity. If id is empty a fresh one is generated;
// if replyTo is empty the reply is discarded. Delivery is best effort, a nil
// error only means the message was handed off.
func (r *Region) Tell(id string, msg interface{}, replyTo string) error {
	shard, entity, ok := r.extract.Extract(msg)
	if !ok {
		metrics.RoutingMisses.Inc()
		r.logger.Debug("Dropping unroutable message", "msg", msg)
		return pkgerrors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
	switch m := msg.(type) {
	case *Command:
		msg = *m
	case *Query:
		msg = *m
	}
	if id == "" {
		id = uuid.New().String()
	}
	self := r.transport.Self()

	owner := Owner(shard, r.transport.Members())
	if owner == "" || owner == self {
		return r.deliver(shard, entity, msg, r.localReply(replyTo, id))
	}
	typ, body, err := EncodePayload(msg)
	if err != nil {
		return err
	}
	blob, err := EncodeEnvelope(&Envelope{
		ID:       id,
		Type:     typ,
		ShardID:  shard,
		EntityID: entity,
		From:     self,
		ReplyTo:  replyTo,
		Body:     body,
	})
	if err != nil {
		return err
	}
	if err := r.transport.Send(owner, EntitiesTopic, blob); err != nil {
		metrics.RoutingMisses.Inc()
		return pkgerrors.Wrapf(ErrNoRoute, "send to %s: %v", owner, err)
	}
	return nil
}

// HandleEnvelope delivers a message routed here by another member. The region
// hosts it regardless of current ownership; placement is advisory.
func (r *Region) HandleEnvelope(blob []byte) error {
	env, err := DecodeEnvelope(blob)
	if err != nil {
		return err
	}
	msg, err := DecodePayload(env.Type, env.Body)
	if err != nil {
		return err
	}
	// Only entity messages may spawn entities, whatever the envelope claims
	_, entity, ok := r.extract.Extract(msg)
	if !ok {
		metrics.RoutingMisses.Inc()
		r.logger.Debug("Dropping unroutable envelope", "from", env.From, "type", fmt.Sprintf("%T", msg))
		return pkgerrors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
	if entity != env.EntityID {
		metrics.RoutingMisses.Inc()
		return pkgerrors.Wrapf(ErrNoRoute, "envelope entity %q, message entity %q", env.EntityID, entity)
	}
	var reply func(interface{})
	if env.ReplyTo != "" {
		if env.From == r.transport.Self() {
			reply = r.localReply(env.ReplyTo, env.ID)
		} else {
			reply = r.remoteReply(env)
		}
	}
	return r.deliver(env.ShardID, env.EntityID, msg, reply)
}

// HandleReply dispatches a reply sent back by the member hosting an entity.
func (r *Region) HandleReply(blob []byte) error {
	env, err := DecodeEnvelope(blob)
	if err != nil {
		return err
	}
	reply, err := DecodePayload(env.Type, env.Body)
	if err != nil {
		return err
	}
	r.dispatch(env.ReplyTo, env.ID, reply)
	return nil
}

// Entities returns the number of entity processes currently hosted.
func (r *Region) Entities() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.entities)
}

// localReply returns a reply callback feeding a local endpoint.
func (r *Region) localReply(endpoint string, id string) func(interface{}) {
	if endpoint == "" {
		return nil
	}
	return func(reply interface{}) {
		r.dispatch(endpoint, id, reply)
	}
}

// remoteReply returns a reply callback publishing to the requesting member.
func (r *Region) remoteReply(env *Envelope) func(interface{}) {
	return func(reply interface{}) {
		typ, body, err := EncodePayload(reply)
		if err != nil {
			r.logger.Error("Failed to encode reply", "err", err)
			return
		}
		blob, err := EncodeEnvelope(&Envelope{
			ID:       env.ID,
			Type:     typ,
			ShardID:  env.ShardID,
			EntityID: env.EntityID,
			From:     r.transport.Self(),
			ReplyTo:  env.ReplyTo,
			Body:     body,
		})
		if err != nil {
			r.logger.Error("Failed to encode reply", "err", err)
			return
		}
		if err := r.transport.Send(env.From, RepliesTopic, blob); err != nil {
			r.logger.Debug("Failed to send reply", "member", env.From, "err", err)
		}
	}
}

// dispatch feeds a reply into a named endpoint.
func (r *Region) dispatch(endpoint string, id string, reply interface{}) {
	r.lock.Lock()
	fn, ok := r.endpoints[endpoint]
	r.lock.Unlock()

	if !ok {
		r.logger.Warn("Dropping reply to unknown endpoint", "endpoint", endpoint, "id", id)
		return
	}
	fn(id, reply)
}

// deliver queues a message into the mailbox of a local entity, spawning its
// process if not yet running.
func (r *Region) deliver(shard, id string, msg interface{}, reply func(interface{})) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrRegionClosed
	}
	e, ok := r.entities[id]
	if !ok {
		e = newEntity(r, shard, id)
		r.entities[id] = e

		r.wg.Add(1)
		metrics.EntitiesActive.Inc()
		go e.run(r.ctx, r.exiting[id])
	}
	select {
	case e.mailbox <- delivery{msg: msg, reply: reply}:
		return nil
	default:
		r.logger.Warn("Entity mailbox full, dropping message", "entity", id)
		return pkgerrors.Wrapf(ErrNoRoute, "entity %s overloaded", id)
	}
}

// passivate detaches an idle entity process from the region. It refuses if
// messages raced into the mailbox meanwhile; otherwise any further message for
// the id is queued into a fresh process.
func (r *Region) passivate(e *entity) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if len(e.mailbox) > 0 {
		return false
	}
	if r.entities[e.id] == e {
		delete(r.entities, e.id)
		r.exiting[e.id] = e.done
	}
	return true
}

// exited is called by an entity process as its very last step.
func (r *Region) exited(e *entity) {
	r.lock.Lock()
	if r.entities[e.id] == e {
		delete(r.entities, e.id)
	}
	if r.exiting[e.id] == e.done {
		delete(r.exiting, e.id)
	}
	r.lock.Unlock()

	metrics.EntitiesActive.Dec()
	r.wg.Done()
}
