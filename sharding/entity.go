package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/shardview/metrics"
)

// delivery is a message queued for an entity, along with the way to answer it.
type delivery struct {
	msg   interface{}
	reply func(interface{}) // nil if the sender expects no reply
}

// entity is the process hosting a single entity: one goroutine draining its own
// mailbox, so entity state is never shared.
type entity struct {
	id    string
	shard string

	region  *Region
	mailbox chan delivery
	done    chan struct{} // Closed after the process and its stop action are done

	state   *Entity // Nil until the first command arrives
	started bool    // Whether a start action was emitted

	logger log.Logger
}

func newEntity(region *Region, shard, id string) *entity {
	return &entity{
		id:      id,
		shard:   shard,
		region:  region,
		mailbox: make(chan delivery, region.mailbox),
		done:    make(chan struct{}),
		logger:  region.logger.New("shard", shard, "entity", id),
	}
}

// run is the lifetime of the entity process. If prev is not nil, it is the done
// channel of a previous process for the same id that is still shutting down, and
// is waited for so its stop action precedes our start.
func (e *entity) run(ctx context.Context, prev <-chan struct{}) {
	defer e.region.exited(e)
	defer close(e.done)
	defer func() {
		if e.started {
			e.notify(ActionStop)
		}
		e.logger.Debug("Entity process stopped")
	}()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	idle := time.NewTimer(e.region.idle)
	defer idle.Stop()

	for {
		select {
		case d := <-e.mailbox:
			e.handle(d)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.region.idle)

		case <-idle.C:
			if e.region.passivate(e) {
				e.logger.Debug("Passivating idle entity")
				return
			}
			idle.Reset(e.region.idle)

		case <-ctx.Done():
			return
		}
	}
}

// handle processes a single message against the entity state.
func (e *entity) handle(d delivery) {
	switch msg := d.msg.(type) {
	case Command:
		if e.state == nil {
			state := msg.Entity
			e.state = &state

			e.logger.Info("Initialized entity", "value", state.Value)
			e.answer(d, CommandAck{Action: AckInitialize, Entity: state})
			e.notify(ActionStart)
		} else {
			e.logger.Info("Updated entity", "old", e.state.Value, "new", msg.Entity.Value)
			e.state.Value = msg.Entity.Value
			e.answer(d, CommandAck{Action: AckUpdate, Entity: *e.state})
		}
		metrics.EntityMessages.WithLabelValues("command").Inc()

	case Query:
		if e.state == nil {
			e.logger.Info("Queried unset entity")
			e.answer(d, QueryAckNotFound{ID: msg.ID})

			// An untouched id that was only read still shows up in the topology
			e.notify(ActionStart)
		} else {
			e.logger.Info("Queried entity", "value", e.state.Value)
			e.answer(d, QueryAck{Entity: *e.state})
		}
		metrics.EntityMessages.WithLabelValues("query").Inc()

	default:
		e.logger.Warn("Dropping unexpected entity message", "type", fmt.Sprintf("%T", d.msg))
		return
	}
	e.region.sink.Processed(e.shard, e.id)
}

func (e *entity) answer(d delivery, reply interface{}) {
	if d.reply != nil {
		d.reply(reply)
	}
}

// notify emits a lifecycle action for the entity, flagged for forwarding.
func (e *entity) notify(kind ActionKind) {
	if kind == ActionStart {
		e.started = true
	}
	e.region.sink.Notify(Action{
		Member:   e.region.transport.Self(),
		ShardID:  e.shard,
		EntityID: e.id,
		Kind:     kind,
		Forward:  true,
	})
}
