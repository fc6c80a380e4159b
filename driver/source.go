package driver

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/karalabe/shardview/sharding"
)

// Source generates the requests a driver pushes and recognizes their acks.
type Source interface {
	// Next builds the next request to send.
	Next() interface{}

	// Accepts reports whether a reply is an ack to a request of this source.
	Accepts(reply interface{}) bool
}

// idRange draws random entity ids from an inclusive range.
type idRange struct {
	min, max int
	rng      *rand.Rand
}

func newIDRange(min, max int) idRange {
	if max < min {
		min, max = max, min
	}
	return idRange{min: min, max: max, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r idRange) next() string {
	return strconv.Itoa(r.min + r.rng.Intn(r.max-r.min+1))
}

// CommandSource upserts random entities with values unique to the source.
type CommandSource struct {
	name string
	ids  idRange
	seq  int
}

// NewCommandSource creates a command source drawing entity ids from [min, max].
// Values are "<name>-<n>" with a sequence counter.
func NewCommandSource(name string, min, max int) *CommandSource {
	return &CommandSource{name: name, ids: newIDRange(min, max)}
}

// Next implements Source.
func (s *CommandSource) Next() interface{} {
	s.seq++
	return sharding.Command{Entity: sharding.Entity{
		ID:    s.ids.next(),
		Value: fmt.Sprintf("%s-%d", s.name, s.seq),
	}}
}

// Accepts implements Source.
func (s *CommandSource) Accepts(reply interface{}) bool {
	_, ok := reply.(sharding.CommandAck)
	return ok
}

// QuerySource reads random entities.
type QuerySource struct {
	ids idRange
}

// NewQuerySource creates a query source drawing entity ids from [min, max].
func NewQuerySource(min, max int) *QuerySource {
	return &QuerySource{ids: newIDRange(min, max)}
}

// Next implements Source.
func (s *QuerySource) Next() interface{} {
	return sharding.Query{ID: s.ids.next()}
}

// Accepts implements Source.
func (s *QuerySource) Accepts(reply interface{}) bool {
	switch reply.(type) {
	case sharding.QueryAck, sharding.QueryAckNotFound:
		return true
	default:
		return false
	}
}
