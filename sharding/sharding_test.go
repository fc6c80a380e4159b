package sharding

import (
	"fmt"
	"math/rand"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardOfInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{1, 2, 7, 15, 100} {
		for i := 0; i < 1000; i++ {
			id := fmt.Sprintf("%d-%x", rng.Int63(), rng.Int63())
			shard := ShardOf(id, n)
			require.True(t, shard >= 0 && shard < n, "shard %d out of [0, %d) for %s", shard, n, id)
		}
	}
	// Hashes with the top bit set would go negative as a 32 bit signed int
	assert.True(t, ShardOf("", 15) >= 0)
	assert.True(t, ShardOf("\xff\xff\xff\xff", 15) >= 0)
}

func TestShardOfNonPositiveCount(t *testing.T) {
	for _, n := range []int{0, -1, -15} {
		assert.Equal(t, ShardOf("entity-42", DefaultShards), ShardOf("entity-42", n), "n=%d", n)
	}
	shard, ok := Extractor{}.ShardID(Query{ID: "entity-42"})
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(ShardOf("entity-42", DefaultShards)), shard)
}

func TestShardOfStable(t *testing.T) {
	// FNV-1a 32 of "a" is 0xe40c292c
	assert.Equal(t, int(uint32(0xe40c292c)%15), ShardOf("a", 15))
	assert.Equal(t, ShardOf("entity-42", 15), ShardOf("entity-42", 15))
}

func TestExtractor(t *testing.T) {
	x := Extractor{Shards: 15}

	shard, entity, ok := x.Extract(Command{Entity: Entity{ID: "42", Value: "v"}})
	require.True(t, ok)
	assert.Equal(t, "42", entity)
	assert.Equal(t, strconv.Itoa(ShardOf("42", 15)), shard)

	shard2, entity2, ok := x.Extract(&Query{ID: "42"})
	require.True(t, ok)
	assert.Equal(t, shard, shard2)
	assert.Equal(t, entity, entity2)

	_, _, ok = x.Extract(CommandAck{})
	assert.False(t, ok)
	_, ok = x.ShardID("not a message")
	assert.False(t, ok)

	id, ok := x.EntityID(Query{ID: "7"})
	require.True(t, ok)
	assert.Equal(t, "7", id)
}

func TestOwnerStable(t *testing.T) {
	members := []string{"a", "b", "c"}
	for i := 0; i < 15; i++ {
		shard := strconv.Itoa(i)

		owner := Owner(shard, members)
		assert.Contains(t, members, owner)
		assert.Equal(t, owner, Owner(shard, []string{"c", "a", "b"}), "owner depends on member order")
	}
	assert.Equal(t, "", Owner("1", nil))
	assert.Equal(t, "solo", Owner("1", []string{"solo"}))
}

func TestOwnerMinimalMovement(t *testing.T) {
	before := []string{"a", "b", "c", "d"}
	after := []string{"a", "b", "d"}

	for i := 0; i < 100; i++ {
		shard := strconv.Itoa(i)

		prev, next := Owner(shard, before), Owner(shard, after)
		if prev != "c" {
			assert.Equal(t, prev, next, "shard %s moved off a surviving member", shard)
		} else {
			assert.NotEqual(t, "c", next)
		}
	}
}

func TestCodecRoundtrip(t *testing.T) {
	msgs := []interface{}{
		Command{Entity: Entity{ID: "1", Value: "one"}},
		Query{ID: "2"},
		CommandAck{Action: AckInitialize, Entity: Entity{ID: "1", Value: "one"}},
		QueryAck{Entity: Entity{ID: "2", Value: "two"}},
		QueryAckNotFound{ID: "3"},
		Action{Member: "m", ShardID: "4", EntityID: "5", Kind: ActionStop, Forward: true},
	}
	for _, msg := range msgs {
		blob, err := Marshal(msg)
		require.NoError(t, err)

		decoded, err := Unmarshal(blob)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded)
	}
}

func TestCodecUnknown(t *testing.T) {
	_, err := Marshal(struct{ X int }{1})
	assert.Equal(t, ErrUnknownMessage, errors.Cause(err))

	_, err = DecodePayload(MessageType(99), nil)
	assert.Equal(t, ErrUnknownMessage, errors.Cause(err))

	_, err = Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)

	blob, err := Marshal(Query{ID: "1"})
	require.NoError(t, err)
	_, err = Unmarshal(blob[:len(blob)-1])
	assert.Error(t, err)
}

type userMessage struct {
	Text string
}

func TestRegisterMessage(t *testing.T) {
	assert.Panics(t, func() { RegisterMessage("low", MessageType(5), userMessage{}) })

	RegisterMessage("user", MsgUserStart+50, userMessage{})
	assert.Panics(t, func() { RegisterMessage("dup", MsgUserStart+50, userMessage{}) })

	blob, err := Marshal(&userMessage{Text: "hi"})
	require.NoError(t, err)

	decoded, err := Unmarshal(blob)
	require.NoError(t, err)
	assert.Equal(t, userMessage{Text: "hi"}, decoded)
	assert.Equal(t, "User:user", (MsgUserStart + 50).String())
}

func TestEnvelopeRoundtrip(t *testing.T) {
	env := &Envelope{
		ID:       "id",
		Type:     MsgCommand,
		ShardID:  "3",
		EntityID: "42",
		From:     "a",
		ReplyTo:  "commands",
		Body:     []byte{1, 2, 3},
	}
	blob, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(blob)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	_, err = DecodeEnvelope([]byte{0xc1})
	assert.Error(t, err)
}

func TestActionAsNoForward(t *testing.T) {
	action := Action{Member: "m", ShardID: "1", EntityID: "2", Kind: ActionStart, Forward: true}
	copied := action.AsNoForward()

	assert.False(t, copied.Forward)
	assert.True(t, action.Forward)
	assert.Equal(t, "start", copied.Kind.String())
}
