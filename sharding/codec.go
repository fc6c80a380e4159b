package sharding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	pkgerrors "github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// ErrUnknownMessage is returned when encoding or decoding a message type that is
// not registered.
var ErrUnknownMessage = errors.New("unknown message")

// MessageType is the wire identifier of a message. The built in ids are fixed to
// keep members of different versions compatible.
type MessageType uint32

const (
	MsgCommand          MessageType = 1
	MsgQuery            MessageType = 2
	MsgCommandAck       MessageType = 3
	MsgQueryAck         MessageType = 4
	MsgQueryAckNotFound MessageType = 5
	MsgAction           MessageType = 6

	// MsgUserStart is where ids of messages registered by other packages start.
	MsgUserStart MessageType = 100
)

var msgNames = map[MessageType]string{
	MsgCommand:          "Command",
	MsgQuery:            "Query",
	MsgCommandAck:       "CommandAck",
	MsgQueryAck:         "QueryAck",
	MsgQueryAckNotFound: "QueryAckNotFound",
	MsgAction:           "Action",
}

func (t MessageType) String() string {
	if name, ok := msgNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint32(t))
}

// msgDataMap maps message ids to a zero value of their payload.
var msgDataMap = map[MessageType]interface{}{
	MsgCommand:          Command{},
	MsgQuery:            Query{},
	MsgCommandAck:       CommandAck{},
	MsgQueryAck:         QueryAck{},
	MsgQueryAckNotFound: QueryAckNotFound{},
	MsgAction:           Action{},
}

// msgTypeMap is the reverse of msgDataMap.
var msgTypeMap = map[reflect.Type]MessageType{}

func init() {
	for id, data := range msgDataMap {
		msgTypeMap[reflect.TypeOf(data)] = id
	}
}

// RegisterMessage registers a new message type to be carried by the codec. It is
// not safe to call concurrently with encoding or decoding, so call it in init().
//
// Panics if id is less than MsgUserStart or already taken.
func RegisterMessage(name string, id MessageType, data interface{}) {
	if id < MsgUserStart {
		panic(errors.New("tried registering message with id less than 100"))
	}
	if _, ok := msgDataMap[id]; ok {
		panic(fmt.Errorf("message id %d already registered", id))
	}
	msgDataMap[id] = data
	msgTypeMap[reflect.TypeOf(data)] = id
	msgNames[id] = "User:" + name
}

// TypeOf returns the registered id of a message, dereferencing pointers.
func TypeOf(msg interface{}) (MessageType, bool) {
	typ := reflect.TypeOf(msg)
	if typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	id, ok := msgTypeMap[typ]
	return id, ok
}

// EncodePayload serializes the body of a registered message.
func EncodePayload(msg interface{}) (MessageType, []byte, error) {
	id, ok := TypeOf(msg)
	if !ok {
		return 0, nil, pkgerrors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
	blob, err := msgpack.Marshal(msg)
	if err != nil {
		return 0, nil, pkgerrors.WithMessage(err, "msgpack.Marshal")
	}
	return id, blob, nil
}

// DecodePayload deserializes the body of a message into a value of its
// registered type.
func DecodePayload(id MessageType, payload []byte) (interface{}, error) {
	t, ok := msgDataMap[id]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownMessage, "id %d", id)
	}
	clone := reflect.New(reflect.TypeOf(t))
	if err := msgpack.Unmarshal(payload, clone.Interface()); err != nil {
		return nil, pkgerrors.WithMessage(err, "msgpack.Unmarshal")
	}
	return clone.Elem().Interface(), nil
}

// Marshal encodes a registered message into the framed wire format: a little
// endian uint32 message id, a little endian uint32 body length and the msgpack
// body itself.
func Marshal(msg interface{}) ([]byte, error) {
	id, body, err := EncodePayload(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer

	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(id))
	buf.Write(tmp)

	binary.LittleEndian.PutUint32(tmp, uint32(len(body)))
	buf.Write(tmp)
	buf.Write(body)

	return buf.Bytes(), nil
}

// Unmarshal decodes a framed message produced by Marshal.
func Unmarshal(blob []byte) (interface{}, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("message too short: %d bytes", len(blob))
	}
	id := MessageType(binary.LittleEndian.Uint32(blob))
	size := binary.LittleEndian.Uint32(blob[4:])
	if uint32(len(blob)-8) != size {
		return nil, fmt.Errorf("message body size mismatch: have %d, want %d", len(blob)-8, size)
	}
	return DecodePayload(id, blob[8:])
}

// Envelope carries a message routed to an entity on another member, or a reply
// travelling back to the requester.
type Envelope struct {
	ID       string      // Unique id of the routed message, echoed in replies
	Type     MessageType // Registered id of the body
	ShardID  string      // Shard the entity belongs to
	EntityID string      // Entity the message is addressed to
	From     string      // Member that originated the message
	ReplyTo  string      // Reply endpoint on the originating member, empty if none
	Body     []byte      // Msgpack encoded message
}

// EncodeEnvelope serializes an envelope.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	blob, err := msgpack.Marshal(env)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "msgpack.Marshal")
	}
	return blob, nil
}

// DecodeEnvelope deserializes an envelope.
func DecodeEnvelope(blob []byte) (*Envelope, error) {
	env := new(Envelope)
	if err := msgpack.Unmarshal(blob, env); err != nil {
		return nil, pkgerrors.WithMessage(err, "msgpack.Unmarshal")
	}
	return env, nil
}
