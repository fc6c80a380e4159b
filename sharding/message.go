package sharding

// Entity is the minimal addressable stateful unit. Identity is the ID, the value
// is freely overwritten by commands.
type Entity struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Command is an upsert intent for an entity.
type Command struct {
	Entity Entity
}

// Query is a read intent for an entity.
type Query struct {
	ID string
}

const (
	AckInitialize = "initialize" // Command created the entity
	AckUpdate     = "update"     // Command overwrote an existing entity
)

// CommandAck is the reply to a Command.
type CommandAck struct {
	Action string // AckInitialize or AckUpdate
	Entity Entity
}

// QueryAck is the reply to a Query for a live entity.
type QueryAck struct {
	Entity Entity
}

// QueryAckNotFound is the reply to a Query for an entity that was never set.
type QueryAckNotFound struct {
	ID string
}

// ActionKind is the lifecycle transition an Action reports.
type ActionKind uint8

const (
	ActionStart ActionKind = iota + 1
	ActionStop
)

// String implements fmt.Stringer.
func (k ActionKind) String() string {
	switch k {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Action is a lifecycle notification of an entity, broadcast to every member so
// each can keep its topology view up to date.
//
// Forward means the receiver should relay the action to all other members. Relayed
// copies always have it cleared, so an action hops at most once.
type Action struct {
	Member   string
	ShardID  string
	EntityID string
	Kind     ActionKind
	Forward  bool
}

// AsNoForward returns a copy of the action that must not be relayed further.
func (a Action) AsNoForward() Action {
	a.Forward = false
	return a
}
