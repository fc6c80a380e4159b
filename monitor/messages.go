package monitor

import (
	"fmt"

	"github.com/karalabe/shardview/sharding"
)

// Topic is where monitor messages are published, on the broker of the member
// they are addressed to.
const Topic = ".monitor#ephemeral"

// Wire ids of the monitor messages.
const (
	MsgSingletonAction = sharding.MsgUserStart + iota
	MsgStopNode
)

func init() {
	sharding.RegisterMessage("SingletonAction", MsgSingletonAction, SingletonAction{})
	sharding.RegisterMessage("StopNode", MsgStopNode, StopNode{})
}

// SingletonAction reports that the cluster singleton started or stopped on a
// member. It is relayed like entity actions.
type SingletonAction struct {
	Member  string
	Kind    sharding.ActionKind
	Forward bool
}

// AsNoForward returns a copy of the action that must not be relayed further.
func (a SingletonAction) AsNoForward() SingletonAction {
	a.Forward = false
	return a
}

func (a SingletonAction) String() string {
	return fmt.Sprintf("SingletonAction[%s, %s, forward=%t]", a.Member, a.Kind, a.Forward)
}

// StopNode asks the named member to leave the cluster.
type StopNode struct {
	Member string
}

func (s StopNode) String() string {
	return fmt.Sprintf("StopNode[%s]", s.Member)
}
