// Package topology contains the advisory view of where entities live in the
// cluster: a cluster -> member -> shard -> entity tree assembled from lifecycle
// actions, and a rolling window of entity and command counts.
//
// Nothing in here is safe for concurrent use. Each member has exactly one owner
// goroutine (the monitor) that mutates its tree in response to actions.
package topology

import (
	"encoding/json"
)

// Node is a single level of the topology tree.
type Node struct {
	Name     string
	Tags     Tags
	Events   int
	Children []*Node
}

// node is the JSON form of a Node.
type node struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Events   int     `json:"events"`
	Children []*Node `json:"children"`
}

// MarshalJSON implements json.Marshaler, flattening the tag set into a space
// separated type string and always emitting children as an array.
func (n *Node) MarshalJSON() ([]byte, error) {
	children := n.Children
	if children == nil {
		children = []*Node{}
	}
	return json.Marshal(&node{Name: n.Name, Type: n.Tags.String(), Events: n.Events, Children: children})
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Node) UnmarshalJSON(blob []byte) error {
	var raw node
	if err := json.Unmarshal(blob, &raw); err != nil {
		return err
	}
	tags, err := ParseTags(raw.Type)
	if err != nil {
		return err
	}
	n.Name, n.Tags, n.Events = raw.Name, tags, raw.Events
	n.Children = raw.Children
	if len(n.Children) == 0 {
		n.Children = nil
	}
	return nil
}

// child returns the direct child with the given name that carries the tag.
func (n *Node) child(name string, tag Tag) *Node {
	for _, child := range n.Children {
		if child.Name == name && child.Tags.Has(tag) {
			return child
		}
	}
	return nil
}

// drop removes a direct child by identity.
func (n *Node) drop(child *Node) {
	for i, c := range n.Children {
		if c == child {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return
		}
	}
}

// find does a depth first search for a named node carrying the tag.
func (n *Node) find(name string, tag Tag) *Node {
	if n.Name == name && n.Tags.Has(tag) {
		return n
	}
	for _, child := range n.Children {
		if found := child.find(name, tag); found != nil {
			return found
		}
	}
	return nil
}

// leaves counts the childless nodes at or below n.
func (n *Node) leaves() int {
	if len(n.Children) == 0 {
		return 1
	}
	var count int
	for _, child := range n.Children {
		count += child.leaves()
	}
	return count
}

// events sums the event counters of the childless nodes at or below n.
func (n *Node) events() int {
	if len(n.Children) == 0 {
		return n.Events
	}
	var count int
	for _, child := range n.Children {
		count += child.events()
	}
	return count
}

// Tree is the cluster wide entity placement as seen by one member.
//
// Entity names are unique across the whole tree, and shard and member nodes
// never outlive their last child.
type Tree struct {
	root *Node
}

// NewTree creates an empty tree with a root node of the given name.
func NewTree(name string) *Tree {
	return &Tree{root: &Node{Name: name, Tags: Tags(TagCluster)}}
}

// Root returns the root node. Callers must not mutate it.
func (t *Tree) Root() *Node {
	return t.root
}

// MarshalJSON implements json.Marshaler.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return t.root.MarshalJSON()
}

// Add places an entity under the given member and shard, creating the member
// and shard nodes if missing. Any occurrence of the entity elsewhere in the tree
// is removed first, so adding is also relocating. Re-adding an entity in place
// is a no-op and keeps its event counter.
func (t *Tree) Add(member, shard, entity string) {
	m := t.root.child(member, TagMember)
	if m != nil {
		if s := m.child(shard, TagShard); s != nil && s.child(entity, TagEntity) != nil {
			return
		}
	}
	t.purge(entity, m)

	if m == nil {
		m = &Node{Name: member, Tags: Tags(TagMember)}
		t.root.Children = append(t.root.Children, m)
	}
	s := m.child(shard, TagShard)
	if s == nil {
		s = &Node{Name: shard, Tags: Tags(TagShard)}
		m.Children = append(m.Children, s)
	}
	s.Children = append(s.Children, &Node{Name: entity, Tags: Tags(TagEntity)})
}

// Remove deletes an entity from the given member and shard, pruning the shard
// and member if they became empty. Missing nodes are not an error.
func (t *Tree) Remove(member, shard, entity string) {
	m := t.root.child(member, TagMember)
	if m == nil {
		return
	}
	if s := m.child(shard, TagShard); s != nil {
		if e := s.child(entity, TagEntity); e != nil {
			s.drop(e)
		}
		if len(s.Children) == 0 {
			m.drop(s)
		}
	}
	if len(m.Children) == 0 {
		t.root.drop(m)
	}
}

// RemoveEntity deletes every occurrence of an entity, wherever it is, pruning
// any shard and member left empty.
func (t *Tree) RemoveEntity(entity string) {
	t.purge(entity, nil)
}

// purge removes every occurrence of an entity and prunes emptied nodes, except
// for the keep member which is about to receive a child anyway (pruning it would
// lose its tags).
func (t *Tree) purge(entity string, keep *Node) {
	for _, m := range append([]*Node(nil), t.root.Children...) {
		for _, s := range append([]*Node(nil), m.Children...) {
			for _, e := range append([]*Node(nil), s.Children...) {
				if e.Name == entity && e.Tags.Has(TagEntity) {
					s.drop(e)
				}
			}
			if len(s.Children) == 0 {
				m.drop(s)
			}
		}
		if len(m.Children) == 0 && m != keep {
			t.root.drop(m)
		}
	}
}

// IncrementEvents bumps the event counter of an entity, if it exists.
func (t *Tree) IncrementEvents(member, shard, entity string) {
	m := t.root.child(member, TagMember)
	if m == nil {
		return
	}
	s := m.child(shard, TagShard)
	if s == nil {
		return
	}
	if e := s.child(entity, TagEntity); e != nil {
		e.Events++
	}
}

// roleTags are the tags a member can be given or stripped of. The structural
// ones are owned by the tree itself.
const roleTags = TagSingleton | TagHTTPServer

// SetMemberTag tags an existing member and clears the same tag from every other
// member. Unknown members are ignored, but the tag is still cleared elsewhere.
// Only role tags are accepted, anything else is a no-op.
func (t *Tree) SetMemberTag(member string, tag Tag) {
	if tag&^roleTags != 0 {
		return
	}
	for _, m := range t.root.Children {
		if m.Name == member {
			m.Tags = m.Tags.With(tag)
		} else {
			m.Tags = m.Tags.Without(tag)
		}
	}
}

// UnsetMemberTag removes a role tag from a member, if it exists.
func (t *Tree) UnsetMemberTag(member string, tag Tag) {
	if tag&^roleTags != 0 {
		return
	}
	if m := t.root.child(member, TagMember); m != nil {
		m.Tags = m.Tags.Without(tag)
	}
}

// Find returns the first node, depth first, with the given name and tag.
func (t *Tree) Find(name string, tag Tag) *Node {
	return t.root.find(name, tag)
}

// LeafCount returns the number of leaves in the tree. An empty tree has no
// leaves, so in practice this is the number of placed entities.
func (t *Tree) LeafCount() int {
	if len(t.root.Children) == 0 {
		return 0
	}
	return t.root.leaves()
}

// EventsCount sums the event counters of all leaves.
func (t *Tree) EventsCount() int {
	if len(t.root.Children) == 0 {
		return 0
	}
	return t.root.events()
}
