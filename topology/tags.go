package topology

import (
	"fmt"
	"strings"
)

// Tag is a single role a tree node can carry.
type Tag uint8

const (
	TagCluster Tag = 1 << iota
	TagMember
	TagShard
	TagEntity
	TagSingleton
	TagHTTPServer
)

// tagNames is the wire name of each tag, in rendering order.
var tagNames = []struct {
	tag  Tag
	name string
}{
	{TagCluster, "cluster"},
	{TagMember, "member"},
	{TagShard, "shard"},
	{TagEntity, "entity"},
	{TagSingleton, "singleton"},
	{TagHTTPServer, "httpServer"},
}

// String implements fmt.Stringer.
func (t Tag) String() string {
	for _, n := range tagNames {
		if n.tag == t {
			return n.name
		}
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// ParseTag converts a wire name into a tag.
func ParseTag(name string) (Tag, error) {
	for _, n := range tagNames {
		if n.name == name {
			return n.tag, nil
		}
	}
	return 0, fmt.Errorf("unknown tag '%s'", name)
}

// Tags is a set of node tags.
type Tags uint8

// Has reports whether the tag is in the set.
func (t Tags) Has(tag Tag) bool {
	return t&Tags(tag) != 0
}

// With returns the set extended with the tag.
func (t Tags) With(tag Tag) Tags {
	return t | Tags(tag)
}

// Without returns the set with the tag removed.
func (t Tags) Without(tag Tag) Tags {
	return t &^ Tags(tag)
}

// String renders the set as space separated tag names, e.g. "member singleton".
func (t Tags) String() string {
	names := make([]string, 0, len(tagNames))
	for _, n := range tagNames {
		if t.Has(n.tag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, " ")
}

// ParseTags converts a space separated tag list into a set. Repeated whitespace
// is tolerated.
func ParseTags(s string) (Tags, error) {
	var tags Tags
	for _, name := range strings.Fields(s) {
		tag, err := ParseTag(name)
		if err != nil {
			return 0, err
		}
		tags = tags.With(tag)
	}
	return tags, nil
}
