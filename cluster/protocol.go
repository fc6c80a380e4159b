package cluster

// topologyTopic is the NSQ topic where membership broadcasts are published.
const topologyTopic = ".topology#ephemeral"

// update is a message sent to all other members in the cluster to share the
// local views and allow everyone to construct an accurate global view.
type update struct {
	Owner string           `json:"owner"` // Unique name of the member that broadcast this update
	Time  uint64           `json:"time"`  // Timestamp in ns of this update (used as seq number)
	Nodes map[string]*node `json:"nodes"` // Member name to NSQD address mapping
}

// node is a single member as seen by the owner of a view.
type node struct {
	Address string `json:"address"` // NSQD address to reach the member's broker through
	Alive   bool   `json:"alive"`   // Whether the address is reachable or not
}

// Event is a membership change notification. It always carries the complete set
// of up members, so consumers that miss intermediate events still converge.
type Event struct {
	Members []string // Sorted names of all members currently up, self included
	Leader  string   // Name of the current leader, empty if nobody is up
	Joined  []string // Members that came up since the previous event
	Left    []string // Members that went down since the previous event
}
