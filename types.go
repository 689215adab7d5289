package shardring

import (
	"fmt"
	"net"
	"strconv"
)

// NodeID identifies a storage node as a "host:port" pair.
type NodeID string

// NewNodeID builds a NodeID from a host and port.
func NewNodeID(host string, port int) NodeID {
	return NodeID(net.JoinHostPort(host, strconv.Itoa(port)))
}

// ParseNodeID validates that s is a "host:port" pair.
func ParseNodeID(s string) (NodeID, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if host == "" {
		return "", fmt.Errorf("invalid node id %q: empty host", s)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid node id %q: bad port: %w", s, err)
	}
	return NodeID(s), nil
}

// Role distinguishes the authoritative copy of a key from its secondary copy.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RolePrimary || r == RoleBackup
}

// Record is a single key/value copy held by a node.
type Record struct {
	Key   string
	Value []byte
	Role  Role
}

// Placement is the derived (primary, backup) pair for a key.
// It is never cached across a topology change.
type Placement struct {
	Primary NodeID
	Backup  NodeID
}

// Entry is a key/value pair submitted to a batch write.
type Entry struct {
	Key   string
	Value []byte
}

// ring internals

// node is a member of the ring.
type node struct {
	ID     NodeID
	VNodes []vnode
}

// vnode is one position of a node on the hash circle.
type vnode struct {
	NodeID   NodeID
	Index    int
	Position int
}
