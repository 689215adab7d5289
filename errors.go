package shardring

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyRing is returned when a lookup is made against a ring with no nodes.
	ErrEmptyRing = errors.New("ring is empty")

	// ErrNodeNotFound is returned when a node is not a member of the ring or registry.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode is returned when adding a node that is already present.
	ErrDuplicateNode = errors.New("node already present")

	// ErrInsufficientNodes is returned when fewer than two nodes are available for backup placement.
	ErrInsufficientNodes = errors.New("at least two nodes are required for backup placement")

	// ErrRecordNotFound is returned when neither copy of a key exists.
	ErrRecordNotFound = errors.New("record not found")

	// ErrAllReplicasUnreachable is returned when both the primary and its fallback are down.
	ErrAllReplicasUnreachable = errors.New("all replicas unreachable")

	// ErrStoreUnavailable is a transient, per-node store failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDuplicateKey is returned by a store when inserting a key that already exists for that role.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrPartialMigration is matched by PartialMigrationError.
	ErrPartialMigration = errors.New("migration partially complete")

	// ErrInvalidKey is returned for an empty record key.
	ErrInvalidKey = errors.New("record key must not be empty")

	// ErrMigrationNotFound is returned for an unknown migration id.
	ErrMigrationNotFound = errors.New("migration not found")
)

// NodeError attaches the offending node to an error.
type NodeError struct {
	Node NodeID
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// KeyError attaches the offending key, and the nodes consulted for it, to an error.
type KeyError struct {
	Key   string
	Nodes []NodeID
	Err   error
}

func (e *KeyError) Error() string {
	if len(e.Nodes) == 0 {
		return fmt.Sprintf("key %q: %v", e.Key, e.Err)
	}
	var nodes = make([]string, len(e.Nodes))
	for i, n := range e.Nodes {
		nodes[i] = string(n)
	}
	return fmt.Sprintf("key %q (nodes %s): %v", e.Key, strings.Join(nodes, ","), e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// InsertManyError reports which keys of a batch insert failed on a node.
type InsertManyError struct {
	Node   NodeID
	Failed map[string]error
}

func (e *InsertManyError) Error() string {
	return fmt.Sprintf("node %s: %d keys failed to insert", e.Node, len(e.Failed))
}

// Keys returns the failed keys.
func (e *InsertManyError) Keys() []string {
	var keys = make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	return keys
}

// Unwrap exposes the per-key causes so errors.Is can match them.
func (e *InsertManyError) Unwrap() []error {
	var errs = make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// PartialMigrationError is returned when a migration finished with keys still pending.
// The migration can be resumed with Cluster.ResumeMigration.
type PartialMigrationError struct {
	MigrationID string
	Kind        MigrationKind
	Node        NodeID
	Pending     []string
}

func (e *PartialMigrationError) Error() string {
	return fmt.Sprintf("%s migration %s of node %s: %d keys pending", e.Kind, e.MigrationID, e.Node, len(e.Pending))
}

func (e *PartialMigrationError) Is(target error) bool {
	return target == ErrPartialMigration
}
