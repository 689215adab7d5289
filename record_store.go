package shardring

import "context"

// RecordStore is the contract every storage node satisfies.
// A store holds at most one record per (role, key); the same key may exist once per role.
// Implementations serialize their own access and must be safe for concurrent use.
type RecordStore interface {
	// Insert stores a new record. Returns ErrDuplicateKey if (role, key) already exists.
	Insert(ctx context.Context, record Record) error

	// InsertMany stores records independently. Failures are reported per key in an *InsertManyError.
	InsertMany(ctx context.Context, records []Record) error

	// Upsert stores a record, replacing any existing value for (role, key).
	Upsert(ctx context.Context, record Record) error

	// Find returns the record for (role, key), or ErrRecordNotFound.
	Find(ctx context.Context, key string, role Role) (Record, error)

	// Delete removes (role, key). Deleting a missing record is not an error.
	Delete(ctx context.Context, key string, role Role) error

	// DeleteMany removes the given keys for a role.
	DeleteMany(ctx context.Context, keys []string, role Role) error

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// Scan returns up to limit records of the given role with key > after, ordered by key.
	Scan(ctx context.Context, role Role, after string, limit int) ([]Record, error)
}

// Filter is the predicate accepted by RecordStore.Count.
// An empty Role matches every role.
type Filter struct {
	Role Role
}

// Matches reports whether the record satisfies the filter.
func (f Filter) Matches(r Record) bool {
	return f.Role == "" || f.Role == r.Role
}

// Pinger is implemented by stores that can report their own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// pingProbe is the default HealthProbe.
func pingProbe(ctx context.Context, _ NodeID, store RecordStore) bool {
	var pinger, ok = store.(Pinger)
	if !ok {
		return true
	}
	return pinger.Ping(ctx) == nil
}
