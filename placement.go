package shardring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ReadResult is a record together with the node that served it.
type ReadResult struct {
	Record Record
	Node   NodeID
}

// snapshots holds the pre-migration rings of migrations that have not completed yet,
// and the nodes whose recovery is still reconciling. Reads that miss at the current
// owner consult them.
type snapshots struct {
	mu         sync.RWMutex
	rings      map[string]*Ring
	recovering map[string]NodeID
}

func newSnapshots() *snapshots {
	return &snapshots{
		rings:      make(map[string]*Ring),
		recovering: make(map[string]NodeID),
	}
}

func (s *snapshots) MarkRecovering(id string, node NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovering[id] = node
}

// Recovering reports whether node may still be missing primaries it owns.
func (s *snapshots) Recovering(node NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.recovering {
		if n == node {
			return true
		}
	}
	return false
}

func (s *snapshots) Put(id string, ring *Ring) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings[id] = ring
}

func (s *snapshots) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, id)
	delete(s.recovering, id)
}

func (s *snapshots) All() []*Ring {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rings = make([]*Ring, 0, len(s.rings))
	for _, r := range s.rings {
		rings = append(rings, r)
	}
	return rings
}

// placementEngine routes reads and writes to the nodes the ring assigns a key to.
type placementEngine struct {
	ring      *Ring
	members   *membership
	snapshots *snapshots
	options   options
}

func newPlacementEngine(ring *Ring, members *membership, snaps *snapshots, opts options) *placementEngine {
	return &placementEngine{
		ring:      ring,
		members:   members,
		snapshots: snaps,
		options:   opts,
	}
}

// PlacementFor returns the primary and backup for a key under the current ring.
func (e *placementEngine) PlacementFor(key string) (Placement, error) {
	if key == "" {
		return Placement{}, &KeyError{Key: key, Err: ErrInvalidKey}
	}
	return e.ring.PlacementFor(key)
}

// ringChangeAttempts bounds how often an operation is retried because the ring
// changed underneath it.
const ringChangeAttempts = 3

// Write stores the value at the key's primary and then at its backup.
// The two writes are not atomic: a failed backup write leaves the primary in place.
// A primary that became unavailable because it left the ring is retried at its new owner.
func (e *placementEngine) Write(ctx context.Context, key string, value []byte) (Placement, error) {
	for attempt := 1; ; attempt++ {
		var (
			gen    = e.ring.gen()
			p, err = e.write(ctx, key, value)
		)
		if !errors.Is(err, ErrStoreUnavailable) || e.ring.gen() == gen || attempt == ringChangeAttempts {
			return p, err
		}
	}
}

func (e *placementEngine) write(ctx context.Context, key string, value []byte) (Placement, error) {
	var p, err = e.PlacementFor(key)
	if err != nil {
		return Placement{}, err
	}

	var primary, ok = e.members.LiveStore(p.Primary)
	if !ok {
		return p, &KeyError{Key: key, Nodes: []NodeID{p.Primary}, Err: ErrStoreUnavailable}
	}
	if err := primary.Upsert(ctx, Record{Key: key, Value: value, Role: RolePrimary}); err != nil {
		return p, &KeyError{Key: key, Nodes: []NodeID{p.Primary}, Err: fmt.Errorf("failed to write primary: %w", err)}
	}

	backup, ok := e.members.LiveStore(p.Backup)
	if !ok {
		e.options.logger.Warn("backup unavailable, key written without backup",
			"key", key,
			"primary", p.Primary,
			"backup", p.Backup)
		return p, nil
	}
	if err := backup.Upsert(ctx, Record{Key: key, Value: value, Role: RoleBackup}); err != nil {
		return p, &KeyError{Key: key, Nodes: []NodeID{p.Backup}, Err: fmt.Errorf("failed to write backup: %w", err)}
	}

	return p, nil
}

// WriteBatch inserts entries grouped per node, one concurrent task per node.
// Failures are collected per node as *InsertManyError and joined.
func (e *placementEngine) WriteBatch(ctx context.Context, entries []Entry) error {
	var (
		grouped = make(map[NodeID][]Record)
		errs    []error
	)

	for _, entry := range entries {
		var p, err = e.PlacementFor(entry.Key)
		if err != nil {
			return err
		}
		grouped[p.Primary] = append(grouped[p.Primary], Record{Key: entry.Key, Value: entry.Value, Role: RolePrimary})
		grouped[p.Backup] = append(grouped[p.Backup], Record{Key: entry.Key, Value: entry.Value, Role: RoleBackup})
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for id, records := range grouped {
		g.Go(func() error {
			var err = e.insertMany(ctx, id, records)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (e *placementEngine) insertMany(ctx context.Context, id NodeID, records []Record) error {
	var store, ok = e.members.LiveStore(id)
	if !ok {
		var failed = make(map[string]error, len(records))
		for _, r := range records {
			failed[r.Key] = ErrStoreUnavailable
		}
		return &InsertManyError{Node: id, Failed: failed}
	}

	var err = store.InsertMany(ctx, records)
	if err == nil {
		return nil
	}

	var partial *InsertManyError
	if errors.As(err, &partial) {
		partial.Node = id
		return partial
	}

	var failed = make(map[string]error, len(records))
	for _, r := range records {
		failed[r.Key] = err
	}
	return &InsertManyError{Node: id, Failed: failed}
}

// Read returns the key's primary copy, failing over to the backup held by the
// primary's successor when the primary is not live or its store fails. A miss at a
// live primary is final unless a migration is in flight: then the owners under the
// pre-migration rings are consulted, and the backup too while the primary is still
// reconciling after recovery.
func (e *placementEngine) Read(ctx context.Context, key string) (ReadResult, error) {
	for attempt := 1; ; attempt++ {
		var (
			gen      = e.ring.gen()
			res, err = e.read(ctx, key)
		)
		if !errors.Is(err, ErrRecordNotFound) || e.ring.gen() == gen || attempt == ringChangeAttempts {
			return res, err
		}
	}
}

func (e *placementEngine) read(ctx context.Context, key string) (ReadResult, error) {
	var p, err = e.PlacementFor(key)
	if err != nil {
		return ReadResult{}, err
	}

	var (
		snaps      = e.snapshots.All()
		candidates = []target{{p.Primary, RolePrimary}}
	)
	for _, prev := range snaps {
		if pp, err := prev.PlacementFor(key); err == nil {
			candidates = append(candidates, target{pp.Primary, RolePrimary}, target{pp.Backup, RoleBackup})
		}
	}

	var (
		seen      = make(map[target]bool, len(candidates)+1)
		consulted []NodeID
		reachable bool
		failover  = !e.members.IsLive(p.Primary) || e.snapshots.Recovering(p.Primary)

		try = func(t target) (Record, bool, error) {
			if seen[t] {
				return Record{}, false, nil
			}
			seen[t] = true

			var store, ok = e.members.LiveStore(t.Node)
			if !ok {
				return Record{}, false, nil
			}
			consulted = append(consulted, t.Node)

			record, err := store.Find(ctx, key, t.Role)
			switch {
			case err == nil:
				return record, true, nil
			case errors.Is(err, ErrRecordNotFound):
				reachable = true
			case ctx.Err() != nil:
				return Record{}, false, ctx.Err()
			default:
				e.options.logger.Warn("read failed, trying next replica",
					"key", key,
					"node_id", t.Node,
					"role", t.Role,
					"error", err)
				if t == (target{p.Primary, RolePrimary}) {
					failover = true
				}
			}
			return Record{}, false, nil
		}
	)

	// The backup goes last, once every other candidate has missed
	for _, t := range candidates {
		var record, found, err = try(t)
		if err != nil {
			return ReadResult{}, err
		}
		if found {
			return ReadResult{Record: record, Node: t.Node}, nil
		}
	}
	if failover {
		var record, found, err = try(target{p.Backup, RoleBackup})
		if err != nil {
			return ReadResult{}, err
		}
		if found {
			return ReadResult{Record: record, Node: p.Backup}, nil
		}
	}

	// A migration may have copied the key to its new primary and deleted the old
	// copy between our two lookups. Copies land before deletes, so look again.
	if len(snaps) > 0 {
		delete(seen, target{p.Primary, RolePrimary})
		var record, found, err = try(target{p.Primary, RolePrimary})
		if err != nil {
			return ReadResult{}, err
		}
		if found {
			return ReadResult{Record: record, Node: p.Primary}, nil
		}
	}

	if !reachable {
		return ReadResult{}, &KeyError{Key: key, Nodes: []NodeID{p.Primary, p.Backup}, Err: ErrAllReplicasUnreachable}
	}
	return ReadResult{}, &KeyError{Key: key, Nodes: consulted, Err: ErrRecordNotFound}
}

// Delete removes both copies of a key. The primary must be live.
func (e *placementEngine) Delete(ctx context.Context, key string) error {
	var p, err = e.PlacementFor(key)
	if err != nil {
		return err
	}

	var primary, ok = e.members.LiveStore(p.Primary)
	if !ok {
		return &KeyError{Key: key, Nodes: []NodeID{p.Primary}, Err: ErrStoreUnavailable}
	}
	if err := primary.Delete(ctx, key, RolePrimary); err != nil {
		return &KeyError{Key: key, Nodes: []NodeID{p.Primary}, Err: fmt.Errorf("failed to delete primary: %w", err)}
	}

	backup, ok := e.members.LiveStore(p.Backup)
	if !ok {
		e.options.logger.Warn("backup unavailable, backup copy left in place",
			"key", key,
			"backup", p.Backup)
		return nil
	}
	if err := backup.Delete(ctx, key, RoleBackup); err != nil {
		return &KeyError{Key: key, Nodes: []NodeID{p.Backup}, Err: fmt.Errorf("failed to delete backup: %w", err)}
	}
	return nil
}
