package shardring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MigrationKind names the topology event that started a migration.
type MigrationKind string

const (
	MigrationRemoval  MigrationKind = "removal"
	MigrationAddition MigrationKind = "addition"
	MigrationFailure  MigrationKind = "failure"
	MigrationRecovery MigrationKind = "recovery"
)

// MigrationState is the step a migration is in.
type MigrationState string

const (
	StateIdle         MigrationState = "idle"
	StateScanning     MigrationState = "scanning"
	StateTransferring MigrationState = "transferring"
	StateReconciling  MigrationState = "reconciling"
	StateDone         MigrationState = "done"
)

// MigrationReport is a point-in-time view of a migration.
type MigrationReport struct {
	ID       string
	Kind     MigrationKind
	Node     NodeID
	State    MigrationState
	Copied   int      // destination inserts confirmed
	Deleted  int      // source records removed after their copies were confirmed
	Cleaned  int      // stale copies removed from former backup holders
	Skipped  []NodeID // nodes that could not be scanned because they were not live
	Pending  []string // keys not yet migrated
	Started  time.Time
	Finished time.Time
}

// Complete reports whether nothing is left to migrate.
func (r MigrationReport) Complete() bool {
	return r.State == StateDone && len(r.Pending) == 0
}

// target is a (node, role) location of a record copy.
type target struct {
	Node NodeID
	Role Role
}

// move describes what has to happen to one scanned record.
// Copies are confirmed before any delete runs; cleanup is best effort.
// A copy never replaces an existing record. A sync does: the scanned copy is
// authoritative and the destination is brought in line with its current value.
type move struct {
	record  Record
	copies  []target
	syncs   []target
	deletes []target
	cleanup []target
}

// planner turns a scanned record into a move. ok is false when the record is already in place.
type planner func(ctx context.Context, record Record) (m move, ok bool, err error)

// pass scans one role of one source node with a resumable key cursor.
type pass struct {
	Source NodeID
	Role   Role
	Cursor string
	Done   bool
	plan   planner
}

// pendingRecord is a record whose move did not complete, kept for resume.
type pendingRecord struct {
	pass   int
	record Record
	err    error
}

// migration is the mutable state behind a MigrationReport.
type migration struct {
	mu      sync.Mutex
	report  MigrationReport
	passes  []*pass
	pending map[string]pendingRecord
	// finish runs once every pass is done and nothing is pending.
	finish func()
}

func (m *migration) setState(state MigrationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.report.State = state
}

func (m *migration) snapshot() MigrationReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	var report = m.report
	report.Skipped = append([]NodeID(nil), m.report.Skipped...)
	report.Pending = make([]string, 0, len(m.pending))
	for key := range m.pending {
		report.Pending = append(report.Pending, key)
	}
	sort.Strings(report.Pending)
	return report
}

func (m *migration) partialError() error {
	var report = m.snapshot()
	if len(report.Pending) == 0 {
		return nil
	}
	return &PartialMigrationError{
		MigrationID: report.ID,
		Kind:        report.Kind,
		Node:        report.Node,
		Pending:     report.Pending,
	}
}

// transfer is one record to ship to a destination.
type transfer struct {
	record    Record // carries the destination role
	from      Role   // role of the scanned copy
	overwrite bool
}

// migrationPlan is the per-batch grouping of records to ship, one work list per destination.
type migrationPlan map[NodeID][]transfer

func newMigrationPlan(moves []move) migrationPlan {
	var (
		plan = make(migrationPlan)
		add  = func(mv move, dst target, overwrite bool) {
			var record = mv.record
			record.Role = dst.Role
			plan[dst.Node] = append(plan[dst.Node], transfer{record: record, from: mv.record.Role, overwrite: overwrite})
		}
	)
	for _, mv := range moves {
		for _, dst := range mv.copies {
			add(mv, dst, false)
		}
		for _, dst := range mv.syncs {
			add(mv, dst, true)
		}
	}
	return plan
}

// executor applies moves against the registered stores.
type executor struct {
	members *membership
	options options
}

// run performs copy-then-delete for one batch of moves scanned from source.
// It returns the keys that could not be fully migrated.
func (e *executor) run(ctx context.Context, m *migration, source NodeID, moves []move) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		fail   = func(key string, err error) {
			mu.Lock()
			defer mu.Unlock()
			if _, exists := failed[key]; !exists {
				failed[key] = err
			}
		}
	)

	// One task per destination node
	var g errgroup.Group
	for dst, transfers := range newMigrationPlan(moves) {
		g.Go(func() error {
			for _, t := range transfers {
				var err error
				if t.overwrite {
					err = e.sync(ctx, source, dst, t)
				} else {
					err = e.copy(ctx, dst, t.record)
				}
				if err != nil {
					fail(t.record.Key, err)
					continue
				}
				m.mu.Lock()
				m.report.Copied++
				m.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Only records whose every copy is confirmed may leave their source
	var (
		deletes = make(map[target][]string)
		cleanup = make(map[target][]string)
	)
	for _, mv := range moves {
		if _, exists := failed[mv.record.Key]; exists {
			continue
		}
		for _, t := range mv.deletes {
			deletes[t] = append(deletes[t], mv.record.Key)
		}
		for _, t := range mv.cleanup {
			cleanup[t] = append(cleanup[t], mv.record.Key)
		}
	}

	var removers errgroup.Group
	for t, keys := range deletes {
		removers.Go(func() error {
			if err := e.deleteMany(ctx, t, keys); err != nil {
				for _, key := range keys {
					fail(key, err)
				}
				return nil
			}
			m.mu.Lock()
			m.report.Deleted += len(keys)
			m.mu.Unlock()
			return nil
		})
	}
	for t, keys := range cleanup {
		if !e.members.IsLive(t.Node) {
			e.options.logger.Warn("stale copies left on unavailable node",
				"node_id", t.Node,
				"role", t.Role,
				"keys", len(keys))
			continue
		}
		removers.Go(func() error {
			if err := e.deleteMany(ctx, t, keys); err != nil {
				e.options.logger.Warn("failed to clean up stale copies",
					"node_id", t.Node,
					"role", t.Role,
					"keys", len(keys),
					"error", err)
				return nil
			}
			m.mu.Lock()
			m.report.Cleaned += len(keys)
			m.mu.Unlock()
			return nil
		})
	}
	_ = removers.Wait()

	return failed
}

// copy inserts a record at dst, retrying with exponential backoff.
// An existing copy counts as success: it is either the same value or a newer write.
func (e *executor) copy(ctx context.Context, dst NodeID, record Record) error {
	return e.retry(ctx, "copy", dst, record.Key, func() error {
		var store, ok = e.members.LiveStore(dst)
		if !ok {
			return &NodeError{Node: dst, Err: ErrStoreUnavailable}
		}
		var err = store.Insert(ctx, record)
		if errors.Is(err, ErrDuplicateKey) {
			return nil
		}
		return err
	})
}

// sync makes the copy at dst match the source's current value, re-reading the source
// so that a write that landed after the scan is not rolled back.
// A source record that is gone by now is left for the orphan pass.
func (e *executor) sync(ctx context.Context, source, dst NodeID, t transfer) error {
	return e.retry(ctx, "sync", dst, t.record.Key, func() error {
		var src, ok = e.members.LiveStore(source)
		if !ok {
			return &NodeError{Node: source, Err: ErrStoreUnavailable}
		}
		store, ok := e.members.LiveStore(dst)
		if !ok {
			return &NodeError{Node: dst, Err: ErrStoreUnavailable}
		}

		var current, err = src.Find(ctx, t.record.Key, t.from)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		existing, err := store.Find(ctx, t.record.Key, t.record.Role)
		switch {
		case err == nil && bytes.Equal(existing.Value, current.Value):
			return nil
		case err != nil && !errors.Is(err, ErrRecordNotFound):
			return err
		}

		current.Role = t.record.Role
		return store.Upsert(ctx, current)
	})
}

func (e *executor) deleteMany(ctx context.Context, t target, keys []string) error {
	return e.retry(ctx, "delete", t.Node, "", func() error {
		var store, ok = e.members.LiveStore(t.Node)
		if !ok {
			return &NodeError{Node: t.Node, Err: ErrStoreUnavailable}
		}
		return store.DeleteMany(ctx, keys, t.Role)
	})
}

func (e *executor) scan(ctx context.Context, p *pass, limit int) ([]Record, error) {
	var records []Record
	err := e.retry(ctx, "scan", p.Source, p.Cursor, func() error {
		var store, ok = e.members.LiveStore(p.Source)
		if !ok {
			return &NodeError{Node: p.Source, Err: ErrStoreUnavailable}
		}
		var err error
		records, err = store.Scan(ctx, p.Role, p.Cursor, limit)
		return err
	})
	return records, err
}

// retry runs fn up to maxRetries+1 times. Context errors are never retried.
func (e *executor) retry(ctx context.Context, op string, node NodeID, key string, fn func() error) error {
	var (
		backoff = e.options.retryBackoff
		err     error
	)

	for attempt := 0; attempt <= e.options.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == e.options.maxRetries {
			break
		}

		e.options.logger.Warn("migration step failed, retrying",
			"op", op,
			"node_id", node,
			"key", key,
			"attempt", attempt+1,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("failed to %s after %d attempts: %w", op, e.options.maxRetries+1, err)
}
