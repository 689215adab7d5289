package shardring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// NodeCounts is the number of records a node holds per role, with the
// smallest and largest primary key it owns.
type NodeCounts struct {
	Primary int
	Backup  int
	MinKey  string
	MaxKey  string
}

// AuditReport is a read-only census of every registered node.
// Counts may be transiently inconsistent while a migration is running.
type AuditReport struct {
	Nodes        map[NodeID]NodeCounts
	TotalPrimary int
	TotalBackup  int
	Unreachable  []NodeID
}

// ViolationKind names the placement rule a record breaks.
type ViolationKind string

const (
	ViolationMisplacedPrimary ViolationKind = "misplaced_primary"
	ViolationMissingBackup    ViolationKind = "missing_backup"
	ViolationStaleBackup      ViolationKind = "stale_backup"
	ViolationOrphanBackup     ViolationKind = "orphan_backup"
)

// Violation is a key that does not sit where the current ring places it.
type Violation struct {
	Key  string
	Kind ViolationKind
	Node NodeID // where the offending copy was found
	Want NodeID // where the ring expects it (primary or backup)
}

// auditor reads from every store without touching the ring's membership.
type auditor struct {
	ring    *Ring
	members *membership
	options options
}

func newAuditor(ring *Ring, members *membership, opts options) *auditor {
	return &auditor{ring: ring, members: members, options: opts}
}

// Audit counts primary and backup records on every node concurrently.
// Nodes that are not live, or whose store fails, are reported as unreachable.
func (a *auditor) Audit(ctx context.Context) (AuditReport, error) {
	var (
		report = AuditReport{Nodes: make(map[NodeID]NodeCounts)}
		mu     sync.Mutex
		g      errgroup.Group
	)

	for _, id := range a.members.Nodes() {
		g.Go(func() error {
			var counts, err = a.count(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.options.logger.Warn("audit could not reach node", "node_id", id, "error", err)
				report.Unreachable = append(report.Unreachable, id)
				return nil
			}
			report.Nodes[id] = counts
			report.TotalPrimary += counts.Primary
			report.TotalBackup += counts.Backup
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AuditReport{}, err
	}

	sort.Slice(report.Unreachable, func(i, j int) bool { return report.Unreachable[i] < report.Unreachable[j] })
	return report, nil
}

func (a *auditor) count(ctx context.Context, id NodeID) (NodeCounts, error) {
	var store, ok = a.members.LiveStore(id)
	if !ok {
		return NodeCounts{}, &NodeError{Node: id, Err: ErrStoreUnavailable}
	}

	primary, err := store.Count(ctx, Filter{Role: RolePrimary})
	if err != nil {
		return NodeCounts{}, fmt.Errorf("failed to count primaries: %w", err)
	}
	backup, err := store.Count(ctx, Filter{Role: RoleBackup})
	if err != nil {
		return NodeCounts{}, fmt.Errorf("failed to count backups: %w", err)
	}

	var counts = NodeCounts{Primary: primary, Backup: backup}
	err = a.scan(ctx, id, RolePrimary, func(record Record) error {
		if counts.MinKey == "" || keyLess(record.Key, counts.MinKey) {
			counts.MinKey = record.Key
		}
		if counts.MaxKey == "" || keyLess(counts.MaxKey, record.Key) {
			counts.MaxKey = record.Key
		}
		return nil
	})
	if err != nil {
		return NodeCounts{}, fmt.Errorf("failed to scan key range: %w", err)
	}
	return counts, nil
}

// keyLess orders keys numerically when both are integers, otherwise lexically.
func keyLess(a, b string) bool {
	var x, errX = strconv.ParseInt(a, 10, 64)
	var y, errY = strconv.ParseInt(b, 10, 64)
	if errX == nil && errY == nil {
		return x < y
	}
	return a < b
}

// Verify walks every live node's records. A primary must sit on its ring-assigned
// node and have an equal backup on the primary's successor. A backup must have its
// primary. Copies whose counterpart lives on a node that is not live are not judged.
func (a *auditor) Verify(ctx context.Context) ([]Violation, error) {
	var (
		violations []Violation
		mu         sync.Mutex
		g          errgroup.Group
	)

	for _, id := range a.members.LiveNodes() {
		g.Go(func() error {
			var primaries, err = a.verifyPrimaries(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to verify primaries on %s: %w", id, err)
			}
			backups, err := a.verifyBackups(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to verify backups on %s: %w", id, err)
			}
			mu.Lock()
			violations = append(violations, primaries...)
			violations = append(violations, backups...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Key != violations[j].Key {
			return violations[i].Key < violations[j].Key
		}
		return violations[i].Kind < violations[j].Kind
	})
	return violations, nil
}

func (a *auditor) verifyPrimaries(ctx context.Context, id NodeID) ([]Violation, error) {
	var violations []Violation
	err := a.scan(ctx, id, RolePrimary, func(record Record) error {
		var p, err = a.ring.PlacementFor(record.Key)
		if err != nil {
			return err
		}
		if p.Primary != id {
			violations = append(violations, Violation{Key: record.Key, Kind: ViolationMisplacedPrimary, Node: id, Want: p.Primary})
			return nil
		}

		var backup, live = a.members.LiveStore(p.Backup)
		if !live {
			return nil
		}
		held, err := backup.Find(ctx, record.Key, RoleBackup)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			violations = append(violations, Violation{Key: record.Key, Kind: ViolationMissingBackup, Node: id, Want: p.Backup})
		case err != nil:
			return fmt.Errorf("failed to check backup of %q on %s: %w", record.Key, p.Backup, err)
		case !bytes.Equal(held.Value, record.Value):
			violations = append(violations, Violation{Key: record.Key, Kind: ViolationStaleBackup, Node: p.Backup, Want: id})
		}
		return nil
	})
	return violations, err
}

func (a *auditor) verifyBackups(ctx context.Context, id NodeID) ([]Violation, error) {
	var violations []Violation
	err := a.scan(ctx, id, RoleBackup, func(record Record) error {
		var p, err = a.ring.PlacementFor(record.Key)
		if err != nil {
			return err
		}

		var primary, live = a.members.LiveStore(p.Primary)
		if !live {
			return nil
		}
		_, err = primary.Find(ctx, record.Key, RolePrimary)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			violations = append(violations, Violation{Key: record.Key, Kind: ViolationOrphanBackup, Node: id, Want: p.Primary})
		case err != nil:
			return fmt.Errorf("failed to check primary of %q on %s: %w", record.Key, p.Primary, err)
		}
		return nil
	})
	return violations, err
}

// scan pages through one role of a live node's store.
func (a *auditor) scan(ctx context.Context, id NodeID, role Role, fn func(Record) error) error {
	var store, ok = a.members.LiveStore(id)
	if !ok {
		return nil
	}

	var after string
	for {
		var records, err = store.Scan(ctx, role, after, a.options.batchSize)
		if err != nil {
			return err
		}
		for _, record := range records {
			if err := fn(record); err != nil {
				return err
			}
		}
		if len(records) < a.options.batchSize {
			return nil
		}
		after = records[len(records)-1].Key
	}
}
