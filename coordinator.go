package shardring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// coordinator applies topology events to the ring and drives the resulting data movement.
// Topology changes are applied one at a time; reads and writes are never blocked by them.
type coordinator struct {
	ring      *Ring
	members   *membership
	snapshots *snapshots
	exec      *executor
	options   options

	mu sync.Mutex // serializes topology changes

	migrationsMu sync.RWMutex
	migrations   map[string]*migration
}

func newCoordinator(ring *Ring, members *membership, snaps *snapshots, opts options) *coordinator {
	return &coordinator{
		ring:       ring,
		members:    members,
		snapshots:  snaps,
		exec:       &executor{members: members, options: opts},
		options:    opts,
		migrations: make(map[string]*migration),
	}
}

// AddNode registers the node's store, places it on the ring and pulls the records it now owns.
func (c *coordinator) AddNode(ctx context.Context, id NodeID, store RecordStore) (MigrationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.members.Register(id, store); err != nil {
		return MigrationReport{}, err
	}

	// The snapshot is published before the ring changes so that a read never sees
	// the new owner without a way back to the old one.
	var (
		prev = c.ring.Clone()
		m    = c.newMigration(MigrationAddition, id)
	)
	if prev.Len() >= 2 {
		c.snapshots.Put(m.report.ID, prev)
	}
	if err := c.ring.Add(id); err != nil {
		c.snapshots.Delete(m.report.ID)
		c.forget(m.report.ID)
		c.members.Unregister(id)
		return MigrationReport{}, err
	}

	if prev.Len() >= 2 {
		for _, src := range prev.Nodes() {
			if !c.members.IsLive(src) {
				c.options.logger.Warn("skipping unavailable node during addition",
					"migration_id", m.report.ID,
					"node_id", src)
				m.report.Skipped = append(m.report.Skipped, src)
				continue
			}
			m.passes = append(m.passes, &pass{Source: src, Role: RolePrimary, plan: c.planAddition(prev, src)})
		}
	}
	m.finish = func() {
		c.snapshots.Delete(m.report.ID)
	}

	c.options.logger.Info("node added to ring",
		"migration_id", m.report.ID,
		"node_id", id,
		"ring_nodes", c.ring.Len())

	return c.drive(ctx, m)
}

// RemoveNode takes the node off the ring, re-homes every record it held and then detaches it.
// A node that is not live is rebuilt from the copies its neighbours hold.
func (c *coordinator) RemoveNode(ctx context.Context, id NodeID) (MigrationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ring.Contains(id) {
		return MigrationReport{}, &NodeError{Node: id, Err: ErrNodeNotFound}
	}
	if c.ring.Len()-1 < 2 {
		return MigrationReport{}, &NodeError{Node: id, Err: ErrInsufficientNodes}
	}

	var (
		prev = c.ring.Clone()
		m    = c.newMigration(MigrationRemoval, id)
	)
	c.snapshots.Put(m.report.ID, prev)
	if err := c.ring.Remove(id); err != nil {
		c.snapshots.Delete(m.report.ID)
		c.forget(m.report.ID)
		return MigrationReport{}, err
	}

	if c.members.IsLive(id) {
		m.passes = []*pass{
			{Source: id, Role: RolePrimary, plan: c.planEvacuatePrimary(prev, id)},
			{Source: id, Role: RoleBackup, plan: c.planEvacuateBackup(id)},
		}
	} else {
		var succ, err = prev.SuccessorOf(id)
		if err != nil {
			return MigrationReport{}, fmt.Errorf("failed to locate successor of %s: %w", id, err)
		}
		m.report.Skipped = append(m.report.Skipped, id)
		if c.members.IsLive(succ) {
			m.passes = append(m.passes, &pass{Source: succ, Role: RoleBackup, plan: c.planRebuildPrimaries(prev, id, succ)})
		} else {
			m.report.Skipped = append(m.report.Skipped, succ)
		}
		for _, backed := range backedUpOn(prev, id) {
			if !c.members.IsLive(backed) {
				m.report.Skipped = append(m.report.Skipped, backed)
				continue
			}
			m.passes = append(m.passes, &pass{Source: backed, Role: RolePrimary, plan: c.planRebuildBackups(prev, id, backed)})
		}
	}
	m.finish = func() {
		c.members.Unregister(id)
		c.snapshots.Delete(m.report.ID)
	}

	c.options.logger.Info("node removed from ring",
		"migration_id", m.report.ID,
		"node_id", id,
		"evacuate", c.members.IsLive(id),
		"ring_nodes", c.ring.Len())

	return c.drive(ctx, m)
}

// FailNode drops the node from the live set only. Its ring positions are kept,
// so reads fail over to its successor and a later recovery can resync it.
func (c *coordinator) FailNode(id NodeID) (MigrationReport, error) {
	var changed, err = c.members.SetLive(id, false)
	if err != nil {
		return MigrationReport{}, err
	}

	var m = c.newMigration(MigrationFailure, id)
	m.report.State = StateDone
	m.report.Finished = time.Now()

	if changed {
		c.options.logger.Warn("node marked failed",
			"migration_id", m.report.ID,
			"node_id", id)
	}

	return m.snapshot(), nil
}

// RecoverNode re-admits a failed node and reconciles it with its neighbours:
// missing primaries are restored from the backup holder, backups are brought in line
// with their primaries, and backups whose primary no longer exists are dropped.
// A node whose removal has not finished is no longer on the ring and cannot be recovered.
func (c *coordinator) RecoverNode(ctx context.Context, id NodeID) (MigrationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.members.Store(id); err != nil {
		return MigrationReport{}, err
	}
	if !c.ring.Contains(id) {
		return MigrationReport{}, &NodeError{Node: id, Err: fmt.Errorf("removal in progress: %w", ErrNodeNotFound)}
	}
	if _, err := c.members.SetLive(id, true); err != nil {
		return MigrationReport{}, err
	}

	var m = c.newMigration(MigrationRecovery, id)
	c.snapshots.MarkRecovering(m.report.ID, id)
	m.finish = func() {
		c.snapshots.Delete(m.report.ID)
	}
	if c.ring.Len() >= 2 {
		var holder, err = c.ring.SuccessorOf(id)
		if err != nil {
			return MigrationReport{}, fmt.Errorf("failed to locate successor of %s: %w", id, err)
		}
		if c.members.IsLive(holder) {
			m.passes = append(m.passes, &pass{Source: holder, Role: RoleBackup, plan: c.planRestorePrimaries(id)})
		} else {
			m.report.Skipped = append(m.report.Skipped, holder)
		}
		m.passes = append(m.passes, &pass{Source: id, Role: RolePrimary, plan: c.planRestoreBackups(id)})
		for _, backed := range backedUpOn(c.ring, id) {
			if !c.members.IsLive(backed) {
				m.report.Skipped = append(m.report.Skipped, backed)
				continue
			}
			m.passes = append(m.passes, &pass{Source: backed, Role: RolePrimary, plan: c.planBackfillBackups(id)})
		}
		m.passes = append(m.passes, &pass{Source: id, Role: RoleBackup, plan: c.planPruneBackups(id)})
	}

	c.options.logger.Info("node recovering",
		"migration_id", m.report.ID,
		"node_id", id)

	return c.drive(ctx, m)
}

// Resume retries the pending keys of a partial migration and continues any unfinished scans.
func (c *coordinator) Resume(ctx context.Context, id string) (MigrationReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var m, err = c.lookup(id)
	if err != nil {
		return MigrationReport{}, err
	}
	if m.snapshot().Complete() {
		return m.snapshot(), nil
	}

	if err := c.retryPending(ctx, m); err != nil {
		return m.snapshot(), err
	}
	return c.drive(ctx, m)
}

// Migration returns the current report of a migration.
func (c *coordinator) Migration(id string) (MigrationReport, error) {
	var m, err = c.lookup(id)
	if err != nil {
		return MigrationReport{}, err
	}
	return m.snapshot(), nil
}

func (c *coordinator) lookup(id string) (*migration, error) {
	c.migrationsMu.RLock()
	defer c.migrationsMu.RUnlock()

	var m, exists = c.migrations[id]
	if !exists {
		return nil, fmt.Errorf("migration %s: %w", id, ErrMigrationNotFound)
	}
	return m, nil
}

func (c *coordinator) forget(id string) {
	c.migrationsMu.Lock()
	defer c.migrationsMu.Unlock()
	delete(c.migrations, id)
}

func (c *coordinator) newMigration(kind MigrationKind, id NodeID) *migration {
	var m = &migration{
		report: MigrationReport{
			ID:      uuid.NewString(),
			Kind:    kind,
			Node:    id,
			State:   StateIdle,
			Started: time.Now(),
		},
		pending: make(map[string]pendingRecord),
	}

	c.migrationsMu.Lock()
	c.migrations[m.report.ID] = m
	c.migrationsMu.Unlock()

	return m
}

// drive runs every unfinished pass batch by batch. Cancellation is honoured between batches;
// a batch already started finishes its copy-then-delete so no source record is lost.
func (c *coordinator) drive(ctx context.Context, m *migration) (MigrationReport, error) {
	var (
		scanState     = StateScanning
		transferState = StateTransferring
	)
	if m.report.Kind == MigrationRecovery {
		scanState, transferState = StateReconciling, StateReconciling
	}

	for i, p := range m.passes {
		for !p.Done {
			if err := ctx.Err(); err != nil {
				return m.snapshot(), err
			}

			m.setState(scanState)
			var records, err = c.exec.scan(ctx, p, c.options.batchSize)
			if err != nil {
				return m.snapshot(), fmt.Errorf("failed to scan %s records on %s: %w", p.Role, p.Source, err)
			}

			m.setState(transferState)
			c.runBatch(ctx, m, i, records)

			if len(records) > 0 {
				p.Cursor = records[len(records)-1].Key
			}
			if len(records) < c.options.batchSize {
				p.Done = true
			}
		}
	}

	if err := m.partialError(); err != nil {
		c.options.logger.Warn("migration partially complete",
			"migration_id", m.report.ID,
			"kind", m.report.Kind,
			"node_id", m.report.Node,
			"pending", len(m.pending))
		return m.snapshot(), err
	}

	if m.finish != nil {
		m.finish()
	}

	m.mu.Lock()
	m.report.State = StateDone
	m.report.Finished = time.Now()
	m.mu.Unlock()

	var report = m.snapshot()
	c.options.logger.Info("migration complete",
		"migration_id", report.ID,
		"kind", report.Kind,
		"node_id", report.Node,
		"copied", report.Copied,
		"deleted", report.Deleted,
		"cleaned", report.Cleaned,
		"duration", report.Finished.Sub(report.Started))

	return report, nil
}

// runBatch plans and executes one page of records scanned by pass i.
func (c *coordinator) runBatch(ctx context.Context, m *migration, i int, records []Record) {
	var (
		p     = m.passes[i]
		moves = make([]move, 0, len(records))
	)

	for _, record := range records {
		var mv, ok, err = p.plan(ctx, record)
		if err != nil {
			m.mu.Lock()
			m.pending[record.Key] = pendingRecord{pass: i, record: record, err: err}
			m.mu.Unlock()
			continue
		}
		if ok {
			moves = append(moves, mv)
		}
	}

	var failed = c.exec.run(ctx, m, p.Source, moves)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range moves {
		if err, isFailed := failed[mv.record.Key]; isFailed {
			m.pending[mv.record.Key] = pendingRecord{pass: i, record: mv.record, err: err}
			continue
		}
		delete(m.pending, mv.record.Key)
	}
}

// retryPending re-plans every pending record against the current ring and runs it again.
func (c *coordinator) retryPending(ctx context.Context, m *migration) error {
	m.mu.Lock()
	var byPass = make(map[int][]Record)
	for _, pr := range m.pending {
		byPass[pr.pass] = append(byPass[pr.pass], pr.record)
	}
	m.mu.Unlock()

	for i, records := range byPass {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		for _, record := range records {
			delete(m.pending, record.Key)
		}
		m.mu.Unlock()

		c.runBatch(ctx, m, i, records)
	}
	return nil
}

// planners

// planAddition moves primaries now owned by someone else and re-homes backups whose holder changed.
func (c *coordinator) planAddition(prev *Ring, src NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}
		pp, err := prev.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}

		var mv = move{record: record}
		switch {
		case p.Primary != src:
			mv.copies = []target{{p.Primary, RolePrimary}, {p.Backup, RoleBackup}}
			mv.deletes = []target{{src, RolePrimary}}
			if pp.Backup != p.Backup {
				mv.cleanup = []target{{pp.Backup, RoleBackup}}
			}
		case p.Backup != pp.Backup:
			mv.copies = []target{{p.Backup, RoleBackup}}
			mv.cleanup = []target{{pp.Backup, RoleBackup}}
		default:
			return move{}, false, nil
		}
		return mv, true, nil
	}
}

// planEvacuatePrimary re-homes a primary held by a departing node, together with its backup.
func (c *coordinator) planEvacuatePrimary(prev *Ring, departing NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}

		var mv = move{
			record:  record,
			copies:  []target{{p.Primary, RolePrimary}, {p.Backup, RoleBackup}},
			deletes: []target{{departing, RolePrimary}},
		}
		if pp, err := prev.PlacementFor(record.Key); err == nil && pp.Backup != p.Backup && pp.Backup != departing {
			mv.cleanup = []target{{pp.Backup, RoleBackup}}
		}
		return mv, true, nil
	}
}

// planEvacuateBackup re-homes a backup held by a departing node to the primary's new successor.
func (c *coordinator) planEvacuateBackup(departing NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}
		return move{
			record:  record,
			copies:  []target{{p.Backup, RoleBackup}},
			deletes: []target{{departing, RoleBackup}},
		}, true, nil
	}
}

// planRebuildPrimaries promotes backups of a lost node's primaries held by its former successor.
func (c *coordinator) planRebuildPrimaries(prev *Ring, lost, holder NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var pp, err = prev.PlacementFor(record.Key)
		if err != nil || pp.Primary != lost {
			return move{}, false, err
		}
		p, err := c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}

		var mv = move{
			record: record,
			copies: []target{{p.Primary, RolePrimary}, {p.Backup, RoleBackup}},
		}
		if p.Backup != holder {
			mv.deletes = []target{{holder, RoleBackup}}
		}
		return mv, true, nil
	}
}

// planRebuildBackups regenerates the backups a lost node held for the primaries of source.
func (c *coordinator) planRebuildBackups(prev *Ring, lost, source NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var pp, err = prev.PlacementFor(record.Key)
		if err != nil || pp.Backup != lost {
			return move{}, false, err
		}
		p, err := c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}
		if p.Primary != source {
			return move{}, false, nil
		}
		return move{record: record, copies: []target{{p.Backup, RoleBackup}}}, true, nil
	}
}

// planRestorePrimaries copies backups held for the recovered node back into it when it lacks them.
func (c *coordinator) planRestorePrimaries(recovered NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil || p.Primary != recovered {
			return move{}, false, err
		}
		return move{record: record, copies: []target{{recovered, RolePrimary}}}, true, nil
	}
}

// planRestoreBackups brings the backups of the recovered node's primaries in line with them.
// Primaries the ring moved elsewhere while the node was down are handed over to their owner.
func (c *coordinator) planRestoreBackups(recovered NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}
		if p.Primary != recovered {
			return move{
				record:  record,
				copies:  []target{{p.Primary, RolePrimary}, {p.Backup, RoleBackup}},
				deletes: []target{{recovered, RolePrimary}},
			}, true, nil
		}
		return move{record: record, syncs: []target{{p.Backup, RoleBackup}}}, true, nil
	}
}

// planBackfillBackups brings the backups the recovered node holds for the nodes it succeeds
// in line with their primaries.
func (c *coordinator) planBackfillBackups(recovered NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil || p.Backup != recovered {
			return move{}, false, err
		}
		return move{record: record, syncs: []target{{recovered, RoleBackup}}}, true, nil
	}
}

// planPruneBackups drops backups on the recovered node that no longer belong there:
// the key was deleted while the node was down, or the ring moved its backup elsewhere.
// A backup whose primary cannot be checked is kept.
func (c *coordinator) planPruneBackups(recovered NodeID) planner {
	return func(ctx context.Context, record Record) (move, bool, error) {
		var p, err = c.ring.PlacementFor(record.Key)
		if err != nil {
			return move{}, false, err
		}

		var drop = move{record: record, deletes: []target{{recovered, RoleBackup}}}
		if p.Backup != recovered {
			return drop, true, nil
		}

		var primary, ok = c.members.LiveStore(p.Primary)
		if !ok {
			return move{}, false, nil
		}
		_, err = primary.Find(ctx, record.Key, RolePrimary)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			c.options.logger.Debug("dropping orphaned backup",
				"key", record.Key,
				"node_id", recovered,
				"primary", p.Primary)
			return drop, true, nil
		case err != nil:
			return move{}, false, fmt.Errorf("failed to check primary of %q on %s: %w", record.Key, p.Primary, err)
		}
		return move{}, false, nil
	}
}

// backedUpOn returns the nodes whose backups the ring places on id.
// With one position per node that is only the predecessor.
func backedUpOn(ring *Ring, id NodeID) []NodeID {
	var nodes []NodeID
	for _, n := range ring.Nodes() {
		if n == id {
			continue
		}
		if succ, err := ring.SuccessorOf(n); err == nil && succ == id {
			nodes = append(nodes, n)
		}
	}
	return nodes
}
