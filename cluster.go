package shardring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Cluster owns the ring, the live set and the node stores.
// It is the single entry point for data operations and topology events.
type Cluster struct {
	ring        *Ring
	members     *membership
	snapshots   *snapshots
	placement   *placementEngine
	coordinator *coordinator
	auditor     *auditor
	health      *healthMonitor
	options     options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an empty cluster. Nodes join through AddNode.
func New(opts ...Option) *Cluster {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var (
		ring    = newRing(options.ringSize, options.vnodeCount)
		members = newMembership()
		snaps   = newSnapshots()
		coord   = newCoordinator(ring, members, snaps, options)
	)

	return &Cluster{
		ring:        ring,
		members:     members,
		snapshots:   snaps,
		placement:   newPlacementEngine(ring, members, snaps, options),
		coordinator: coord,
		auditor:     newAuditor(ring, members, options),
		health:      newHealthMonitor(coord, members, options),
		options:     options,
	}
}

// Start launches the health worker when WithHealthCheck set an interval.
// Background work runs until Stop is called, independently of ctx.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("cluster already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var workerCtx context.Context
	workerCtx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})

	if c.options.healthInterval <= 0 {
		close(c.done)
		return nil
	}

	go func() {
		defer close(c.done)
		c.health.run(workerCtx)
	}()

	c.options.logger.Info("health worker started", "interval", c.options.healthInterval)
	return nil
}

// Stop halts background work and waits for it to exit.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

// AddNode attaches a store and places the node on the ring, migrating the keys it now owns.
func (c *Cluster) AddNode(ctx context.Context, id NodeID, store RecordStore) (MigrationReport, error) {
	return c.coordinator.AddNode(ctx, id, store)
}

// RemoveNode evacuates a node and detaches it. At least two nodes must remain.
func (c *Cluster) RemoveNode(ctx context.Context, id NodeID) (MigrationReport, error) {
	return c.coordinator.RemoveNode(ctx, id)
}

// FailNode marks a node dead. No data moves.
func (c *Cluster) FailNode(id NodeID) (MigrationReport, error) {
	return c.coordinator.FailNode(id)
}

// RecoverNode marks a node live again and resyncs it with its neighbours.
func (c *Cluster) RecoverNode(ctx context.Context, id NodeID) (MigrationReport, error) {
	return c.coordinator.RecoverNode(ctx, id)
}

// Migration returns the report of a migration started by a topology event.
func (c *Cluster) Migration(id string) (MigrationReport, error) {
	return c.coordinator.Migration(id)
}

// PendingKeys returns the keys a migration has not moved yet.
func (c *Cluster) PendingKeys(id string) ([]string, error) {
	var report, err = c.coordinator.Migration(id)
	if err != nil {
		return nil, err
	}
	return report.Pending, nil
}

// ResumeMigration retries the pending keys of a partial migration and finishes its scans.
func (c *Cluster) ResumeMigration(ctx context.Context, id string) (MigrationReport, error) {
	return c.coordinator.Resume(ctx, id)
}

// PlacementFor returns where a key lives under the current ring.
func (c *Cluster) PlacementFor(key string) (Placement, error) {
	return c.placement.PlacementFor(key)
}

// Put writes a key to its primary and backup, replacing any previous value.
func (c *Cluster) Put(ctx context.Context, key string, value []byte) (Placement, error) {
	return c.placement.Write(ctx, key, value)
}

// PutBatch inserts new keys, grouped per node. Existing keys are reported as failed.
func (c *Cluster) PutBatch(ctx context.Context, entries []Entry) error {
	return c.placement.WriteBatch(ctx, entries)
}

// Get reads a key, failing over to its backup when the primary is not live.
func (c *Cluster) Get(ctx context.Context, key string) (ReadResult, error) {
	return c.placement.Read(ctx, key)
}

// Delete removes both copies of a key.
func (c *Cluster) Delete(ctx context.Context, key string) error {
	return c.placement.Delete(ctx, key)
}

// Audit counts records per node and role.
func (c *Cluster) Audit(ctx context.Context) (AuditReport, error) {
	return c.auditor.Audit(ctx)
}

// Verify reports keys that break the placement rules of the current ring.
func (c *Cluster) Verify(ctx context.Context) ([]Violation, error) {
	return c.auditor.Verify(ctx)
}

// Purge deletes every record from every live node.
func (c *Cluster) Purge(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range c.members.LiveNodes() {
		g.Go(func() error {
			var store, ok = c.members.LiveStore(id)
			if !ok {
				return nil
			}
			for _, role := range []Role{RolePrimary, RoleBackup} {
				if err := c.purgeRole(ctx, store, role); err != nil {
					return &NodeError{Node: id, Err: fmt.Errorf("failed to purge %s records: %w", role, err)}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Cluster) purgeRole(ctx context.Context, store RecordStore, role Role) error {
	for {
		var records, err = store.Scan(ctx, role, "", c.options.batchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		var keys = make([]string, len(records))
		for i, r := range records {
			keys[i] = r.Key
		}
		if err := store.DeleteMany(ctx, keys, role); err != nil {
			return err
		}
	}
}

// Ring returns a copy of the current ring.
func (c *Cluster) Ring() *Ring {
	return c.ring.Clone()
}

// Nodes returns every registered node.
func (c *Cluster) Nodes() []NodeID {
	return c.members.Nodes()
}

// LiveNodes returns the nodes currently considered reachable.
func (c *Cluster) LiveNodes() []NodeID {
	return c.members.LiveNodes()
}

// IsLive reports whether a node is registered and reachable.
func (c *Cluster) IsLive(id NodeID) bool {
	return c.members.IsLive(id)
}

// IsPartial reports whether err is a migration that left keys pending, returning it if so.
func IsPartial(err error) (*PartialMigrationError, bool) {
	var partial *PartialMigrationError
	if errors.As(err, &partial) {
		return partial, true
	}
	return nil, false
}
