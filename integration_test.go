package shardring

import (
	"context"
	"database/sql"
	"testing"

	"go-shardring/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	const (
		testTable = "test_shardring"
	)

	var (
		newDb = func(t *testing.T) *sql.DB {
			var db = database.SetupTestDatabase(t)
			require.NoError(t, database.Migrate(db, testTable))
			return db
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newPostgresCluster = func(t *testing.T, db *sql.DB, ids ...NodeID) (*Cluster, map[NodeID]*PostgresStore) {
			var (
				sut    = New(WithMaxRetries(1))
				stores = make(map[NodeID]*PostgresStore, len(ids))
			)
			for _, id := range ids {
				stores[id] = NewPostgresStore(db, testTable, id)
				_, err := sut.AddNode(newCtx(), id, stores[id])
				require.NoError(t, err)
			}
			return sut, stores
		}
	)

	t.Run("should rehome records of a removed node", func(t *testing.T) {
		t.Parallel()

		var (
			db     = newDb(t)
			ctx    = newCtx()
			sut, _ = newPostgresCluster(t, db, nodeA, nodeB, nodeC)
		)
		putKeys(t, sut, 100)

		report, err := sut.RemoveNode(ctx, nodeB)
		require.NoError(t, err)
		assert.True(t, report.Complete())

		var queries = database.NewQueries(db, testTable)
		var leftover, countErr = queries.CountRecords(ctx, string(nodeB), "")
		require.NoError(t, countErr)
		assert.Equal(t, 0, leftover, "removed node should hold no records")

		requireReadable(t, sut, 100)
		requireConsistent(t, sut, 100)
	})

	t.Run("should read key 13 from backup when its primary fails", func(t *testing.T) {
		t.Parallel()

		var (
			db     = newDb(t)
			ctx    = newCtx()
			sut, _ = newPostgresCluster(t, db, nodeA, nodeB, nodeC)
		)
		putKeys(t, sut, 100)

		p, err := sut.PlacementFor("13")
		require.NoError(t, err)

		_, err = sut.FailNode(p.Primary)
		require.NoError(t, err)

		res, err := sut.Get(ctx, "13")
		require.NoError(t, err)
		assert.Equal(t, p.Backup, res.Node)
		assert.Equal(t, []byte("value_13"), res.Record.Value)

		_, err = sut.RecoverNode(ctx, p.Primary)
		require.NoError(t, err)

		res, err = sut.Get(ctx, "13")
		require.NoError(t, err)
		assert.Equal(t, p.Primary, res.Node)
	})

	t.Run("should move keys to an added node", func(t *testing.T) {
		t.Parallel()

		var (
			db     = newDb(t)
			ctx    = newCtx()
			sut, _ = newPostgresCluster(t, db, nodeA, nodeB, nodeC)
		)
		putKeys(t, sut, 100)

		report, err := sut.AddNode(ctx, nodeD, NewPostgresStore(db, testTable, nodeD))
		require.NoError(t, err)
		assert.True(t, report.Complete())
		assert.Positive(t, report.Copied)

		requireReadable(t, sut, 100)
		requireConsistent(t, sut, 100)
	})

	t.Run("should map duplicate inserts to duplicate key", func(t *testing.T) {
		t.Parallel()

		var (
			db    = newDb(t)
			ctx   = newCtx()
			store = NewPostgresStore(db, testTable, nodeA)
		)
		require.NoError(t, store.Insert(ctx, Record{Key: "13", Value: []byte("a"), Role: RolePrimary}))

		var err = store.Insert(ctx, Record{Key: "13", Value: []byte("b"), Role: RolePrimary})
		assert.ErrorIs(t, err, ErrDuplicateKey)

		_, err = store.Find(ctx, "missing", RolePrimary)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("should report closed database as unavailable", func(t *testing.T) {
		t.Parallel()

		var (
			db    = newDb(t)
			ctx   = newCtx()
			store = NewPostgresStore(db, testTable, nodeA)
		)
		require.NoError(t, store.Ping(ctx))

		require.NoError(t, db.Close())

		assert.ErrorIs(t, store.Ping(ctx), ErrStoreUnavailable)
		var _, err = store.Find(ctx, "13", RolePrimary)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}
