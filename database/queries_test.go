package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueries(t *testing.T) {
	var (
		newDb = func(t *testing.T) *Queries {
			var db = SetupTestDatabase(t)
			err := Migrate(db, "test_shardring")
			require.NoError(t, err)
			return NewQueries(db, "test_shardring")
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newRow = func(nodeID, role, key, value string) *RecordRow {
			return &RecordRow{
				NodeID: nodeID,
				Role:   role,
				Key:    key,
				Value:  []byte(value),
			}
		}
	)

	t.Run("should insert and get record", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			row = newRow("localhost:27019", "primary", "13", "value_13")
		)

		// Act
		err := sut.InsertRecord(ctx, row)
		require.NoError(t, err)

		var retrieved, getErr = sut.GetRecord(ctx, "localhost:27019", "primary", "13")

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Equal(t, "localhost:27019", retrieved.NodeID)
		assert.Equal(t, "primary", retrieved.Role)
		assert.Equal(t, "13", retrieved.Key)
		assert.Equal(t, []byte("value_13"), retrieved.Value)
		assert.False(t, retrieved.UpdatedAt.IsZero())
	})

	t.Run("should return nil for non-existent record", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var retrieved, err = sut.GetRecord(ctx, "localhost:27019", "primary", "missing")

		// Assert
		require.NoError(t, err)
		assert.Nil(t, retrieved)
	})

	t.Run("should report unique violation on duplicate insert", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			row = newRow("localhost:27019", "primary", "13", "value_13")
		)
		require.NoError(t, sut.InsertRecord(ctx, row))

		// Act
		err := sut.InsertRecord(ctx, row)

		// Assert
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("should allow same key under both roles", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		err1 := sut.InsertRecord(ctx, newRow("localhost:27019", "primary", "13", "a"))
		err2 := sut.InsertRecord(ctx, newRow("localhost:27019", "backup", "13", "a"))

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
	})

	t.Run("should update existing record on upsert", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		require.NoError(t, sut.UpsertRecord(ctx, newRow("localhost:27019", "primary", "13", "old")))

		// Act
		err := sut.UpsertRecord(ctx, newRow("localhost:27019", "primary", "13", "new"))
		require.NoError(t, err)

		var retrieved, getErr = sut.GetRecord(ctx, "localhost:27019", "primary", "13")

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Equal(t, []byte("new"), retrieved.Value)
	})

	t.Run("should delete records by key list", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		for _, key := range []string{"1", "2", "3"} {
			require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27019", "primary", key, key)))
		}

		// Act
		err := sut.DeleteRecords(ctx, "localhost:27019", "primary", []string{"1", "3"})
		require.NoError(t, err)

		var count, countErr = sut.CountRecords(ctx, "localhost:27019", "primary")

		// Assert
		require.NoError(t, countErr)
		assert.Equal(t, 1, count)
	})

	t.Run("should count records by role and in total", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27019", "primary", "1", "v")))
		require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27019", "primary", "2", "v")))
		require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27019", "backup", "3", "v")))
		require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27020", "primary", "4", "v")))

		// Act
		var primaries, err1 = sut.CountRecords(ctx, "localhost:27019", "primary")
		var backups, err2 = sut.CountRecords(ctx, "localhost:27019", "backup")
		var total, err3 = sut.CountRecords(ctx, "localhost:27019", "")

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		require.NoError(t, err3)
		assert.Equal(t, 2, primaries)
		assert.Equal(t, 1, backups)
		assert.Equal(t, 3, total)
	})

	t.Run("should scan records in key order after cursor", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act - insert in random order
		for _, key := range []string{"30", "10", "20", "40", "5"} {
			require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27019", "primary", key, key)))
		}

		var page1, err1 = sut.ScanRecords(ctx, "localhost:27019", "primary", "", 2)
		var page2, err2 = sut.ScanRecords(ctx, "localhost:27019", "primary", page1[len(page1)-1].Key, 2)

		// Assert - byte order: "10" < "20" < "30" < "40" < "5"
		require.NoError(t, err1)
		require.NoError(t, err2)
		require.Len(t, page1, 2)
		require.Len(t, page2, 2)
		assert.Equal(t, "10", page1[0].Key)
		assert.Equal(t, "20", page1[1].Key)
		assert.Equal(t, "30", page2[0].Key)
		assert.Equal(t, "40", page2[1].Key)
	})

	t.Run("should isolate records by node ID", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27019", "primary", "13", "a")))
		require.NoError(t, sut.InsertRecord(ctx, newRow("localhost:27020", "primary", "13", "b")))

		var scanned, err = sut.ScanRecords(ctx, "localhost:27020", "primary", "", 10)

		// Assert
		require.NoError(t, err)
		require.Len(t, scanned, 1)
		assert.Equal(t, []byte("b"), scanned[0].Value)
	})
}
