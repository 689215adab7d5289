package shardring

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		threeNodes = []NodeID{nodeA, nodeB, nodeC}
	)

	t.Run("should fail and recover nodes from ping results", func(t *testing.T) {
		// Arrange
		var (
			sut, stores = newTestCluster(t, threeNodes, WithHealthCheck(10*time.Millisecond, nil))
			ctx         = newCtx()
		)
		putKeys(t, sut, 50)
		require.NoError(t, sut.Start(ctx))
		t.Cleanup(sut.Stop)

		// Act
		stores[nodeB].SetAvailable(false)

		// Assert
		assert.Eventually(t, func() bool {
			return !sut.IsLive(nodeB)
		}, time.Second, 10*time.Millisecond)
		requireReadable(t, sut, 50)

		// Act
		stores[nodeB].SetAvailable(true)

		// Assert
		assert.Eventually(t, func() bool {
			return sut.IsLive(nodeB)
		}, time.Second, 10*time.Millisecond)
		requireConsistent(t, sut, 50)
	})

	t.Run("should use custom probe", func(t *testing.T) {
		// Arrange
		var (
			down  atomic.Bool
			probe = func(_ context.Context, id NodeID, _ RecordStore) bool {
				return !(id == nodeC && down.Load())
			}
			sut, _ = newTestCluster(t, threeNodes, WithHealthCheck(time.Hour, probe))
			ctx    = newCtx()
		)

		// Act
		down.Store(true)
		sut.health.check(ctx)
		var afterFail = sut.IsLive(nodeC)
		down.Store(false)
		sut.health.check(ctx)
		var afterRecover = sut.IsLive(nodeC)

		// Assert
		assert.False(t, afterFail)
		assert.True(t, afterRecover)
	})

	t.Run("should stop worker", func(t *testing.T) {
		// Arrange
		var (
			sut, _ = newTestCluster(t, threeNodes, WithHealthCheck(10*time.Millisecond, nil))
			ctx    = newCtx()
		)
		require.NoError(t, sut.Start(ctx))

		// Act
		sut.Stop()
		var err = sut.Start(ctx)

		// Assert
		assert.NoError(t, err, "cluster can be restarted after stop")
		sut.Stop()
	})

	t.Run("should refuse double start", func(t *testing.T) {
		// Arrange
		var (
			sut = New()
			ctx = newCtx()
		)
		require.NoError(t, sut.Start(ctx))
		t.Cleanup(sut.Stop)

		// Act
		var err = sut.Start(ctx)

		// Assert
		assert.Error(t, err)
	})

	t.Run("should leave a node with an unfinished removal off the ring", func(t *testing.T) {
		// Arrange
		var (
			sut, _         = newTestCluster(t, threeNodes, WithHealthCheck(time.Hour, nil))
			ctx            = newCtx()
			cancelled, end = context.WithCancel(newCtx())
		)
		putKeys(t, sut, 20)
		_, err := sut.FailNode(nodeB)
		require.NoError(t, err)
		end()
		_, err = sut.RemoveNode(cancelled, nodeB)
		require.ErrorIs(t, err, context.Canceled)

		// Act
		sut.health.check(ctx)

		// Assert
		assert.False(t, sut.IsLive(nodeB))
		assert.False(t, sut.Ring().Contains(nodeB))
	})
}
