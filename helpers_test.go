package shardring

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	nodeA = NodeID("localhost:27019")
	nodeB = NodeID("localhost:27020")
	nodeC = NodeID("localhost:27021")
	nodeD = NodeID("localhost:27022")
)

// flakyStore fails inserts of selected keys until healed.
type flakyStore struct {
	*MemoryStore

	mu       sync.Mutex
	failKeys map[string]bool
	attempts map[string]int
}

func newFlakyStore(keys ...string) *flakyStore {
	var f = &flakyStore{
		MemoryStore: NewMemoryStore(),
		failKeys:    make(map[string]bool),
		attempts:    make(map[string]int),
	}
	for _, key := range keys {
		f.failKeys[key] = true
	}
	return f
}

func (f *flakyStore) Insert(ctx context.Context, record Record) error {
	f.mu.Lock()
	f.attempts[record.Key]++
	var failing = f.failKeys[record.Key]
	f.mu.Unlock()

	if failing {
		return &KeyError{Key: record.Key, Err: ErrStoreUnavailable}
	}
	return f.MemoryStore.Insert(ctx, record)
}

func (f *flakyStore) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKeys = make(map[string]bool)
}

func (f *flakyStore) insertAttempts(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

// newTestCluster builds a cluster of in-memory nodes with fast retries.
func newTestCluster(t *testing.T, ids []NodeID, opts ...Option) (*Cluster, map[NodeID]*MemoryStore) {
	t.Helper()

	var (
		ctx    = context.Background()
		stores = make(map[NodeID]*MemoryStore, len(ids))
		sut    = New(append([]Option{WithMaxRetries(2), WithRetryBackoff(time.Millisecond)}, opts...)...)
	)
	for _, id := range ids {
		stores[id] = NewMemoryStore()
		_, err := sut.AddNode(ctx, id, stores[id])
		require.NoError(t, err)
	}
	return sut, stores
}

// putKeys writes keys "0".."n-1" with value "value_<key>".
func putKeys(t *testing.T, c *Cluster, n int) {
	t.Helper()

	var entries = make([]Entry, n)
	for i := range n {
		var key = strconv.Itoa(i)
		entries[i] = Entry{Key: key, Value: []byte("value_" + key)}
	}
	require.NoError(t, c.PutBatch(context.Background(), entries))
}

// requireReadable asserts every key "0".."n-1" reads back its value.
func requireReadable(t *testing.T, c *Cluster, n int) {
	t.Helper()

	for i := range n {
		var key = strconv.Itoa(i)
		var res, err = c.Get(context.Background(), key)
		require.NoError(t, err, "key %s", key)
		require.Equal(t, []byte("value_"+key), res.Record.Value, "key %s", key)
	}
}

// requireConsistent asserts the ring placement rules hold for every stored key.
func requireConsistent(t *testing.T, c *Cluster, n int) {
	t.Helper()

	var ctx = context.Background()
	var violations, err = c.Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, violations)

	report, err := c.Audit(ctx)
	require.NoError(t, err)
	require.Equal(t, n, report.TotalPrimary)
	require.Equal(t, n, report.TotalBackup)
}

// keyOwnedBy returns the first key "0".."999" whose primary is id under ring.
func keyOwnedBy(t *testing.T, ring *Ring, id NodeID) string {
	t.Helper()

	for i := range 1000 {
		var key = strconv.Itoa(i)
		if p, err := ring.PrimaryFor(key); err == nil && p == id {
			return key
		}
	}
	t.Fatalf("no key owned by %s", id)
	return ""
}
