package shardring

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

type orderedRecords = skipmap.FuncMap[string, []byte]

// MemoryStore is an in-memory RecordStore keeping each role in a key-ordered skip list.
// It can be switched unavailable to simulate a node outage.
type MemoryStore struct {
	primary     *orderedRecords
	backup      *orderedRecords
	unavailable atomic.Bool
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	var less = func(a, b string) bool { return a < b }
	return &MemoryStore{
		primary: skipmap.NewFunc[string, []byte](less),
		backup:  skipmap.NewFunc[string, []byte](less),
	}
}

// SetAvailable toggles simulated reachability. While unavailable every call fails with ErrStoreUnavailable.
func (m *MemoryStore) SetAvailable(available bool) {
	m.unavailable.Store(!available)
}

// Ping reports ErrStoreUnavailable while the store is switched off.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return m.check(ctx)
}

func (m *MemoryStore) Insert(ctx context.Context, record Record) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	var table, err = m.table(record.Role)
	if err != nil {
		return err
	}

	if _, loaded := table.LoadOrStore(record.Key, clone(record.Value)); loaded {
		return &KeyError{Key: record.Key, Err: ErrDuplicateKey}
	}
	return nil
}

func (m *MemoryStore) InsertMany(ctx context.Context, records []Record) error {
	if err := m.check(ctx); err != nil {
		return err
	}

	var failed = make(map[string]error)
	for _, record := range records {
		if err := m.Insert(ctx, record); err != nil {
			failed[record.Key] = err
		}
	}
	if len(failed) > 0 {
		return &InsertManyError{Failed: failed}
	}
	return nil
}

func (m *MemoryStore) Upsert(ctx context.Context, record Record) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	var table, err = m.table(record.Role)
	if err != nil {
		return err
	}

	table.Store(record.Key, clone(record.Value))
	return nil
}

func (m *MemoryStore) Find(ctx context.Context, key string, role Role) (Record, error) {
	if err := m.check(ctx); err != nil {
		return Record{}, err
	}
	var table, err = m.table(role)
	if err != nil {
		return Record{}, err
	}

	var value, ok = table.Load(key)
	if !ok {
		return Record{}, &KeyError{Key: key, Err: ErrRecordNotFound}
	}
	return Record{Key: key, Value: clone(value), Role: role}, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string, role Role) error {
	return m.DeleteMany(ctx, []string{key}, role)
}

func (m *MemoryStore) DeleteMany(ctx context.Context, keys []string, role Role) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	var table, err = m.table(role)
	if err != nil {
		return err
	}

	for _, key := range keys {
		table.Delete(key)
	}
	return nil
}

func (m *MemoryStore) Count(ctx context.Context, filter Filter) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	switch filter.Role {
	case RolePrimary:
		return m.primary.Len(), nil
	case RoleBackup:
		return m.backup.Len(), nil
	case "":
		return m.primary.Len() + m.backup.Len(), nil
	default:
		return 0, fmt.Errorf("unknown role %q", filter.Role)
	}
}

func (m *MemoryStore) Scan(ctx context.Context, role Role, after string, limit int) ([]Record, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var table, err = m.table(role)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, nil
	}

	var records = make([]Record, 0, limit)
	table.Range(func(key string, value []byte) bool {
		if key <= after {
			return true
		}
		records = append(records, Record{Key: key, Value: clone(value), Role: role})
		return len(records) < limit
	})
	return records, nil
}

func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.unavailable.Load() {
		return ErrStoreUnavailable
	}
	return nil
}

func (m *MemoryStore) table(role Role) (*orderedRecords, error) {
	switch role {
	case RolePrimary:
		return m.primary, nil
	case RoleBackup:
		return m.backup, nil
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
