package shardring

import (
	"context"
	"database/sql"
	"fmt"

	"go-shardring/database"
)

// PostgresStore is a RecordStore backed by a Postgres table shared by many nodes.
// Every row is scoped by the owning node id, so one database can host a whole test cluster.
type PostgresStore struct {
	nodeID  NodeID
	db      *sql.DB
	queries *database.Queries
}

var _ RecordStore = (*PostgresStore)(nil)

// NewPostgresStore creates the store for one node. The table must already be migrated with database.Migrate.
func NewPostgresStore(db *sql.DB, tableName string, nodeID NodeID) *PostgresStore {
	return &PostgresStore{
		nodeID:  nodeID,
		db:      db,
		queries: database.NewQueries(db, tableName),
	}
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, record Record) error {
	if err := s.queries.InsertRecord(ctx, s.row(record)); err != nil {
		return s.mapErr(record.Key, err)
	}
	return nil
}

func (s *PostgresStore) InsertMany(ctx context.Context, records []Record) error {
	var failed = make(map[string]error)
	for _, record := range records {
		if err := s.Insert(ctx, record); err != nil {
			failed[record.Key] = err
		}
	}
	if len(failed) > 0 {
		return &InsertManyError{Node: s.nodeID, Failed: failed}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, record Record) error {
	if err := s.queries.UpsertRecord(ctx, s.row(record)); err != nil {
		return s.mapErr(record.Key, err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, key string, role Role) (Record, error) {
	var row, err = s.queries.GetRecord(ctx, string(s.nodeID), string(role), key)
	if err != nil {
		return Record{}, s.mapErr(key, err)
	}
	if row == nil {
		return Record{}, &KeyError{Key: key, Nodes: []NodeID{s.nodeID}, Err: ErrRecordNotFound}
	}
	return Record{Key: row.Key, Value: row.Value, Role: Role(row.Role)}, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string, role Role) error {
	return s.DeleteMany(ctx, []string{key}, role)
}

func (s *PostgresStore) DeleteMany(ctx context.Context, keys []string, role Role) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.queries.DeleteRecords(ctx, string(s.nodeID), string(role), keys); err != nil {
		return s.mapErr("", err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	var count, err = s.queries.CountRecords(ctx, string(s.nodeID), string(filter.Role))
	if err != nil {
		return 0, s.mapErr("", err)
	}
	return count, nil
}

func (s *PostgresStore) Scan(ctx context.Context, role Role, after string, limit int) ([]Record, error) {
	var rows, err = s.queries.ScanRecords(ctx, string(s.nodeID), string(role), after, limit)
	if err != nil {
		return nil, s.mapErr("", err)
	}

	var records = make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{Key: row.Key, Value: row.Value, Role: Role(row.Role)}
	}
	return records, nil
}

func (s *PostgresStore) row(record Record) *database.RecordRow {
	return &database.RecordRow{
		NodeID: string(s.nodeID),
		Role:   string(record.Role),
		Key:    record.Key,
		Value:  record.Value,
	}
}

// mapErr translates driver errors into the store error taxonomy.
func (s *PostgresStore) mapErr(key string, err error) error {
	switch {
	case database.IsUniqueViolation(err):
		return &KeyError{Key: key, Nodes: []NodeID{s.nodeID}, Err: ErrDuplicateKey}
	case database.IsConnectionError(err):
		return &NodeError{Node: s.nodeID, Err: fmt.Errorf("%w: %w", ErrStoreUnavailable, err)}
	default:
		return &NodeError{Node: s.nodeID, Err: err}
	}
}
