package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a primary key conflict.
const uniqueViolation = "23505"

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	insertRecordSQL = `
INSERT INTO %s_records (node_id, role, key, value, updated_at)
VALUES ($1, $2, $3, $4, now());`

	upsertRecordSQL = `
INSERT INTO %s_records (node_id, role, key, value, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (node_id, role, key)
DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = EXCLUDED.updated_at;`

	getRecordSQL = `
SELECT node_id, role, key, value, updated_at
FROM %s_records
WHERE node_id = $1 AND role = $2 AND key = $3;`

	deleteRecordsSQL = `
DELETE FROM %s_records
WHERE node_id = $1 AND role = $2 AND key = ANY($3);`

	countRecordsSQL = `
SELECT count(*)
FROM %s_records
WHERE node_id = $1 AND ($2 = '' OR role = $2);`

	scanRecordsSQL = `
SELECT node_id, role, key, value, updated_at
FROM %s_records
WHERE node_id = $1 AND role = $2 AND key COLLATE "C" > $3
ORDER BY key COLLATE "C" ASC
LIMIT $4;`
)

// InsertRecord inserts a record, failing if (node_id, role, key) exists.
// Use IsUniqueViolation to detect the conflict.
func (q *Queries) InsertRecord(ctx context.Context, row *RecordRow) error {
	var query = fmt.Sprintf(insertRecordSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, row.NodeID, row.Role, row.Key, row.Value)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// UpsertRecord inserts or updates a record.
func (q *Queries) UpsertRecord(ctx context.Context, row *RecordRow) error {
	var query = fmt.Sprintf(upsertRecordSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, row.NodeID, row.Role, row.Key, row.Value)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// GetRecord retrieves a single record. Returns nil if it does not exist.
func (q *Queries) GetRecord(ctx context.Context, nodeID, role, key string) (*RecordRow, error) {
	var (
		query = fmt.Sprintf(getRecordSQL, q.tableName)
		row   RecordRow
		err   = q.db.QueryRowContext(ctx, query, nodeID, role, key).Scan(
			&row.NodeID, &row.Role, &row.Key, &row.Value, &row.UpdatedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return &row, nil
}

// DeleteRecords removes the given keys of a role.
func (q *Queries) DeleteRecords(ctx context.Context, nodeID, role string, keys []string) error {
	var query = fmt.Sprintf(deleteRecordsSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, nodeID, role, pq.Array(keys))
	if err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// CountRecords counts a node's records. An empty role counts every role.
func (q *Queries) CountRecords(ctx context.Context, nodeID, role string) (int, error) {
	var (
		query = fmt.Sprintf(countRecordsSQL, q.tableName)
		count int
	)
	if err := q.db.QueryRowContext(ctx, query, nodeID, role).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// ScanRecords returns up to limit records of a role with key > after, in byte order of key.
func (q *Queries) ScanRecords(ctx context.Context, nodeID, role, after string, limit int) ([]*RecordRow, error) {
	var (
		query     = fmt.Sprintf(scanRecordsSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, nodeID, role, after, limit)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	defer rows.Close()

	var records []*RecordRow
	for rows.Next() {
		var row RecordRow
		if err := rows.Scan(&row.NodeID, &row.Role, &row.Key, &row.Value, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// IsUniqueViolation reports whether err is a Postgres primary key conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// IsConnectionError reports whether err looks like the database could not be reached,
// as opposed to a statement the database rejected.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception, class 57: operator intervention (shutdown)
		var class = pqErr.Code.Class()
		return class == "08" || class == "57"
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
