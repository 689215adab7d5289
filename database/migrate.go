package database

import (
	"database/sql"
	"fmt"
)

var (
	createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_records (
    node_id       VARCHAR       NOT NULL,
    role          VARCHAR       NOT NULL,
    key           VARCHAR       NOT NULL,
    value         BYTEA,
    updated_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (node_id, role, key)
);`

	createRecordsRoleIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_records (node_id, role);`
)

// Migrate creates the records table and its indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createRecordsTable(db, tableName); err != nil {
		return err
	}

	if err := createRecordsRoleIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createRecordsTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createRecordsTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

func createRecordsRoleIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_records_role_idx", tableName)
		query     = fmt.Sprintf(createRecordsRoleIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create records role index: %w", err)
	}
	return nil
}
