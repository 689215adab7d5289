package database

import "time"

// RecordRow represents a record row in the database.
type RecordRow struct {
	NodeID    string
	Role      string
	Key       string
	Value     []byte
	UpdatedAt time.Time
}
