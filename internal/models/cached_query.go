package models

import "encoding/json"

// CachedQuery is a read-through snapshot of a remote resource keyed by URL.
// Entries older than the configured maximum age are treated as absent and
// purged lazily on read.
type CachedQuery struct {
	URL       string          `db:"url" json:"url"`
	Data      json.RawMessage `db:"data" json:"data"`
	Timestamp int64           `db:"timestamp" json:"timestamp"` // unix milliseconds
}

// TableName returns the table name for CachedQuery.
func (CachedQuery) TableName() string {
	return "cached_queries"
}
