package models

// TempIDMapping maps a locally generated temporary identifier to the
// permanent server-assigned identifier, created exactly once when a
// creation action syncs successfully.
type TempIDMapping struct {
	TempID     string `db:"temp_id" json:"temp_id"`
	ServerID   string `db:"server_id" json:"server_id"`
	EntityType string `db:"entity_type" json:"entity_type"`
	CreatedAt  int64  `db:"created_at" json:"created_at"` // unix milliseconds
}

// TableName returns the table name for TempIDMapping.
func (TempIDMapping) TableName() string {
	return "temp_id_mappings"
}
