package models

import "encoding/json"

// ActionStatus represents the lifecycle state of an outbox action.
type ActionStatus string

const (
	ActionStatusPending ActionStatus = "pending"
	ActionStatusSyncing ActionStatus = "syncing"
	ActionStatusSynced  ActionStatus = "synced"
	ActionStatusFailed  ActionStatus = "failed"
)

// OutboxAction represents a queued, not-yet-confirmed mutation awaiting
// delivery to the remote API. An action never returns to pending after
// reaching synced; it may oscillate pending -> syncing -> pending on
// transient failure, or terminate at synced or failed.
type OutboxAction struct {
	ID          UUID            `db:"id" json:"id"`
	ActionType  string          `db:"action_type" json:"action_type"`
	EntityType  string          `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id,omitempty"` // may be a temp id
	TempID      string          `db:"temp_id" json:"temp_id,omitempty"`     // set only for creation actions
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Invalidates string          `db:"invalidates" json:"invalidates,omitempty"` // comma-separated cache URLs
	Status      ActionStatus    `db:"status" json:"status"`
	CreatedAt   int64           `db:"created_at" json:"created_at"` // unix milliseconds
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at,omitempty"` // unix milliseconds, 0 = eligible now
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for OutboxAction.
func (OutboxAction) TableName() string {
	return "outbox_actions"
}
