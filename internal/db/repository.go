// Package db provides CRUD repository operations for the SiteSync offline collections.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/sitesync/internal/models"
	"github.com/fieldops/sitesync/internal/uuid"
)

// DefaultCacheMaxAge is how long a cached query snapshot stays valid.
// Entries older than this are treated as absent and purged lazily.
const DefaultCacheMaxAge = 7 * 24 * time.Hour

// Repository provides CRUD operations over the four offline collections:
// outbox actions, cached queries, offline photos, and temp-id mappings.
type Repository struct {
	db *sql.DB

	cacheMaxAge time.Duration
	now         func() time.Time

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the repository's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithCacheMaxAge overrides the cached-query maximum age.
func WithCacheMaxAge(d time.Duration) Option {
	return func(r *Repository) { r.cacheMaxAge = d }
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{
		db:          db,
		cacheMaxAge: DefaultCacheMaxAge,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// OutboxAction Operations
// =====================================================

// ActionUpdate is a partial update of an outbox action. Nil fields are
// left unchanged.
type ActionUpdate struct {
	Status      *models.ActionStatus
	RetryCount  *int
	NextRetryAt *int64
	LastError   *string
}

const outboxColumns = "id, action_type, entity_type, entity_id, temp_id, payload, invalidates, status, created_at, retry_count, next_retry_at, last_error"

// AddOutboxAction enqueues a new action. It assigns the action id, pending
// status, creation time, and a zero retry count, and returns the stored record.
func (r *Repository) AddOutboxAction(action *models.OutboxAction) error {
	action.ID = models.UUID(uuid.New())
	action.Status = models.ActionStatusPending
	action.CreatedAt = r.now().UnixMilli()
	action.RetryCount = 0

	if len(action.Payload) == 0 {
		action.Payload = []byte("{}")
	}

	query := `
	INSERT INTO outbox_actions (` + outboxColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, action.ID, action.ActionType, action.EntityType,
		action.EntityID, action.TempID, string(action.Payload), action.Invalidates,
		action.Status, action.CreatedAt, action.RetryCount, action.NextRetryAt,
		action.LastError)
	return err
}

// GetOutboxAction retrieves a single action by id.
func (r *Repository) GetOutboxAction(id string) (*models.OutboxAction, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_actions WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanAction(stmt.QueryRow(id))
}

// GetPendingActions returns all pending actions whose next_retry_at is unset
// or due, sorted by creation time ascending.
func (r *Repository) GetPendingActions() ([]*models.OutboxAction, error) {
	query := `
	SELECT ` + outboxColumns + `
	FROM outbox_actions
	WHERE status = ? AND (next_retry_at = 0 OR next_retry_at <= ?)
	ORDER BY created_at ASC
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(models.ActionStatusPending, r.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectActions(rows)
}

// ListActions returns every action in the outbox regardless of status,
// sorted by creation time ascending. Intended for UI inspection of failed
// actions awaiting user intervention.
func (r *Repository) ListActions() ([]*models.OutboxAction, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_actions ORDER BY created_at ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectActions(rows)
}

// UpdateOutboxAction merge-updates an action. It is a no-op if the action
// no longer exists.
func (r *Repository) UpdateOutboxAction(id string, update ActionUpdate) error {
	set := ""
	var args []interface{}

	appendSet := func(clause string, value interface{}) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, value)
	}

	if update.Status != nil {
		appendSet("status = ?", *update.Status)
	}
	if update.RetryCount != nil {
		appendSet("retry_count = ?", *update.RetryCount)
	}
	if update.NextRetryAt != nil {
		appendSet("next_retry_at = ?", *update.NextRetryAt)
	}
	if update.LastError != nil {
		appendSet("last_error = ?", *update.LastError)
	}

	if set == "" {
		return nil
	}

	args = append(args, id)
	_, err := r.db.Exec("UPDATE outbox_actions SET "+set+" WHERE id = ?", args...)
	return err
}

// DeleteAction removes an action from the outbox. Used for manual discard
// of permanently failed actions.
func (r *Repository) DeleteAction(id string) error {
	_, err := r.db.Exec("DELETE FROM outbox_actions WHERE id = ?", id)
	return err
}

// ClearSyncedActions deletes all synced actions and returns the count removed.
func (r *Repository) ClearSyncedActions() (int, error) {
	result, err := r.db.Exec("DELETE FROM outbox_actions WHERE status = ?", models.ActionStatusSynced)
	if err != nil {
		return 0, err
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// OutboxCount returns the number of unresolved actions: pending, syncing,
// and failed. Synced actions are excluded since they are already resolved
// from the user's perspective.
func (r *Repository) OutboxCount() (int, error) {
	query := `SELECT COUNT(*) FROM outbox_actions WHERE status IN (?, ?, ?)`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return 0, err
	}

	var count int
	err = stmt.QueryRow(models.ActionStatusPending, models.ActionStatusSyncing, models.ActionStatusFailed).Scan(&count)
	return count, err
}

func scanAction(row *sql.Row) (*models.OutboxAction, error) {
	var a models.OutboxAction
	var payload string
	err := row.Scan(&a.ID, &a.ActionType, &a.EntityType, &a.EntityID, &a.TempID,
		&payload, &a.Invalidates, &a.Status, &a.CreatedAt, &a.RetryCount,
		&a.NextRetryAt, &a.LastError)
	if err != nil {
		return nil, err
	}
	a.Payload = []byte(payload)
	return &a, nil
}

func collectActions(rows *sql.Rows) ([]*models.OutboxAction, error) {
	var actions []*models.OutboxAction
	for rows.Next() {
		var a models.OutboxAction
		var payload string
		err := rows.Scan(&a.ID, &a.ActionType, &a.EntityType, &a.EntityID, &a.TempID,
			&payload, &a.Invalidates, &a.Status, &a.CreatedAt, &a.RetryCount,
			&a.NextRetryAt, &a.LastError)
		if err != nil {
			return nil, err
		}
		a.Payload = []byte(payload)
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

// =====================================================
// CachedQuery Operations
// =====================================================

// GetCachedQuery returns the cached snapshot for a URL, or nil on miss.
// Entries past the maximum age are deleted as a side effect and reported
// as a miss.
func (r *Repository) GetCachedQuery(url string) (*models.CachedQuery, error) {
	query := `SELECT url, data, timestamp FROM cached_queries WHERE url = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var entry models.CachedQuery
	var data string
	err = stmt.QueryRow(url).Scan(&entry.URL, &data, &entry.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Data = []byte(data)

	cutoff := r.now().Add(-r.cacheMaxAge).UnixMilli()
	if entry.Timestamp < cutoff {
		if _, err := r.db.Exec("DELETE FROM cached_queries WHERE url = ?", url); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &entry, nil
}

// SetCachedQuery stores or replaces the cached snapshot for a URL.
func (r *Repository) SetCachedQuery(url string, data []byte) error {
	query := `
	INSERT INTO cached_queries (url, data, timestamp) VALUES (?, ?, ?)
	ON CONFLICT(url) DO UPDATE SET data = excluded.data, timestamp = excluded.timestamp
	`
	_, err := r.db.Exec(query, url, string(data), r.now().UnixMilli())
	return err
}

// DeleteCachedQuery removes the cached snapshot for a URL, if any.
func (r *Repository) DeleteCachedQuery(url string) error {
	_, err := r.db.Exec("DELETE FROM cached_queries WHERE url = ?", url)
	return err
}

// PurgeExpiredQueries deletes all cache entries past the maximum age and
// returns the count removed.
func (r *Repository) PurgeExpiredQueries() (int, error) {
	cutoff := r.now().Add(-r.cacheMaxAge).UnixMilli()
	result, err := r.db.Exec("DELETE FROM cached_queries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}

// =====================================================
// TempIDMapping Operations
// =====================================================

// SetTempIDMapping records the server-assigned id for a temporary id.
// Created exactly once, when the creation action syncs successfully.
func (r *Repository) SetTempIDMapping(tempID, serverID, entityType string) error {
	query := `
	INSERT INTO temp_id_mappings (temp_id, server_id, entity_type, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(temp_id) DO NOTHING
	`
	_, err := r.db.Exec(query, tempID, serverID, entityType, r.now().UnixMilli())
	return err
}

// GetTempIDMapping returns the mapping for a temporary id, or nil when the
// id has not been mapped yet.
func (r *Repository) GetTempIDMapping(tempID string) (*models.TempIDMapping, error) {
	query := `SELECT temp_id, server_id, entity_type, created_at FROM temp_id_mappings WHERE temp_id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var m models.TempIDMapping
	err = stmt.QueryRow(tempID).Scan(&m.TempID, &m.ServerID, &m.EntityType, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ResolveID maps a temporary id to its server-assigned id. It is the
// identity function for any id not shaped like a temporary id, and falls
// back to the original id when no mapping exists yet — the caller must
// treat that as "not yet resolvable".
func (r *Repository) ResolveID(id string) (string, error) {
	if !uuid.IsTempID(id) {
		return id, nil
	}

	mapping, err := r.GetTempIDMapping(id)
	if err != nil {
		return id, err
	}
	if mapping == nil {
		return id, nil
	}
	return mapping.ServerID, nil
}

// =====================================================
// OfflinePhoto Operations
// =====================================================

// AddOfflinePhoto stores a locally captured photo awaiting upload.
func (r *Repository) AddOfflinePhoto(photo *models.OfflinePhoto) error {
	photo.ID = models.UUID(uuid.New())
	photo.Status = models.PhotoStatusPending
	photo.CreatedAt = r.now().UnixMilli()

	query := `
	INSERT INTO offline_photos (id, blob, metadata, temp_id, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, photo.ID, photo.Blob, photo.Metadata,
		photo.TempID, photo.Status, photo.CreatedAt)
	return err
}

// GetOfflinePhoto retrieves a photo by id. Returns nil when the photo no
// longer exists locally.
func (r *Repository) GetOfflinePhoto(id string) (*models.OfflinePhoto, error) {
	query := `SELECT id, blob, metadata, temp_id, status, created_at FROM offline_photos WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var p models.OfflinePhoto
	err = stmt.QueryRow(id).Scan(&p.ID, &p.Blob, &p.Metadata, &p.TempID, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListOfflinePhotosByStatus returns all photos with the given status,
// oldest first.
func (r *Repository) ListOfflinePhotosByStatus(status models.PhotoStatus) ([]*models.OfflinePhoto, error) {
	query := `SELECT id, blob, metadata, temp_id, status, created_at FROM offline_photos WHERE status = ? ORDER BY created_at ASC`
	rows, err := r.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []*models.OfflinePhoto
	for rows.Next() {
		var p models.OfflinePhoto
		if err := rows.Scan(&p.ID, &p.Blob, &p.Metadata, &p.TempID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		photos = append(photos, &p)
	}
	return photos, rows.Err()
}

// MarkPhotoUploaded transitions a photo to the uploaded status.
func (r *Repository) MarkPhotoUploaded(id string) error {
	_, err := r.db.Exec("UPDATE offline_photos SET status = ? WHERE id = ?", models.PhotoStatusUploaded, id)
	return err
}

// DeleteOfflinePhoto removes a photo blob from local storage.
func (r *Repository) DeleteOfflinePhoto(id string) error {
	_, err := r.db.Exec("DELETE FROM offline_photos WHERE id = ?", id)
	return err
}

// =====================================================
// Storage Estimate
// =====================================================

// StorageEstimate is a best-effort report of local database usage.
type StorageEstimate struct {
	UsageBytes int64 `json:"usage_bytes"`
	QuotaBytes int64 `json:"quota_bytes"` // 0 when the quota is unknown
}

// GetStorageEstimate returns a best-effort usage report derived from the
// SQLite page count. Returns nil when the information is unavailable —
// it never fails the caller.
func (r *Repository) GetStorageEstimate() *StorageEstimate {
	var pageCount, pageSize int64
	if err := r.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil
	}
	if err := r.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil
	}

	est := &StorageEstimate{UsageBytes: pageCount * pageSize}

	var maxPageCount int64
	if err := r.db.QueryRow("PRAGMA max_page_count").Scan(&maxPageCount); err == nil && maxPageCount > 0 {
		est.QuotaBytes = maxPageCount * pageSize
	}
	return est
}
