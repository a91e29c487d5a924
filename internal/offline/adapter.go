// Package offline provides the read/write primitives application code uses
// to access data transparently regardless of connectivity: a cache-augmented
// read, a queue-or-send write, and a status/pending-count hook over the sync
// engine.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldops/sitesync/internal/api"
	"github.com/fieldops/sitesync/internal/catalog"
	"github.com/fieldops/sitesync/internal/connectivity"
	"github.com/fieldops/sitesync/internal/db"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
	sitesync "github.com/fieldops/sitesync/internal/sync"
	"github.com/fieldops/sitesync/internal/uuid"
)

// ErrOffline indicates a live request was abandoned because connectivity
// is absent.
var ErrOffline = errors.New("offline")

// DefaultAllowedPrefixes is the allow-list of cacheable resource prefixes.
var DefaultAllowedPrefixes = []string{
	"/api/jobs",
	"/api/tasks",
	"/api/checklists",
	"/api/reports",
}

// Adapter is the thin layer between application code and the sync engine.
type Adapter struct {
	repo    *db.Repository
	client  api.Requester
	engine  *sitesync.Engine
	conn    connectivity.Observer
	allowed []string
}

// New creates an Adapter. Pass nil allowed for the default prefix allow-list.
func New(repo *db.Repository, client api.Requester, engine *sitesync.Engine, conn connectivity.Observer, allowed []string) *Adapter {
	if allowed == nil {
		allowed = DefaultAllowedPrefixes
	}
	return &Adapter{
		repo:    repo,
		client:  client,
		engine:  engine,
		conn:    conn,
		allowed: allowed,
	}
}

// Online returns the current connectivity flag.
func (a *Adapter) Online() bool {
	return a.conn.Online()
}

// Status returns the current engine status.
func (a *Adapter) Status() sitesync.Status {
	return a.engine.Status()
}

// PendingCount returns the number of unresolved outbox actions, for UI badges.
func (a *Adapter) PendingCount() int {
	return a.engine.PendingCount()
}

// TriggerSync manually requests a sync pass.
func (a *Adapter) TriggerSync() {
	a.engine.TriggerSync()
}

// Subscribe registers a status/pending-count callback on the engine.
func (a *Adapter) Subscribe(fn sitesync.Subscriber) func() {
	return a.engine.Subscribe(fn)
}

// FetchResult is the outcome of a cache-augmented read.
type FetchResult struct {
	Data json.RawMessage

	// FromCache marks the result as cache-derived: the live request failed
	// and a cached snapshot was substituted.
	FromCache bool
}

// Fetch performs a cache-augmented read of a resource URL. Successful live
// responses are written back to the cache for allow-listed prefixes; when
// the live request fails and a cached snapshot exists, the snapshot is
// returned flagged as cache-derived instead of failing the caller.
func (a *Adapter) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	var snapshot *models.CachedQuery
	if a.cacheable(url) {
		entry, err := a.repo.GetCachedQuery(url)
		if err != nil {
			logging.Error("Failed to read query cache", err, map[string]interface{}{"url": url})
		} else {
			snapshot = entry
		}
	}

	data, err := a.fetchLive(ctx, url)
	if err == nil {
		if a.cacheable(url) {
			if err := a.repo.SetCachedQuery(url, data); err != nil {
				logging.Error("Failed to write query cache", err, map[string]interface{}{"url": url})
			}
		}
		return &FetchResult{Data: data}, nil
	}

	if snapshot != nil {
		return &FetchResult{Data: snapshot.Data, FromCache: true}, nil
	}
	return nil, err
}

// fetchLive issues the live request under a retry policy that does not
// retry authorization or not-found failures and gives up when offline.
func (a *Adapter) fetchLive(ctx context.Context, url string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 15 * time.Second

	var data []byte
	op := func() error {
		if !a.conn.Online() {
			return backoff.Permanent(ErrOffline)
		}

		body, err := a.client.Do(ctx, http.MethodGet, url, nil)
		if err != nil {
			switch api.StatusOf(err) {
			case http.StatusUnauthorized, http.StatusNotFound:
				return backoff.Permanent(err)
			}
			return err
		}
		data = body
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *Adapter) cacheable(url string) bool {
	for _, prefix := range a.allowed {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// Mutation describes how to build an outbound write.
type Mutation struct {
	Type       catalog.ActionType
	EntityType string
	EntityID   string // may be a temp id from an earlier offline creation

	// Payload builds the request body. For creation kinds invoked offline,
	// tempID carries the synthesized temporary identifier.
	Payload func(tempID string) ([]byte, error)

	// Optimistic, when set, applies the caller's local-state update after
	// the mutation is queued offline.
	Optimistic func(tempID string)

	// Invalidates lists cached query URLs to drop once the mutation reaches
	// the server.
	Invalidates []string
}

// Result is the outcome of a queue-or-send write. An offline write always
// succeeds locally: Offline is the sentinel replacing an error.
type Result struct {
	Offline bool            `json:"offline"`
	TempID  string          `json:"temp_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Mutate attempts the live call when online; when offline, or when the live
// call fails because connectivity dropped mid-call, it queues the action,
// applies the optimistic update, and resolves with the offline sentinel.
// Photo-bearing kinds always queue so the engine owns the photo lifecycle;
// when online the queue is flushed immediately.
func (a *Adapter) Mutate(ctx context.Context, m Mutation) (*Result, error) {
	if catalog.IsPhotoBearing(m.Type) {
		return a.enqueue(m, a.conn.Online())
	}

	if a.conn.Online() {
		result, err := a.sendLive(ctx, m)
		if err == nil {
			return result, nil
		}
		if a.conn.Online() {
			// Failed while still online: a real failure for the caller.
			return nil, err
		}
		// Connectivity dropped mid-call: fall through and queue.
	}

	return a.enqueue(m, false)
}

// sendLive performs the mutation against the API directly.
func (a *Adapter) sendLive(ctx context.Context, m Mutation) (*Result, error) {
	entityID, err := a.repo.ResolveID(m.EntityID)
	if err != nil {
		return nil, err
	}

	endpoint, err := catalog.EndpointFor(m.Type, entityID)
	if err != nil {
		return nil, err
	}
	if endpoint.Multipart {
		return nil, fmt.Errorf("photo-bearing mutation %s must be queued", m.Type)
	}

	var payload []byte
	if m.Payload != nil {
		payload, err = m.Payload("")
		if err != nil {
			return nil, fmt.Errorf("failed to build payload: %w", err)
		}
	}

	data, err := a.client.Do(ctx, endpoint.Method, endpoint.Path, payload)
	if err != nil {
		return nil, err
	}

	for _, url := range m.Invalidates {
		if err := a.repo.DeleteCachedQuery(url); err != nil {
			logging.Error("Failed to invalidate cached query", err, map[string]interface{}{"url": url})
		}
	}

	return &Result{Data: data}, nil
}

// enqueue synthesizes a temp id for creation kinds, stores the outbox
// action, and applies the optimistic update.
func (a *Adapter) enqueue(m Mutation, flush bool) (*Result, error) {
	tempID := ""
	if catalog.IsCreate(m.Type) {
		tempID = uuid.NewTempID()
	}

	var payload []byte
	var err error
	if m.Payload != nil {
		payload, err = m.Payload(tempID)
		if err != nil {
			return nil, fmt.Errorf("failed to build payload: %w", err)
		}
	}

	action := &models.OutboxAction{
		ActionType:  string(m.Type),
		EntityType:  m.EntityType,
		EntityID:    m.EntityID,
		TempID:      tempID,
		Payload:     payload,
		Invalidates: strings.Join(m.Invalidates, ","),
	}
	if err := a.repo.AddOutboxAction(action); err != nil {
		return nil, fmt.Errorf("failed to queue action: %w", err)
	}

	if m.Optimistic != nil {
		m.Optimistic(tempID)
	}

	a.engine.Notify()
	if flush {
		a.engine.TriggerSync()
	}

	logging.Info("Action queued", map[string]interface{}{
		"action_id":   action.ID.String(),
		"action_type": action.ActionType,
		"offline":     !flush,
	})

	return &Result{Offline: !flush, TempID: tempID}, nil
}

// CapturePhoto stores a photo blob locally and queues its upload. When
// taskID is set the photo attaches to that task (taskID may be a temp id);
// otherwise it uploads standalone.
func (a *Adapter) CapturePhoto(ctx context.Context, taskID string, blob []byte, metadata, fileName string) (*Result, error) {
	photo := &models.OfflinePhoto{
		Blob:     blob,
		Metadata: metadata,
	}
	if err := a.repo.AddOfflinePhoto(photo); err != nil {
		return nil, fmt.Errorf("failed to store photo: %w", err)
	}

	kind := catalog.PhotoUpload
	if taskID != "" {
		kind = catalog.TaskPhotoAttach
	}

	return a.Mutate(ctx, Mutation{
		Type:       kind,
		EntityType: "photo",
		EntityID:   taskID,
		Payload: func(string) ([]byte, error) {
			return json.Marshal(map[string]string{
				"photo_id":  photo.ID.String(),
				"file_name": fileName,
			})
		},
	})
}
