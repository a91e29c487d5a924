// Package sync implements the offline mutation outbox orchestrator: a
// connectivity-aware status machine, a recurring flush timer, and the
// sequential action-replay algorithm with retry backoff and temp-id
// resolution.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/fieldops/sitesync/internal/api"
	"github.com/fieldops/sitesync/internal/catalog"
	"github.com/fieldops/sitesync/internal/connectivity"
	"github.com/fieldops/sitesync/internal/db"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/models"
)

// Status represents the current engine status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// ErrPhotoMissing indicates a photo-bearing action whose blob is no longer
// in local storage. Classified as a permanent failure.
var ErrPhotoMissing = errors.New("offline photo blob missing")

// Config holds the engine's timing knobs.
type Config struct {
	FlushInterval  time.Duration // periodic flush when idle and online
	PhotoRetention time.Duration // delay before deleting an uploaded photo blob
	BackoffBase    time.Duration // transient-failure backoff base
	BackoffCap     time.Duration // transient-failure backoff ceiling
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:  30 * time.Second,
		PhotoRetention: 60 * time.Second,
		BackoffBase:    2 * time.Second,
		BackoffCap:     5 * time.Minute,
	}
}

// Subscriber receives the engine status and the current pending count after
// every status-affecting event.
type Subscriber func(status Status, pendingCount int)

// PassResult summarizes one outbox processing pass.
type PassResult struct {
	Processed   int
	Synced      int
	Failed      int
	Rescheduled int
	Aborted     bool // connectivity lost or auth expired mid-pass
}

// Engine owns the outbox replay loop. All authoritative state lives in the
// repository; the engine's in-process flags are rebuilt from it on each pass
// and are safe to lose on restart.
type Engine struct {
	repo   *db.Repository
	client api.Requester
	conn   connectivity.Observer
	clock  Clock
	cfg    *Config

	mu        gosync.Mutex
	status    Status
	isSyncing bool
	lastErr   error

	subMu     gosync.Mutex
	subs      map[int]Subscriber
	nextSubID int

	wakeCh    chan struct{}
	stopCh    chan struct{}
	stopOnce  gosync.Once
	wg        gosync.WaitGroup
	unsubConn func()
}

// NewEngine creates an Engine from injected dependencies. Pass nil cfg or
// clock for the defaults.
func NewEngine(repo *db.Repository, client api.Requester, conn connectivity.Observer, clock Clock, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clock == nil {
		clock = NewClock()
	}

	status := StatusIdle
	if !conn.Online() {
		status = StatusOffline
	}

	return &Engine{
		repo:   repo,
		client: client,
		conn:   conn,
		clock:  clock,
		cfg:    cfg,
		status: status,
		subs:   make(map[int]Subscriber),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start registers connectivity listeners and begins the periodic flush loop.
func (e *Engine) Start(ctx context.Context) {
	e.unsubConn = e.conn.Subscribe(func(online bool) {
		if online {
			// Connectivity restored: leave offline and flush immediately.
			e.setStatus(StatusIdle)
			e.Wake()
		} else {
			e.setStatus(StatusOffline)
		}
	})

	e.wg.Add(1)
	go e.run(ctx)

	logging.Info("Sync engine started", map[string]interface{}{
		"flush_interval": e.cfg.FlushInterval.String(),
	})
}

// Stop halts the background loop. In-flight passes finish their current
// action; nothing is canceled mid-flight.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.unsubConn != nil {
		e.unsubConn()
	}
	e.wg.Wait()

	logging.Info("Sync engine stopped", nil)
}

// Wake nudges the engine to run a pass, the analog of a visibility-restored
// event. Safe to call from any goroutine; coalesces with a pending nudge.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// TriggerSync is the manual entry point for a pass. It is a no-op beyond
// transitioning to offline when connectivity is absent.
func (e *Engine) TriggerSync() {
	if !e.conn.Online() {
		e.setStatus(StatusOffline)
		return
	}
	e.Wake()
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastError returns the error recorded by the most recent failing pass.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingCount returns the number of unresolved outbox actions.
func (e *Engine) PendingCount() int {
	count, err := e.repo.OutboxCount()
	if err != nil {
		logging.Error("Failed to read outbox count", err, nil)
		return 0
	}
	return count
}

// Subscribe registers a callback receiving (status, pendingCount). It is
// invoked once immediately with the current state, and again after every
// status-affecting event. Returns an unsubscribe function.
func (e *Engine) Subscribe(fn Subscriber) func() {
	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.subMu.Unlock()

	e.call(fn, e.Status(), e.PendingCount())

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

// Notify re-publishes the current status and pending count to all
// subscribers. The adapter layer calls this after enqueuing offline work.
func (e *Engine) Notify() {
	status := e.Status()
	count := e.PendingCount()

	e.subMu.Lock()
	subs := make([]Subscriber, 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()

	for _, fn := range subs {
		e.call(fn, status, count)
	}
}

// call invokes one subscriber, catching panics so a misbehaving subscriber
// cannot break the engine.
func (e *Engine) call(fn Subscriber, status Status, count int) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Subscriber callback panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	fn(status, count)
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.mu.Unlock()

	if changed {
		e.Notify()
	}
}

// run is the background loop: a recurring flush timer plus wake nudges,
// both funneling into the same re-entrancy guard.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			// The periodic flush fires only when idle and online.
			if e.Status() != StatusIdle || !e.conn.Online() {
				continue
			}
			if _, err := e.ProcessOutbox(ctx); err != nil {
				logging.Error("Periodic outbox pass failed", err, nil)
			}
		case <-e.wakeCh:
			if _, err := e.ProcessOutbox(ctx); err != nil {
				logging.Error("Outbox pass failed", err, nil)
			}
			// A clean pass restarts the flush interval from now.
			if e.Status() == StatusIdle {
				ticker.Reset(e.cfg.FlushInterval)
			}
		}
	}
}

// ProcessOutbox runs one replay pass over the eligible pending actions,
// strictly sequentially. Overlapping calls and offline calls return
// immediately.
func (e *Engine) ProcessOutbox(ctx context.Context) (*PassResult, error) {
	e.mu.Lock()
	if e.isSyncing {
		e.mu.Unlock()
		return &PassResult{}, nil
	}
	if !e.conn.Online() {
		e.status = StatusOffline
		e.mu.Unlock()
		e.Notify()
		return &PassResult{}, nil
	}
	e.isSyncing = true
	e.status = StatusSyncing
	e.lastErr = nil
	e.mu.Unlock()
	e.Notify()

	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		e.mu.Unlock()
	}()

	actions, err := e.repo.GetPendingActions()
	if err != nil {
		e.finish(StatusError, fmt.Errorf("failed to load pending actions: %w", err))
		return nil, err
	}

	if len(actions) == 0 {
		e.sweep()
		e.finish(StatusIdle, nil)
		return &PassResult{}, nil
	}

	sortActions(actions)

	result := &PassResult{}
	for _, action := range actions {
		// Connectivity is only checked between actions; an in-flight
		// request is never canceled.
		if !e.conn.Online() {
			result.Aborted = true
			e.finish(StatusOffline, nil)
			return result, nil
		}

		result.Processed++
		e.markStatus(action, models.ActionStatusSyncing, "")
		e.Notify()

		err := e.dispatch(ctx, action)
		if err == nil {
			result.Synced++
			e.Notify()
			continue
		}

		switch classify(err) {
		case classAuth:
			// Auth expiry invalidates the whole remaining pass. The action
			// is not inherently invalid, so it returns to pending.
			e.markStatus(action, models.ActionStatusPending, err.Error())
			result.Failed++
			result.Aborted = true
			e.sweep()
			e.finish(StatusError, err)
			return result, err
		case classPermanent:
			e.markStatus(action, models.ActionStatusFailed, err.Error())
			result.Failed++
			logging.Error("Outbox action failed permanently", err, map[string]interface{}{
				"action_id":   action.ID.String(),
				"action_type": action.ActionType,
			})
		default:
			e.reschedule(action, err)
			result.Rescheduled++
		}
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		e.Notify()
	}

	e.sweep()
	if result.Failed > 0 || result.Rescheduled > 0 {
		e.finish(StatusError, e.LastError())
	} else {
		e.finish(StatusIdle, nil)
	}
	return result, nil
}

// dispatch resolves the action's entity id and sends it to the endpoint
// implied by its type, handling success-side bookkeeping (temp-id mapping,
// photo upload confirmation, cache invalidation).
func (e *Engine) dispatch(ctx context.Context, action *models.OutboxAction) error {
	kind := catalog.ActionType(action.ActionType)

	entityID := action.EntityID
	if entityID != "" {
		resolved, err := e.repo.ResolveID(entityID)
		if err != nil {
			return fmt.Errorf("failed to resolve entity id: %w", err)
		}
		entityID = resolved
	}

	endpoint, err := catalog.EndpointFor(kind, entityID)
	if err != nil {
		return err
	}

	var body []byte
	var photoID string
	if endpoint.Multipart {
		photoID, body, err = e.sendPhoto(ctx, action, endpoint)
	} else {
		body, err = e.client.Do(ctx, endpoint.Method, endpoint.Path, action.Payload)
	}
	if err != nil {
		return err
	}

	e.markStatus(action, models.ActionStatusSynced, "")

	if catalog.IsCreate(kind) && action.TempID != "" {
		e.recordMapping(action, body)
	}
	if photoID != "" {
		e.confirmPhoto(photoID)
	}
	e.invalidate(action)

	return nil
}

// photoPayload is the payload shape of photo-bearing actions.
type photoPayload struct {
	PhotoID  string `json:"photo_id"`
	FileName string `json:"file_name,omitempty"`
}

// sendPhoto loads the local blob for a photo-bearing action and uploads it
// as multipart. A missing blob fails fast with a permanent error.
func (e *Engine) sendPhoto(ctx context.Context, action *models.OutboxAction, endpoint catalog.Endpoint) (string, []byte, error) {
	var payload photoPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return "", nil, fmt.Errorf("%w: malformed photo payload: %v", ErrPhotoMissing, err)
	}

	photo, err := e.repo.GetOfflinePhoto(payload.PhotoID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load offline photo: %w", err)
	}
	if photo == nil {
		return "", nil, fmt.Errorf("%w: photo %s not found for action %s", ErrPhotoMissing, payload.PhotoID, action.ID)
	}

	fileName := payload.FileName
	if fileName == "" {
		fileName = photo.ID.String() + ".jpg"
	}

	fields := map[string]string{}
	if photo.Metadata != "" {
		fields["metadata"] = photo.Metadata
	}

	body, err := e.client.DoMultipart(ctx, endpoint.Method, endpoint.Path, fields, "photo", fileName, photo.Blob)
	if err != nil {
		return "", nil, err
	}
	return payload.PhotoID, body, nil
}

// recordMapping persists the temp-to-server id mapping returned by a
// creation action.
func (e *Engine) recordMapping(action *models.OutboxAction, body []byte) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		logging.Warn("Creation response carried no server id", map[string]interface{}{
			"action_id":   action.ID.String(),
			"action_type": action.ActionType,
		})
		return
	}

	if err := e.repo.SetTempIDMapping(action.TempID, resp.ID, action.EntityType); err != nil {
		logging.Error("Failed to record temp id mapping", err, map[string]interface{}{
			"temp_id":   action.TempID,
			"server_id": resp.ID,
		})
	}
}

// confirmPhoto marks a photo uploaded and schedules its local deletion
// after the retention delay, tolerating late re-reads by UI still showing
// the local blob.
func (e *Engine) confirmPhoto(photoID string) {
	if err := e.repo.MarkPhotoUploaded(photoID); err != nil {
		logging.Error("Failed to mark photo uploaded", err, map[string]interface{}{"photo_id": photoID})
		return
	}

	repo := e.repo
	e.clock.AfterFunc(e.cfg.PhotoRetention, func() {
		if err := repo.DeleteOfflinePhoto(photoID); err != nil {
			logging.Error("Failed to delete uploaded photo", err, map[string]interface{}{"photo_id": photoID})
		}
	})
}

// invalidate drops the cached queries named by the action so subsequent
// reads refetch server state that now includes this mutation.
func (e *Engine) invalidate(action *models.OutboxAction) {
	for _, url := range splitInvalidates(action.Invalidates) {
		if err := e.repo.DeleteCachedQuery(url); err != nil {
			logging.Error("Failed to invalidate cached query", err, map[string]interface{}{"url": url})
		}
	}
}

// reschedule returns a transiently failed action to pending with an
// incremented retry count and a capped exponential backoff delay.
func (e *Engine) reschedule(action *models.OutboxAction, cause error) {
	retry := action.RetryCount + 1
	delay := backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffCap, retry)
	next := e.clock.Now().Add(delay).UnixMilli()

	pending := models.ActionStatusPending
	lastErr := cause.Error()
	err := e.repo.UpdateOutboxAction(action.ID.String(), db.ActionUpdate{
		Status:      &pending,
		RetryCount:  &retry,
		NextRetryAt: &next,
		LastError:   &lastErr,
	})
	if err != nil {
		logging.Error("Failed to reschedule action", err, map[string]interface{}{"action_id": action.ID.String()})
		return
	}

	logging.Debug("Action rescheduled", map[string]interface{}{
		"action_id":   action.ID.String(),
		"retry_count": retry,
		"delay_ms":    delay.Milliseconds(),
	})
}

// backoffDelay computes base * 2^retryCount, capped at ceiling.
func backoffDelay(base, ceiling time.Duration, retryCount int) time.Duration {
	if retryCount > 30 {
		return ceiling
	}
	delay := base << uint(retryCount)
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}

// markStatus updates an action's status, clearing or setting last_error.
func (e *Engine) markStatus(action *models.OutboxAction, status models.ActionStatus, lastErr string) {
	err := e.repo.UpdateOutboxAction(action.ID.String(), db.ActionUpdate{
		Status:    &status,
		LastError: &lastErr,
	})
	if err != nil {
		logging.Error("Failed to update action status", err, map[string]interface{}{
			"action_id": action.ID.String(),
			"status":    string(status),
		})
	}
}

// sweep purges synced actions and expired cache entries.
func (e *Engine) sweep() {
	if _, err := e.repo.ClearSyncedActions(); err != nil {
		logging.Error("Failed to clear synced actions", err, nil)
	}
	if _, err := e.repo.PurgeExpiredQueries(); err != nil {
		logging.Error("Failed to purge expired cache entries", err, nil)
	}
}

// finish records the pass outcome.
func (e *Engine) finish(status Status, cause error) {
	e.mu.Lock()
	e.status = status
	e.lastErr = cause
	e.mu.Unlock()
	e.Notify()
}

// sortActions orders actions by catalog priority, then creation time.
// Creations replay first so temp-id resolution succeeds before dependent
// actions need it.
func sortActions(actions []*models.OutboxAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		pi := catalog.Priority(catalog.ActionType(actions[i].ActionType))
		pj := catalog.Priority(catalog.ActionType(actions[j].ActionType))
		if pi != pj {
			return pi < pj
		}
		return actions[i].CreatedAt < actions[j].CreatedAt
	})
}

// Failure classification: 401 aborts the pass, 400/409/422 are permanent,
// everything else (including transport failures) is transient.

type failureClass int

const (
	classTransient failureClass = iota
	classAuth
	classPermanent
)

func classify(err error) failureClass {
	if errors.Is(err, catalog.ErrUnknownAction) || errors.Is(err, ErrPhotoMissing) {
		return classPermanent
	}

	switch api.StatusOf(err) {
	case http.StatusUnauthorized:
		return classAuth
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return classPermanent
	}
	return classTransient
}

// splitInvalidates parses the comma-separated invalidation URL list.
func splitInvalidates(s string) []string {
	if s == "" {
		return nil
	}
	var urls []string
	for _, url := range strings.Split(s, ",") {
		if url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}
