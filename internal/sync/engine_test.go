package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/sitesync/internal/api"
	"github.com/fieldops/sitesync/internal/connectivity"
	"github.com/fieldops/sitesync/internal/db"
	"github.com/fieldops/sitesync/internal/models"
)

// fakeClock is a manual Clock for driving retry schedules and retention
// timers deterministically.
type fakeClock struct {
	mu     gosync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, timer)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		timer.stopped = true
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, timer := range c.timers {
		if !timer.stopped && !timer.at.After(c.now) {
			timer.stopped = true
			due = append(due, timer.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

// fakeRequester records dispatched requests and answers from configurable
// hooks.
type fakeRequester struct {
	mu    gosync.Mutex
	calls []fakeCall

	do          func(method, path string, body []byte) ([]byte, error)
	doMultipart func(path string, fields map[string]string, fileName string, blob []byte) ([]byte, error)
}

type fakeCall struct {
	Method   string
	Path     string
	Body     []byte
	FileName string
	Blob     []byte
}

func (f *fakeRequester) Do(_ context.Context, method, path string, body []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: method, Path: path, Body: body})
	f.mu.Unlock()

	if f.do != nil {
		return f.do(method, path, body)
	}
	return []byte(`{}`), nil
}

func (f *fakeRequester) DoMultipart(_ context.Context, method, path string, fields map[string]string, _, fileName string, blob []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: method, Path: path, FileName: fileName, Blob: blob})
	f.mu.Unlock()

	if f.doMultipart != nil {
		return f.doMultipart(path, fields, fileName, blob)
	}
	return []byte(`{}`), nil
}

func (f *fakeRequester) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, c := range f.calls {
		paths = append(paths, c.Path)
	}
	return paths
}

func newTestEngine(t *testing.T) (*Engine, *db.Repository, *fakeRequester, *connectivity.Switch, *fakeClock) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Migrate())

	clock := newFakeClock()
	repo := db.NewRepository(database.DB, db.WithClock(clock.Now))
	t.Cleanup(func() { repo.Close() })

	requester := &fakeRequester{}
	sw := connectivity.NewSwitch(true)
	engine := NewEngine(repo, requester, sw, clock, nil)

	return engine, repo, requester, sw, clock
}

func enqueue(t *testing.T, repo *db.Repository, clock *fakeClock, action *models.OutboxAction) *models.OutboxAction {
	t.Helper()
	require.NoError(t, repo.AddOutboxAction(action))
	// Distinct creation times so ordering is deterministic.
	clock.Advance(time.Millisecond)
	return action
}

func TestProcessOutboxOrdering(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "a"})
	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "b"})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)

	// Equal priority: created first, dispatched first.
	assert.Equal(t, []string{"/api/tasks/a", "/api/tasks/b"}, requester.paths())
}

func TestProcessOutboxCreationPriority(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	// Non-creation enqueued first; the creation must still dispatch first.
	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_STATUS_CHANGE", EntityType: "task", EntityID: "t9"})
	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_CREATE", EntityType: "task", TempID: "temp-x"})

	_, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)

	paths := requester.paths()
	require.Len(t, paths, 2)
	assert.Equal(t, "/api/tasks", paths[0])
	assert.Equal(t, "/api/tasks/t9/status", paths[1])
}

func TestTempIDResolution(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	requester.do = func(method, path string, _ []byte) ([]byte, error) {
		if method == "POST" && path == "/api/tasks" {
			return []byte(`{"id":"srv-42"}`), nil
		}
		return []byte(`{}`), nil
	}

	enqueue(t, repo, clock, &models.OutboxAction{
		ActionType: "TASK_CREATE", EntityType: "task", TempID: "temp-1",
		Payload: []byte(`{"title":"hang drywall"}`),
	})
	enqueue(t, repo, clock, &models.OutboxAction{
		ActionType: "TASK_COMMENT_ADD", EntityType: "task", EntityID: "temp-1",
		Payload: []byte(`{"text":"done"}`),
	})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)

	// The comment went out with the server-assigned id, not the temp id.
	paths := requester.paths()
	require.Len(t, paths, 2)
	assert.Equal(t, "/api/tasks/srv-42/comments", paths[1])

	mapping, err := repo.GetTempIDMapping("temp-1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, "srv-42", mapping.ServerID)
}

func TestTransientFailureBackoff(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	requester.do = func(string, string, []byte) ([]byte, error) {
		return nil, errors.New("connection refused")
	}

	action := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})

	expected := []int64{4000, 8000, 16000}
	for i, want := range expected {
		_, err := engine.ProcessOutbox(context.Background())
		require.NoError(t, err)

		stored, err := repo.GetOutboxAction(action.ID.String())
		require.NoError(t, err)
		assert.Equal(t, models.ActionStatusPending, stored.Status)
		assert.Equal(t, i+1, stored.RetryCount)
		assert.Equal(t, want, stored.NextRetryAt-clock.Now().UnixMilli())
		assert.Equal(t, StatusError, engine.Status())

		clock.Advance(time.Duration(want) * time.Millisecond)
	}
}

func TestTransientBackoffCap(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	requester.do = func(string, string, []byte) ([]byte, error) {
		return nil, errors.New("upstream timeout")
	}

	action := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})
	retries := 9
	require.NoError(t, repo.UpdateOutboxAction(action.ID.String(), db.ActionUpdate{RetryCount: &retries}))

	_, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)

	stored, err := repo.GetOutboxAction(action.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 10, stored.RetryCount)
	assert.Equal(t, int64(300000), stored.NextRetryAt-clock.Now().UnixMilli())
}

func TestBackoffDelay(t *testing.T) {
	cfg := DefaultConfig()

	last := time.Duration(0)
	for retry := 1; retry <= 12; retry++ {
		delay := backoffDelay(cfg.BackoffBase, cfg.BackoffCap, retry)
		assert.GreaterOrEqual(t, delay, last, "retry %d", retry)
		assert.LessOrEqual(t, delay, cfg.BackoffCap, "retry %d", retry)
		last = delay
	}
	assert.Equal(t, 4*time.Second, backoffDelay(cfg.BackoffBase, cfg.BackoffCap, 1))
	assert.Equal(t, cfg.BackoffCap, backoffDelay(cfg.BackoffBase, cfg.BackoffCap, 100))
}

func TestPermanentFailureTerminal(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	requester.do = func(string, string, []byte) ([]byte, error) {
		return nil, &api.Error{StatusCode: 409, Body: "version conflict"}
	}

	action := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, StatusError, engine.Status())

	stored, err := repo.GetOutboxAction(action.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "409")

	// Failed actions are excluded from all future passes.
	pending, err := repo.GetPendingActions()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuthExpiryAbortsPass(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	requester.do = func(string, string, []byte) ([]byte, error) {
		return nil, &api.Error{StatusCode: 401, Body: "token expired"}
	}

	first := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})
	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t2"})
	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t3"})

	result, err := engine.ProcessOutbox(context.Background())
	require.Error(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, StatusError, engine.Status())

	// Only the first action was attempted; the rest of the queue cannot
	// succeed under the same credentials.
	assert.Len(t, requester.paths(), 1)

	// The attempted action is not inherently invalid: back to pending,
	// without a retry bump.
	stored, err := repo.GetOutboxAction(first.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusPending, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)

	pending, err := repo.GetPendingActions()
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestIdempotentCleanup(t *testing.T) {
	engine, _, requester, _, _ := newTestEngine(t)

	for i := 0; i < 2; i++ {
		result, err := engine.ProcessOutbox(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, result.Processed)
		assert.Equal(t, StatusIdle, engine.Status())
		assert.Equal(t, 0, engine.PendingCount())
	}
	assert.Empty(t, requester.paths())
}

func TestOfflineAbortMidPass(t *testing.T) {
	engine, repo, requester, sw, clock := newTestEngine(t)

	requester.do = func(string, string, []byte) ([]byte, error) {
		// Connectivity drops after the first action completes.
		sw.Set(false)
		return []byte(`{}`), nil
	}

	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})
	second := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t2"})
	third := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t3"})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, StatusOffline, engine.Status())
	assert.Len(t, requester.paths(), 1)

	for _, action := range []*models.OutboxAction{second, third} {
		stored, err := repo.GetOutboxAction(action.ID.String())
		require.NoError(t, err)
		assert.Equal(t, models.ActionStatusPending, stored.Status)
	}
}

func TestProcessOutboxSkipsWhenOffline(t *testing.T) {
	engine, repo, requester, sw, clock := newTestEngine(t)

	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})
	sw.Set(false)

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, StatusOffline, engine.Status())
	assert.Empty(t, requester.paths())
}

func TestPhotoUploadLifecycle(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	photo := &models.OfflinePhoto{Blob: []byte{0xFF, 0xD8}, Metadata: `{"job":"j1"}`}
	require.NoError(t, repo.AddOfflinePhoto(photo))

	enqueue(t, repo, clock, &models.OutboxAction{
		ActionType: "PHOTO_UPLOAD",
		EntityType: "photo",
		Payload:    []byte(fmt.Sprintf(`{"photo_id":%q,"file_name":"site.jpg"}`, photo.ID)),
	})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	// The blob went out as multipart.
	require.Len(t, requester.calls, 1)
	assert.Equal(t, "/api/photos", requester.calls[0].Path)
	assert.Equal(t, "site.jpg", requester.calls[0].FileName)
	assert.Equal(t, photo.Blob, requester.calls[0].Blob)

	stored, err := repo.GetOfflinePhoto(photo.ID.String())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.PhotoStatusUploaded, stored.Status)

	// The local blob survives the retention window, then is deleted.
	clock.Advance(59 * time.Second)
	stored, err = repo.GetOfflinePhoto(photo.ID.String())
	require.NoError(t, err)
	assert.NotNil(t, stored)

	clock.Advance(2 * time.Second)
	stored, err = repo.GetOfflinePhoto(photo.ID.String())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestPhotoMissingIsPermanent(t *testing.T) {
	engine, repo, _, _, clock := newTestEngine(t)

	action := enqueue(t, repo, clock, &models.OutboxAction{
		ActionType: "PHOTO_UPLOAD",
		EntityType: "photo",
		Payload:    []byte(`{"photo_id":"gone"}`),
	})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored, err := repo.GetOutboxAction(action.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "photo")
}

func TestUnknownActionIsPermanent(t *testing.T) {
	engine, repo, requester, _, clock := newTestEngine(t)

	action := enqueue(t, repo, clock, &models.OutboxAction{ActionType: "VENDOR_IMPORT", EntityType: "vendor"})

	result, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, requester.paths())

	stored, err := repo.GetOutboxAction(action.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusFailed, stored.Status)
}

func TestSyncedActionsPurgedAfterPass(t *testing.T) {
	engine, repo, _, _, clock := newTestEngine(t)

	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})

	_, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)

	actions, err := repo.ListActions()
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, 0, engine.PendingCount())
	assert.Equal(t, StatusIdle, engine.Status())
}

func TestCacheInvalidationAfterSync(t *testing.T) {
	engine, repo, _, _, clock := newTestEngine(t)

	require.NoError(t, repo.SetCachedQuery("/api/tasks?job=j1", []byte(`[]`)))
	enqueue(t, repo, clock, &models.OutboxAction{
		ActionType:  "TASK_UPDATE",
		EntityType:  "task",
		EntityID:    "t1",
		Invalidates: "/api/tasks?job=j1",
	})

	_, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)

	entry, err := repo.GetCachedQuery("/api/tasks?job=j1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSubscribeNotifications(t *testing.T) {
	engine, repo, _, _, clock := newTestEngine(t)

	var mu gosync.Mutex
	var statuses []Status
	unsubscribe := engine.Subscribe(func(status Status, _ int) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	})
	defer unsubscribe()

	// Invoked once immediately with the current state.
	mu.Lock()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusIdle, statuses[0])
	mu.Unlock()

	// A subscriber panic must not break the engine.
	engine.Subscribe(func(Status, int) {
		panic("misbehaving subscriber")
	})

	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})

	_, err := engine.ProcessOutbox(context.Background())
	require.NoError(t, err)

	mu.Lock()
	assert.Contains(t, statuses, StatusSyncing)
	assert.Equal(t, StatusIdle, statuses[len(statuses)-1])
	mu.Unlock()
}

func TestTriggerSyncOfflineIsNoop(t *testing.T) {
	engine, _, _, sw, _ := newTestEngine(t)

	sw.Set(false)
	engine.TriggerSync()
	assert.Equal(t, StatusOffline, engine.Status())
}

func TestConnectivityLifecycle(t *testing.T) {
	engine, repo, requester, sw, clock := newTestEngine(t)

	enqueue(t, repo, clock, &models.OutboxAction{ActionType: "TASK_UPDATE", EntityType: "task", EntityID: "t1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.Start(ctx)
	defer engine.Stop()

	sw.Set(false)
	assert.Eventually(t, func() bool {
		return engine.Status() == StatusOffline
	}, 2*time.Second, 10*time.Millisecond)

	// Connectivity restored: the queued action flushes without a manual
	// trigger.
	sw.Set(true)
	assert.Eventually(t, func() bool {
		return engine.Status() == StatusIdle && len(requester.paths()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
