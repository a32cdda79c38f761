package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

type fakeLocal struct {
	mu       sync.Mutex
	records  map[string]*model.Conversation
	writes   int
	failNext int
	gate     chan struct{}

	active    int32
	maxActive int32
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{records: make(map[string]*model.Conversation)}
}

func (f *fakeLocal) Get(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLocal) Upsert(ctx context.Context, rec *model.Conversation) error {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxActive, m, n) {
			break
		}
	}

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("disk full")
	}
	f.writes++
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeLocal) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeLocal) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for _, rec := range f.records {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeLocal) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeLocal) title(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		return rec.Title
	}
	return ""
}

type fakeCloud struct {
	mu      sync.Mutex
	err     error
	uploads int
	remote  map[string]*model.Conversation
	deleted []string
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeCloud) Upload(ctx context.Context, rec *model.Conversation) error {
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.err != nil {
		return f.err
	}
	if f.remote == nil {
		f.remote = make(map[string]*model.Conversation)
	}
	cp := *rec
	f.remote[rec.ID] = &cp
	return nil
}

func (f *fakeCloud) Download(ctx context.Context, userID, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.remote[id]
	if !ok || rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (f *fakeCloud) Delete(ctx context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.remote, id)
	return f.err
}

func (f *fakeCloud) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.remote[id]
	return ok
}

func (f *fakeCloud) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeCloud) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// titleSource serves a record whose title the test can change.
type titleSource struct {
	mu    sync.Mutex
	id    string
	user  string
	title string
}

func (s *titleSource) set(title string) {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

func (s *titleSource) source() Source {
	return func() (*model.Conversation, bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return &model.Conversation{ID: s.id, UserID: s.user, Title: s.title}, true
	}
}

const testDebounce = 40 * time.Millisecond

func newTestCoordinator(t *testing.T, local *fakeLocal, cloud CloudSync) *Coordinator {
	t.Helper()
	c := NewCoordinator(local, cloud, Config{Debounce: testDebounce}, logger.Nop())
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestTouch_CoalescesBurstIntoOneWrite(t *testing.T) {
	local := newFakeLocal()
	c := newTestCoordinator(t, local, nil)
	src := &titleSource{id: "c1", user: "u"}
	c.Track("c1", src.source(), true)

	for i := 0; i < 5; i++ {
		src.set(string(rune('a' + i)))
		c.Touch("c1")
		time.Sleep(testDebounce / 4)
	}

	require.Eventually(t, func() bool { return local.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * testDebounce)
	assert.Equal(t, 1, local.writeCount())
	assert.Equal(t, "e", local.title("c1"))
}

func TestTouch_DuringWriteQueuesExactlyOneFollowUp(t *testing.T) {
	local := newFakeLocal()
	gate := make(chan struct{})
	local.gate = gate
	c := newTestCoordinator(t, local, nil)
	src := &titleSource{id: "c1", user: "u", title: "first"}
	c.Track("c1", src.source(), true)

	done := make(chan error, 1)
	go func() { done <- c.SaveNow(context.Background(), "c1") }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&local.active) == 1 }, time.Second, time.Millisecond)

	src.set("second")
	c.Touch("c1")
	c.Touch("c1")
	c.Touch("c1")

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, 2, local.writeCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&local.maxActive))
	assert.Equal(t, "second", local.title("c1"))
}

func TestLocalFailure_RetriedNextCycle(t *testing.T) {
	local := newFakeLocal()
	local.failNext = 1
	c := newTestCoordinator(t, local, nil)
	src := &titleSource{id: "c1", title: "kept"}
	c.Track("c1", src.source(), false)

	c.Touch("c1")

	require.Eventually(t, func() bool { return local.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "kept", local.title("c1"))
}

func TestCloudSync_StatusTransitions(t *testing.T) {
	local := newFakeLocal()
	cloud := &fakeCloud{err: errors.New("503")}
	c := newTestCoordinator(t, local, cloud)

	var mu sync.Mutex
	var seen []model.SyncStatus
	c.OnStatus(func(id string, s model.SyncStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	src := &titleSource{id: "c1", user: "u"}
	c.Track("c1", src.source(), true)
	assert.Equal(t, model.SyncIdle, c.Status("c1"))

	c.Touch("c1")
	assert.Equal(t, model.SyncPending, c.Status("c1"))
	require.Eventually(t, func() bool { return c.Status("c1") == model.SyncError }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, local.writeCount(), "local write lands even when the cloud fails")

	cloud.setErr(nil)
	c.Touch("c1")
	require.Eventually(t, func() bool { return c.Status("c1") == model.SyncSynced }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.SyncStatus{model.SyncPending, model.SyncError, model.SyncPending, model.SyncSynced}, seen)
}

func TestCloudSync_OfflineStaysPending(t *testing.T) {
	local := newFakeLocal()
	cloud := &fakeCloud{err: ErrOffline}
	c := newTestCoordinator(t, local, cloud)
	c.Track("c1", (&titleSource{id: "c1", user: "u"}).source(), true)

	require.NoError(t, c.SaveNow(context.Background(), "c1"))
	require.Eventually(t, func() bool { return cloud.uploadCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, model.SyncPending, c.Status("c1"))
}

func TestResync_UploadsPendingAfterReconnect(t *testing.T) {
	local := newFakeLocal()
	cloud := &fakeCloud{err: ErrOffline}
	c := newTestCoordinator(t, local, cloud)
	c.Track("c1", (&titleSource{id: "c1", user: "u"}).source(), true)
	c.Track("c2", (&titleSource{id: "c2"}).source(), false)

	require.NoError(t, c.SaveNow(context.Background(), "c1"))
	require.NoError(t, c.SaveNow(context.Background(), "c2"))
	require.Eventually(t, func() bool {
		return cloud.uploadCount() == 1 && c.Status("c1") == model.SyncPending
	}, time.Second, 5*time.Millisecond)

	cloud.setErr(nil)
	c.Resync()

	require.Eventually(t, func() bool { return c.Status("c1") == model.SyncSynced }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, cloud.uploadCount())
	assert.Equal(t, 2, local.writeCount(), "resync reuses the last record without a local write")
	assert.Equal(t, model.SyncIdle, c.Status("c2"))
}

func TestGuestConversations_NeverReachCloud(t *testing.T) {
	local := newFakeLocal()
	cloud := &fakeCloud{}
	c := newTestCoordinator(t, local, cloud)
	c.Track("c1", (&titleSource{id: "c1"}).source(), false)

	c.Touch("c1")
	require.Eventually(t, func() bool { return local.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, cloud.uploadCount())
	assert.Equal(t, model.SyncIdle, c.Status("c1"))
}

func TestStatus_DoesNotTriggerWrites(t *testing.T) {
	local := newFakeLocal()
	c := newTestCoordinator(t, local, nil)
	c.Track("c1", (&titleSource{id: "c1"}).source(), false)

	for i := 0; i < 10; i++ {
		_ = c.Status("c1")
	}
	time.Sleep(2 * testDebounce)
	assert.Equal(t, 0, local.writeCount())
}

func TestClose_FlushesOpenWindows(t *testing.T) {
	local := newFakeLocal()
	c := NewCoordinator(local, nil, Config{Debounce: time.Hour}, logger.Nop())
	require.NoError(t, c.Initialize(context.Background()))
	c.Track("c1", (&titleSource{id: "c1", title: "late"}).source(), false)

	c.Touch("c1")
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, "late", local.title("c1"))

	c.Touch("c1")
	assert.ErrorIs(t, c.SaveNow(context.Background(), "c1"), ErrNotInitialized)
}

func TestLoad_FallsBackToCloudAndWarmsCache(t *testing.T) {
	local := newFakeLocal()
	cloud := &fakeCloud{remote: map[string]*model.Conversation{
		"c1": {ID: "c1", UserID: "u", Title: "from cloud"},
	}}
	c := newTestCoordinator(t, local, cloud)

	rec, err := c.Load(context.Background(), "u", "c1")
	require.NoError(t, err)
	assert.Equal(t, "from cloud", rec.Title)
	assert.Equal(t, "from cloud", local.title("c1"))

	_, err = c.Load(context.Background(), "someone-else", "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Load(context.Background(), "u", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_RemovesFromBothTiers(t *testing.T) {
	local := newFakeLocal()
	cloud := &fakeCloud{}
	c := newTestCoordinator(t, local, cloud)
	c.Track("c1", (&titleSource{id: "c1", user: "u"}).source(), true)
	require.NoError(t, c.SaveNow(context.Background(), "c1"))

	require.NoError(t, c.Delete(context.Background(), "u", "c1"))

	_, err := local.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"c1"}, cloud.deleted)
	assert.Equal(t, model.SyncIdle, c.Status("c1"))
}

func TestDelete_WaitsForInFlightLocalWrite(t *testing.T) {
	local := newFakeLocal()
	gate := make(chan struct{})
	local.gate = gate
	c := newTestCoordinator(t, local, nil)
	c.Track("c1", (&titleSource{id: "c1", user: "u"}).source(), false)

	c.Touch("c1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&local.active) == 1 }, time.Second, time.Millisecond)
	c.Touch("c1")

	deleted := make(chan error, 1)
	go func() { deleted <- c.Delete(context.Background(), "u", "c1") }()

	select {
	case err := <-deleted:
		t.Fatalf("delete returned during a write: %v", err)
	case <-time.After(2 * testDebounce):
	}

	close(gate)
	require.NoError(t, <-deleted)

	time.Sleep(3 * testDebounce)
	_, err := local.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, local.writeCount())
}

func TestDelete_WaitsForInFlightUpload(t *testing.T) {
	local := newFakeLocal()
	gate := make(chan struct{})
	cloud := &fakeCloud{gate: gate, started: make(chan struct{}, 1)}
	c := newTestCoordinator(t, local, cloud)
	c.Track("c1", (&titleSource{id: "c1", user: "u"}).source(), true)

	require.NoError(t, c.SaveNow(context.Background(), "c1"))
	<-cloud.started

	deleted := make(chan error, 1)
	go func() { deleted <- c.Delete(context.Background(), "u", "c1") }()

	select {
	case err := <-deleted:
		t.Fatalf("delete returned during an upload: %v", err)
	case <-time.After(2 * testDebounce):
	}

	close(gate)
	require.NoError(t, <-deleted)

	assert.False(t, cloud.has("c1"))
	_, err := local.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, cloud.uploadCount())
}

func TestDelete_HonoursContextWhileWaiting(t *testing.T) {
	local := newFakeLocal()
	gate := make(chan struct{})
	local.gate = gate
	c := newTestCoordinator(t, local, nil)
	c.Track("c1", (&titleSource{id: "c1", user: "u"}).source(), false)

	go func() { _ = c.SaveNow(context.Background(), "c1") }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&local.active) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testDebounce)
	defer cancel()
	err := c.Delete(ctx, "u", "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
}

func TestForget_WaitsForInFlightWrite(t *testing.T) {
	local := newFakeLocal()
	gate := make(chan struct{})
	local.gate = gate
	c := newTestCoordinator(t, local, nil)
	src := &titleSource{id: "c1", user: "u", title: "first"}
	c.Track("c1", src.source(), false)

	go func() { _ = c.SaveNow(context.Background(), "c1") }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&local.active) == 1 }, time.Second, time.Millisecond)
	src.set("second")
	c.Touch("c1")

	forgotten := make(chan error, 1)
	go func() { forgotten <- c.Forget(context.Background(), "c1") }()

	close(gate)
	require.NoError(t, <-forgotten)
	assert.Equal(t, 2, local.writeCount())
	assert.Equal(t, "second", local.title("c1"))
}
