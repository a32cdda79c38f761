package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversation-engine/internal/events"
	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/model"
	"github.com/capitalize-ai/conversation-engine/internal/navigation"
	"github.com/capitalize-ai/conversation-engine/internal/persist"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/internal/title"
	"github.com/capitalize-ai/conversation-engine/internal/transport"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

const testSecret = "handler-test-secret"

// echoTransport answers every turn with "reply <n>" in two snapshots.
type echoTransport struct {
	mu    sync.Mutex
	calls int
}

func (e *echoTransport) Stream(ctx context.Context, req transport.Request, onUpdate transport.UpdateFunc) (model.Message, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()

	msg := model.Message{
		ID:    fmt.Sprintf("a-%d", n),
		Role:  model.RoleAssistant,
		Parts: []model.Part{model.TextPart("reply")},
	}
	onUpdate(msg)
	msg.Parts = []model.Part{model.TextPart(fmt.Sprintf("reply %d", n))}
	onUpdate(msg)
	return msg, nil
}

type fixture struct {
	router http.Handler
	local  *store.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	local, err := store.Open(ctx, filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	coordinator := persist.NewCoordinator(local, nil, persist.Config{Debounce: 10 * time.Millisecond}, log)
	require.NoError(t, coordinator.Initialize(ctx))

	bus := events.NewBus(nil, log)
	convSvc := service.NewConversationService(coordinator, &echoTransport{}, title.NewGenerator(nil, title.Config{}, log), bus, service.Config{
		Navigation: navigation.Config{NavigateDelay: time.Millisecond, ScrollDelay: time.Millisecond},
	}, log)
	coordinator.OnStatus(convSvc.SyncStatusChanged)
	t.Cleanup(func() {
		convSvc.Close(ctx)
		coordinator.Close(ctx)
	})

	return &fixture{
		router: NewRouter(RouterConfig{JWTSecret: testSecret}, Dependencies{
			Conversations: convSvc,
			Messages:      service.NewMessageService(convSvc, log),
			Bus:           bus,
			Health:        NewHealthHandler(local, nil),
			Logger:        log,
		}),
		local: local,
	}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) create(t *testing.T, user string) model.ConversationView {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/conversations", user, map[string]string{"origin": "widget"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view model.ConversationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			out = append(out, ev)
		}
	}
	return out
}

// done returns the final event of a reply stream.
func done(t *testing.T, rec *httptest.ResponseRecorder) model.StreamDoneEvent {
	t.Helper()
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	evs := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, "done", last.name, rec.Body.String())

	var ev model.StreamDoneEvent
	require.NoError(t, json.Unmarshal([]byte(last.data), &ev))
	return ev
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cloud":"disabled"`)
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)

	view := f.create(t, "user-1")
	assert.Equal(t, model.OriginWidget, view.Metadata.Origin)
	assert.Equal(t, service.DefaultTitle, view.Title)
	assert.Empty(t, view.Messages)

	rec := f.do(t, http.MethodGet, "/api/v1/conversations/"+view.ID, "user-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/conversations/"+view.ID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/conversations/not-a-uuid", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/conversations", "", map[string]string{"origin": "desktop"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreate_EmptyBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var view model.ConversationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, model.OriginPage, view.Metadata.Origin)
}

func TestInvalidToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendStreamsReply(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+view.ID+"/messages", "user-1",
		map[string]string{"content": "Hi", "mode": "sales"})
	require.Equal(t, http.StatusOK, rec.Code)

	evs := parseSSE(t, rec.Body.String())
	var updates []model.MessageUpdateEvent
	for _, ev := range evs {
		if ev.name != "message" {
			continue
		}
		var u model.MessageUpdateEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &u))
		updates = append(updates, u)
	}
	require.Len(t, updates, 2)
	assert.Equal(t, "a-1", updates[0].Message.ID)
	assert.Equal(t, "reply 1", updates[1].Message.Text())

	d := done(t, rec)
	assert.True(t, d.Changed)
	require.Len(t, d.Messages, 2)
	assert.Equal(t, "Hi", d.Messages[0].Text())
	assert.Equal(t, "sales", d.Messages[0].Mode())
	assert.Equal(t, "a-1", d.HeadID)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+view.ID+"/messages", "user-1",
		map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/conversations/0190f1d2-8f5e-7c3a-9b1e-3c2d4e5f6a7b/messages", "user-1",
		map[string]string{"content": "Hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEditForksAndNavigate(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "")
	base := "/api/v1/conversations/" + view.ID

	first := done(t, f.do(t, http.MethodPost, base+"/messages", "", map[string]string{"content": "Hi"}))
	hiID := first.Messages[0].ID

	edited := done(t, f.do(t, http.MethodPost, base+"/messages/"+hiID+"/edit", "", map[string]string{"content": "Hello"}))
	assert.True(t, edited.Changed)
	require.Len(t, edited.Messages, 2)
	assert.Equal(t, "Hello", edited.Messages[0].Text())
	assert.Equal(t, &model.BranchInfo{Index: 1, Count: 2}, edited.Messages[0].Branch)
	assert.Equal(t, "reply 2", edited.Messages[1].Text())

	helloID := edited.Messages[0].ID
	rec := f.do(t, http.MethodPost, base+"/messages/"+helloID+"/navigate", "", map[string]string{"direction": "prev"})
	require.Equal(t, http.StatusOK, rec.Code)

	var nav model.BranchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nav))
	assert.True(t, nav.Changed)
	require.Len(t, nav.Path, 2)
	assert.Equal(t, "Hi", nav.Path[0].Text())
	assert.Equal(t, "reply 1", nav.Path[1].Text())

	// Already at the first sibling.
	rec = f.do(t, http.MethodPost, base+"/messages/"+hiID+"/navigate", "", map[string]string{"direction": "prev"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nav))
	assert.False(t, nav.Changed)

	rec = f.do(t, http.MethodPost, base+"/messages/"+hiID+"/navigate", "", map[string]string{"direction": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBranchOperationsOnWrongRoleAreNoOps(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")
	base := "/api/v1/conversations/" + view.ID

	first := done(t, f.do(t, http.MethodPost, base+"/messages", "user-1", map[string]string{"content": "Hi"}))
	userID, assistantID := first.Messages[0].ID, first.Messages[1].ID

	for _, tc := range []struct {
		path string
		body interface{}
	}{
		{base + "/messages/" + assistantID + "/edit", map[string]string{"content": "x"}},
		{base + "/messages/" + userID + "/retry", nil},
		{base + "/messages/missing/retry", nil},
	} {
		rec := f.do(t, http.MethodPost, tc.path, "user-1", tc.body)
		require.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var resp model.BranchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Changed, tc.path)
		assert.Len(t, resp.Path, 2)
	}
}

func TestRetryAddsSibling(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")
	base := "/api/v1/conversations/" + view.ID

	first := done(t, f.do(t, http.MethodPost, base+"/messages", "user-1", map[string]string{"content": "Hi"}))

	retried := done(t, f.do(t, http.MethodPost, base+"/messages/"+first.Messages[1].ID+"/retry", "user-1", nil))
	assert.True(t, retried.Changed)
	require.Len(t, retried.Messages, 2)
	assert.Equal(t, first.Messages[0].ID, retried.Messages[0].ID)
	assert.Equal(t, "reply 2", retried.Messages[1].Text())
	assert.Equal(t, &model.BranchInfo{Index: 1, Count: 2}, retried.Messages[1].Branch)
}

func TestStopWithoutStream(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/"+view.ID+"/stop", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stopped":false}`, rec.Body.String())
}

func TestListSyncAndDelete(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")
	base := "/api/v1/conversations/" + view.ID

	done(t, f.do(t, http.MethodPost, base+"/messages", "user-1", map[string]string{"content": "Hi"}))

	require.Eventually(t, func() bool {
		rec, err := f.local.Get(context.Background(), view.ID)
		return err == nil && len(rec.Nodes) == 2
	}, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodGet, "/api/v1/conversations?limit=10", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, view.ID, list.Conversations[0].ID)
	assert.Equal(t, 2, list.Conversations[0].MessageCount)

	rec = f.do(t, http.MethodGet, "/api/v1/conversations", "user-2", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Conversations)

	rec = f.do(t, http.MethodGet, base+"/sync", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sync_status"`)

	rec = f.do(t, http.MethodDelete, base, "user-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, base, "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	view := f.create(t, "user-1")
	base := srv.URL + "/api/v1/conversations/" + view.ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	next := func() string {
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		return ""
	}

	require.Equal(t, "connected", next())

	del, err := http.NewRequestWithContext(ctx, http.MethodDelete, base, nil)
	require.NoError(t, err)
	del.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	for name := next(); name != ""; name = next() {
		names = append(names, name)
	}
	assert.Contains(t, names, string(model.EventTypeDeleted))
}

func TestCloseFlushesAndReopens(t *testing.T) {
	f := newFixture(t)
	view := f.create(t, "user-1")
	base := "/api/v1/conversations/" + view.ID

	done(t, f.do(t, http.MethodPost, base+"/messages", "user-1", map[string]string{"content": "Hi"}))

	rec := f.do(t, http.MethodPost, base+"/close", "user-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/conversations/not-a-uuid/close", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, base+"/close", "user-1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.local.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 2)

	rec = f.do(t, http.MethodGet, base, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reopened model.ConversationView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reopened))
	assert.Len(t, reopened.Messages, 2)
}
