package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/activity"
)

type hookRecorder struct {
	mu      sync.Mutex
	events  []webhookEvent
	headers []http.Header
	calls   int
	fail    int
	reject  int
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.reject > 0 {
		h.reject--
		http.Error(w, "unknown event", http.StatusUnprocessableEntity)
		return
	}
	if h.fail > 0 {
		h.fail--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.events = append(h.events, ev)
	h.headers = append(h.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func TestNotifierDeliversNewActivityOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	before := createTask(t, srv)

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	n := &Notifier{Activity: srv.Engine.Activity, Webhooks: []string{hook.URL}, Logger: log.New(io.Discard)}
	ctx := context.Background()
	n.DispatchOnce(ctx)
	assert.Empty(t, rec.events, "entries older than the first dispatch are skipped")

	task := createTask(t, srv)
	n.DispatchOnce(ctx)
	n.DispatchOnce(ctx)

	require.Len(t, rec.events, 1)
	ev := rec.events[0]
	assert.Equal(t, task.ID, ev.EntityID)
	assert.NotEqual(t, before.ID, ev.EntityID)
	assert.Equal(t, "created", ev.Action)
	assert.Equal(t, "org-1", ev.OrganizationID)
	assert.Equal(t, "created", rec.headers[0].Get("X-Taskboard-Action"))
	assert.JSONEq(t, `{"title":"Write docs","projectId":"`+srv.Project.ID+`"}`, string(ev.Details))
}

func TestNotifierRetriesTransientFailures(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rec := &hookRecorder{fail: 1}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	n := &Notifier{Activity: srv.Engine.Activity, Webhooks: []string{hook.URL}, Logger: log.New(io.Discard)}
	ctx := context.Background()
	n.DispatchOnce(ctx)

	createTask(t, srv)
	n.DispatchOnce(ctx)
	require.Len(t, rec.events, 1)
}

func TestNotifierDeadLettersRejectedEntries(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rec := &hookRecorder{reject: 1}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	n := &Notifier{Activity: srv.Engine.Activity, Webhooks: []string{hook.URL}, Logger: log.New(io.Discard)}
	ctx := context.Background()
	n.DispatchOnce(ctx)

	rejected := createTask(t, srv)
	delivered := createTask(t, srv)
	n.DispatchOnce(ctx)
	n.DispatchOnce(ctx)

	require.Len(t, rec.events, 1)
	assert.Equal(t, delivered.ID, rec.events[0].EntityID)
	assert.Equal(t, 2, rec.calls, "a rejected entry is not resent")

	dead, err := srv.Engine.Activity.DeadLetters(ctx, hook.URL, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, http.StatusUnprocessableEntity, dead[0].Status)
	assert.Equal(t, "unknown event", dead[0].Reason)
	entries, err := srv.Engine.Activity.List(ctx, activity.Filter{OrganizationID: "org-1", EntityID: rejected.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entries[0].ID, dead[0].ActivityID)
}

func insertActivity(t *testing.T, srv *testServer, id int64) {
	t.Helper()
	_, err := srv.Engine.DB.Exec(`INSERT INTO activity_logs(id,organization_id,user_id,entity_type,entity_id,action,details,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, "org-1", "u1", "task", "late", "deleted", `{"deletedAt":"2024-01-01T00:00:00Z"}`, "2024-01-01T00:00:00Z")
	require.NoError(t, err)
}

func TestNotifierDeliversEntriesCommittedOutOfOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	n := &Notifier{Activity: srv.Engine.Activity, Webhooks: []string{hook.URL}, Logger: log.New(io.Discard)}
	ctx := context.Background()
	n.DispatchOnce(ctx)
	base, err := srv.Engine.Activity.LatestID(ctx)
	require.NoError(t, err)

	insertActivity(t, srv, base+2)
	n.DispatchOnce(ctx)
	insertActivity(t, srv, base+1)
	n.DispatchOnce(ctx)
	n.DispatchOnce(ctx)

	require.Len(t, rec.events, 2)
	assert.Equal(t, base+2, rec.events[0].ID)
	assert.Equal(t, base+1, rec.events[1].ID)
}

func TestNotifierForgetsGapsAfterRetention(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	n := &Notifier{Activity: srv.Engine.Activity, Webhooks: []string{hook.URL}, Logger: log.New(io.Discard)}
	ctx := context.Background()
	n.DispatchOnce(ctx)
	base, err := srv.Engine.Activity.LatestID(ctx)
	require.NoError(t, err)

	insertActivity(t, srv, base+3)
	n.DispatchOnce(ctx)
	assert.Len(t, n.hooks[hook.URL].gaps, 2)

	for i := 0; i < gapRetention; i++ {
		n.DispatchOnce(ctx)
	}
	assert.Empty(t, n.hooks[hook.URL].gaps)
	assert.Len(t, rec.events, 1)
}

func TestNotifierRunStopsWithContext(t *testing.T) {
	n := &Notifier{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	<-done
}
