package taskboardsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBoard keeps one task and applies the server's version guard.
type fakeBoard struct {
	mu      sync.Mutex
	task    Task
	puts    int
	bumpOut int
}

func (f *fakeBoard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer tok" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": "unauthorized", "message": "authentication required"}})
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/tasks/t1":
		writeJSON(w, http.StatusOK, f.task)
	case r.Method == http.MethodPut && r.URL.Path == "/api/tasks/t1/status":
		f.puts++
		var body struct {
			Status  string `json:"status"`
			Version int    `json:"version"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if f.bumpOut > 0 {
			// Someone else moves the task first.
			f.bumpOut--
			f.task.Version++
		}
		if body.Version != f.task.Version {
			writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]any{
				"code":    "version_conflict",
				"message": "task was modified by someone else; reload and retry",
				"details": map[string]any{"current_version": f.task.Version},
			}})
			return
		}
		f.task.Status = body.Status
		f.task.Version++
		writeJSON(w, http.StatusOK, StatusResult{Message: "Task status updated successfully", Status: f.task.Status, Version: f.task.Version})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newFake(t *testing.T, bumps int) (*fakeBoard, *Client) {
	t.Helper()
	board := &fakeBoard{task: Task{ID: "t1", Status: "todo", Version: 1}, bumpOut: bumps}
	srv := httptest.NewServer(board)
	t.Cleanup(srv.Close)
	return board, New(srv.URL+"/api/", "tok")
}

func TestUpdateStatusReturnsNewVersion(t *testing.T) {
	_, c := newFake(t, 0)
	res, err := c.UpdateStatus(context.Background(), "t1", "in_progress", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, "in_progress", res.Status)
}

func TestUpdateStatusSurfacesConflict(t *testing.T) {
	_, c := newFake(t, 0)
	_, err := c.UpdateStatus(context.Background(), "t1", "done", 7)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "version_conflict", apiErr.Code)
	assert.EqualValues(t, 1, apiErr.Details["current_version"])
}

func TestMoveTaskRetriesOnceAfterConflict(t *testing.T) {
	board, c := newFake(t, 1)
	res, err := c.MoveTask(context.Background(), "t1", "review", 1)
	require.NoError(t, err)
	assert.Equal(t, "review", res.Status)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, 2, board.puts)
}

func TestMoveTaskGivesUpAfterSecondConflict(t *testing.T) {
	board, c := newFake(t, 2)
	_, err := c.MoveTask(context.Background(), "t1", "review", 1)
	assert.True(t, IsConflict(err))
	assert.Equal(t, 2, board.puts)
}

func TestClientRequiresToken(t *testing.T) {
	_, c := newFake(t, 0)
	c.BearerToken = ""
	_, err := c.GetTask(context.Background(), "t1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, IsConflict(err))
}
