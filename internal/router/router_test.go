package router_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/router"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "missiond.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// testServer counts POSTs per path and answers with the current status.
type testServer struct {
	mu     sync.Mutex
	hits   map[string]int
	status int
	body   string
}

func newTestServer(t *testing.T) (*testServer, *httptest.Server) {
	ts := &testServer{hits: map[string]int{}, status: http.StatusOK, body: `{"passed":true,"newStatus":"review"}`}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ts.mu.Lock()
		ts.hits[r.URL.Path]++
		status, body := ts.status, ts.body
		ts.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return ts, srv
}

func (ts *testServer) count(path string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.hits[path]
}

func (ts *testServer) set(status int, body string) {
	ts.mu.Lock()
	ts.status, ts.body = status, body
	ts.mu.Unlock()
}

func testingTask(t *testing.T, store *persistence.Store, title string) persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), persistence.Task{Title: title, Status: persistence.TaskStatusTesting})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func newRouter(store *persistence.Store, baseURL string) *router.Router {
	return router.New(router.Config{
		Store:   store,
		BaseURL: baseURL + "/",
		Timeout: 2 * time.Second,
	})
}

func TestRouter_TriggersOncePerEpisode(t *testing.T) {
	store := openTestStore(t)
	ts, srv := newTestServer(t)
	ctx := context.Background()
	task := testingTask(t, store, "Build report")
	path := "/api/tasks/" + task.ID + "/test"
	r := newRouter(store, srv.URL)

	for i := 0; i < 3; i++ {
		if err := r.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if got := ts.count(path); got != 1 {
		t.Fatalf("expected 1 trigger, got %d", got)
	}

	// Leaving testing prunes the marker; re-entering starts a new episode.
	if _, err := store.SetTaskStatus(ctx, task.ID, persistence.TaskStatusTesting, persistence.TaskStatusInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if has, _ := store.HasTestTrigger(ctx, task.ID); has {
		t.Fatal("marker should be pruned once the task leaves testing")
	}
	if _, err := store.SetTaskStatus(ctx, task.ID, persistence.TaskStatusInProgress, persistence.TaskStatusTesting); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := ts.count(path); got != 2 {
		t.Fatalf("expected a second trigger after re-entry, got %d", got)
	}
}

func TestRouter_MarkerSurvivesRestart(t *testing.T) {
	store := openTestStore(t)
	ts, srv := newTestServer(t)
	ctx := context.Background()
	task := testingTask(t, store, "Persisted")

	if err := newRouter(store, srv.URL).Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := newRouter(store, srv.URL).Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := ts.count("/api/tasks/" + task.ID + "/test"); got != 1 {
		t.Fatalf("a new router instance must not re-trigger, got %d", got)
	}
}

func TestRouter_FailureReleasesMarker(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"not found", http.StatusNotFound, ``},
		{"undecodable body", http.StatusOK, `not json`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestStore(t)
			ts, srv := newTestServer(t)
			ctx := context.Background()
			task := testingTask(t, store, "Flaky")
			path := "/api/tasks/" + task.ID + "/test"
			r := newRouter(store, srv.URL)

			ts.set(tc.status, tc.body)
			if err := r.Tick(ctx); err != nil {
				t.Fatalf("tick: %v", err)
			}
			if has, _ := store.HasTestTrigger(ctx, task.ID); has {
				t.Fatal("failed trigger must release the marker")
			}

			ts.set(http.StatusOK, `{"passed":false,"newStatus":"assigned"}`)
			if err := r.Tick(ctx); err != nil {
				t.Fatalf("tick: %v", err)
			}
			if got := ts.count(path); got != 2 {
				t.Fatalf("expected retry on next tick, got %d hits", got)
			}
			if has, _ := store.HasTestTrigger(ctx, task.ID); !has {
				t.Fatal("successful trigger must keep the marker")
			}
		})
	}
}

func TestRouter_TransportErrorReleasesMarker(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := testingTask(t, store, "Offline")

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	if err := newRouter(store, base).Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if has, _ := store.HasTestTrigger(ctx, task.ID); has {
		t.Fatal("transport error must release the marker")
	}
}

func TestRouter_CanceledTickReleasesMarker(t *testing.T) {
	store := openTestStore(t)
	task := testingTask(t, store, "Interrupted")
	path := "/api/tasks/" + task.ID + "/test"

	tickCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			// Shutdown arrives while the call is in flight.
			cancel()
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"passed":true,"newStatus":"review"}`))
	}))
	t.Cleanup(srv.Close)

	_ = newRouter(store, srv.URL).Tick(tickCtx)

	ctx := context.Background()
	if has, err := store.HasTestTrigger(ctx, task.ID); err != nil || has {
		t.Fatalf("marker must be released after an interrupted call (has=%v, err=%v)", has, err)
	}

	// The next daemon run retries the episode.
	if err := newRouter(store, srv.URL).Tick(ctx); err != nil {
		t.Fatalf("tick after restart: %v", err)
	}
	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 2 {
		t.Fatalf("expected the episode to be retried, got %d calls to %s", got, path)
	}
	if has, _ := store.HasTestTrigger(ctx, task.ID); !has {
		t.Fatal("successful retry must keep the marker")
	}
}

func TestRouter_IgnoresOtherStatuses(t *testing.T) {
	store := openTestStore(t)
	ts, srv := newTestServer(t)
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.Task{Title: "Review me", Status: persistence.TaskStatusReview})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := newRouter(store, srv.URL).Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := ts.count("/api/tasks/" + task.ID + "/test"); got != 0 {
		t.Fatalf("review task triggered %d times", got)
	}
}
