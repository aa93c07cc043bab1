package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/cache"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/query"
	"github.com/AntonKhorev/osm-note-viewer-sub000/internal/run"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type scriptedAPI struct {
	t         *testing.T
	mu        sync.Mutex
	responses []string
}

func (a *scriptedAPI) Fetch(ctx context.Context, req query.Request) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.responses) == 0 {
		a.t.Fatalf("unexpected request %q, no scripted response left", req.Path)
	}
	body := a.responses[0]
	a.responses = a.responses[1:]
	return []byte(body), nil
}

type testEnv struct {
	store  *cache.Store
	api    *scriptedAPI
	runner *run.Runner
	router http.Handler
	clock  func() time.Time
}

func newTestEnv(t *testing.T, responses ...string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:servertest_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cache.FetchRecord{}, &cache.NoteRecord{}, &cache.UserRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := cache.NewStore(cache.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	var clockMu sync.Mutex
	current := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		current = current.Add(time.Second)
		return current
	}

	api := &scriptedAPI{t: t, responses: responses}
	runner, err := run.NewRunner(run.Config{
		Store:      store,
		API:        api,
		Clock:      clock,
		BatchLimit: 10,
	})
	if err != nil {
		t.Fatalf("failed to construct runner: %v", err)
	}

	router, err := NewHTTPHandler(Dependencies{Store: store, Runner: runner})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testEnv{store: store, api: api, runner: runner, router: router, clock: clock}
}

func (env *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	env.router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func noteCollectionJSON(id int64, date string) string {
	return fmt.Sprintf(`{"type":"FeatureCollection","features":[`+
		`{"type":"Feature","geometry":{"type":"Point","coordinates":[30.5,50.4]},`+
		`"properties":{"id":%d,"status":"open","date_created":%q,`+
		`"comments":[{"date":%q,"action":"opened","text":"hello","uid":7,"user":"alice"}]}}]}`,
		id, date, date)
}

func singleNoteJSON(id int64, status, date string) string {
	return fmt.Sprintf(`{"type":"Feature","geometry":{"type":"Point","coordinates":[30.5,50.4]},`+
		`"properties":{"id":%d,"status":%q,"date_created":%q,`+
		`"comments":[{"date":%q,"action":"opened","text":"hello","uid":7,"user":"alice"}]}}`,
		id, status, date, date)
}

const testQueryString = "display_name=alice&sort=created_at&order=newest&closed=-1"

func TestListFetchesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.GetFetchWithClearedData(ctx, env.clock().UnixMilli(), testQueryString); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := env.request(t, http.MethodGet, "/api/fetches", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		Fetches []struct {
			Timestamp   int64  `json:"timestamp"`
			QueryString string `json:"queryString"`
		} `json:"fetches"`
	}
	decodeBody(t, recorder, &response)
	if len(response.Fetches) != 1 {
		t.Fatalf("expected one fetch, got %+v", response.Fetches)
	}
	if response.Fetches[0].QueryString != testQueryString {
		t.Fatalf("unexpected query string %q", response.Fetches[0].QueryString)
	}
}

func TestDeleteFetchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fetch, err := env.store.GetFetchWithClearedData(ctx, env.clock().UnixMilli(), testQueryString)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	recorder := env.request(t, http.MethodDelete, fmt.Sprintf("/api/fetches/%d", fetch.Timestamp), nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	remaining, err := env.store.ListFetches(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("fetch should be gone, got %+v", remaining)
	}

	recorder = env.request(t, http.MethodDelete, "/api/fetches/not-a-number", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed timestamp, got %d", recorder.Code)
	}
}

func TestStartRunEndpoint(t *testing.T) {
	env := newTestEnv(t, noteCollectionJSON(1, "2020-01-01 00:00:00"))

	recorder := env.request(t, http.MethodPost, "/api/runs", map[string]any{
		"query": testQueryString,
		"clear": true,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var snapshot run.Snapshot
	decodeBody(t, recorder, &snapshot)
	if snapshot.ID == "" {
		t.Fatalf("expected run id in snapshot")
	}
	if snapshot.State != run.StateFinished {
		t.Fatalf("expected finished run, got %q", snapshot.State)
	}
	if len(snapshot.Notes) != 1 || snapshot.Notes[0].ID != 1 {
		t.Fatalf("unexpected notes %+v", snapshot.Notes)
	}
	if snapshot.Users[7] != "alice" {
		t.Fatalf("unexpected users %+v", snapshot.Users)
	}
}

func TestStartRunEndpointRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	recorder := env.request(t, http.MethodPost, "/api/runs", map[string]any{
		"query": "sort=bogus",
		"clear": true,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed query, got %d: %s", recorder.Code, recorder.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	raw := httptest.NewRecorder()
	env.router.ServeHTTP(raw, req)
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", raw.Code)
	}
}

func TestRunSnapshotAndLoadMoreEndpoints(t *testing.T) {
	env := newTestEnv(t, noteCollectionJSON(1, "2020-01-01 00:00:00"))

	recorder := env.request(t, http.MethodPost, "/api/runs", map[string]any{
		"query": testQueryString,
		"clear": true,
	})
	var created run.Snapshot
	decodeBody(t, recorder, &created)

	recorder = env.request(t, http.MethodGet, "/api/runs/"+created.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var snapshot run.Snapshot
	decodeBody(t, recorder, &snapshot)
	if snapshot.ID != created.ID {
		t.Fatalf("snapshot id mismatch: %q vs %q", snapshot.ID, created.ID)
	}

	recorder = env.request(t, http.MethodGet, "/api/runs/unknown-id", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", recorder.Code)
	}

	// Finished run: load-more is a no-op that reports current state.
	recorder = env.request(t, http.MethodPost, "/api/runs/"+created.ID+"/more", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRefreshNoteEndpoint(t *testing.T) {
	env := newTestEnv(t,
		noteCollectionJSON(1, "2020-01-01 00:00:00"),
		singleNoteJSON(1, "closed", "2020-01-01 00:00:00"),
	)

	recorder := env.request(t, http.MethodPost, "/api/runs", map[string]any{
		"query": testQueryString,
		"clear": true,
	})
	var created run.Snapshot
	decodeBody(t, recorder, &created)

	recorder = env.request(t, http.MethodPost, "/api/runs/"+created.ID+"/notes/1/refresh", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Note osmnotes.Note `json:"note"`
	}
	decodeBody(t, recorder, &response)
	if response.Note.Status != osmnotes.StatusClosed {
		t.Fatalf("expected refreshed status, got %+v", response.Note)
	}

	recorder = env.request(t, http.MethodPost, "/api/runs/"+created.ID+"/notes/999/refresh", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for undisplayed note, got %d", recorder.Code)
	}

	recorder = env.request(t, http.MethodPost, "/api/runs/"+created.ID+"/notes/not-a-number/refresh", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed note id, got %d", recorder.Code)
	}
}

func TestStaleStoreReportsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.store.MarkStale()

	recorder := env.request(t, http.MethodGet, "/api/fetches", nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from a stale store, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &response)
	if response.Error == "" {
		t.Fatalf("stale store response must carry a reload hint")
	}
}
