package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"transitcoords/internal/config"
	"transitcoords/internal/ephemeris"
	"transitcoords/internal/metrics"
	"transitcoords/internal/pipeline"
	"transitcoords/internal/storage"
)

type stubRuns struct {
	mu     sync.Mutex
	jobs   []pipeline.Job
	err    error
	events chan pipeline.Event
}

func (s *stubRuns) Submit(job pipeline.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if err := job.Request.Validate(); err != nil {
		return "", err
	}
	s.jobs = append(s.jobs, job)
	return "run-1", nil
}

func (s *stubRuns) Subscribe() (<-chan pipeline.Event, func()) {
	return s.events, func() {}
}

func newTestServer(t *testing.T, store *storage.Store) (*Server, *stubRuns) {
	t.Helper()
	base, err := pipeline.JobFromConfig(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	runs := &stubRuns{events: make(chan pipeline.Event, 16)}
	return NewServer(":0", store, runs, metrics.New(), base, testBaseDir, nil), runs
}

const testBaseDir = "/data"

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "transitcoords_http_requests_total") {
		t.Fatalf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestSubmitAppliesOverrides(t *testing.T) {
	s, runs := newTestServer(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/runs", `{"pattern":"/data/aia_*.fits","policy":"collect","separator":" ","ephemeris":"de432s"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs = %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["id"] != "run-1" {
		t.Fatalf("unexpected response %s", rec.Body.String())
	}

	if len(runs.jobs) != 1 {
		t.Fatalf("expected one submitted job, got %d", len(runs.jobs))
	}
	job := runs.jobs[0]
	if job.Request.Pattern != "/data/aia_*.fits" || job.Request.Separator != " " || string(job.Request.Policy) != "collect" {
		t.Fatalf("overrides not applied: %+v", job.Request)
	}
	if job.Request.Output != "venus_coords.txt" || job.Request.Body != ephemeris.Venus || job.Dataset.Name != "de432s" {
		t.Fatalf("defaults not kept: %+v", job)
	}

	// An empty body submits the base job unchanged.
	if rec := do(t, h, http.MethodPost, "/runs", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("empty POST /runs = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitErrors(t *testing.T) {
	s, runs := newTestServer(t, nil)
	h := s.Handler()

	for _, body := range []string{`{"policy":"retry"}`, `{"body":"vulcan"}`, `{"workers":-1}`, `{"unknown":1}`, `{`} {
		if rec := do(t, h, http.MethodPost, "/runs", body); rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", body, rec.Code)
		}
	}

	runs.err = pipeline.ErrQueueFull
	if rec := do(t, h, http.MethodPost, "/runs", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue full = %d, want 503", rec.Code)
	}
	runs.err = pipeline.ErrStopped
	if rec := do(t, h, http.MethodPost, "/runs", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped = %d, want 503", rec.Code)
	}
}

func TestSubmitRejectsPathsOutsideBaseDir(t *testing.T) {
	s, runs := newTestServer(t, nil)
	h := s.Handler()

	for _, body := range []string{
		`{"output":"/etc/cron.d/transitcoords"}`,
		`{"output":"/data/../root/.bashrc"}`,
		`{"pattern":"/home/*/*.fits"}`,
		`{"ephemeris_path":"/tmp/de440.bsp"}`,
		`{"ephemeris":"../de440"}`,
	} {
		if rec := do(t, h, http.MethodPost, "/runs", body); rec.Code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", body, rec.Code)
		}
	}
	if len(runs.jobs) != 0 {
		t.Fatalf("rejected overrides reached the pipeline: %d jobs", len(runs.jobs))
	}

	if rec := do(t, h, http.MethodPost, "/runs", `{"output":"/data/transit/venus.txt"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("POST inside base dir = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunHistoryRoutes(t *testing.T) {
	store := openStore(t)
	s, _ := newTestServer(t, store)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/runs", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty history = %d %q", rec.Code, rec.Body.String())
	}

	if err := store.RecordRunQueued(storage.RunRecord{ID: "r1", Pattern: "*.fits", OutputPath: "o.txt", Body: "venus", Dataset: "builtin", Policy: "abort"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordLine(storage.LineRecord{RunID: "r1", Seq: 0, Path: "a.fits", Timestamp: "2012-06-05T22:09:45", Tx: 959.34, Ty: 325.71}); err != nil {
		t.Fatal(err)
	}

	rec = do(t, h, http.MethodGet, "/runs?limit=5", "")
	var runs []storage.RunRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil || len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("GET /runs = %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/runs?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/runs/r1", "")
	var detail struct {
		Run   storage.RunRecord    `json:"run"`
		Lines []storage.LineRecord `json:"lines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v (%s)", err, rec.Body.String())
	}
	if detail.Run.ID != "r1" || len(detail.Lines) != 1 || detail.Lines[0].Tx != 959.34 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	if rec := do(t, h, http.MethodGet, "/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run = %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if rec := do(t, s.Handler(), http.MethodGet, "/runs", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /runs without store = %d", rec.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	s, runs := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Keep publishing until the client has been registered and sees one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case runs.events <- pipeline.Event{Type: pipeline.EventCompleted, RunID: "run-1", Written: 2}:
				default:
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev pipeline.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != pipeline.EventCompleted || ev.RunID != "run-1" || ev.Written != 2 {
		t.Fatalf("unexpected event %+v", ev)
	}
}
