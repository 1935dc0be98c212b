package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
	_ "github.com/JonMunkholm/pqrsync/internal/core/companies"
	"github.com/JonMunkholm/pqrsync/internal/ingest"
)

type fakeRuns struct {
	mu       sync.Mutex
	runs     map[string]*ingest.BatchRun
	order    []string
	started  []ingest.RunRequest
	startErr error
	cancel   []string
}

func newFakeRuns(runs ...*ingest.BatchRun) *fakeRuns {
	f := &fakeRuns{runs: make(map[string]*ingest.BatchRun)}
	for _, r := range runs {
		f.put(r)
	}
	return f
}

func (f *fakeRuns) put(run *ingest.BatchRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; !ok {
		f.order = append(f.order, run.ID)
	}
	cp := *run
	f.runs[run.ID] = &cp
}

func (f *fakeRuns) Start(req ingest.RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return fmt.Sprintf("run-%d", len(f.started)), nil
}

func (f *fakeRuns) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; !ok || run.Status != ingest.RunRunning {
		return fmt.Errorf("%w: %s", ingest.ErrRunNotFound, id)
	}
	f.cancel = append(f.cancel, id)
	return nil
}

func (f *fakeRuns) Get(id string) (*ingest.BatchRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingest.ErrRunNotFound, id)
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) Runs() []*ingest.BatchRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ingest.BatchRun, 0, len(f.order))
	for i := len(f.order) - 1; i >= 0; i-- {
		out = append(out, f.runs[f.order[i]].Summary())
	}
	return out
}

func (f *fakeRuns) Status() ingest.LimiterStatus {
	return ingest.LimiterStatus{Active: 0, Available: 1, MaxConcurrent: 1}
}

type fakeRows map[string]int64

func (f fakeRows) Count(_ context.Context, def core.CompanyDefinition) (int64, error) {
	n, ok := f[def.Table]
	if !ok {
		return 0, errors.New("dial tcp: connection refused")
	}
	return n, nil
}

func completedRun(id string) *ingest.BatchRun {
	return &ingest.BatchRun{
		ID:     id,
		Status: ingest.RunCompleted,
		Counts: ingest.Counts{Discovered: 2, Inserted: 1, Rejected: 1},
		Outcomes: []ingest.ItemOutcome{
			{Item: "afinia/a.json", State: core.StateUploaded},
			{Item: "afinia/b.json", State: core.StateRejected, Error: "validation failed"},
		},
	}
}

func newTestServer(deps Deps, sec config.SecurityConfig) *Server {
	s := NewServer(deps, config.ServerConfig{Port: 8080, RequestTimeout: 5 * time.Second}, sec)
	s.pollInterval = 5 * time.Millisecond
	return s
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := newTestServer(Deps{
			Runs: newFakeRuns(),
			Checks: map[string]HealthCheck{
				"database":     func(context.Context) error { return nil },
				"object_store": func(context.Context) error { return nil },
			},
		}, config.SecurityConfig{})

		rec := do(t, s, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		got := decode[healthResponse](t, rec)
		assert.Equal(t, "ok", got.Status)
		assert.Equal(t, "ok", got.Checks["database"])
	})

	t.Run("degraded", func(t *testing.T) {
		s := newTestServer(Deps{
			Runs: newFakeRuns(),
			Checks: map[string]HealthCheck{
				"database": func(context.Context) error { return nil },
				"object_store": func(context.Context) error {
					return errors.New("api error NoSuchBucket: The specified bucket does not exist")
				},
			},
		}, config.SecurityConfig{})

		rec := do(t, s, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		got := decode[healthResponse](t, rec)
		assert.Equal(t, "degraded", got.Status)
		assert.Contains(t, got.Checks["object_store"], "OBJ002")
	})
}

func TestListAndGetRuns(t *testing.T) {
	runs := newFakeRuns(completedRun("a"), completedRun("b"))
	s := newTestServer(Deps{Runs: runs}, config.SecurityConfig{})

	rec := do(t, s, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Runs []ingest.BatchRun `json:"runs"`
	}](t, rec)
	require.Len(t, list.Runs, 2)
	assert.Equal(t, "b", list.Runs[0].ID)
	assert.Empty(t, list.Runs[0].Outcomes)

	rec = do(t, s, http.MethodGet, "/api/runs?limit=1", "")
	list = decode[struct {
		Runs []ingest.BatchRun `json:"runs"`
	}](t, rec)
	assert.Len(t, list.Runs, 1)

	rec = do(t, s, http.MethodGet, "/api/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "API001", decode[ErrorResponse](t, rec).Code)

	rec = do(t, s, http.MethodGet, "/api/runs/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[ingest.BatchRun](t, rec)
	assert.Len(t, run.Outcomes, 2)
	assert.Equal(t, int64(1), run.Counts.Inserted)

	rec = do(t, s, http.MethodGet, "/api/runs/a?failures=true", "")
	run = decode[ingest.BatchRun](t, rec)
	require.Len(t, run.Outcomes, 1)
	assert.Equal(t, "afinia/b.json", run.Outcomes[0].Item)

	rec = do(t, s, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RUN003", decode[ErrorResponse](t, rec).Code)
}

func TestStartRun(t *testing.T) {
	runs := newFakeRuns()
	s := newTestServer(Deps{Runs: runs}, config.SecurityConfig{})

	rec := do(t, s, http.MethodPost, "/api/runs", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	got := decode[startRunResponse](t, rec)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, "/api/runs/run-1", rec.Header().Get("Location"))

	rec = do(t, s, http.MethodPost, "/api/runs", `{"company": "AIRE"}`, "Content-Type", "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, runs.started, 2)
	assert.Equal(t, core.CompanyUnknown, runs.started[0].Company)
	assert.Equal(t, core.CompanyAire, runs.started[1].Company)
	assert.Equal(t, "api", runs.started[1].Trigger)
}

func TestStartRun_BadRequests(t *testing.T) {
	s := newTestServer(Deps{Runs: newFakeRuns()}, config.SecurityConfig{})

	for name, body := range map[string]string{
		"malformed":       `{"company":`,
		"unknown company": `{"company": "epm"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/runs", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "API001", decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestStartRun_Busy(t *testing.T) {
	runs := newFakeRuns()
	runs.startErr = ingest.ErrRunInProgress
	s := newTestServer(Deps{Runs: runs}, config.SecurityConfig{})

	rec := do(t, s, http.MethodPost, "/api/runs", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RUN002", decode[ErrorResponse](t, rec).Code)
}

func TestCancelRun(t *testing.T) {
	runs := newFakeRuns(&ingest.BatchRun{ID: "live", Status: ingest.RunRunning}, completedRun("done"))
	s := newTestServer(Deps{Runs: runs}, config.SecurityConfig{})

	rec := do(t, s, http.MethodPost, "/api/runs/live/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"live"}, runs.cancel)

	rec = do(t, s, http.MethodPost, "/api/runs/done/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompanies(t *testing.T) {
	s := newTestServer(Deps{
		Runs: newFakeRuns(),
		Rows: fakeRows{"pqr_afinia": 12},
	}, config.SecurityConfig{})

	rec := do(t, s, http.MethodGet, "/api/companies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Companies []companyInfo `json:"companies"`
	}](t, rec)

	byName := map[string]companyInfo{}
	for _, c := range got.Companies {
		byName[c.Company] = c
	}
	require.Contains(t, byName, "afinia")
	require.Contains(t, byName, "aire")

	require.NotNil(t, byName["afinia"].Rows)
	assert.Equal(t, int64(12), *byName["afinia"].Rows)
	assert.Equal(t, "pqr_afinia", byName["afinia"].Table)
	assert.Nil(t, byName["aire"].Rows)
	assert.Contains(t, byName["aire"].Error, "DB002")
}

func TestStatus(t *testing.T) {
	s := newTestServer(Deps{Runs: newFakeRuns(completedRun("a"))}, config.SecurityConfig{})

	rec := do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[statusResponse](t, rec)
	assert.Equal(t, 1, got.Tracked)
	assert.Equal(t, 1, got.Runs.Available)
	require.NotNil(t, got.Latest)
	assert.Equal(t, "a", got.Latest.ID)
}

func TestAPIKeyAuth(t *testing.T) {
	s := newTestServer(Deps{Runs: newFakeRuns()}, config.SecurityConfig{
		RequireAPIKey: true,
		APIKeys:       []string{"k1", "k2"},
	})

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/runs", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/api/runs", "", "X-API-Key", "nope").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/runs", "", "X-API-Key", "k2").Code)

	// Health probes stay open for load balancers.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(Deps{Runs: newFakeRuns()}, config.SecurityConfig{RateLimit: 2})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/runs", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/runs", "").Code)

	rec := do(t, s, http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "API002", decode[ErrorResponse](t, rec).Code)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(Deps{Runs: newFakeRuns()}, config.SecurityConfig{})
	rec := do(t, s, http.MethodGet, "/api/runs", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRunEvents(t *testing.T) {
	runs := newFakeRuns(&ingest.BatchRun{ID: "live", Status: ingest.RunRunning, Counts: ingest.Counts{Discovered: 3}})
	s := newTestServer(Deps{Runs: runs}, config.SecurityConfig{})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/live/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	require.Equal(t, "progress", <-events)

	done := completedRun("live")
	runs.put(done)

	var rest []string
	for e := range events {
		rest = append(rest, e)
	}
	require.NotEmpty(t, rest)
	assert.Equal(t, "complete", rest[len(rest)-1])
}

func TestRunEvents_StreamTimeout(t *testing.T) {
	runs := newFakeRuns(&ingest.BatchRun{ID: "live", Status: ingest.RunRunning, Counts: ingest.Counts{Discovered: 3}})
	s := NewServer(Deps{Runs: runs}, config.ServerConfig{
		RequestTimeout: 5 * time.Second,
		StreamTimeout:  50 * time.Millisecond,
	}, config.SecurityConfig{})
	s.pollInterval = 5 * time.Millisecond

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	start := time.Now()
	resp, err := http.Get(srv.URL + "/api/runs/live/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}

	// The run is still going; the stream closed on its own.
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"progress", "timeout"}, events)
	live, err := runs.Get("live")
	require.NoError(t, err)
	assert.Equal(t, ingest.RunRunning, live.Status)
}

func TestRunEvents_UnknownRun(t *testing.T) {
	s := newTestServer(Deps{Runs: newFakeRuns()}, config.SecurityConfig{})
	rec := do(t, s, http.MethodGet, "/api/runs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
