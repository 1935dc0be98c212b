package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/ingest"
	"github.com/JonMunkholm/pqrsync/internal/logging"
)

// healthTimeout bounds each dependency probe.
const healthTimeout = 5 * time.Second

// maxRequestBody caps POST bodies; run requests are a few bytes.
const maxRequestBody = 64 << 10

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleHealth probes every dependency and reports 503 if any fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.deps.Checks))}

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := s.deps.Checks[name](ctx)
		cancel()

		if err != nil {
			logging.FromContext(r.Context()).Warn("health check failed", "check", name, "error", err)
			resp.Status = "degraded"
			resp.Checks[name] = core.FormatUserError(err)
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, resp)
}

type statusResponse struct {
	Runs    ingest.LimiterStatus `json:"runs"`
	Latest  *ingest.BatchRun     `json:"latest,omitempty"`
	Tracked int                  `json:"tracked"`
}

// handleStatus returns run slot usage and the most recent run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs := s.deps.Runs.Runs()
	resp := statusResponse{
		Runs:    s.deps.Runs.Status(),
		Tracked: len(runs),
	}
	if len(runs) > 0 {
		resp.Latest = runs[0]
	}
	writeJSON(w, resp)
}

type companyInfo struct {
	Company   string `json:"company"`
	Label     string `json:"label"`
	Table     string `json:"table"`
	Directory string `json:"directory"`
	Fields    int    `json:"fields"`
	Rows      *int64 `json:"rows,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleCompanies lists registered company definitions with their row counts.
// A count failure is reported per company rather than failing the request.
func (s *Server) handleCompanies(w http.ResponseWriter, r *http.Request) {
	defs := core.Definitions()
	out := make([]companyInfo, 0, len(defs))

	for _, def := range defs {
		info := companyInfo{
			Company:   def.Company.Slug(),
			Label:     def.Label,
			Table:     def.Table,
			Directory: def.Directory,
			Fields:    len(def.FieldSpecs),
		}
		if s.deps.Rows != nil {
			n, err := s.deps.Rows.Count(r.Context(), def)
			if err != nil {
				logging.FromContext(r.Context()).Warn("row count failed", "table", def.Table, "error", err)
				info.Error = core.FormatUserError(err)
			} else {
				info.Rows = &n
			}
		}
		out = append(out, info)
	}

	writeJSON(w, map[string]any{"companies": out})
}

// handleListRuns returns run summaries, newest first. ?limit=N trims the list.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.deps.Runs.Runs()

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		if n < len(runs) {
			runs = runs[:n]
		}
	}

	writeJSON(w, map[string]any{
		"runs":   runs,
		"limits": s.deps.Runs.Status(),
	})
}

// handleGetRun returns one run including per-item outcomes.
// ?failures=true keeps only outcomes that need attention.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if r.URL.Query().Get("failures") == "true" {
		run.Outcomes = run.FailedOutcomes()
	}
	writeJSON(w, run)
}

type startRunRequest struct {
	Company string `json:"company"`
}

type startRunResponse struct {
	ID     string           `json:"id"`
	Status ingest.RunStatus `json:"status"`
	URL    string           `json:"url"`
}

// handleStartRun triggers an asynchronous run over the configured inbox.
// The body is optional; {"company": "aire"} restricts the run to one company.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	company := core.CompanyUnknown
	if req.Company != "" {
		company = core.ParseCompany(req.Company)
		if !company.Known() {
			s.respondError(w, r, fmt.Errorf("%w: unknown company %q", errBadRequest, req.Company))
			return
		}
	}

	id, err := s.deps.Runs.Start(ingest.RunRequest{Company: company, Trigger: "api"})
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			w.Header().Set("Retry-After", "30")
		}
		s.respondError(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("run started via api", "run_id", id, "company", company.Slug())
	url := "/api/runs/" + id
	w.Header().Set("Location", url)
	writeJSONStatus(w, http.StatusAccepted, startRunResponse{ID: id, Status: ingest.RunRunning, URL: url})
}

// handleCancelRun stops dispatch for a running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if err := s.deps.Runs.Cancel(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
