package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/resilience"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// resultsAPI serves checkpointed results and run history read-only.
type resultsAPI struct {
	store  *checkpoint.Store
	ledger ledger.Ledger // may be nil
}

// buildRouter wires the results API. allowedOrigins configures CORS.
func buildRouter(st *checkpoint.Store, l ledger.Ledger, allowedOrigins []string) http.Handler {
	api := &resultsAPI{store: st, ledger: l}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/phases", api.listPhases)
		r.Route("/phases/{phase}", func(r chi.Router) {
			r.Get("/", api.getPhase)
			r.Get("/items", api.listItems)
			r.Get("/batches/{index}", api.getBatch)
		})
		r.Get("/runs", api.listRuns)
		r.Get("/runs/{id}", api.getRun)
		r.Get("/failures", api.listFailures)
	})
	return r
}

func (a *resultsAPI) listPhases(w http.ResponseWriter, r *http.Request) {
	statuses, err := phaseStatuses(r.Context(), a.store, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// knownPhase writes a 404 and returns false when the store has no files for
// the requested phase.
func (a *resultsAPI) knownPhase(w http.ResponseWriter, r *http.Request) (string, bool) {
	phase := chi.URLParam(r, "phase")
	if err := checkpoint.ValidatePhaseName(phase); err != nil {
		writeError(w, err)
		return "", false
	}
	phases, err := a.store.ListPhases(r.Context())
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if !slices.Contains(phases, phase) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "phase not found"})
		return "", false
	}
	return phase, true
}

func (a *resultsAPI) getPhase(w http.ResponseWriter, r *http.Request) {
	phase, ok := a.knownPhase(w, r)
	if !ok {
		return
	}
	s, err := a.store.Status(r.Context(), phase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// itemsPage is a page of phase output.
type itemsPage struct {
	Phase  string       `json:"phase"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Items  []model.Item `json:"items"`
}

func (a *resultsAPI) listItems(w http.ResponseWriter, r *http.Request) {
	phase, ok := a.knownPhase(w, r)
	if !ok {
		return
	}
	items, err := a.store.LoadPhaseItems(r.Context(), phase)
	if err != nil {
		writeError(w, err)
		return
	}

	if flag := r.URL.Query().Get("flag"); flag != "" {
		qf, err := model.ParseQualityFlag(flag)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		items = slices.DeleteFunc(items, func(it model.Item) bool { return !it.QualityFlags.Has(qf) })
	}

	limit := pageLimit(r)
	offset := queryInt(r, "offset", 0)
	page := itemsPage{Phase: phase, Total: len(items), Offset: offset, Items: []model.Item{}}
	if offset < len(items) {
		end := offset + min(limit, len(items)-offset)
		page.Items = items[offset:end]
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *resultsAPI) getBatch(w http.ResponseWriter, r *http.Request) {
	phase, ok := a.knownPhase(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "batch index must be a non-negative integer"})
		return
	}
	b, found, err := a.store.LoadBatchDetail(r.Context(), phase, index)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "batch not found or incomplete"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *resultsAPI) listRuns(w http.ResponseWriter, r *http.Request) {
	if !a.requireLedger(w) {
		return
	}
	runs, err := a.ledger.ListRuns(r.Context(), ledger.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  pageLimit(r),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// runDetail is a run with its phase outcomes.
type runDetail struct {
	*model.Run
	PhaseRuns []model.PhaseRun `json:"phase_runs"`
}

func (a *resultsAPI) getRun(w http.ResponseWriter, r *http.Request) {
	if !a.requireLedger(w) {
		return
	}
	run, err := a.ledger.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	phases, err := a.ledger.ListPhaseRuns(r.Context(), run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, PhaseRuns: phases})
}

func (a *resultsAPI) listFailures(w http.ResponseWriter, r *http.Request) {
	if !a.requireLedger(w) {
		return
	}
	q := r.URL.Query()
	failures, err := a.ledger.ListFailures(r.Context(), ledger.FailureFilter{
		RunID: q.Get("run"),
		Phase: q.Get("phase"),
		Limit: pageLimit(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if failures == nil {
		failures = []model.ItemFailure{}
	}
	writeJSON(w, http.StatusOK, failures)
}

func (a *resultsAPI) requireLedger(w http.ResponseWriter) bool {
	if a.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger is disabled"})
		return false
	}
	return true
}

// queryInt parses a non-negative integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// pageLimit reads the limit query parameter, capped at maxPageSize.
func pageLimit(r *http.Request) int {
	return min(queryInt(r, "limit", defaultPageSize), maxPageSize)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case resilience.IsKind(err, resilience.KindConfiguration):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs each request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
