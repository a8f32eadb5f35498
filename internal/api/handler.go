package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/circuitbreaker"
	"github.com/RedBackRubbish/torbit-sub007/internal/dispatcher"
	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/ratelimit"
	"github.com/RedBackRubbish/torbit-sub007/internal/store"
	"github.com/RedBackRubbish/torbit-sub007/internal/worker"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	CreateRun(ctx context.Context, run domain.BackgroundRun) (domain.BackgroundRun, bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (domain.BackgroundRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter, limit, offset int) ([]domain.BackgroundRun, error)
	RequestCancel(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error)
	RequeueRun(ctx context.Context, runID uuid.UUID, at time.Time) (domain.BackgroundRun, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, scope domain.Scope, limit int) (dispatcher.Result, error)
}

type WorkerLoop interface {
	Run(ctx context.Context, req worker.Request) (worker.Report, error)
}

// ProviderHealth exposes the circuit breaker registry to GET /providers.
type ProviderHealth interface {
	Snapshot() []circuitbreaker.Score
}

// RunTypes reports which run types have an executor. *dispatcher.Registry
// satisfies it.
type RunTypes interface {
	Lookup(runType string) (dispatcher.Executor, bool)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store      Store
	dispatcher Dispatcher
	loop       WorkerLoop

	workerToken string
	sessions    SessionVerifier

	chatLimiter   ratelimit.Limiter // nil = unlimited
	workerLimiter ratelimit.Limiter // nil = unlimited

	providers ProviderHealth
	runTypes  RunTypes
	db        HealthChecker
	clock     func() time.Time
}

func NewHandler(s Store, d Dispatcher, loop WorkerLoop) *Handler {
	return &Handler{
		store:      s,
		dispatcher: d,
		loop:       loop,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// WithWorkerToken sets the bearer credential accepted for worker routes.
func (h *Handler) WithWorkerToken(token string) *Handler {
	h.workerToken = token
	return h
}

// WithSessions sets the end-user session verifier.
func (h *Handler) WithSessions(v SessionVerifier) *Handler {
	h.sessions = v
	return h
}

// WithLimiters sets the admission limiters for interactive and worker routes.
func (h *Handler) WithLimiters(chat, bulk ratelimit.Limiter) *Handler {
	h.chatLimiter = chat
	h.workerLimiter = bulk
	return h
}

func (h *Handler) WithProviders(p ProviderHealth) *Handler {
	h.providers = p
	return h
}

// WithRunTypes rejects run creation for types no executor handles.
func (h *Handler) WithRunTypes(rt RunTypes) *Handler {
	h.runTypes = rt
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithClock replaces the time source. Used by tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "health":
		h.route(w, r, http.MethodGet, h.health)

	case len(parts) == 1 && parts[0] == "runs":
		switch r.Method {
		case http.MethodPost:
			h.createRun(w, r)
		case http.MethodGet:
			h.listRuns(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", false)
		}

	case len(parts) == 2 && parts[0] == "runs":
		h.route(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
			h.getRun(w, r, parts[1])
		})

	case len(parts) == 3 && parts[0] == "runs" && parts[2] == "retry":
		h.route(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
			h.retryRun(w, r, parts[1])
		})

	case len(parts) == 3 && parts[0] == "runs" && parts[2] == "cancel":
		h.route(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
			h.cancelRun(w, r, parts[1])
		})

	case len(parts) == 1 && parts[0] == "dispatch":
		h.route(w, r, http.MethodPost, h.dispatch)

	case len(parts) == 2 && parts[0] == "worker" && parts[1] == "tick":
		h.route(w, r, http.MethodPost, h.workerTick)

	case len(parts) == 1 && parts[0] == "providers":
		h.route(w, r, http.MethodGet, h.listProviders)

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", false)
	}
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request, method string, fn http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", false)
		return
	}
	fn(w, r)
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// admit runs the limiter for the request. It writes the 429 itself and
// returns false when the request must stop.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter) bool {
	if limiter == nil {
		return true
	}
	res, err := limiter.Check(r.Context(), clientIdentifier(r))
	if err != nil {
		// fail open
		log.Printf("api: rate limiter error: %v", err)
		return true
	}

	resetSeconds := int(math.Ceil(res.ResetIn.Seconds()))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSeconds))

	if res.Success {
		return true
	}
	if resetSeconds < 1 {
		resetSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(resetSeconds))
	writeError(w, http.StatusTooManyRequests, CodeRateLimited,
		"rate limit exceeded, retry in "+strconv.Itoa(resetSeconds)+"s", true)
	return false
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request, mode authMode) (principal, bool) {
	p, ok := h.authenticate(r, mode)
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid credentials", false)
		return principal{}, false
	}
	return p, true
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody reads a JSON body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large", false)
		return false
	}
	writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid json", false)
	return false
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r, h.chatLimiter) {
		return
	}
	p, ok := h.requireAuth(w, r, authUser)
	if !ok {
		return
	}

	var req CreateRunRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	params, err := validateCreateRun(req, p.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}
	if h.runTypes != nil {
		if _, known := h.runTypes.Lookup(params.RunType); !known {
			writeError(w, http.StatusBadRequest, CodeUnknownRunType, "unknown run_type: "+params.RunType, false)
			return
		}
	}

	run, deduplicated, err := h.store.CreateRun(r.Context(), domain.NewRun(params, h.clock()))
	if err != nil {
		if store.IsUnavailable(err) {
			writeDegraded(w, err)
			return
		}
		log.Printf("api: create run error: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to create run", true)
		return
	}

	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	resp := NewRunResponse(run)
	writeJSON(w, status, RunEnvelope{Success: true, Run: &resp, Deduplicated: deduplicated})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r, authUser)
	if !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}

	filter := store.RunFilter{UserID: p.UserID}
	q := r.URL.Query()
	if raw := q.Get("project_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid project_id", false)
			return
		}
		filter.ProjectID = id
	}
	if raw := q.Get("status"); raw != "" {
		status := domain.RunStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid status", false)
			return
		}
		filter.Status = status
	}

	runs, err := h.store.ListRuns(r.Context(), filter, limit, offset)
	if err != nil {
		if store.IsUnavailable(err) {
			writeJSON(w, http.StatusOK, ListRunsResponse{Runs: []RunResponse{}})
			return
		}
		log.Printf("api: list runs error: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to list runs", true)
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = NewRunResponse(run)
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadRun fetches a run the principal may act on. Users only see their own
// runs; someone else's run is reported as missing.
func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request, p principal, rawID string) (domain.BackgroundRun, bool) {
	runID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid run id", false)
		return domain.BackgroundRun{}, false
	}

	run, err := h.store.GetRun(r.Context(), runID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "run not found", false)
		return domain.BackgroundRun{}, false
	case store.IsUnavailable(err):
		writeDegraded(w, err)
		return domain.BackgroundRun{}, false
	default:
		log.Printf("api: get run %s error: %v", runID, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to load run", true)
		return domain.BackgroundRun{}, false
	}

	if !p.Worker && run.UserID != p.UserID {
		writeError(w, http.StatusNotFound, CodeNotFound, "run not found", false)
		return domain.BackgroundRun{}, false
	}
	return run, true
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request, rawID string) {
	p, ok := h.requireAuth(w, r, authUserOrWorker)
	if !ok {
		return
	}
	run, ok := h.loadRun(w, r, p, rawID)
	if !ok {
		return
	}
	resp := NewRunResponse(run)
	writeJSON(w, http.StatusOK, RunEnvelope{Success: true, Run: &resp})
}

func (h *Handler) retryRun(w http.ResponseWriter, r *http.Request, rawID string) {
	if !h.admit(w, r, h.chatLimiter) {
		return
	}
	p, ok := h.requireAuth(w, r, authUserOrWorker)
	if !ok {
		return
	}
	run, ok := h.loadRun(w, r, p, rawID)
	if !ok {
		return
	}

	switch err := run.CheckManualRetry(); {
	case errors.Is(err, domain.ErrMaxAttemptsReached):
		writeError(w, http.StatusConflict, CodeMaxAttemptsReached,
			"run has used "+strconv.Itoa(run.AttemptCount)+" of "+strconv.Itoa(run.MaxAttempts)+" attempts", false)
		return
	case errors.Is(err, domain.ErrRunNotRetryable):
		writeError(w, http.StatusConflict, CodeRunNotRetryable, err.Error(), false)
		return
	case err != nil:
		writeError(w, http.StatusConflict, CodeInvalidState, err.Error()+", run is "+string(run.Status), false)
		return
	}

	requeued, err := h.store.RequeueRun(r.Context(), run.ID, h.clock())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusTransitionDenied):
		writeError(w, http.StatusConflict, CodeInvalidState, "run changed state, reload and retry", true)
		return
	case store.IsUnavailable(err):
		writeDegraded(w, err)
		return
	default:
		log.Printf("api: requeue run %s error: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to retry run", true)
		return
	}

	log.Printf("api: run=%s requeued by manual retry attempts=%d/%d", requeued.ID, requeued.AttemptCount, requeued.MaxAttempts)
	resp := NewRunResponse(requeued)
	writeJSON(w, http.StatusOK, RunEnvelope{Success: true, Run: &resp})
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request, rawID string) {
	if !h.admit(w, r, h.chatLimiter) {
		return
	}
	p, ok := h.requireAuth(w, r, authUserOrWorker)
	if !ok {
		return
	}
	run, ok := h.loadRun(w, r, p, rawID)
	if !ok {
		return
	}

	if run.Status.IsTerminal() {
		writeError(w, http.StatusConflict, CodeInvalidState, "run is already "+string(run.Status), false)
		return
	}
	if run.CancelRequested {
		resp := NewRunResponse(run)
		writeJSON(w, http.StatusOK, RunEnvelope{Success: true, Run: &resp})
		return
	}

	updated, err := h.store.RequestCancel(r.Context(), run.ID, h.clock())
	if err != nil {
		if store.IsUnavailable(err) {
			writeDegraded(w, err)
			return
		}
		log.Printf("api: cancel run %s error: %v", run.ID, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "failed to cancel run", true)
		return
	}

	resp := NewRunResponse(updated)
	writeJSON(w, http.StatusOK, RunEnvelope{Success: true, Run: &resp})
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r, h.chatLimiter) {
		return
	}
	p, ok := h.requireAuth(w, r, authUserOrWorker)
	if !ok {
		return
	}

	var req DispatchRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	scope, limit, err := validateDispatch(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}
	if !p.Worker {
		scope.UserID = p.UserID
	}

	res, err := h.dispatcher.Dispatch(r.Context(), scope, limit)
	if err != nil {
		log.Printf("api: dispatch error: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "dispatch failed", true)
		return
	}

	writeJSON(w, http.StatusOK, DispatchResponse{
		Success:   true,
		Processed: res.Processed,
		Outcomes:  toOutcomes(res.Outcomes),
		Degraded:  res.Degraded,
		Notice:    res.Notice,
	})
}

func (h *Handler) workerTick(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r, h.workerLimiter) {
		return
	}
	if _, ok := h.requireAuth(w, r, authWorker); !ok {
		return
	}

	var req WorkerTickRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	wreq, err := validateWorkerTick(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), false)
		return
	}

	report, err := h.loop.Run(r.Context(), wreq)
	if err != nil {
		log.Printf("api: worker tick error: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "worker tick failed", true)
		return
	}

	writeJSON(w, http.StatusOK, NewWorkerTickResponse(report))
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuth(w, r, authWorker); !ok {
		return
	}

	resp := ListProvidersResponse{Providers: []ProviderResponse{}}
	if h.providers != nil {
		for _, s := range h.providers.Snapshot() {
			resp.Providers = append(resp.Providers, toProviderResponse(s))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code, Retryable: retryable})
}

// writeDegraded answers with a successful, empty response when the run table
// is not provisioned.
func writeDegraded(w http.ResponseWriter, err error) {
	log.Printf("api: degraded: %v", err)
	writeJSON(w, http.StatusOK, RunEnvelope{
		Success:  true,
		Degraded: true,
		Notice:   "background runs are not provisioned in this environment",
	})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
