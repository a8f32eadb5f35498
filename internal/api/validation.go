package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
	"github.com/RedBackRubbish/torbit-sub007/internal/worker"
)

// Interactive dispatch bounds. Bulk draining goes through /worker/tick.
const (
	DefaultDispatchLimit = 1
	MaxDispatchLimit     = 10
)

var runTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

func validateCreateRun(req CreateRunRequest, userID uuid.UUID) (domain.NewRunParams, error) {
	if req.ProjectID == "" {
		return domain.NewRunParams{}, fmt.Errorf("project_id is required")
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		return domain.NewRunParams{}, fmt.Errorf("invalid project_id")
	}

	if req.RunType == "" {
		return domain.NewRunParams{}, fmt.Errorf("run_type is required")
	}
	if !runTypePattern.MatchString(req.RunType) {
		return domain.NewRunParams{}, fmt.Errorf("invalid run_type: lowercase letters, digits, '.', '_' or '-', at most 64 characters")
	}

	if err := validateJSONObject(req.Metadata); err != nil {
		return domain.NewRunParams{}, fmt.Errorf("invalid metadata: %w", err)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return domain.NewRunParams{}, fmt.Errorf("invalid input: not valid JSON")
	}

	key, err := domain.NormalizeIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return domain.NewRunParams{}, fmt.Errorf("invalid idempotency_key: %w", err)
	}

	if req.MaxAttempts != 0 && (req.MaxAttempts < domain.MinMaxAttempts || req.MaxAttempts > domain.MaxMaxAttempts) {
		return domain.NewRunParams{}, fmt.Errorf("max_attempts must be between %d and %d", domain.MinMaxAttempts, domain.MaxMaxAttempts)
	}

	return domain.NewRunParams{
		ProjectID:      projectID,
		UserID:         userID,
		RunType:        req.RunType,
		Input:          req.Input,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
		MaxAttempts:    req.MaxAttempts,
		Retryable:      req.Retryable,
	}, nil
}

// validateJSONObject accepts an absent value, null, or a JSON object.
func validateJSONObject(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("must be a JSON object")
	}
	return nil
}

func parseScope(runID, projectID string) (domain.Scope, error) {
	var scope domain.Scope
	if runID != "" {
		id, err := uuid.Parse(runID)
		if err != nil {
			return scope, fmt.Errorf("invalid run_id")
		}
		scope.RunID = id
	}
	if projectID != "" {
		id, err := uuid.Parse(projectID)
		if err != nil {
			return scope, fmt.Errorf("invalid project_id")
		}
		scope.ProjectID = id
	}
	return scope, nil
}

func validateDispatch(req DispatchRequest) (domain.Scope, int, error) {
	scope, err := parseScope(req.RunID, req.ProjectID)
	if err != nil {
		return scope, 0, err
	}
	limit := req.Limit
	switch {
	case limit < 0:
		return scope, 0, fmt.Errorf("limit must not be negative")
	case limit == 0:
		limit = DefaultDispatchLimit
	case limit > MaxDispatchLimit:
		return scope, 0, fmt.Errorf("limit exceeds maximum of %d", MaxDispatchLimit)
	}
	return scope, limit, nil
}

// validateWorkerTick rejects malformed input. Out-of-range sizes are clamped
// later by worker.Request.Normalize.
func validateWorkerTick(req WorkerTickRequest) (worker.Request, error) {
	scope, err := parseScope(req.RunID, req.ProjectID)
	if err != nil {
		return worker.Request{}, err
	}
	if req.Limit < 0 || req.BatchSize < 0 || req.MaxBatches < 0 || req.StaleAfterSeconds < 0 {
		return worker.Request{}, fmt.Errorf("numeric fields must not be negative")
	}
	return worker.Request{
		Scope:      scope,
		Limit:      req.Limit,
		BatchSize:  req.BatchSize,
		MaxBatches: req.MaxBatches,
		StaleAfter: time.Duration(req.StaleAfterSeconds) * time.Second,
	}, nil
}
