package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RESTWindow is the fixed-window counter backed by a hosted Redis-compatible
// store that is only reachable over its HTTP pipeline endpoint.
type RESTWindow struct {
	baseURL string
	token   string
	client  *http.Client
	policy  Policy
	clock   func() time.Time
}

func NewRESTWindow(baseURL, token string, policy Policy, timeout time.Duration) *RESTWindow {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RESTWindow{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
		clock:   time.Now,
	}
}

type pipelineReply struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (w *RESTWindow) Check(ctx context.Context, identifier string) (Result, error) {
	key := w.policy.windowKey(identifier, w.clock())
	windowMs := strconv.FormatInt(w.policy.Window().Milliseconds(), 10)
	body, err := json.Marshal([][]string{
		{"INCR", key},
		{"PEXPIRE", key, windowMs, "NX"},
		{"PTTL", key},
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/pipeline", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("rest window: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("rest window: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Result{}, fmt.Errorf("rest window: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("rest window: status %d", resp.StatusCode)
	}

	var replies []pipelineReply
	if err := json.Unmarshal(raw, &replies); err != nil {
		return Result{}, fmt.Errorf("rest window: decode reply: %w", err)
	}
	if len(replies) != 3 {
		return Result{}, fmt.Errorf("rest window: unexpected reply length %d", len(replies))
	}
	for _, r := range replies {
		if r.Error != "" {
			return Result{}, fmt.Errorf("rest window: %s", r.Error)
		}
	}

	var count, ttl int64
	if err := json.Unmarshal(replies[0].Result, &count); err != nil {
		return Result{}, fmt.Errorf("rest window: decode count: %w", err)
	}
	if err := json.Unmarshal(replies[2].Result, &ttl); err != nil {
		return Result{}, fmt.Errorf("rest window: decode ttl: %w", err)
	}
	return w.policy.windowResult(count, ttl), nil
}
