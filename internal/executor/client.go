package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderRunID     = "X-Runkeeper-Run-ID"
	HeaderAttempt   = "X-Runkeeper-Attempt"
	HeaderSignature = "X-Runkeeper-Signature"

	defaultCallTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a provider response is kept.
	maxResponseBytes = 8 << 20
)

// CallPayload is the JSON body posted to a provider endpoint.
type CallPayload struct {
	RunID     string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	RunType   string          `json:"run_type"`
	Attempt   int             `json:"attempt"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type CallRequest struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Payload CallPayload
}

// CallResult carries the provider's answer. Error is set only for transport
// failures; a non-2xx answer is reported through StatusCode.
type CallResult struct {
	StatusCode  int
	Body        []byte
	ContentType string
	Duration    time.Duration
	Error       error
}

type HTTPClient struct {
	client *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client: &http.Client{},
	}
}

// Call posts the payload with an HMAC signature of the body.
// Headers: X-Runkeeper-Run-ID, X-Runkeeper-Attempt, X-Runkeeper-Signature
func (c *HTTPClient) Call(ctx context.Context, req CallRequest) CallResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return CallResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	signature := computeSignature(req.Secret, body)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultCallTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return CallResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderRunID, req.Payload.RunID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Payload.Attempt))
	httpReq.Header.Set(HeaderSignature, signature)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return CallResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return CallResult{StatusCode: resp.StatusCode, Error: fmt.Errorf("read response: %w", err), Duration: time.Since(start)}
	}

	return CallResult{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    time.Since(start),
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is for provider endpoints to authenticate incoming calls.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
