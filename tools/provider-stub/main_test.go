package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RedBackRubbish/torbit-sub007/internal/executor"
)

func TestRunHandler_SignedCall(t *testing.T) {
	srv := httptest.NewServer(runHandler("s3cret", http.StatusOK, 0))
	defer srv.Close()

	client := executor.NewHTTPClient()
	res := client.Call(context.Background(), executor.CallRequest{
		URL:     srv.URL,
		Secret:  "s3cret",
		Timeout: 5 * time.Second,
		Payload: executor.CallPayload{RunID: "r-1", RunType: "generate_app", Attempt: 1},
	})
	if res.Error != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("call = %d, %v", res.StatusCode, res.Error)
	}

	var body map[string]any
	if err := json.Unmarshal(res.Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["run_id"] != "r-1" {
		t.Errorf("run_id = %v", body["run_id"])
	}
}

func TestRunHandler_BadSignature(t *testing.T) {
	h := runHandler("s3cret", http.StatusOK, 0)
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{"run_id":"r-2"}`))
	req.Header.Set(executor.HeaderSignature, "deadbeef")
	rec := httptest.NewRecorder()

	h(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRunHandler_ForcedStatus(t *testing.T) {
	h := runHandler("", http.StatusServiceUnavailable, 0)
	rec := httptest.NewRecorder()

	h(rec, httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{}`)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
