// Command provider-stub is a local stand-in for an upstream AI provider. It
// verifies the runkeeper call signature, records every call and answers
// with a canned result, or with STUB_STATUS to exercise the circuit breaker.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/RedBackRubbish/torbit-sub007/internal/executor"
)

type call struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	Attempt   string `json:"attempt"`
	RunType   string `json:"run_type"`
	Verified  bool   `json:"verified"`
	Status    int    `json:"status"`
}

type stats struct {
	Count     int64  `json:"count"`
	LastCalls []call `json:"last_calls"`
	Since     string `json:"since"`
}

var (
	mu        sync.Mutex
	count     int64
	lastCalls []call
	since     time.Time
	maxStored = 50
)

func main() {
	since = time.Now().UTC()

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret := os.Getenv("PROVIDER_SECRET")
	status := http.StatusOK
	if v := os.Getenv("STUB_STATUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 599 {
			log.Fatalf("provider-stub: invalid STUB_STATUS %q", v)
		}
		status = n
	}
	var delay time.Duration
	if v := os.Getenv("STUB_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("provider-stub: invalid STUB_DELAY %q", v)
		}
		delay = d
	}

	http.HandleFunc("/run", runHandler(secret, status, delay))
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		lastCalls = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("provider-stub: listening on %s (status=%d, delay=%s, signed=%t)", addr, status, delay, secret != "")
	server := &http.Server{Addr: addr, ReadHeaderTimeout: 5 * time.Second}
	log.Fatal(server.ListenAndServe())
}

func runHandler(secret string, status int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		defer r.Body.Close()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		c := call{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			RunID:     r.Header.Get(executor.HeaderRunID),
			Attempt:   r.Header.Get(executor.HeaderAttempt),
			Verified:  secret == "" || executor.VerifySignature(secret, body, r.Header.Get(executor.HeaderSignature)),
			Status:    status,
		}
		var payload executor.CallPayload
		if err := json.Unmarshal(body, &payload); err == nil {
			c.RunType = payload.RunType
		}
		if !c.Verified {
			c.Status = http.StatusUnauthorized
		}

		mu.Lock()
		count++
		lastCalls = append(lastCalls, c)
		if len(lastCalls) > maxStored {
			lastCalls = lastCalls[len(lastCalls)-maxStored:]
		}
		current := count
		mu.Unlock()

		log.Printf("provider-stub: call #%d run=%s attempt=%s type=%s status=%d", current, c.RunID, c.Attempt, c.RunType, c.Status)

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(c.Status)
		if c.Status >= 200 && c.Status < 300 {
			json.NewEncoder(w).Encode(map[string]any{
				"run_id": c.RunID,
				"output": "stub completion for " + c.RunType,
				"call":   current,
			})
			return
		}
		fmt.Fprintf(w, `{"error":"stub status %d"}`, c.Status)
	}
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:     count,
		LastCalls: lastCalls,
		Since:     since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
