package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Dispatcher metrics
	DispatchCompleted(duration time.Duration, claimed int, degraded bool)
	RunOutcome(runType, status string)
	RunExecutionObserve(runType string, duration time.Duration)
	RunsInFlightIncr()
	RunsInFlightDecr()

	// Watchdog metrics
	WatchdogPass(scanned, stale, retried, failed int)

	// Worker loop metrics
	WorkerInvocation(duration time.Duration, processed, batches int, degraded bool)

	// Schedule trigger metrics
	TickStarted()
	TickCompleted(duration time.Duration, processed int, err error)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)

	// Provider metrics
	ProviderCallCompleted(provider, statusClass string, duration time.Duration)
	ProviderSkipped(provider string)

	// Admission control
	RateLimitDecision(policy string, allowed bool)
	RateLimitFallback(policy string)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

// StatusClass constants for ProviderCallCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
