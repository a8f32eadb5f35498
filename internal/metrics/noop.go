package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) DispatchCompleted(time.Duration, int, bool)          {}
func (n *NoopSink) RunOutcome(string, string)                           {}
func (n *NoopSink) RunExecutionObserve(string, time.Duration)           {}
func (n *NoopSink) RunsInFlightIncr()                                   {}
func (n *NoopSink) RunsInFlightDecr()                                   {}
func (n *NoopSink) WatchdogPass(int, int, int, int)                     {}
func (n *NoopSink) WorkerInvocation(time.Duration, int, int, bool)      {}
func (n *NoopSink) TickStarted()                                        {}
func (n *NoopSink) TickCompleted(time.Duration, int, error)             {}
func (n *NoopSink) LeaderStatusChanged(bool)                            {}
func (n *NoopSink) LeaderAcquired()                                     {}
func (n *NoopSink) LeaderLost(string)                                   {}
func (n *NoopSink) ProviderCallCompleted(string, string, time.Duration) {}
func (n *NoopSink) ProviderSkipped(string)                              {}
func (n *NoopSink) RateLimitDecision(string, bool)                      {}
func (n *NoopSink) RateLimitFallback(string)                            {}
func (n *NoopSink) BufferSizeUpdate(int)                                {}
func (n *NoopSink) BufferCapacitySet(int)                               {}
func (n *NoopSink) BufferSaturationUpdate(float64)                      {}
func (n *NoopSink) EmitError()                                          {}
