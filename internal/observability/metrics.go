package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active_calls",
		Help: "Number of calls currently registered in the session store",
	})

	callsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_calls_started_total",
		Help: "Total number of start-call attempts",
	}, []string{"status"})

	callsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_calls_ended_total",
		Help: "Total number of calls removed from the session store",
	}, []string{"reason"}) // reason: "end_call", "expired", "disconnect"

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_call_duration_seconds",
		Help:    "Lifetime of calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Turn metrics
	turnsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_turns_total",
		Help: "Total number of turns appended to call histories",
	}, []string{"role"})

	generationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_generation_fallbacks_total",
		Help: "Replies replaced by the fallback utterance after a generation failure",
	})

	silentRecordings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_silent_recordings_total",
		Help: "Recordings skipped before transcription because they held no speech",
	})

	// Provider metrics
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_provider_requests_total",
		Help: "Total number of provider requests",
	}, []string{"stage", "provider", "status"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_session_provider_latency_seconds",
		Help:    "Provider request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	}, []string{"stage", "provider"})

	// Error metrics
	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_request_errors_total",
		Help: "Total number of failed session requests",
	}, []string{"kind", "operation"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SetActiveCalls records the number of live calls
func SetActiveCalls(n int) {
	activeCalls.Set(float64(n))
}

// RecordCallStarted records a start-call attempt
func RecordCallStarted(success bool) {
	callsStarted.WithLabelValues(statusLabel(success)).Inc()
}

// RecordCallEnded records a call leaving the store
func RecordCallEnded(reason string, createdAt time.Time) {
	callsEnded.WithLabelValues(reason).Inc()
	if !createdAt.IsZero() {
		callDuration.Observe(time.Since(createdAt).Seconds())
	}
}

// RecordTurn records a turn appended to a call
func RecordTurn(role string) {
	turnsAppended.WithLabelValues(role).Inc()
}

// RecordGenerationFallback records a reply replaced by the fallback utterance
func RecordGenerationFallback() {
	generationFallbacks.Inc()
}

// RecordSilentRecording records a recording the speech detector rejected
func RecordSilentRecording() {
	silentRecordings.Inc()
}

// RecordRequestError records a failed session request by error kind
func RecordRequestError(kind, operation string) {
	requestErrors.WithLabelValues(kind, operation).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// ProviderTimer measures one provider request
type ProviderTimer struct {
	stage    string
	provider string
	start    time.Time
}

// StartProviderTimer starts timing a provider request for a pipeline stage
// (stage: "stt", "llm" or "tts")
func StartProviderTimer(stage, provider string) *ProviderTimer {
	return &ProviderTimer{
		stage:    stage,
		provider: provider,
		start:    time.Now(),
	}
}

// End records latency and outcome of the request
func (t *ProviderTimer) End(success bool) {
	providerLatency.WithLabelValues(t.stage, t.provider).Observe(time.Since(t.start).Seconds())
	providerRequests.WithLabelValues(t.stage, t.provider, statusLabel(success)).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return statusSuccess
	}
	return statusError
}
