// Package metrics provides the process-wide Aggregator shared by every
// session. It is constructed once and injected; nothing here is global.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TurnLatency is the subset of turn metrics the aggregator observes.
type TurnLatency struct {
	Mode        string
	TotalMs     int64
	Interrupted bool
}

// Aggregator records call counts across all connections. Counters are kept
// both in Prometheus collectors and in a mutex-guarded map for Snapshot.
// All methods are nil-safe.
type Aggregator struct {
	mu    sync.Mutex
	calls map[string]int64

	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec
	modeCalls      *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	turnLatency    *prometheus.HistogramVec
	turnsTotal     *prometheus.CounterVec
	errors         *prometheus.CounterVec
	audioChunks    prometheus.Counter
}

// NewAggregator registers collectors with reg. A nil reg uses a private
// registry, which keeps tests independent.
func NewAggregator(reg prometheus.Registerer) *Aggregator {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Aggregator{
		calls: make(map[string]int64),

		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_sessions_active",
			Help: "Currently active voice sessions",
		}, []string{"mode"}),

		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_sessions_total",
			Help: "Total voice sessions configured",
		}, []string{"mode"}),

		modeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_mode_calls_total",
			Help: "Mode contract calls by mode and operation",
		}, []string{"mode", "op"}),

		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_stage_duration_seconds",
			Help:    "Per-stage backend latency",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
		}, []string{"stage"}),

		turnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_turn_latency_seconds",
			Help:    "Turn latency from end of user speech to first response",
			Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
		}, []string{"mode"}),

		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_turns_total",
			Help: "Completed turns by mode and outcome",
		}, []string{"mode", "outcome"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_errors_total",
			Help: "Error counts by stage",
		}, []string{"stage", "error_type"}),

		audioChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_total",
			Help: "Total client audio chunks received",
		}),
	}
}

// RecordCall counts one Mode contract call.
func (a *Aggregator) RecordCall(mode, op string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.calls[mode+"."+op]++
	a.mu.Unlock()
	a.modeCalls.WithLabelValues(mode, op).Inc()
}

// Snapshot returns a copy of the call counters keyed "mode.op".
func (a *Aggregator) Snapshot() map[string]int64 {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int64, len(a.calls))
	for k, v := range a.calls {
		out[k] = v
	}
	return out
}

// SessionStarted marks a session as configured for mode.
func (a *Aggregator) SessionStarted(mode string) {
	if a == nil {
		return
	}
	a.sessionsActive.WithLabelValues(mode).Inc()
	a.sessionsTotal.WithLabelValues(mode).Inc()
}

// SessionEnded pairs with SessionStarted.
func (a *Aggregator) SessionEnded(mode string) {
	if a == nil {
		return
	}
	a.sessionsActive.WithLabelValues(mode).Dec()
}

// ObserveStage records one backend stage duration ("asr", "llm", "tts").
func (a *Aggregator) ObserveStage(stage string, d time.Duration) {
	if a == nil {
		return
	}
	a.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveTurn records a closed turn.
func (a *Aggregator) ObserveTurn(t TurnLatency) {
	if a == nil {
		return
	}
	outcome := "completed"
	if t.Interrupted {
		outcome = "interrupted"
	}
	a.turnsTotal.WithLabelValues(t.Mode, outcome).Inc()
	if t.TotalMs > 0 {
		a.turnLatency.WithLabelValues(t.Mode).Observe(float64(t.TotalMs) / 1000)
	}
}

// Error counts a failure by stage and error type.
func (a *Aggregator) Error(stage, errType string) {
	if a == nil {
		return
	}
	a.errors.WithLabelValues(stage, errType).Inc()
}

// AudioChunk counts one inbound client audio chunk.
func (a *Aggregator) AudioChunk() {
	if a == nil {
		return
	}
	a.audioChunks.Inc()
}
