package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCallConcurrent(t *testing.T) {
	agg := NewAggregator(nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				agg.RecordCall("cascade", "send_audio")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), agg.Snapshot()["cascade.send_audio"])
	assert.InDelta(t, 800, testutil.ToFloat64(agg.modeCalls.WithLabelValues("cascade", "send_audio")), 0)
}

func TestSessionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	agg := NewAggregator(reg)

	agg.SessionStarted("realtime")
	agg.SessionStarted("realtime")
	agg.SessionEnded("realtime")

	assert.InDelta(t, 1, testutil.ToFloat64(agg.sessionsActive.WithLabelValues("realtime")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(agg.sessionsTotal.WithLabelValues("realtime")), 0)
}

func TestObserveTurnOutcome(t *testing.T) {
	agg := NewAggregator(nil)
	agg.ObserveTurn(TurnLatency{Mode: "cascade", TotalMs: 500})
	agg.ObserveTurn(TurnLatency{Mode: "cascade", Interrupted: true})

	assert.InDelta(t, 1, testutil.ToFloat64(agg.turnsTotal.WithLabelValues("cascade", "completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(agg.turnsTotal.WithLabelValues("cascade", "interrupted")), 0)
}

func TestNilAggregatorIsSafe(t *testing.T) {
	var agg *Aggregator
	agg.RecordCall("x", "y")
	agg.SessionStarted("x")
	agg.SessionEnded("x")
	agg.ObserveStage("asr", time.Second)
	agg.ObserveTurn(TurnLatency{})
	agg.Error("asr", "http")
	agg.AudioChunk()
	assert.Nil(t, agg.Snapshot())
}
