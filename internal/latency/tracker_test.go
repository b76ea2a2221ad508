package latency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(ms float64) time.Time {
	return base.Add(time.Duration(ms * float64(time.Millisecond)))
}

func TestMarkUnknownTurnIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.Mark("ghost", SpeechEnd)
	assert.Equal(t, 0, tr.Len())

	_, ok := tr.MetricsRealtime("ghost")
	assert.False(t, ok)
	_, ok = tr.MetricsCascade("ghost")
	assert.False(t, ok)
}

func TestFirstMarkWins(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t1")
	tr.MarkAt("t1", SpeechEnd, at(10))
	tr.MarkAt("t1", SpeechEnd, at(99))

	m, ok := tr.Measurement("t1")
	require.True(t, ok)
	got, ok := m.At(SpeechEnd)
	require.True(t, ok)
	assert.Equal(t, at(10), got)
}

func TestRealtimeRequiresBothTimestamps(t *testing.T) {
	cases := []struct {
		name      string
		marks     map[Milestone]float64
		available bool
	}{
		{"none", nil, false},
		{"speech end only", map[Milestone]float64{SpeechEnd: 0}, false},
		{"response start only", map[Milestone]float64{ResponseStart: 5}, false},
		{"both", map[Milestone]float64{SpeechEnd: 0, ResponseStart: 5}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTracker()
			tr.StartTurn("t")
			for ms, off := range tc.marks {
				tr.MarkAt("t", ms, at(off))
			}
			_, ok := tr.MetricsRealtime("t")
			assert.Equal(t, tc.available, ok)
		})
	}
}

func TestRealtimeTotalRoundsDown(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.MarkAt("t", SpeechEnd, at(100))
	tr.MarkAt("t", ResponseStart, at(450.9))

	m, ok := tr.MetricsRealtime("t")
	require.True(t, ok)
	assert.Equal(t, "realtime", m.Mode)
	assert.Equal(t, int64(350), m.TotalMs)
	assert.Nil(t, m.InterruptMs)
}

func TestRealtimeNegativeGapRoundsDown(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.MarkAt("t", SpeechEnd, at(100))
	tr.MarkAt("t", ResponseStart, at(99.5))

	m, ok := tr.MetricsRealtime("t")
	require.True(t, ok)
	assert.Equal(t, int64(-1), m.TotalMs)
}

func TestInterruptLatency(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.MarkAt("t", SpeechEnd, at(0))
	tr.MarkAt("t", ResponseStart, at(200))
	tr.MarkAt("t", Interrupted, at(750))

	m, ok := tr.MetricsRealtime("t")
	require.True(t, ok)
	require.NotNil(t, m.InterruptMs)
	assert.Equal(t, int64(550), *m.InterruptMs)

	c, ok := tr.MetricsCascade("t")
	require.True(t, ok)
	require.NotNil(t, c.InterruptMs)
	assert.GreaterOrEqual(t, *c.InterruptMs, int64(0))
}

func TestCascadeMissingSegmentsAreZero(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.MarkAt("t", SpeechEnd, at(0))
	tr.MarkAt("t", STTComplete, at(120))
	// no LLM first token
	tr.MarkAt("t", TTSFirstByte, at(900))

	m, ok := tr.MetricsCascade("t")
	require.True(t, ok)
	assert.Equal(t, "cascade", m.Mode)
	assert.Equal(t, int64(120), m.STTMs)
	assert.Equal(t, int64(0), m.LLMFirstTokenMs)
	assert.Equal(t, int64(0), m.TTSFirstByteMs)
	assert.Equal(t, int64(900), m.TotalMs)
}

func TestCascadeFullTurn(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.MarkAt("t", SpeechStart, at(-1500))
	tr.MarkAt("t", SpeechEnd, at(0))
	tr.MarkAt("t", STTComplete, at(200))
	tr.MarkAt("t", ResponseStart, at(210))
	tr.MarkAt("t", LLMFirstToken, at(450))
	tr.MarkAt("t", TTSFirstByte, at(700))
	tr.MarkAt("t", ResponseEnd, at(2210))

	m, ok := tr.Metrics("t", "cascade")
	require.True(t, ok)
	assert.Equal(t, Metrics{
		Mode:            "cascade",
		TotalMs:         700,
		STTMs:           200,
		LLMFirstTokenMs: 250,
		TTSFirstByteMs:  250,
		ResponseMs:      2000,
	}, m)
}

func TestCascadeRequiresSpeechEnd(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.MarkAt("t", STTComplete, at(10))
	_, ok := tr.MetricsCascade("t")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.StartTurn("t")
	tr.Clear("t")
	tr.Mark("t", SpeechEnd)
	_, ok := tr.Measurement("t")
	assert.False(t, ok)
}

func TestMilestoneString(t *testing.T) {
	assert.Equal(t, "tts_first_byte", TTSFirstByte.String())
	assert.Equal(t, "unknown", Milestone(42).String())
}
