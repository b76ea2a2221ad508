// Package latency keeps per-turn timestamps and derives turn latency metrics.
//
// A Tracker is not safe for concurrent use; it belongs to one session.
package latency

import "time"

// Milestone names one timestamp within a turn.
type Milestone int

const (
	SpeechStart Milestone = iota
	SpeechEnd
	STTComplete
	LLMFirstToken
	TTSFirstByte
	ResponseStart
	ResponseEnd
	Interrupted
	numMilestones
)

var milestoneNames = [numMilestones]string{
	"speech_start", "speech_end", "stt_complete", "llm_first_token",
	"tts_first_byte", "response_start", "response_end", "interrupted",
}

func (m Milestone) String() string {
	if m < 0 || m >= numMilestones {
		return "unknown"
	}
	return milestoneNames[m]
}

// Measurement holds the optional timestamps of one open turn.
type Measurement struct {
	marks [numMilestones]time.Time
}

// At returns the timestamp for ms and whether it was recorded.
func (m *Measurement) At(ms Milestone) (time.Time, bool) {
	if ms < 0 || ms >= numMilestones {
		return time.Time{}, false
	}
	t := m.marks[ms]
	return t, !t.IsZero()
}

// Metrics are the derived latencies handed to persistence, in milliseconds.
type Metrics struct {
	Mode            string `json:"mode"`
	TotalMs         int64  `json:"total_ms"`
	STTMs           int64  `json:"stt_ms"`
	LLMFirstTokenMs int64  `json:"llm_ttft_ms"`
	TTSFirstByteMs  int64  `json:"tts_ttfb_ms"`
	ResponseMs      int64  `json:"response_ms"`
	InterruptMs     *int64 `json:"interrupt_ms,omitempty"`
}

// Tracker maps turn ids to their Measurement.
type Tracker struct {
	turns map[string]*Measurement
	now   func() time.Time
}

// NewTracker creates an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{turns: make(map[string]*Measurement), now: time.Now}
}

// StartTurn begins (or restarts) the measurement for turnID.
func (t *Tracker) StartTurn(turnID string) {
	t.turns[turnID] = &Measurement{}
}

// Mark records ms at the current time. Unknown turns are ignored, and the
// first mark of a milestone wins.
func (t *Tracker) Mark(turnID string, ms Milestone) {
	t.MarkAt(turnID, ms, t.now())
}

// MarkAt is Mark with an explicit timestamp.
func (t *Tracker) MarkAt(turnID string, ms Milestone, at time.Time) {
	m, ok := t.turns[turnID]
	if !ok || ms < 0 || ms >= numMilestones {
		return
	}
	if !m.marks[ms].IsZero() {
		return
	}
	m.marks[ms] = at
}

// Measurement returns a copy of the turn's timestamps.
func (t *Tracker) Measurement(turnID string) (Measurement, bool) {
	m, ok := t.turns[turnID]
	if !ok {
		return Measurement{}, false
	}
	return *m, true
}

// Clear discards the turn's measurement.
func (t *Tracker) Clear(turnID string) {
	delete(t.turns, turnID)
}

// Len reports how many turns are being tracked.
func (t *Tracker) Len() int {
	return len(t.turns)
}

// Metrics dispatches on the mode name. Unknown modes use the cascade rules.
func (t *Tracker) Metrics(turnID, modeName string) (Metrics, bool) {
	if modeName == "realtime" {
		return t.MetricsRealtime(turnID)
	}
	return t.MetricsCascade(turnID)
}

// MetricsRealtime requires speech-end and response-start; total latency is
// the gap between them.
func (t *Tracker) MetricsRealtime(turnID string) (Metrics, bool) {
	m, ok := t.turns[turnID]
	if !ok {
		return Metrics{}, false
	}
	speechEnd, okEnd := m.At(SpeechEnd)
	respStart, okStart := m.At(ResponseStart)
	if !okEnd || !okStart {
		return Metrics{}, false
	}

	out := Metrics{
		Mode:       "realtime",
		TotalMs:    floorMs(respStart.Sub(speechEnd)),
		ResponseMs: m.span(ResponseStart, ResponseEnd),
	}
	out.InterruptMs = m.interruptMs()
	return out, true
}

// MetricsCascade requires speech-end only. Segments with a missing endpoint
// report zero.
func (t *Tracker) MetricsCascade(turnID string) (Metrics, bool) {
	m, ok := t.turns[turnID]
	if !ok {
		return Metrics{}, false
	}
	if _, okEnd := m.At(SpeechEnd); !okEnd {
		return Metrics{}, false
	}

	out := Metrics{
		Mode:            "cascade",
		TotalMs:         m.span(SpeechEnd, TTSFirstByte),
		STTMs:           m.span(SpeechEnd, STTComplete),
		LLMFirstTokenMs: m.span(STTComplete, LLMFirstToken),
		TTSFirstByteMs:  m.span(LLMFirstToken, TTSFirstByte),
		ResponseMs:      m.span(ResponseStart, ResponseEnd),
	}
	out.InterruptMs = m.interruptMs()
	return out, true
}

func (m *Measurement) span(from, to Milestone) int64 {
	a, okA := m.At(from)
	b, okB := m.At(to)
	if !okA || !okB {
		return 0
	}
	return floorMs(b.Sub(a))
}

func (m *Measurement) interruptMs() *int64 {
	respStart, okStart := m.At(ResponseStart)
	at, okAt := m.At(Interrupted)
	if !okStart || !okAt {
		return nil
	}
	ms := max(floorMs(at.Sub(respStart)), 0)
	return &ms
}

// floorMs converts d to whole milliseconds, rounding toward negative infinity.
func floorMs(d time.Duration) int64 {
	ms := int64(d / time.Millisecond)
	if d < 0 && d%time.Millisecond != 0 {
		ms--
	}
	return ms
}
