package mode

// EventType tags an Event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechEnded     EventType = "speech_ended"
	EventTranscript      EventType = "transcript"
	EventTextDelta       EventType = "text_delta"
	EventAudio           EventType = "audio"
	EventResponseStarted EventType = "response_started"
	EventResponseEnded   EventType = "response_ended"
	EventInterrupted     EventType = "interrupted"
	EventToolCall        EventType = "tool_call"
	EventError           EventType = "error"
)

// Payload keys shared by all modes.
const (
	KeyText       = "text"
	KeyRole       = "role"
	KeyIsFinal    = "is_final"
	KeyIsFirst    = "is_first"
	KeyAudio      = "audio"
	KeyFormat     = "format"
	KeySampleRate = "sample_rate"
	KeyErrorCode  = "error_code"
	KeyMessage    = "message"
	KeyLatencyMs  = "latency_ms"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is a tagged notification produced by a Mode. Ownership passes to the
// consumer on emission.
type Event struct {
	Type EventType
	Data map[string]any
}

// NewEvent builds an Event with a non-nil payload.
func NewEvent(t EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data}
}

// ErrorEvent builds an EventError with the standard payload shape.
func ErrorEvent(code, message string) Event {
	return NewEvent(EventError, map[string]any{KeyErrorCode: code, KeyMessage: message})
}

// Text returns the text payload, if any.
func (e Event) Text() string {
	s, _ := e.Data[KeyText].(string)
	return s
}

// Role returns the transcript role, if any.
func (e Event) Role() string {
	s, _ := e.Data[KeyRole].(string)
	return s
}

// IsFirst reports the is-first marker on text_delta and audio events.
func (e Event) IsFirst() bool {
	b, _ := e.Data[KeyIsFirst].(bool)
	return b
}

// AudioBytes returns the raw audio payload of an EventAudio.
func (e Event) AudioBytes() []byte {
	b, _ := e.Data[KeyAudio].([]byte)
	return b
}
