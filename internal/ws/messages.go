package ws

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound message types.
const (
	MsgConfig     = "config"
	MsgAudioChunk = "audio_chunk"
	MsgEndTurn    = "end_turn"
	MsgInterrupt  = "interrupt"
	MsgPing       = "ping"
)

// Outbound types that do not come from a Mode event.
const (
	MsgConnected = "connected"
	MsgPong      = "pong"
	MsgError     = "error"
)

// Protocol error codes.
const (
	CodeInvalidMode         = "invalid_mode"
	CodeInvalidProvider     = "invalid_provider"
	CodeInvalidConfig       = "invalid_config"
	CodeConnectionFailed    = "connection_failed"
	CodeSessionCreateFailed = "session_create_failed"
	CodeInvalidMessage      = "invalid_message"
	CodeUnknownMessageType  = "unknown_message_type"
	CodeNotConfigured       = "not_configured"
	CodeAlreadyConfigured   = "already_configured"
	CodeSendFailed          = "send_failed"
	CodeInternalError       = "internal_error"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	TurnID    string          `json:"turn_id,omitempty"`
}

// outbound is the server-side frame; Data is encoded directly.
type outbound struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	SessionID string         `json:"session_id,omitempty"`
	TurnID    string         `json:"turn_id,omitempty"`
}

// ConfigData is the payload of a config message.
type ConfigData struct {
	Mode            string         `json:"mode"`
	UserID          string         `json:"user_id"`
	Config          map[string]any `json:"config"`
	SystemPrompt    string         `json:"system_prompt"`
	UserRole        string         `json:"user_role"`
	AIRole          string         `json:"ai_role"`
	ScenarioContext string         `json:"scenario_context"`
	BargeInEnabled  *bool          `json:"barge_in_enabled"`
}

// modeName prefers the top-level mode and falls back to config.mode.
func (c ConfigData) modeName(fallback string) string {
	if c.Mode != "" {
		return c.Mode
	}
	if s, ok := c.Config["mode"].(string); ok && s != "" {
		return s
	}
	return fallback
}

func (c ConfigData) bargeIn() bool {
	return c.BargeInEnabled == nil || *c.BargeInEnabled
}

// AudioChunkData is the payload of an audio_chunk message. Audio is base64
// on the wire.
type AudioChunkData struct {
	Audio      []byte `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	IsFinal    bool   `json:"is_final"`
}

// errProtocol carries a protocol error code back to the dispatcher.
type errProtocol struct {
	code    string
	msg     string
	details any
}

func protocolErr(code, format string, args ...any) *errProtocol {
	return &errProtocol{code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *errProtocol) Error() string { return e.code + ": " + e.msg }

// decodeEnvelope validates the frame and extracts its type. The type is read
// with gjson first so a malformed payload still reports which message failed.
func decodeEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, protocolErr(CodeInvalidMessage, "message is not valid JSON")
	}
	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.String() == "" {
		return Envelope{}, protocolErr(CodeInvalidMessage, "message has no type")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{Type: typ.String()}, protocolErr(CodeInvalidMessage, "%v", err)
	}
	return env, nil
}

// decodeData unmarshals the envelope payload into v. An absent payload
// leaves v at its zero value.
func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return protocolErr(CodeInvalidMessage, "%s data: %v", env.Type, err)
	}
	return nil
}

func errorData(code, message string, details any) map[string]any {
	d := map[string]any{"error_code": code, "message": message}
	if details != nil {
		d["details"] = details
	}
	return d
}
