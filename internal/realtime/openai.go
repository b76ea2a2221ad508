package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
)

const (
	openAIDefaultURL   = "wss://api.openai.com/v1/realtime"
	openAIDefaultModel = "gpt-4o-realtime-preview"
	openAIDefaultVoice = "alloy"
	openAISampleRate   = 24000
)

// OpenAIRealtime speaks the OpenAI Realtime WebSocket protocol.
type OpenAIRealtime struct {
	opts   Options
	dialer *websocket.Dialer
	stream

	connMu    sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	sessionID string
	done      chan struct{}
	closing   bool
}

// NewOpenAI creates an unconnected adapter.
func NewOpenAI(opts Options) *OpenAIRealtime {
	return &OpenAIRealtime{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.setupTimeout(), Proxy: http.ProxyFromEnvironment},
	}
}

func (o *OpenAIRealtime) Name() string { return ModeName }

func (o *OpenAIRealtime) IsConnected() bool {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return o.connected
}

func (o *OpenAIRealtime) Events() <-chan mode.Event {
	return o.events()
}

// Connect dials the provider, sends session.update and blocks until
// session.updated arrives or the setup timeout elapses.
func (o *OpenAIRealtime) Connect(ctx context.Context, sessionID string, cfg mode.Config, systemPrompt string) error {
	if o.IsConnected() {
		return nil
	}

	base := o.opts.OpenAIURL
	if base == "" {
		base = openAIDefaultURL
	}
	model := cfg.String("model", o.opts.OpenAIModel)
	if model == "" {
		model = openAIDefaultModel
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("openai realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.opts.OpenAIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	timeout := o.opts.setupTimeout()
	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := o.dialer.DialContext(setupCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("openai realtime dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("openai realtime dial: %w", err)
	}

	if err = o.setup(conn, cfg, systemPrompt, timeout); err != nil {
		conn.Close()
		return err
	}

	o.open()
	o.connMu.Lock()
	o.conn = conn
	o.connected = true
	o.closing = false
	o.sessionID = sessionID
	o.done = make(chan struct{})
	o.connMu.Unlock()

	go o.receiveLoop(conn, o.done)

	o.opts.Metrics.RecordCall(ModeName, "connect")
	slog.Info("realtime connected", "session_id", sessionID, "provider", ProviderOpenAI, "model", model)
	return nil
}

func (o *OpenAIRealtime) setup(conn *websocket.Conn, cfg mode.Config, systemPrompt string, timeout time.Duration) error {
	voice := cfg.String("voice", o.opts.OpenAIVoice)
	if voice == "" {
		voice = openAIDefaultVoice
	}
	session := map[string]any{
		"modalities":                []string{"audio", "text"},
		"instructions":              systemPrompt,
		"voice":                     voice,
		"input_audio_format":        "pcm16",
		"output_audio_format":       "pcm16",
		"input_audio_transcription": map[string]any{"model": cfg.String("transcription_model", "whisper-1")},
		"turn_detection":            map[string]any{"type": "server_vad"},
	}
	if lang := cfg.String("language", ""); lang != "" {
		session["input_audio_transcription"].(map[string]any)["language"] = lang
	}

	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(map[string]any{"type": "session.update", "session": session}); err != nil {
		return fmt.Errorf("openai session.update: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("openai: %w", ErrSetupTimeout)
			}
			return fmt.Errorf("openai setup read: %w", err)
		}
		switch gjson.GetBytes(data, "type").String() {
		case "session.updated":
			return nil
		case "error":
			return fmt.Errorf("openai setup: %s", gjson.GetBytes(data, "error.message").String())
		}
	}
}

// Disconnect closes the provider socket, waits for the receive loop and
// closes Events. It also releases a connection the provider already dropped.
func (o *OpenAIRealtime) Disconnect() error {
	o.connMu.Lock()
	conn, done := o.conn, o.done
	o.conn = nil
	o.connected = false
	o.closing = true
	o.connMu.Unlock()
	if conn == nil {
		return nil
	}

	o.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	o.writeMu.Unlock()
	err := conn.Close()
	<-done
	o.close()
	o.opts.Metrics.RecordCall(ModeName, "disconnect")
	return err
}

// SendAudio forwards the chunk as PCM16 at 24kHz. No local buffering.
func (o *OpenAIRealtime) SendAudio(_ context.Context, chunk mode.AudioChunk) error {
	if !o.IsConnected() {
		return mode.ErrNotConnected
	}
	pcm, err := pcmFor(chunk, openAISampleRate)
	if err != nil {
		o.push(mode.ErrorEvent(CodeInvalidAudio, err.Error()))
		return nil
	}
	o.opts.Metrics.RecordCall(ModeName, "send_audio")
	return o.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// EndTurn forces end of speech: commit the input buffer and ask for a response.
func (o *OpenAIRealtime) EndTurn(_ context.Context) error {
	if !o.IsConnected() {
		return mode.ErrNotConnected
	}
	o.opts.Metrics.RecordCall(ModeName, "end_turn")
	if err := o.send(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return o.send(map[string]any{"type": "response.create"})
}

// Interrupt cancels the in-progress response. Audio still in flight is
// dropped; the provider's cancelled response.done arrives later and is not
// reported a second time.
func (o *OpenAIRealtime) Interrupt(_ context.Context) error {
	if !o.IsConnected() {
		return mode.ErrNotConnected
	}
	o.opts.Metrics.RecordCall(ModeName, "interrupt")
	if !o.suppressResponse() {
		return nil
	}
	return o.send(map[string]any{"type": "response.cancel"})
}

func (o *OpenAIRealtime) send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("openai marshal: %w", err)
	}
	o.connMu.Lock()
	conn := o.conn
	o.connMu.Unlock()
	if conn == nil {
		return mode.ErrNotConnected
	}

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("openai write: %w", err)
	}
	return nil
}

func (o *OpenAIRealtime) receiveLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			o.connMu.Lock()
			closing := o.closing
			o.connected = false
			o.connMu.Unlock()
			if !closing {
				slog.Error("realtime receive", "session_id", o.sessionID, "provider", ProviderOpenAI, "error", err)
				o.opts.Metrics.Error("realtime", "disconnect")
				o.push(mode.ErrorEvent(CodeProviderDisconnected, err.Error()))
			}
			return
		}
		o.handleFrame(data)
	}
}

// handleFrame maps one provider frame to zero or more Events.
func (o *OpenAIRealtime) handleFrame(data []byte) {
	frame := gjson.ParseBytes(data)
	switch frame.Get("type").String() {
	case "input_audio_buffer.speech_started":
		o.push(mode.NewEvent(mode.EventSpeechStarted, nil))
	case "input_audio_buffer.speech_stopped":
		o.push(mode.NewEvent(mode.EventSpeechEnded, nil))
	case "conversation.item.input_audio_transcription.delta":
		o.userText(frame.Get("delta").String(), false, false)
	case "conversation.item.input_audio_transcription.completed":
		o.userText(frame.Get("transcript").String(), true, true)
	case "response.created":
		o.startResponse()
	case "response.audio_transcript.delta":
		o.assistantText(frame.Get("delta").String(), false)
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(frame.Get("delta").String())
		if err != nil {
			o.push(mode.ErrorEvent(CodeProviderError, "bad audio delta: "+err.Error()))
			return
		}
		o.audioOut(pcm, openAISampleRate)
	case "response.done":
		o.endResponse(frame.Get("response.status").String() == "cancelled")
	case "response.function_call_arguments.done":
		o.push(mode.NewEvent(mode.EventToolCall, map[string]any{
			"call_id":   frame.Get("call_id").String(),
			"name":      frame.Get("name").String(),
			"arguments": frame.Get("arguments").String(),
		}))
	case "error":
		code := frame.Get("error.code").String()
		if code == "" {
			code = CodeProviderError
		}
		o.opts.Metrics.Error("realtime", code)
		o.push(mode.ErrorEvent(code, frame.Get("error.message").String()))
	}
}

var _ mode.Mode = (*OpenAIRealtime)(nil)
