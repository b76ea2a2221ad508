// Package ws is the client-facing session protocol handler: it upgrades a
// connection, configures one Mode per session, dispatches client messages to
// it and forwards its Events back to the client.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/audiostore"
	"github.com/hubenschmidt/voice-session-gateway/internal/latency"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
	"github.com/hubenschmidt/voice-session-gateway/internal/prompts"
	"github.com/hubenschmidt/voice-session-gateway/internal/realtime"
	"github.com/hubenschmidt/voice-session-gateway/internal/store"
)

const (
	defaultMaxConcurrent  = 100
	defaultHeartbeat      = 15 * time.Second
	defaultConnectTimeout = 10 * time.Second
	finishTimeout         = 5 * time.Second
	maxMessageBytes       = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the collaborators shared by all sessions.
type HandlerConfig struct {
	Modes             *mode.Registry
	Store             store.Repository
	Audio             *audiostore.Store
	Metrics           *metrics.Aggregator
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	// DefaultMode is used when the config message names no mode.
	DefaultMode string
}

// Handler manages WebSocket voice sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler fills defaults and creates the admission semaphore.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Modes == nil {
		cfg.Modes = mode.NewRegistry()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemoryStore()
	}
	if cfg.Audio == nil {
		cfg.Audio = audiostore.New("")
	}
	return &Handler{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrent)}
}

// Active returns the number of admitted connections.
func (h *Handler) Active() int { return len(h.sem) }

// Capacity returns the admission limit.
func (h *Handler) Capacity() int { return cap(h.sem) }

// ServeHTTP upgrades the connection and runs the session.
// Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		h.cfg.Metrics.Error("admission", "at_capacity")
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.run(conn)
}

// run drives Accepted → Configured → Running → Closing → Closed for one
// connection. The drain and heartbeat loops are awaited before the Mode is
// disconnected.
func (h *Handler) run(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newSession(h, conn)
	conn.SetReadLimit(maxMessageBytes)
	s.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	s.loops.Add(1)
	go s.heartbeat(ctx)

	readErr := s.receiveLoop(ctx)
	slog.Info("connection closing", "session_id", s.sessionID(), "reason", readErr)

	cancel()
	conn.Close()
	s.loops.Wait()

	if m := s.activeMode(); m != nil {
		if err := m.Disconnect(); err != nil {
			slog.Warn("mode disconnect", "session_id", s.sessionID(), "error", err)
		}
	}

	fctx, fcancel := context.WithTimeout(context.Background(), finishTimeout)
	defer fcancel()
	s.finish(fctx, readErr)
}

func (s *session) extendReadDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(3 * s.h.cfg.HeartbeatInterval))
}

func (s *session) heartbeat(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("ping failed", "session_id", s.sessionID(), "error", err)
				return
			}
		}
	}
}

// receiveLoop reads client frames until the connection closes. A nil return
// means the handler closed the session after a fault.
func (s *session) receiveLoop(ctx context.Context) error {
	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		s.extendReadDeadline()
		if msgType != websocket.TextMessage {
			s.sendError(CodeInvalidMessage, "binary frames are not accepted", nil)
			continue
		}
		if !s.dispatch(ctx, raw) {
			return nil
		}
	}
}

// dispatch handles one client message. Returns false after a recovered panic.
func (s *session) dispatch(ctx context.Context, raw []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(r)
			ok = false
		}
	}()

	env, err := decodeEnvelope(raw)
	if err == nil {
		switch env.Type {
		case MsgConfig:
			err = s.handleConfig(ctx, env)
		case MsgAudioChunk:
			err = s.handleAudioChunk(ctx, env)
		case MsgEndTurn:
			err = s.handleEndTurn(ctx)
		case MsgInterrupt:
			err = s.handleInterrupt(ctx)
		case MsgPing:
			s.send(MsgPong, map[string]any{"timestamp": time.Now().UnixMilli()}, "")
		default:
			err = protocolErr(CodeUnknownMessageType, "unknown message type %q", env.Type)
		}
	}
	if err != nil {
		s.report(env.Type, err)
	}
	return true
}

func (s *session) report(msgType string, err error) {
	var pe *errProtocol
	if !errors.As(err, &pe) {
		pe = &errProtocol{code: CodeInternalError, msg: err.Error()}
	}
	slog.Warn("read message", "session_id", s.sessionID(), "type", msgType, "error_code", pe.code, "error", pe.msg)
	s.sendError(pe.code, pe.msg, pe.details)
}

func (s *session) handleConfig(ctx context.Context, env Envelope) error {
	if s.activeMode() != nil {
		return protocolErr(CodeAlreadyConfigured, "session is already configured")
	}
	var cd ConfigData
	if err := decodeData(env, &cd); err != nil {
		return err
	}

	cfg := s.h.cfg
	name := cd.modeName(cfg.DefaultMode)
	backendCfg := mode.Config(cd.Config)
	if backendCfg == nil {
		backendCfg = mode.Config{}
	}

	m, err := cfg.Modes.New(name, backendCfg)
	switch {
	case errors.Is(err, mode.ErrUnsupportedMode):
		return protocolErr(CodeInvalidMode, "unsupported mode %q", name)
	case errors.Is(err, realtime.ErrUnsupportedProvider):
		return protocolErr(CodeInvalidProvider, "%v", err)
	case err != nil:
		return protocolErr(CodeInvalidConfig, "%v", err)
	}

	id := uuid.NewString()
	prompt := prompts.ForSession(cd.SystemPrompt, cd.ScenarioContext)

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = m.Connect(cctx, id, backendCfg, prompt)
	cancel()
	if err != nil {
		slog.Error("mode connect failed", "session_id", id, "mode", name, "error", err)
		cfg.Metrics.Error("connect", name)
		pe := protocolErr(CodeConnectionFailed, "%s backend connection failed: %v", name, err)
		pe.details = map[string]any{
			"retryable": true,
			"timeout":   errors.Is(err, realtime.ErrSetupTimeout) || errors.Is(err, context.DeadlineExceeded),
		}
		return pe
	}

	rec := &store.Session{
		ID:           id,
		UserID:       cd.UserID,
		Mode:         name,
		Config:       backendCfg,
		SystemPrompt: prompt,
		UserRole:     cd.UserRole,
		AIRole:       cd.AIRole,
		Status:       store.StatusActive,
		StartedAt:    time.Now().UTC(),
	}
	if err = cfg.Store.CreateSession(ctx, rec); err != nil {
		slog.Error("create session", "session_id", id, "error", err)
		if derr := m.Disconnect(); derr != nil {
			slog.Warn("mode disconnect", "session_id", id, "error", derr)
		}
		return protocolErr(CodeSessionCreateFailed, "could not create session")
	}

	s.locked(func() {
		s.m = m
		s.rec = rec
		s.bargeIn = cd.bargeIn()
		s.userRole = cd.UserRole
		s.aiRole = cd.AIRole
	})
	s.id.Store(id)

	if cfg.Audio.Enabled() {
		if _, err = cfg.Audio.EnsureSessionDir(id); err != nil {
			slog.Warn("create audio dir", "session_id", id, "error", err)
		}
	}
	cfg.Metrics.SessionStarted(name)
	slog.Info("session configured", "session_id", id, "mode", name, "barge_in", cd.bargeIn())

	s.send(MsgConnected, map[string]any{
		"session_id":       id,
		"mode":             name,
		"barge_in_enabled": cd.bargeIn(),
	}, "")

	s.loops.Add(1)
	go s.drain(ctx, m)
	return nil
}

func (s *session) handleAudioChunk(ctx context.Context, env Envelope) error {
	m := s.activeMode()
	if m == nil {
		return protocolErr(CodeNotConfigured, "send config before audio")
	}
	var ad AudioChunkData
	if err := decodeData(env, &ad); err != nil {
		return err
	}
	if len(ad.Audio) == 0 {
		return protocolErr(CodeInvalidMessage, "audio_chunk has no audio")
	}
	format := ad.Format
	if format == "" {
		format = string(audio.CodecPCM16)
	}

	sessionID := s.sessionID()
	var number int
	s.locked(func() {
		number = s.openTurnLocked(ctx).Number
		if s.userFormat == "" {
			s.userFormat, s.userRate = format, ad.SampleRate
		}
	})

	if err := s.h.cfg.Audio.AppendUserAudio(sessionID, number, ad.Audio, format); err != nil {
		slog.Warn("append audio", "session_id", sessionID, "track", audiostore.TrackUser, "error", err)
	}
	s.h.cfg.Metrics.AudioChunk()

	chunk := mode.AudioChunk{Data: ad.Audio, Format: format, SampleRate: ad.SampleRate, IsFinal: ad.IsFinal}
	if err := m.SendAudio(ctx, chunk); err != nil {
		return protocolErr(CodeSendFailed, "send audio: %v", err)
	}
	if ad.IsFinal {
		return s.handleEndTurn(ctx)
	}
	return nil
}

func (s *session) handleEndTurn(ctx context.Context) error {
	m := s.activeMode()
	if m == nil {
		return protocolErr(CodeNotConfigured, "send config before end_turn")
	}
	s.locked(func() {
		if s.turn != nil {
			s.tracker.Mark(s.turn.ID, latency.SpeechEnd)
		}
	})

	if err := m.EndTurn(ctx); err != nil {
		return protocolErr(CodeSendFailed, "end turn: %v", err)
	}
	return nil
}

func (s *session) handleInterrupt(ctx context.Context) error {
	m := s.activeMode()
	if m == nil {
		return protocolErr(CodeNotConfigured, "send config before interrupt")
	}
	var bargeIn bool
	s.locked(func() {
		bargeIn = s.bargeIn
		if bargeIn && s.turn != nil {
			s.turn.Interrupted = true
			s.tracker.Mark(s.turn.ID, latency.Interrupted)
		}
	})
	if !bargeIn {
		slog.Debug("interrupt ignored", "session_id", s.sessionID())
		return nil
	}

	if err := m.Interrupt(ctx); err != nil {
		return protocolErr(CodeSendFailed, "interrupt: %v", err)
	}
	return nil
}

// drain forwards Mode events to the client in queue order and closes turns
// on response_ended and interrupted.
func (s *session) drain(ctx context.Context, m mode.Mode) {
	defer s.loops.Done()
	defer func() {
		if r := recover(); r != nil {
			s.fail(r)
		}
	}()

	events := m.Events()
	persistCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.forward(persistCtx, ev)
		}
	}
}

func (s *session) forward(ctx context.Context, ev mode.Event) {
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	sessionID := s.sessionID()
	var (
		turnID string
		number int
		ct     *closedTurn
	)
	s.locked(func() { turnID, number, ct = s.observeLocked(ctx, ev) })

	if ev.Type == mode.EventAudio && turnID != "" {
		if format, _ := ev.Data[mode.KeyFormat].(string); format == string(audio.CodecPCM16) {
			if err := s.h.cfg.Audio.AppendAIAudio(sessionID, number, ev.AudioBytes()); err != nil {
				slog.Warn("append audio", "session_id", sessionID, "track", audiostore.TrackAI, "error", err)
			}
		}
	}
	if ev.Type == mode.EventError {
		code, _ := ev.Data[mode.KeyErrorCode].(string)
		s.h.cfg.Metrics.Error("mode", code)
	}

	s.send(string(ev.Type), ev.Data, turnID)
	s.persistTurn(ctx, ct)
}

// observeLocked applies one event to the turn state: role labels, tracker
// milestones, accumulated text and turn closing.
func (s *session) observeLocked(ctx context.Context, ev mode.Event) (turnID string, number int, ct *closedTurn) {
	switch ev.Type {
	case mode.EventTranscript:
		ev.Data["role_label"] = s.roleLabel(ev.Role())
	case mode.EventTextDelta:
		ev.Data["role_label"] = s.roleLabel(mode.RoleAssistant)
	}

	if s.turn == nil && (ev.Type == mode.EventSpeechStarted || (ev.Type == mode.EventTranscript && ev.Role() == mode.RoleUser)) {
		s.openTurnLocked(ctx)
	}
	t := s.turn
	if t == nil {
		return "", 0, nil
	}
	turnID, number = t.ID, t.Number

	switch ev.Type {
	case mode.EventSpeechStarted:
		s.tracker.Mark(t.ID, latency.SpeechStart)
	case mode.EventSpeechEnded:
		s.tracker.Mark(t.ID, latency.SpeechEnd)
	case mode.EventTranscript:
		if ev.Role() == mode.RoleUser {
			t.Transcript += ev.Text()
			if final, _ := ev.Data[mode.KeyIsFinal].(bool); final {
				s.tracker.Mark(t.ID, latency.STTComplete)
			}
		}
	case mode.EventTextDelta:
		s.tracker.Mark(t.ID, latency.LLMFirstToken)
		t.Response += ev.Text()
	case mode.EventResponseStarted:
		s.tracker.Mark(t.ID, latency.ResponseStart)
	case mode.EventAudio:
		s.tracker.Mark(t.ID, latency.TTSFirstByte)
		if rate := sampleRate(ev.Data[mode.KeySampleRate]); rate > 0 && s.aiRate == 0 {
			s.aiRate = rate
		}
	case mode.EventResponseEnded:
		s.tracker.Mark(t.ID, latency.ResponseEnd)
		ct = s.closeTurnLocked(false, ev.Text())
	case mode.EventInterrupted:
		s.tracker.Mark(t.ID, latency.Interrupted)
		ct = s.closeTurnLocked(true, ev.Text())
	}
	return turnID, number, ct
}

func (s *session) roleLabel(role string) string {
	if role == mode.RoleUser {
		if s.userRole != "" {
			return s.userRole
		}
		return mode.RoleUser
	}
	if s.aiRole != "" {
		return s.aiRole
	}
	return mode.RoleAssistant
}

func sampleRate(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
