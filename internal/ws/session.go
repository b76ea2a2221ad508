package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/audiostore"
	"github.com/hubenschmidt/voice-session-gateway/internal/latency"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
	"github.com/hubenschmidt/voice-session-gateway/internal/store"
)

const writeTimeout = 10 * time.Second

// session is the state of one client connection. The receive loop and the
// event drain loop both touch the open turn and the tracker, so mu guards
// everything below it.
type session struct {
	h    *Handler
	conn *websocket.Conn

	// loops tracks the heartbeat and event drain goroutines.
	loops sync.WaitGroup

	writeMu  sync.Mutex
	failOnce sync.Once
	// id is set once the session is configured; it is read lock-free so
	// the fault path never waits on mu.
	id atomic.Value

	mu         sync.Mutex
	m          mode.Mode
	rec        *store.Session
	bargeIn    bool
	userRole   string
	aiRole     string
	tracker    *latency.Tracker
	turn       *store.Turn
	turnCount  int
	userFormat string
	userRate   int
	aiRate     int
}

func newSession(h *Handler, conn *websocket.Conn) *session {
	return &session{h: h, conn: conn, tracker: latency.NewTracker()}
}

func (s *session) sessionID() string {
	id, _ := s.id.Load().(string)
	return id
}

// locked runs fn under mu and releases it even if fn panics.
func (s *session) locked(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *session) activeMode() mode.Mode {
	var m mode.Mode
	s.locked(func() { m = s.m })
	return m
}

// send writes one outbound frame. Writes are serialized; gorilla allows a
// single concurrent writer.
func (s *session) send(msgType string, data map[string]any, turnID string) error {
	if data == nil {
		data = map[string]any{}
	}
	msg := outbound{Type: msgType, Data: data, SessionID: s.sessionID(), TurnID: turnID}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		slog.Debug("write event", "session_id", msg.SessionID, "type", msgType, "error", err)
		return err
	}
	return nil
}

func (s *session) sendError(code, message string, details any) {
	s.send(MsgError, errorData(code, message, details), "")
}

// fail reports an unrecoverable handler fault once and closes the socket,
// which unblocks the receive loop and starts shutdown.
func (s *session) fail(v any) {
	s.failOnce.Do(func() {
		slog.Error("session panic", "session_id", s.sessionID(), "panic", v)
		s.h.cfg.Metrics.Error("handler", "panic")
		s.sendError(CodeInternalError, "internal error", nil)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// openTurnLocked opens a turn if none is open and returns the open one.
func (s *session) openTurnLocked(ctx context.Context) *store.Turn {
	if s.turn != nil {
		return s.turn
	}
	sessionID := s.sessionID()
	number := s.turnCount + 1
	if n, err := s.h.cfg.Store.NextTurnNumber(ctx, sessionID); err != nil {
		slog.Warn("next turn number", "session_id", sessionID, "error", err)
	} else if n > number {
		number = n
	}
	s.turnCount = number

	t := &store.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Number:    number,
		StartedAt: time.Now().UTC(),
	}
	if err := s.h.cfg.Store.CreateTurn(ctx, t); err != nil {
		slog.Warn("create turn", "session_id", sessionID, "turn_id", t.ID, "error", err)
	}
	s.turn = t
	s.tracker.StartTurn(t.ID)
	slog.Debug("turn opened", "session_id", sessionID, "turn_id", t.ID, "turn_number", number)
	return t
}

// closedTurn is everything needed to persist a turn after it left the
// session state.
type closedTurn struct {
	turn       store.Turn
	metrics    latency.Metrics
	hasMetrics bool
	modeName   string
	userFormat string
	userRate   int
	aiRate     int
}

// closeTurnLocked ends the open turn, derives its latency and clears the
// tracker entry. Returns nil when no turn is open.
func (s *session) closeTurnLocked(interrupted bool, responseText string) *closedTurn {
	t := s.turn
	if t == nil {
		return nil
	}
	s.turn = nil

	now := time.Now().UTC()
	t.EndedAt = &now
	t.Interrupted = t.Interrupted || interrupted
	if responseText != "" {
		t.Response = responseText
	}

	ct := &closedTurn{
		turn:       *t,
		modeName:   s.m.Name(),
		userFormat: s.userFormat,
		userRate:   s.userRate,
		aiRate:     s.aiRate,
	}
	ct.metrics, ct.hasMetrics = s.tracker.Metrics(t.ID, ct.modeName)
	s.tracker.Clear(t.ID)
	s.userFormat, s.userRate, s.aiRate = "", 0, 0
	return ct
}

// persistTurn hands a closed turn to the store and audio collaborators.
// Failures are logged only.
func (s *session) persistTurn(ctx context.Context, ct *closedTurn) {
	if ct == nil {
		return
	}
	cfg := s.h.cfg
	t := ct.turn
	if err := cfg.Store.UpdateTurn(ctx, &t); err != nil {
		slog.Warn("update turn", "session_id", t.SessionID, "turn_id", t.ID, "error", err)
	}

	if ct.hasMetrics {
		rec := &store.LatencyRecord{TurnID: t.ID, SessionID: t.SessionID, Metrics: ct.metrics, CreatedAt: time.Now().UTC()}
		if err := cfg.Store.CreateLatencyMetrics(ctx, rec); err != nil {
			slog.Warn("record latency", "session_id", t.SessionID, "turn_id", t.ID, "error", err)
		}
		cfg.Metrics.ObserveTurn(metrics.TurnLatency{Mode: ct.modeName, TotalMs: ct.metrics.TotalMs, Interrupted: t.Interrupted})
	}

	s.exportAudio(ct)
	slog.Info("turn closed", "session_id", t.SessionID, "turn_id", t.ID, "turn_number", t.Number,
		"interrupted", t.Interrupted, "total_ms", ct.metrics.TotalMs)
}

func (s *session) exportAudio(ct *closedTurn) {
	as := s.h.cfg.Audio
	if !as.Enabled() {
		return
	}
	t := ct.turn
	if err := as.CloseTurn(t.SessionID, t.Number); err != nil {
		slog.Warn("close audio", "session_id", t.SessionID, "turn_number", t.Number, "error", err)
	}
	if ct.userFormat == string(audio.CodecPCM16) && ct.userRate > 0 {
		if _, err := as.ExportWAV(t.SessionID, t.Number, audiostore.TrackUser, ct.userRate); err != nil {
			slog.Warn("export audio", "session_id", t.SessionID, "track", audiostore.TrackUser, "error", err)
		}
	}
	if ct.aiRate > 0 {
		if _, err := as.ExportWAV(t.SessionID, t.Number, audiostore.TrackAI, ct.aiRate); err != nil {
			slog.Warn("export audio", "session_id", t.SessionID, "track", audiostore.TrackAI, "error", err)
		}
	}
}

// finish marks the session ended or disconnected and releases audio files.
func (s *session) finish(ctx context.Context, readErr error) {
	var (
		ct  *closedTurn
		rec *store.Session
	)
	s.locked(func() {
		if s.m != nil {
			ct = s.closeTurnLocked(false, "")
		}
		rec = s.rec
	})

	s.persistTurn(ctx, ct)
	if rec == nil {
		return
	}

	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.Status = store.StatusDisconnected
	// A nil readErr means the handler closed the socket after a fault.
	if readErr != nil && websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		rec.Status = store.StatusEnded
	}
	if err := s.h.cfg.Store.UpdateSession(ctx, rec); err != nil {
		slog.Warn("update session", "session_id", rec.ID, "error", err)
	}
	if err := s.h.cfg.Audio.CloseSession(rec.ID); err != nil {
		slog.Warn("close audio", "session_id", rec.ID, "error", err)
	}
	s.h.cfg.Metrics.SessionEnded(rec.Mode)
	slog.Info("session closed", "session_id", rec.ID, "mode", rec.Mode, "status", rec.Status)
}
