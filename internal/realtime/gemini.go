package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash-live-001"
	geminiInputRate     = 16000
	geminiOutputRate    = 24000
	geminiInputMIMEType = "audio/pcm;rate=16000"
)

// liveSession is the part of *genai.Session the adapter drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// liveDialer opens a Live API session.
type liveDialer func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// GeminiLive drives the Gemini Live API through the genai SDK.
type GeminiLive struct {
	opts Options
	dial liveDialer
	stream

	connMu     sync.Mutex
	session    liveSession
	connected  bool
	closing    bool
	sessionID  string
	done       chan struct{}
	userActive bool
}

// NewGemini creates an unconnected adapter.
func NewGemini(opts Options) *GeminiLive {
	return &GeminiLive{opts: opts, dial: genaiDialer(opts.GeminiKey)}
}

func genaiDialer(apiKey string) liveDialer {
	return func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("genai client: %w", err)
		}
		session, err := client.Live.Connect(ctx, model, cfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func (g *GeminiLive) Name() string { return ModeName }

func (g *GeminiLive) IsConnected() bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.connected
}

func (g *GeminiLive) Events() <-chan mode.Event {
	return g.events()
}

func (g *GeminiLive) connectConfig(cfg mode.Config, systemPrompt string) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if systemPrompt != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if voice := cfg.String("voice", g.opts.GeminiVoice); voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
			LanguageCode: cfg.String("language", ""),
		}
	}
	return lc
}

// Connect opens the Live session and blocks until setupComplete arrives or
// the setup timeout elapses.
func (g *GeminiLive) Connect(ctx context.Context, sessionID string, cfg mode.Config, systemPrompt string) error {
	if g.IsConnected() {
		return nil
	}
	model := cfg.String("model", g.opts.GeminiModel)
	if model == "" {
		model = geminiDefaultModel
	}

	timeout := g.opts.setupTimeout()
	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := g.dial(setupCtx, model, g.connectConfig(cfg, systemPrompt))
	if err != nil {
		return fmt.Errorf("gemini live connect: %w", err)
	}

	if err = awaitSetup(setupCtx, session); err != nil {
		session.Close()
		return err
	}

	g.open()
	g.connMu.Lock()
	g.session = session
	g.connected = true
	g.closing = false
	g.userActive = false
	g.sessionID = sessionID
	g.done = make(chan struct{})
	g.connMu.Unlock()

	go g.receiveLoop(session, g.done)

	g.opts.Metrics.RecordCall(ModeName, "connect")
	slog.Info("realtime connected", "session_id", sessionID, "provider", ProviderGemini, "model", model)
	return nil
}

// awaitSetup reads until setupComplete. Receive cannot be cancelled, so on
// timeout the caller's Close unblocks the reader goroutine.
func awaitSetup(ctx context.Context, session liveSession) error {
	result := make(chan error, 1)
	go func() {
		for {
			msg, err := session.Receive()
			if err != nil {
				result <- fmt.Errorf("gemini setup read: %w", err)
				return
			}
			if msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("gemini: %w", ErrSetupTimeout)
	}
}

// Disconnect closes the Live session, waits for the receive loop and closes Events.
func (g *GeminiLive) Disconnect() error {
	g.connMu.Lock()
	session, done := g.session, g.done
	g.session = nil
	g.connected = false
	g.closing = true
	g.connMu.Unlock()
	if session == nil {
		return nil
	}

	err := session.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("realtime receive stuck", "session_id", g.sessionID, "provider", ProviderGemini)
	}
	g.close()
	g.opts.Metrics.RecordCall(ModeName, "disconnect")
	return err
}

// SendAudio forwards the chunk as 16kHz PCM16. No local buffering.
func (g *GeminiLive) SendAudio(_ context.Context, chunk mode.AudioChunk) error {
	session, err := g.current()
	if err != nil {
		return err
	}
	pcm, err := pcmFor(chunk, geminiInputRate)
	if err != nil {
		g.push(mode.ErrorEvent(CodeInvalidAudio, err.Error()))
		return nil
	}
	g.opts.Metrics.RecordCall(ModeName, "send_audio")
	return session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: geminiInputMIMEType, Data: pcm},
	})
}

// EndTurn signals end of the audio stream so the provider responds now.
func (g *GeminiLive) EndTurn(_ context.Context) error {
	session, err := g.current()
	if err != nil {
		return err
	}
	g.opts.Metrics.RecordCall(ModeName, "end_turn")
	g.markSpeechEnded()
	return session.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true})
}

// Interrupt suppresses the rest of the current response locally. The Live
// API has no cancel message; its audio is dropped until the turn completes.
func (g *GeminiLive) Interrupt(_ context.Context) error {
	if _, err := g.current(); err != nil {
		return err
	}
	g.opts.Metrics.RecordCall(ModeName, "interrupt")
	g.suppressResponse()
	return nil
}

func (g *GeminiLive) current() (liveSession, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if !g.connected {
		return nil, mode.ErrNotConnected
	}
	return g.session, nil
}

func (g *GeminiLive) receiveLoop(session liveSession, done chan struct{}) {
	defer close(done)
	for {
		msg, err := session.Receive()
		if err != nil {
			g.connMu.Lock()
			closing := g.closing
			g.connected = false
			g.connMu.Unlock()
			if !closing {
				slog.Error("realtime receive", "session_id", g.sessionID, "provider", ProviderGemini, "error", err)
				g.opts.Metrics.Error("realtime", "disconnect")
				g.push(mode.ErrorEvent(CodeProviderDisconnected, err.Error()))
			}
			return
		}
		g.handleMessage(msg)
	}
}

// markSpeechStarted and markSpeechEnded synthesize speech boundaries, which
// the Live API only implies through input transcription and model output.
func (g *GeminiLive) markSpeechStarted() {
	g.connMu.Lock()
	started := !g.userActive
	g.userActive = true
	g.connMu.Unlock()
	if started {
		g.push(mode.NewEvent(mode.EventSpeechStarted, nil))
	}
}

func (g *GeminiLive) markSpeechEnded() {
	g.connMu.Lock()
	ended := g.userActive
	g.userActive = false
	g.connMu.Unlock()
	if ended {
		g.push(mode.NewEvent(mode.EventSpeechEnded, nil))
	}
}

func (g *GeminiLive) handleMessage(msg *genai.LiveServerMessage) {
	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			g.markSpeechStarted()
			// Live transcription frames carry only the newly recognized text.
			g.userText(t.Text, false, t.Finished)
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil {
					continue
				}
				g.markSpeechEnded()
				g.audioOut(part.InlineData.Data, geminiOutputRate)
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			g.markSpeechEnded()
			g.assistantText(t.Text, false)
		}
		if sc.Interrupted {
			g.endResponse(true)
		}
		if sc.TurnComplete {
			g.endResponse(false)
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			g.push(mode.NewEvent(mode.EventToolCall, map[string]any{
				"call_id":   fc.ID,
				"name":      fc.Name,
				"arguments": fc.Args,
			}))
		}
	}
}

var _ mode.Mode = (*GeminiLive)(nil)
