package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
)

// fakeLive replays scripted server messages and records client input.
type fakeLive struct {
	msgs   chan *genai.LiveServerMessage
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	inputs []genai.LiveRealtimeInput
}

func newFakeLive() *fakeLive {
	return &fakeLive{msgs: make(chan *genai.LiveServerMessage, 32), closed: make(chan struct{})}
}

func (f *fakeLive) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return nil
}

func (f *fakeLive) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-f.closed:
		return nil, errors.New("session closed")
	}
}

func (f *fakeLive) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeLive) sent() []genai.LiveRealtimeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]genai.LiveRealtimeInput(nil), f.inputs...)
}

func serverContent(sc *genai.LiveServerContent) *genai.LiveServerMessage {
	return &genai.LiveServerMessage{ServerContent: sc}
}

func audioPart(data []byte) *genai.LiveServerMessage {
	return serverContent(&genai.LiveServerContent{
		ModelTurn: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{MIMEType: "audio/pcm", Data: data}}}},
	})
}

func connectGemini(t *testing.T, opts Options, live *fakeLive) (*GeminiLive, *genai.LiveConnectConfig) {
	t.Helper()
	var got *genai.LiveConnectConfig
	g := NewGemini(opts)
	g.dial = func(_ context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		assert.Equal(t, geminiDefaultModel, model)
		got = cfg
		return live, nil
	}
	live.msgs <- &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
	require.NoError(t, g.Connect(context.Background(), "s1", mode.Config{"voice": "Puck"}, "be brief"))
	t.Cleanup(func() { g.Disconnect() })
	return g, got
}

func TestGeminiConnectConfig(t *testing.T) {
	_, cfg := connectGemini(t, Options{}, newFakeLive())
	require.NotNil(t, cfg)
	assert.Equal(t, []genai.Modality{genai.ModalityAudio}, cfg.ResponseModalities)
	assert.NotNil(t, cfg.InputAudioTranscription)
	assert.NotNil(t, cfg.OutputAudioTranscription)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "Puck", cfg.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
}

func TestGeminiTurnEvents(t *testing.T) {
	live := newFakeLive()
	g, _ := connectGemini(t, Options{}, live)
	events := g.Events()

	live.msgs <- serverContent(&genai.LiveServerContent{InputTranscription: &genai.Transcription{Text: "what"}})
	live.msgs <- serverContent(&genai.LiveServerContent{InputTranscription: &genai.Transcription{Text: " time", Finished: true}})
	live.msgs <- serverContent(&genai.LiveServerContent{OutputTranscription: &genai.Transcription{Text: "It is"}})
	live.msgs <- serverContent(&genai.LiveServerContent{OutputTranscription: &genai.Transcription{Text: " noon"}})
	live.msgs <- audioPart([]byte{1, 0, 2, 0})
	live.msgs <- serverContent(&genai.LiveServerContent{TurnComplete: true})

	want := []mode.EventType{
		mode.EventSpeechStarted, mode.EventTranscript, mode.EventTranscript, mode.EventSpeechEnded,
		mode.EventResponseStarted, mode.EventTextDelta, mode.EventTextDelta, mode.EventAudio,
		mode.EventResponseEnded,
	}
	var got []mode.Event
	for range want {
		got = append(got, next(t, events))
	}
	for i, ev := range got {
		assert.Equal(t, want[i], ev.Type, "event %d", i)
	}
	assert.Equal(t, "what", got[1].Text())
	assert.Equal(t, " time", got[2].Text())
	assert.Equal(t, true, got[2].Data[mode.KeyIsFinal])
	assert.Equal(t, "It is", got[5].Text())
	assert.Equal(t, " noon", got[6].Text())
	assert.Equal(t, geminiOutputRate, got[7].Data[mode.KeySampleRate])
	assert.Equal(t, "It is noon", got[8].Text())
	quiet(t, events)
}

func TestGeminiSendAudioResamplesAndEndTurn(t *testing.T) {
	live := newFakeLive()
	g, _ := connectGemini(t, Options{}, live)
	ctx := context.Background()

	// 10ms at 24kHz arrives as 10ms at 16kHz.
	require.NoError(t, g.SendAudio(ctx, mode.AudioChunk{Data: make([]byte, 480), Format: "pcm16", SampleRate: 24000}))
	require.NoError(t, g.EndTurn(ctx))

	in := live.sent()
	require.Len(t, in, 2)
	require.NotNil(t, in[0].Audio)
	assert.Equal(t, geminiInputMIMEType, in[0].Audio.MIMEType)
	assert.Len(t, in[0].Audio.Data, 320)
	assert.True(t, in[1].AudioStreamEnd)
}

func TestGeminiInterruptSuppressesRestOfTurn(t *testing.T) {
	live := newFakeLive()
	g, _ := connectGemini(t, Options{}, live)
	events := g.Events()

	live.msgs <- audioPart([]byte{1, 0})
	assert.Equal(t, mode.EventResponseStarted, next(t, events).Type)
	assert.Equal(t, mode.EventAudio, next(t, events).Type)

	require.NoError(t, g.Interrupt(context.Background()))
	assert.Equal(t, mode.EventInterrupted, next(t, events).Type)

	live.msgs <- audioPart([]byte{3, 0})
	live.msgs <- serverContent(&genai.LiveServerContent{Interrupted: true})
	quiet(t, events)

	// The next response is delivered normally.
	live.msgs <- audioPart([]byte{5, 0})
	assert.Equal(t, mode.EventResponseStarted, next(t, events).Type)
	assert.Equal(t, mode.EventAudio, next(t, events).Type)
}

func TestGeminiProviderInterrupted(t *testing.T) {
	live := newFakeLive()
	g, _ := connectGemini(t, Options{}, live)
	events := g.Events()

	live.msgs <- audioPart([]byte{1, 0})
	live.msgs <- serverContent(&genai.LiveServerContent{Interrupted: true})
	assert.Equal(t, mode.EventResponseStarted, next(t, events).Type)
	assert.Equal(t, mode.EventAudio, next(t, events).Type)
	assert.Equal(t, mode.EventInterrupted, next(t, events).Type)
}

func TestGeminiToolCall(t *testing.T) {
	live := newFakeLive()
	g, _ := connectGemini(t, Options{}, live)

	live.msgs <- &genai.LiveServerMessage{ToolCall: &genai.LiveServerToolCall{
		FunctionCalls: []*genai.FunctionCall{{ID: "c1", Name: "lookup", Args: map[string]any{"id": 1}}},
	}}
	ev := next(t, g.Events())
	assert.Equal(t, mode.EventToolCall, ev.Type)
	assert.Equal(t, "c1", ev.Data["call_id"])
}

func TestGeminiSetupTimeout(t *testing.T) {
	live := newFakeLive()
	g := NewGemini(Options{SetupTimeout: 100 * time.Millisecond})
	g.dial = func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) { return live, nil }

	err := g.Connect(context.Background(), "s1", nil, "")
	require.ErrorIs(t, err, ErrSetupTimeout)
	assert.False(t, g.IsConnected())
	select {
	case <-live.closed:
	default:
		t.Fatal("session left open after setup timeout")
	}
}

func TestGeminiDialFailure(t *testing.T) {
	g := NewGemini(Options{})
	g.dial = func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) {
		return nil, errors.New("refused")
	}
	assert.Error(t, g.Connect(context.Background(), "s1", nil, ""))
	assert.ErrorIs(t, g.SendAudio(context.Background(), mode.AudioChunk{}), mode.ErrNotConnected)
}

func TestGeminiDisconnect(t *testing.T) {
	live := newFakeLive()
	g, _ := connectGemini(t, Options{}, live)
	events := g.Events()

	require.NoError(t, g.Disconnect())
	assert.NoError(t, g.Disconnect())
	_, ok := <-events
	assert.False(t, ok)
}
