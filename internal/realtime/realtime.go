// Package realtime adapts vendor voice-to-voice endpoints to the shared mode
// contract. Each adapter owns one persistent provider connection, decodes its
// frames on a background goroutine and pushes mode Events onto a queue.
package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
)

// ModeName is the registry key of the realtime mode.
const ModeName = "realtime"

// DefaultSetupTimeout bounds the wait for the provider's setup acknowledgment.
const DefaultSetupTimeout = 10 * time.Second

// Provider names accepted in the session config.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Error codes carried by EventError payloads.
const (
	CodeProviderError        = "provider_error"
	CodeProviderDisconnected = "provider_disconnected"
	CodeInvalidAudio         = "invalid_audio"
)

var (
	// ErrUnsupportedProvider is returned by Factory for unknown provider names.
	ErrUnsupportedProvider = errors.New("unsupported realtime provider")
	// ErrSetupTimeout is returned by Connect when the provider never acknowledges setup.
	ErrSetupTimeout = errors.New("realtime setup timed out")
)

// Options holds process-wide provider credentials and defaults.
type Options struct {
	OpenAIKey     string
	OpenAIURL     string
	OpenAIModel   string
	OpenAIVoice   string
	GeminiKey     string
	GeminiModel   string
	GeminiVoice   string
	SetupTimeout  time.Duration
	Metrics       *metrics.Aggregator
	DefaultVendor string
}

func (o Options) setupTimeout() time.Duration {
	if o.SetupTimeout <= 0 {
		return DefaultSetupTimeout
	}
	return o.SetupTimeout
}

// Factory picks the adapter named by the session config's "provider" key.
func Factory(opts Options) mode.Factory {
	return func(cfg mode.Config) (mode.Mode, error) {
		def := opts.DefaultVendor
		if def == "" {
			def = ProviderOpenAI
		}
		switch provider := cfg.String("provider", def); provider {
		case ProviderOpenAI:
			return NewOpenAI(opts), nil
		case ProviderGemini:
			return NewGemini(opts), nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
		}
	}
}

// stream is the event-side state shared by every adapter: the queue, the
// per-direction transcript buffers and the current response's flags.
type stream struct {
	mu         sync.Mutex
	queue      *mode.Queue
	user       transcriptBuffer
	assistant  transcriptBuffer
	responding bool
	suppress   bool
	firstDelta bool
	firstAudio bool
}

func (s *stream) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = mode.NewQueue()
	s.user.Reset()
	s.assistant.Reset()
	s.responding, s.suppress = false, false
}

func (s *stream) events() <-chan mode.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return mode.ClosedEvents()
	}
	return s.queue.Events()
}

func (s *stream) close() {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q != nil {
		q.Close()
	}
}

func (s *stream) pushLocked(ev mode.Event) {
	if s.queue != nil {
		s.queue.Push(ev)
	}
}

func (s *stream) push(ev mode.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ev)
}

// startResponse emits response_started once per response.
func (s *stream) startResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startResponseLocked()
}

func (s *stream) startResponseLocked() {
	if s.responding {
		return
	}
	s.responding = true
	s.suppress = false
	s.firstDelta, s.firstAudio = true, true
	s.assistant.Reset()
	s.pushLocked(mode.NewEvent(mode.EventResponseStarted, nil))
}

// userText forwards the new part of a user transcript.
func (s *stream) userText(text string, cumulative, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh string
	if cumulative {
		fresh = s.user.Cumulative(text)
	} else {
		fresh = s.user.Delta(text)
	}
	if fresh == "" && !final {
		return
	}
	s.pushLocked(mode.NewEvent(mode.EventTranscript, map[string]any{
		mode.KeyText:    fresh,
		mode.KeyRole:    mode.RoleUser,
		mode.KeyIsFinal: final,
	}))
	if final {
		s.user.Reset()
	}
}

// assistantText forwards the new part of the spoken response transcript.
func (s *stream) assistantText(text string, cumulative bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppress {
		return
	}
	s.startResponseLocked()
	var fresh string
	if cumulative {
		fresh = s.assistant.Cumulative(text)
	} else {
		fresh = s.assistant.Delta(text)
	}
	if fresh == "" {
		return
	}
	s.pushLocked(mode.NewEvent(mode.EventTextDelta, map[string]any{
		mode.KeyText:    fresh,
		mode.KeyRole:    mode.RoleAssistant,
		mode.KeyIsFirst: s.firstDelta,
	}))
	s.firstDelta = false
}

func (s *stream) audioOut(pcm []byte, sampleRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppress || len(pcm) == 0 {
		return
	}
	s.startResponseLocked()
	s.pushLocked(mode.NewEvent(mode.EventAudio, map[string]any{
		mode.KeyAudio:      pcm,
		mode.KeyFormat:     string(audio.CodecPCM16),
		mode.KeySampleRate: sampleRate,
		mode.KeyIsFirst:    s.firstAudio,
	}))
	s.firstAudio = false
}

// endResponse closes the current response as completed or interrupted and
// resets both transcript buffers.
func (s *stream) endResponse(interrupted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endResponseLocked(interrupted)
}

func (s *stream) endResponseLocked(interrupted bool) {
	if !s.responding {
		return
	}
	text := s.assistant.String()
	wasSuppressed := s.suppress
	s.responding = false
	s.suppress = false
	s.user.Reset()
	s.assistant.Reset()
	if wasSuppressed {
		// Interrupted was already reported when suppression began.
		return
	}
	if interrupted {
		s.pushLocked(mode.NewEvent(mode.EventInterrupted, map[string]any{mode.KeyText: text}))
		return
	}
	s.pushLocked(mode.NewEvent(mode.EventResponseEnded, map[string]any{mode.KeyText: text}))
}

// suppressResponse drops the rest of the current response and reports the
// interruption immediately. Returns false when nothing is being said.
func (s *stream) suppressResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.responding || s.suppress {
		return false
	}
	text := s.assistant.String()
	s.suppress = true
	s.user.Reset()
	s.assistant.Reset()
	s.pushLocked(mode.NewEvent(mode.EventInterrupted, map[string]any{mode.KeyText: text}))
	return true
}

func (s *stream) isResponding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responding && !s.suppress
}

// pcmFor converts a client chunk to mono PCM16 at rate.
func pcmFor(chunk mode.AudioChunk, rate int) ([]byte, error) {
	codec, err := audio.ParseCodec(chunk.Format)
	if err != nil {
		return nil, err
	}
	src := chunk.SampleRate
	if src <= 0 {
		src = rate
	}
	if codec == audio.CodecPCM16 && src == rate {
		return chunk.Data, nil
	}
	samples, srcRate, err := audio.Decode(chunk.Data, codec, src)
	if err != nil {
		return nil, err
	}
	return audio.EncodePCM16(audio.Resample(samples, srcRate, rate)), nil
}
