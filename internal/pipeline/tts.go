package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// ttsReadSize is the granularity at which synthesized audio is forwarded and
// at which interruption is checked.
const ttsReadSize = 4096

// errStopStream is returned by a chunk callback to abandon a synthesis.
var errStopStream = errors.New("tts stream stopped")

// TTSOptions holds per-call TTS parameters.
type TTSOptions struct {
	Speed float64
	Voice string
}

// AudioFormat describes what a synthesizer emits.
type AudioFormat struct {
	Codec      string
	SampleRate int
}

// ChunkCallback receives synthesized audio. Returning an error stops the stream.
type ChunkCallback func(chunk []byte) error

// TTSSynthesizer streams audio for text.
type TTSSynthesizer interface {
	SynthesizeStream(ctx context.Context, text string, opts TTSOptions, onChunk ChunkCallback) error
	Format() AudioFormat
}

// TTSRouter dispatches to the correct TTS backend based on engine name and
// records stage latency to first byte.
type TTSRouter struct {
	*Router[TTSSynthesizer]
	metrics *metrics.Aggregator
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]TTSSynthesizer, fallback string, agg *metrics.Aggregator) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback), metrics: agg}
}

// Format returns the output format of the engine's backend.
func (r *TTSRouter) Format(engine string) AudioFormat {
	backend, err := r.Route(engine)
	if err != nil {
		return AudioFormat{}
	}
	return backend.Format()
}

// SynthesizeStream routes to the correct backend and streams its audio.
func (r *TTSRouter) SynthesizeStream(ctx context.Context, text, engine string, opts TTSOptions, onChunk ChunkCallback) error {
	backend, err := r.Route(engine)
	if err != nil {
		return err
	}
	start := time.Now()
	first := true
	err = backend.SynthesizeStream(ctx, text, opts, func(chunk []byte) error {
		if first {
			first = false
			r.metrics.ObserveStage("tts", time.Since(start))
		}
		return onChunk(chunk)
	})
	if err != nil && !errors.Is(err, errStopStream) {
		r.metrics.Error("tts", "synth")
	}
	return err
}

// --- Piper backend (local neural TTS, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(url, voice string, client *http.Client) TTSSynthesizer {
	return &piperSynthesizer{url: url, voice: voice, client: client}
}

func (p *piperSynthesizer) Format() AudioFormat {
	return AudioFormat{Codec: "wav", SampleRate: 22050}
}

func (p *piperSynthesizer) SynthesizeStream(ctx context.Context, text string, opts TTSOptions, onChunk ChunkCallback) error {
	voice := p.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	payload := struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice}
	return streamTTSResponse(ctx, p.client, p.url+"/synthesize", payload, nil, onChunk)
}

// --- OpenAI-compatible backend (OpenAI, Kokoro, any /v1/audio/speech server) ---

type openaiSynthesizer struct {
	url    string
	apiKey string
	model  string
	voice  string
	client *http.Client
}

func NewOpenAISynthesizer(url, apiKey, model, voice string, client *http.Client) TTSSynthesizer {
	return &openaiSynthesizer{url: url, apiKey: apiKey, model: model, voice: voice, client: client}
}

// Format is raw 24kHz PCM16, the response_format=pcm contract.
func (o *openaiSynthesizer) Format() AudioFormat {
	return AudioFormat{Codec: "pcm16", SampleRate: 24000}
}

func (o *openaiSynthesizer) SynthesizeStream(ctx context.Context, text string, opts TTSOptions, onChunk ChunkCallback) error {
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	payload := struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, Speed: opts.Speed, ResponseFormat: "pcm"}
	header := http.Header{}
	if o.apiKey != "" {
		header.Set("Authorization", "Bearer "+o.apiKey)
	}
	return streamTTSResponse(ctx, o.client, o.url+"/v1/audio/speech", payload, header, onChunk)
}

// --- ElevenLabs backend (cloud streaming API, raw PCM output) ---

type elevenlabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	return &elevenlabsSynthesizer{
		baseURL: "https://api.elevenlabs.io",
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: modelID,
		client:  client,
	}
}

func (e *elevenlabsSynthesizer) Format() AudioFormat {
	return AudioFormat{Codec: "pcm16", SampleRate: 24000}
}

func (e *elevenlabsSynthesizer) SynthesizeStream(ctx context.Context, text string, opts TTSOptions, onChunk ChunkCallback) error {
	voiceID := e.voiceID
	if opts.Voice != "" {
		voiceID = opts.Voice
	}
	payload := struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID}
	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_24000", e.baseURL, voiceID)
	return streamTTSResponse(ctx, e.client, url, payload, header, onChunk)
}

// --- shared HTTP helper ---

// streamTTSResponse posts payload and forwards the audio body in
// ttsReadSize pieces.
func streamTTSResponse(ctx context.Context, client *http.Client, url string, payload any, header http.Header, onChunk ChunkCallback) error {
	resp, err := postJSON(ctx, client, url, payload, header)
	if err != nil {
		return fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, ttsReadSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err = onChunk(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("tts read: %w", readErr)
		}
	}
}
