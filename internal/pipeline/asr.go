package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// ASRTranscriber produces transcriptions from 16kHz mono samples.
type ASRTranscriber interface {
	Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error)
}

// ASRResult holds the transcription output.
type ASRResult struct {
	Text      string  `json:"text"`
	LatencyMs float64 `json:"latency_ms"`
}

// ASRRouter dispatches to the correct ASR backend based on engine name and
// records stage latency on the injected aggregator.
type ASRRouter struct {
	*Router[ASRTranscriber]
	metrics *metrics.Aggregator
}

// NewASRRouter creates a router with registered ASR backends and a fallback default.
func NewASRRouter(backends map[string]ASRTranscriber, fallback string, agg *metrics.Aggregator) *ASRRouter {
	return &ASRRouter{Router: NewRouter(backends, fallback), metrics: agg}
}

// Transcribe routes to the correct backend and transcribes the audio.
func (r *ASRRouter) Transcribe(ctx context.Context, samples []float32, engine, language string) (*ASRResult, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := backend.Transcribe(ctx, samples, language)
	if err != nil {
		r.metrics.Error("asr", "transcribe")
		return nil, err
	}
	latency := time.Since(start)
	r.metrics.ObserveStage("asr", latency)
	if res.LatencyMs == 0 {
		res.LatencyMs = float64(latency.Milliseconds())
	}
	return res, nil
}

// --- whisper.cpp backend (multipart WAV upload) ---

// MultipartASRClient sends audio as multipart WAV to a whisper-compatible HTTP endpoint.
type MultipartASRClient struct {
	url      string
	endpoint string
	label    string
	client   *http.Client
}

// NewWhisperClient creates a client for whisper.cpp (/inference endpoint).
func NewWhisperClient(url string, poolSize int) *MultipartASRClient {
	return &MultipartASRClient{
		url:      url,
		endpoint: "/inference",
		label:    "whisper",
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Transcribe posts the samples as WAV and returns the transcript.
func (c *MultipartASRClient) Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(samples, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.label, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.label, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s status %d: %s", c.label, resp.StatusCode, string(respBody))
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", c.label, err)
	}

	return &ASRResult{
		Text:      result.Text,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}

type whisperResponse struct {
	Text string `json:"text"`
}

func buildMultipartAudio(samples []float32, language string) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, 16000)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if language != "" {
		if err = writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// --- OpenAI transcription backend (openai-go SDK) ---

// OpenAITranscriber uses the OpenAI audio transcription API.
type OpenAITranscriber struct {
	client openai.Client
	model  string
}

// NewOpenAITranscriber creates a transcriber. baseURL may be empty.
func NewOpenAITranscriber(apiKey, baseURL, model string) *OpenAITranscriber {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &OpenAITranscriber{client: openai.NewClient(opts...), model: model}
}

func (o *OpenAITranscriber) Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error) {
	start := time.Now()

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio.SamplesToWAV(samples, 16000)), "audio.wav", "audio/wav"),
		Model: openai.AudioModel(o.model),
	}
	if language != "" {
		params.Language = openai.String(language)
	}

	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	return &ASRResult{
		Text:      resp.Text,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}
