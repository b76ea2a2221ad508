// Package pipeline implements the cascade interaction mode: buffered client
// audio is transcribed, answered by a streaming LLM, and spoken back by a
// streaming TTS engine, sentence by sentence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
)

// ModeName is the registry key of the cascade mode.
const ModeName = "cascade"

// Error codes carried by EventError payloads.
const (
	CodeTranscribeFailed = "stt_failed"
	CodeGenerateFailed   = "llm_failed"
	CodeSynthesizeFailed = "tts_failed"
	CodeInvalidAudio     = "invalid_audio"
)

const asrSampleRate = 16000

// turnTimeout bounds a single turn so a hung backend cannot stall the worker.
const turnTimeout = 2 * time.Minute

// Transcriber is the ASR stage as seen by the pipeline.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, engine, language string) (*ASRResult, error)
}

// Generator is the LLM stage as seen by the pipeline.
type Generator interface {
	Chat(ctx context.Context, req ChatRequest, engine string, onToken TokenCallback) (*LLMResult, error)
}

// Synthesizer is the TTS stage as seen by the pipeline.
type Synthesizer interface {
	SynthesizeStream(ctx context.Context, text, engine string, opts TTSOptions, onChunk ChunkCallback) error
	Format(engine string) AudioFormat
}

// Denoiser suppresses background noise ahead of transcription.
type Denoiser interface {
	Denoise(ctx context.Context, samples []float32) ([]float32, error)
}

// Backends are the shared stage clients. One set serves every session.
// Denoise is optional.
type Backends struct {
	ASR     Transcriber
	LLM     Generator
	TTS     Synthesizer
	Denoise Denoiser
	VAD     audio.VADConfig
	Metrics *metrics.Aggregator
}

// settings are the per-session choices read from the client config.
type settings struct {
	sttEngine    string
	llmEngine    string
	llmModel     string
	ttsEngine    string
	voice        string
	language     string
	autoEndTurn  bool
	denoise      bool
	pipelinedTTS bool
	sampleRate   int
	ttsSpeed     float64
}

func settingsFrom(cfg mode.Config) settings {
	s := settings{
		sttEngine:    cfg.String("stt_engine", ""),
		llmEngine:    cfg.String("llm_engine", ""),
		llmModel:     cfg.String("llm_model", cfg.String("model", "")),
		ttsEngine:    cfg.String("tts_engine", ""),
		voice:        cfg.String("voice", ""),
		language:     cfg.String("language", ""),
		autoEndTurn:  cfg.Bool("auto_end_turn", false),
		denoise:      cfg.Bool("denoise", false),
		pipelinedTTS: cfg.Bool("pipelined_tts", false),
		sampleRate:   cfg.Int("input_sample_rate", asrSampleRate),
	}
	if v, ok := cfg["tts_speed"].(float64); ok {
		s.ttsSpeed = v
	}
	return s
}

// Pipeline is one session's cascade mode.
type Pipeline struct {
	b Backends

	mu        sync.Mutex
	connected bool
	sessionID string
	settings  settings
	queue     *mode.Queue
	history   []Message
	buf       []float32
	vad       *audio.VAD
	voiced    bool
	inflight  *turnRun

	turns  chan []float32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// turnRun is one in-flight ASR → LLM → TTS pass.
type turnRun struct {
	cancel      context.CancelFunc
	interrupted atomic.Bool
}

// New creates an unconnected pipeline.
func New(b Backends) *Pipeline {
	return &Pipeline{b: b}
}

// Factory adapts New to the mode registry.
func Factory(b Backends) mode.Factory {
	return func(mode.Config) (mode.Mode, error) {
		return New(b), nil
	}
}

func (p *Pipeline) Name() string { return ModeName }

func (p *Pipeline) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Events returns the current connection's event channel.
func (p *Pipeline) Events() <-chan mode.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return mode.ClosedEvents()
	}
	return p.queue.Events()
}

// Connect validates the stage clients and seeds the conversation history.
// The cascade backends are stateless HTTP services, so there is no setup
// handshake to wait for.
func (p *Pipeline) Connect(_ context.Context, sessionID string, cfg mode.Config, systemPrompt string) error {
	if p.b.ASR == nil || p.b.LLM == nil || p.b.TTS == nil {
		return errors.New("cascade: asr, llm and tts backends are required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}

	p.sessionID = sessionID
	p.settings = settingsFrom(cfg)
	p.queue = mode.NewQueue()
	p.history = nil
	if systemPrompt != "" {
		p.history = append(p.history, Message{Role: "system", Content: systemPrompt})
	}
	vadCfg := p.b.VAD
	vadCfg.SampleRate = asrSampleRate
	p.vad = audio.NewVAD(vadCfg)
	p.buf = nil
	p.voiced = false
	p.turns = make(chan []float32, 8)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.connected = true

	p.wg.Add(1)
	go p.worker()

	p.b.Metrics.RecordCall(ModeName, "connect")
	slog.Info("cascade connected", "session_id", sessionID, "llm_engine", p.settings.llmEngine, "tts_engine", p.settings.ttsEngine)
	return nil
}

// Disconnect stops the worker, abandons any in-flight turn and closes Events.
func (p *Pipeline) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	p.cancel()
	queue := p.queue
	p.mu.Unlock()

	p.wg.Wait()
	queue.Close()
	p.b.Metrics.RecordCall(ModeName, "disconnect")
	return nil
}

// SendAudio decodes the chunk to 16kHz and appends it to the turn buffer.
func (p *Pipeline) SendAudio(_ context.Context, chunk mode.AudioChunk) error {
	codec, err := audio.ParseCodec(chunk.Format)
	if err != nil {
		return p.reportAudioError(err)
	}
	rate := chunk.SampleRate
	if rate <= 0 {
		rate = p.currentSettings().sampleRate
	}
	samples, srcRate, err := audio.Decode(chunk.Data, codec, rate)
	if err != nil {
		return p.reportAudioError(err)
	}
	resampled := audio.Resample(samples, srcRate, asrSampleRate)

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return mode.ErrNotConnected
	}
	p.b.Metrics.RecordCall(ModeName, "send_audio")
	p.buf = append(p.buf, resampled...)

	res := p.vad.Process(resampled)
	if res.SpeechStarted && !p.voiced {
		p.voiced = true
		p.queue.Push(mode.NewEvent(mode.EventSpeechStarted, nil))
	}
	var samplesForTurn []float32
	if res.SpeechEnded && p.settings.autoEndTurn {
		samplesForTurn = p.takeTurnLocked()
	}
	p.mu.Unlock()

	if samplesForTurn != nil {
		p.enqueueTurn(samplesForTurn)
	}
	return nil
}

func (p *Pipeline) reportAudioError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return mode.ErrNotConnected
	}
	p.queue.Push(mode.ErrorEvent(CodeInvalidAudio, err.Error()))
	return nil
}

// EndTurn hands the buffered audio to the worker. An empty buffer is a no-op.
func (p *Pipeline) EndTurn(_ context.Context) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return mode.ErrNotConnected
	}
	p.b.Metrics.RecordCall(ModeName, "end_turn")
	samples := p.takeTurnLocked()
	p.mu.Unlock()

	if samples != nil {
		p.enqueueTurn(samples)
	}
	return nil
}

// takeTurnLocked detaches the buffer and announces end of speech. Returns nil
// when there is nothing to process.
func (p *Pipeline) takeTurnLocked() []float32 {
	if len(p.buf) == 0 {
		return nil
	}
	samples := p.buf
	p.buf = nil
	p.voiced = false
	p.vad.Reset()
	p.queue.Push(mode.NewEvent(mode.EventSpeechEnded, nil))
	return samples
}

func (p *Pipeline) enqueueTurn(samples []float32) {
	p.mu.Lock()
	turns, ctx, ok := p.turns, p.ctx, p.connected
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case turns <- samples:
	case <-ctx.Done():
	}
}

// Interrupt abandons the in-flight turn. The worker reports it with a single
// interrupted event. Without an in-flight turn this is a no-op.
func (p *Pipeline) Interrupt(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return mode.ErrNotConnected
	}
	p.b.Metrics.RecordCall(ModeName, "interrupt")
	run := p.inflight
	if run == nil {
		return nil
	}
	if run.interrupted.CompareAndSwap(false, true) {
		run.cancel()
	}
	return nil
}

func (p *Pipeline) currentSettings() settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

func (p *Pipeline) emit(ev mode.Event) {
	p.mu.Lock()
	q := p.queue
	p.mu.Unlock()
	if q != nil {
		q.Push(ev)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case samples := <-p.turns:
			p.runTurn(samples)
		}
	}
}

// denoise runs the optional noise suppression stage. Failures fall back to
// the raw samples.
func (p *Pipeline) denoise(ctx context.Context, samples []float32, cfg settings) []float32 {
	if !cfg.denoise || p.b.Denoise == nil {
		return samples
	}
	start := time.Now()
	clean, err := p.b.Denoise.Denoise(ctx, samples)
	if err != nil {
		slog.Warn("denoise failed", "session_id", p.sessionID, "error", err)
		p.b.Metrics.Error("denoise", "request")
		return samples
	}
	p.b.Metrics.ObserveStage("denoise", time.Since(start))
	return clean
}

// runTurn executes ASR, then LLM and TTS. Stage failures become error events followed by response_ended
// so the turn always closes.
func (p *Pipeline) runTurn(samples []float32) {
	runCtx, cancel := context.WithTimeout(p.ctx, turnTimeout)
	run := &turnRun{cancel: cancel}
	p.mu.Lock()
	p.inflight = run
	cfg := p.settings
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		p.inflight = nil
		p.mu.Unlock()
	}()

	samples = p.denoise(runCtx, samples, cfg)
	asrResult, err := p.b.ASR.Transcribe(runCtx, samples, cfg.sttEngine, cfg.language)
	if run.interrupted.Load() {
		p.emit(mode.NewEvent(mode.EventInterrupted, nil))
		return
	}
	if err != nil {
		slog.Error("transcribe failed", "session_id", p.sessionID, "error", err)
		p.emit(mode.ErrorEvent(CodeTranscribeFailed, err.Error()))
		p.emit(mode.NewEvent(mode.EventResponseEnded, map[string]any{mode.KeyText: ""}))
		return
	}

	transcript := strings.TrimSpace(asrResult.Text)
	if transcript == "" || isNoiseTranscript(transcript) {
		slog.Info("transcript filtered", "session_id", p.sessionID, "text", transcript)
		p.emit(mode.NewEvent(mode.EventResponseEnded, map[string]any{mode.KeyText: "", "skipped": true}))
		return
	}

	p.emit(mode.NewEvent(mode.EventTranscript, map[string]any{
		mode.KeyText:      transcript,
		mode.KeyRole:      mode.RoleUser,
		mode.KeyIsFinal:   true,
		mode.KeyLatencyMs: asrResult.LatencyMs,
	}))

	p.mu.Lock()
	p.history = append(p.history, Message{Role: "user", Content: transcript})
	req := ChatRequest{Messages: append([]Message(nil), p.history...), Model: cfg.llmModel}
	p.mu.Unlock()

	p.emit(mode.NewEvent(mode.EventResponseStarted, nil))

	text, err := p.respond(runCtx, run, req, cfg)

	if text != "" {
		p.mu.Lock()
		p.history = append(p.history, Message{Role: "assistant", Content: text})
		p.mu.Unlock()
	}

	if run.interrupted.Load() {
		p.emit(mode.NewEvent(mode.EventInterrupted, map[string]any{mode.KeyText: text}))
		return
	}
	if err != nil {
		slog.Error("response failed", "session_id", p.sessionID, "error", err)
		p.emit(mode.ErrorEvent(errorCode(err), err.Error()))
	}
	p.emit(mode.NewEvent(mode.EventResponseEnded, map[string]any{mode.KeyText: text}))
}

type stageError struct {
	code string
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func errorCode(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.code
	}
	return CodeGenerateFailed
}

// respond streams the LLM reply and speaks it. By default synthesis starts
// once generation has finished, so every text_delta precedes the first audio
// chunk. With pipelined_tts each completed sentence is synthesized while
// generation continues, trading that ordering for earlier first audio.
func (p *Pipeline) respond(ctx context.Context, run *turnRun, req ChatRequest, cfg settings) (string, error) {
	if cfg.pipelinedTTS {
		return p.streamLLMWithTTS(ctx, run, req, cfg)
	}

	var sentences []string
	text, err := p.generate(ctx, run, req, cfg, func(s string) {
		sentences = append(sentences, s)
	})
	if err != nil || run.interrupted.Load() {
		return text, err
	}

	sentenceCh := make(chan string, len(sentences))
	for _, s := range sentences {
		sentenceCh <- s
	}
	close(sentenceCh)
	if ttsErr := p.consumeSentences(ctx, run, sentenceCh, cfg); ttsErr != nil {
		return text, &stageError{code: CodeSynthesizeFailed, err: fmt.Errorf("tts: %w", ttsErr)}
	}
	return text, nil
}

// streamLLMWithTTS runs LLM streaming and TTS synthesis concurrently. Each
// completed sentence is synthesized by a consumer goroutine so the first
// audio is ready before generation finishes.
func (p *Pipeline) streamLLMWithTTS(ctx context.Context, run *turnRun, req ChatRequest, cfg settings) (string, error) {
	sentenceCh := make(chan string, 4)
	ttsErrCh := make(chan error, 1)

	go func() {
		ttsErrCh <- p.consumeSentences(ctx, run, sentenceCh, cfg)
	}()

	text, err := p.generate(ctx, run, req, cfg, func(s string) {
		select {
		case sentenceCh <- s:
		case <-ctx.Done():
		}
	})
	close(sentenceCh)
	ttsErr := <-ttsErrCh

	if err != nil {
		return text, err
	}
	if ttsErr != nil {
		return text, &stageError{code: CodeSynthesizeFailed, err: fmt.Errorf("tts: %w", ttsErr)}
	}
	return text, nil
}

// generate streams LLM tokens as text_delta events and hands each completed
// sentence to onSentence. The interrupted flag is checked per token.
func (p *Pipeline) generate(ctx context.Context, run *turnRun, req ChatRequest, cfg settings, onSentence func(string)) (string, error) {
	var sb sentenceBuffer
	var cf codeFilter
	var spoken strings.Builder
	first := true

	llmResult, err := p.b.LLM.Chat(ctx, req, cfg.llmEngine, func(token string) {
		if run.interrupted.Load() {
			return
		}
		p.emit(mode.NewEvent(mode.EventTextDelta, map[string]any{
			mode.KeyText:    token,
			mode.KeyRole:    mode.RoleAssistant,
			mode.KeyIsFirst: first,
		}))
		first = false
		spoken.WriteString(token)

		filtered := cf.Filter(token)
		if filtered == "" {
			return
		}
		if s := sb.Add(filtered); s != "" {
			onSentence(s)
		}
	})

	if remainder := sb.Flush(); remainder != "" && err == nil && !run.interrupted.Load() {
		onSentence(remainder)
	}

	text := spoken.String()
	if llmResult != nil && !run.interrupted.Load() {
		text = llmResult.Text
	}
	if err != nil {
		return text, &stageError{code: CodeGenerateFailed, err: fmt.Errorf("llm: %w", err)}
	}
	return text, nil
}

// consumeSentences synthesizes sentences in order. After a failure it keeps
// draining the channel so the producer never blocks.
func (p *Pipeline) consumeSentences(ctx context.Context, run *turnRun, sentenceCh <-chan string, cfg settings) error {
	format := p.b.TTS.Format(cfg.ttsEngine)
	opts := TTSOptions{Voice: cfg.voice, Speed: cfg.ttsSpeed}
	first := true
	var failed error

	for sentence := range sentenceCh {
		if failed != nil || run.interrupted.Load() {
			continue
		}
		sentence = StripMarkdown(sentence)
		if sentence == "" {
			continue
		}
		err := p.b.TTS.SynthesizeStream(ctx, sentence, cfg.ttsEngine, opts, func(chunk []byte) error {
			if run.interrupted.Load() {
				return errStopStream
			}
			p.emit(mode.NewEvent(mode.EventAudio, map[string]any{
				mode.KeyAudio:      chunk,
				mode.KeyFormat:     format.Codec,
				mode.KeySampleRate: format.SampleRate,
				mode.KeyIsFirst:    first,
			}))
			first = false
			return nil
		})
		if err != nil && !errors.Is(err, errStopStream) && !run.interrupted.Load() {
			slog.Error("tts sentence", "session_id", p.sessionID, "error", err, "text", sentence)
			failed = err
		}
	}
	return failed
}

// noisePatterns are common ASR hallucinations from background noise.
var noisePatterns = map[string]bool{
	"static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "um": true, "uh": true, "hmm": true, "mhm": true,
}

// isNoiseTranscript returns true if the ASR output is likely background noise.
func isNoiseTranscript(text string) bool {
	for _, pair := range [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}} {
		if len(text) >= 2 && strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			return true
		}
	}
	lower := strings.ToLower(strings.Trim(text, ".!? "))
	return noisePatterns[lower]
}

var _ mode.Mode = (*Pipeline)(nil)
