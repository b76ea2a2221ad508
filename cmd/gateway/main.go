package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hubenschmidt/voice-session-gateway/internal/audiostore"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/mode"
	"github.com/hubenschmidt/voice-session-gateway/internal/models"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-session-gateway/internal/realtime"
	"github.com/hubenschmidt/voice-session-gateway/internal/store"
	"github.com/hubenschmidt/voice-session-gateway/internal/ws"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	agg := metrics.NewAggregator(prometheus.DefaultRegisterer)

	repo, closeRepo, err := openStore(cfg.databaseURL)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	audioStore := audiostore.New(cfg.audioStorageDir)
	if audioStore.Enabled() {
		slog.Info("audio capture enabled", "dir", cfg.audioStorageDir)
	}

	asrRouter := newASRRouter(cfg, agg)
	llmRouter := newLLMRouter(cfg, agg)
	ttsRouter := newTTSRouter(cfg, agg)

	ollama := models.NewOllama(cfg.ollamaURL, nil)
	if cfg.ollamaWarm && llmRouter.Has("ollama") {
		warmCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := ollama.Warm(warmCtx, cfg.ollamaModel); err != nil {
			slog.Warn("preload model", "error", err)
		}
		cancel()
	}

	backends := pipeline.Backends{
		ASR:     asrRouter,
		LLM:     llmRouter,
		TTS:     ttsRouter,
		VAD:     cfg.vadConfig,
		Metrics: agg,
	}
	if cfg.noiseURL != "" {
		backends.Denoise = pipeline.NewNoiseClient(cfg.noiseURL, cfg.asrPoolSize)
	}

	modes := mode.NewRegistry()
	modes.Register(pipeline.ModeName, pipeline.Factory(backends))
	modes.Register(realtime.ModeName, realtime.Factory(realtime.Options{
		OpenAIKey:     cfg.openaiAPIKey,
		OpenAIURL:     cfg.realtimeURL,
		OpenAIModel:   cfg.realtimeModel,
		OpenAIVoice:   cfg.realtimeVoice,
		GeminiKey:     cfg.geminiAPIKey,
		GeminiModel:   cfg.geminiLiveModel,
		GeminiVoice:   cfg.geminiLiveVoice,
		SetupTimeout:  cfg.connectTimeout,
		Metrics:       agg,
		DefaultVendor: cfg.realtimeProvider,
	}))

	handler := ws.NewHandler(ws.HandlerConfig{
		Modes:             modes,
		Store:             repo,
		Audio:             audioStore,
		Metrics:           agg,
		MaxConcurrent:     cfg.maxConcurrent,
		HeartbeatInterval: cfg.heartbeat,
		ConnectTimeout:    cfg.connectTimeout,
		DefaultMode:       cfg.defaultMode,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		wsHandler: handler,
		modes:     modes,
		asrRouter: asrRouter,
		llmRouter: llmRouter,
		ttsRouter: ttsRouter,
		ollama:    ollama,
		metrics:   agg,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if cfg.ollamaWarm && llmRouter.Has("ollama") {
			if err := ollama.ReleaseAll(ctx); err != nil {
				slog.Warn("unload models", "error", err)
			}
		}
		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr, "max_concurrent", cfg.maxConcurrent,
		"modes", modes.Names(), "persistence", repoKind(cfg.databaseURL))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

// openStore picks the SQL store when DATABASE_URL is set and the in-memory
// store otherwise.
func openStore(dsn string) (store.Repository, func(), error) {
	if dsn == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}, nil
}

func repoKind(dsn string) string {
	if dsn == "" {
		return "memory"
	}
	return "sql"
}

func newASRRouter(cfg config, agg *metrics.Aggregator) *pipeline.ASRRouter {
	backends := map[string]pipeline.ASRTranscriber{}
	fallback := "whisper-server"
	if cfg.whisperServerURL != "" {
		backends["whisper-server"] = pipeline.NewWhisperClient(cfg.whisperServerURL, cfg.asrPoolSize)
	}
	if cfg.openaiAPIKey != "" {
		backends["openai"] = pipeline.NewOpenAITranscriber(cfg.openaiAPIKey, cfg.openaiBaseURL+"/v1/", cfg.openaiSTTModel)
		if cfg.whisperServerURL == "" {
			fallback = "openai"
		}
	}
	return pipeline.NewASRRouter(backends, fallback, agg)
}

func newLLMRouter(cfg config, agg *metrics.Aggregator) *pipeline.AgentLLM {
	llm := pipeline.NewAgentLLM(cfg.llmEngine, cfg.llmMaxTokens, agg)
	llm.RegisterRaw("ollama", pipeline.NewOllamaLLMClient(cfg.ollamaURL, cfg.ollamaModel, cfg.llmMaxTokens, cfg.llmPoolSize), cfg.ollamaModel)
	// Ollama also speaks chat completions, which lets agent-SDK sessions run locally.
	llm.Register("ollama-agent", pipeline.NewOpenAICompatibleProvider("ollama", cfg.ollamaURL+"/v1"), cfg.ollamaModel)
	if cfg.openaiAPIKey != "" {
		llm.Register("openai", pipeline.NewOpenAICompatibleProvider(cfg.openaiAPIKey, cfg.openaiBaseURL+"/v1"), cfg.openaiLLMModel)
		llm.RegisterRaw("openai-completions", pipeline.NewOpenAICompletionsClient(cfg.openaiAPIKey, cfg.openaiBaseURL, "gpt-3.5-turbo-instruct", cfg.llmMaxTokens, cfg.llmPoolSize), "gpt-3.5-turbo-instruct")
	}
	if cfg.anthropicAPIKey != "" {
		llm.RegisterRaw("anthropic", pipeline.NewAnthropicLLMClient(cfg.anthropicAPIKey, "https://api.anthropic.com", cfg.anthropicModel, cfg.llmMaxTokens, cfg.llmPoolSize), cfg.anthropicModel)
	}
	return llm
}

func newTTSRouter(cfg config, agg *metrics.Aggregator) *pipeline.TTSRouter {
	client := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	backends := map[string]pipeline.TTSSynthesizer{
		"fast":    pipeline.NewPiperSynthesizer(cfg.piperURL, "en_US-lessac-low", client),
		"quality": pipeline.NewPiperSynthesizer(cfg.piperURL, "en_US-lessac-medium", client),
		"high":    pipeline.NewPiperSynthesizer(cfg.piperURL, "en_US-lessac-high", client),
	}
	if cfg.kokoroURL != "" {
		backends["kokoro"] = pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "", "kokoro", "af_heart", client)
	}
	if cfg.openaiAPIKey != "" {
		backends["openai"] = pipeline.NewOpenAISynthesizer(cfg.openaiBaseURL, cfg.openaiAPIKey, cfg.openaiTTSModel, cfg.openaiTTSVoice, client)
	}
	if cfg.elevenlabsAPIKey != "" {
		backends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, client)
	}
	return pipeline.NewTTSRouter(backends, "fast", agg)
}
