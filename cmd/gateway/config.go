package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/env"
)

type config struct {
	port              string
	logLevel          slog.Level
	maxConcurrent     int
	heartbeat         time.Duration
	connectTimeout    time.Duration
	defaultMode       string
	databaseURL       string
	audioStorageDir   string
	asrPoolSize       int
	llmPoolSize       int
	ttsPoolSize       int
	vadConfig         audio.VADConfig
	whisperServerURL  string
	noiseURL          string
	openaiAPIKey      string
	openaiBaseURL     string
	openaiSTTModel    string
	openaiLLMModel    string
	openaiTTSModel    string
	openaiTTSVoice    string
	ollamaURL         string
	ollamaModel       string
	ollamaWarm        bool
	anthropicAPIKey   string
	anthropicModel    string
	llmEngine         string
	llmMaxTokens      int
	piperURL          string
	kokoroURL         string
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string
	geminiAPIKey      string
	realtimeProvider  string
	realtimeURL       string
	realtimeModel     string
	realtimeVoice     string
	geminiLiveModel   string
	geminiLiveVoice   string
}

func loadConfig() config {
	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", vad.SpeechThresholdDB)
	vad.SilenceTimeout = env.Duration("VAD_SILENCE_TIMEOUT", vad.SilenceTimeout)

	return config{
		port:              env.Str("GATEWAY_PORT", "8000"),
		logLevel:          parseLevel(env.Str("LOG_LEVEL", "info")),
		maxConcurrent:     env.Int("MAX_CONCURRENT_SESSIONS", 100),
		heartbeat:         env.Duration("HEARTBEAT_INTERVAL", 15*time.Second),
		connectTimeout:    env.Duration("BACKEND_CONNECT_TIMEOUT", 10*time.Second),
		defaultMode:       env.Str("DEFAULT_MODE", ""),
		databaseURL:       env.Str("DATABASE_URL", ""),
		audioStorageDir:   env.Str("AUDIO_STORAGE_DIR", ""),
		asrPoolSize:       env.Int("ASR_POOL_SIZE", 50),
		llmPoolSize:       env.Int("LLM_POOL_SIZE", 50),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),
		vadConfig:         vad,
		whisperServerURL:  env.Str("WHISPER_SERVER_URL", ""),
		noiseURL:          env.Str("NOISE_URL", ""),
		openaiAPIKey:      env.Str("OPENAI_API_KEY", ""),
		openaiBaseURL:     env.Str("OPENAI_BASE_URL", "https://api.openai.com"),
		openaiSTTModel:    env.Str("OPENAI_STT_MODEL", "gpt-4o-mini-transcribe"),
		openaiLLMModel:    env.Str("OPENAI_LLM_MODEL", "gpt-4o-mini"),
		openaiTTSModel:    env.Str("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
		openaiTTSVoice:    env.Str("OPENAI_TTS_VOICE", "alloy"),
		ollamaURL:         env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:       env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		ollamaWarm:        env.Bool("OLLAMA_WARM", false),
		anthropicAPIKey:   env.Str("ANTHROPIC_API_KEY", ""),
		anthropicModel:    env.Str("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		llmEngine:         env.Str("LLM_ENGINE", "ollama"),
		llmMaxTokens:      env.Int("LLM_MAX_TOKENS", 150),
		piperURL:          env.Str("PIPER_URL", "http://localhost:5100"),
		kokoroURL:         env.Str("KOKORO_URL", ""),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		geminiAPIKey:      env.Str("GEMINI_API_KEY", ""),
		realtimeProvider:  env.Str("REALTIME_PROVIDER", "openai"),
		realtimeURL:       env.Str("OPENAI_REALTIME_URL", ""),
		realtimeModel:     env.Str("OPENAI_REALTIME_MODEL", ""),
		realtimeVoice:     env.Str("OPENAI_REALTIME_VOICE", ""),
		geminiLiveModel:   env.Str("GEMINI_LIVE_MODEL", ""),
		geminiLiveVoice:   env.Str("GEMINI_LIVE_VOICE", ""),
	}
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
