package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
)

// AgentLLM routes LLM requests to the correct provider using the openai-agents-go SDK.
// Engines registered via RegisterRaw bypass the SDK and use a direct HTTP client.
type AgentLLM struct {
	providers  map[string]agents.ModelProvider
	rawClients map[string]LLMChatClient
	models     map[string]string // engine → default model
	fallback   string
	maxTokens  int
	metrics    *metrics.Aggregator
}

// NewAgentLLM creates a new AgentLLM with the given fallback engine and max tokens.
func NewAgentLLM(fallback string, maxTokens int, agg *metrics.Aggregator) *AgentLLM {
	return &AgentLLM{
		providers:  make(map[string]agents.ModelProvider),
		rawClients: make(map[string]LLMChatClient),
		models:     make(map[string]string),
		fallback:   fallback,
		maxTokens:  maxTokens,
		metrics:    agg,
	}
}

// NewOpenAICompatibleProvider builds an SDK provider for any chat-completions
// server. An empty baseURL targets api.openai.com.
func NewOpenAICompatibleProvider(apiKey, baseURL string) agents.ModelProvider {
	params := agents.OpenAIProviderParams{
		APIKey:       param.NewOpt(apiKey),
		UseResponses: param.NewOpt(false),
	}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	return agents.NewOpenAIProvider(params)
}

// Register adds an SDK provider and default model for the given engine name.
func (a *AgentLLM) Register(engine string, provider agents.ModelProvider, defaultModel string) {
	a.providers[engine] = provider
	a.models[engine] = defaultModel
}

// RegisterRaw adds a direct HTTP client for engines that bypass the SDK.
func (a *AgentLLM) RegisterRaw(engine string, client LLMChatClient, defaultModel string) {
	a.rawClients[engine] = client
	a.models[engine] = defaultModel
}

// Engines returns the sorted names of all registered backends.
func (a *AgentLLM) Engines() []string {
	seen := make(map[string]bool, len(a.providers)+len(a.rawClients))
	names := make([]string, 0, len(a.providers)+len(a.rawClients))
	for k := range a.providers {
		seen[k] = true
		names = append(names, k)
	}
	for k := range a.rawClients {
		if !seen[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Has reports whether a backend is registered for the given engine name.
func (a *AgentLLM) Has(engine string) bool {
	if _, ok := a.providers[engine]; ok {
		return true
	}
	_, ok := a.rawClients[engine]
	return ok
}

// Chat streams a completion from the resolved engine.
func (a *AgentLLM) Chat(ctx context.Context, req ChatRequest, engine string, onToken TokenCallback) (*LLMResult, error) {
	start := time.Now()
	res, err := a.chat(ctx, req, engine, onToken)
	if err != nil {
		a.metrics.Error("llm", "chat")
		return nil, err
	}
	a.metrics.ObserveStage("llm", time.Since(start))
	return res, nil
}

func (a *AgentLLM) chat(ctx context.Context, req ChatRequest, engine string, onToken TokenCallback) (*LLMResult, error) {
	if !a.Has(engine) {
		engine = a.fallback
	}
	if raw, ok := a.rawClients[engine]; ok {
		if req.Model == "" {
			req.Model = a.models[engine]
		}
		return raw.Chat(ctx, req, onToken)
	}

	provider, useModel, err := a.resolve(engine, req.Model)
	if err != nil {
		return nil, err
	}

	agent := agents.New("assistant").
		WithInstructions(req.System()).
		WithModel(useModel).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, req.Transcript())
	if err != nil {
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	var sr streamResult
	for ev := range events {
		handleStreamEvent(ev, &sr, onToken)
	}

	if streamErr := <-errCh; streamErr != nil {
		return nil, fmt.Errorf("llm stream: %w", streamErr)
	}

	return sr.result(start), nil
}

func handleStreamEvent(ev agents.StreamEvent, sr *streamResult, onToken TokenCallback) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	sr.add(raw.Data.Delta, onToken)
}

func (a *AgentLLM) resolve(engine, model string) (agents.ModelProvider, string, error) {
	provider, ok := a.providers[engine]
	if !ok {
		provider, ok = a.providers[a.fallback]
	}
	if !ok {
		return nil, "", fmt.Errorf("no llm provider for engine %q", engine)
	}

	if model != "" {
		return provider, model, nil
	}

	useModel := a.models[engine]
	if useModel == "" {
		useModel = a.models[a.fallback]
	}
	return provider, useModel, nil
}
