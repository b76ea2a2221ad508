package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a full conversation to complete. System entries come first.
type ChatRequest struct {
	Messages []Message
	Model    string
}

// System joins the system-role entries into one prompt.
func (r ChatRequest) System() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == "system" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Dialog returns the non-system entries in order.
func (r ChatRequest) Dialog() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != "system" {
			out = append(out, m)
		}
	}
	return out
}

// Transcript flattens the dialog for backends that take a single input
// string. A lone user message is passed through unlabeled.
func (r ChatRequest) Transcript() string {
	dialog := r.Dialog()
	if len(dialog) == 1 && dialog[0].Role == "user" {
		return dialog[0].Content
	}
	var b strings.Builder
	for _, m := range dialog {
		label := "User"
		if m.Role == "assistant" {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Content)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// LLMChatClient produces streaming chat completions.
type LLMChatClient interface {
	Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error)
}

// LLMResult holds the complete LLM response with timing.
type LLMResult struct {
	Text               string  `json:"text"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

type streamResult struct {
	text string
	ttft time.Time
}

func (sr *streamResult) add(token string, onToken TokenCallback) {
	if token == "" {
		return
	}
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(token)
	}
	sr.text += token
}

func (sr streamResult) result(start time.Time) *LLMResult {
	ttft := float64(0)
	if !sr.ttft.IsZero() {
		ttft = float64(sr.ttft.Sub(start).Milliseconds())
	}
	return &LLMResult{
		Text:               sr.text,
		LatencyMs:          float64(time.Since(start).Milliseconds()),
		TimeToFirstTokenMs: ttft,
	}
}

// --- Ollama backend ---

// OllamaLLMClient streams chat completions from Ollama.
type OllamaLLMClient struct {
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllamaLLMClient creates an Ollama HTTP client.
func NewOllamaLLMClient(url, model string, maxTokens, poolSize int) *OllamaLLMClient {
	return &OllamaLLMClient{
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 60*time.Second),
	}
}

// Chat sends the conversation to Ollama and streams the response.
func (c *OllamaLLMClient) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	start := time.Now()

	resp, err := c.postChatRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	sr, err := consumeOllamaStream(resp.Body, onToken)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}
	return sr.result(start), nil
}

func (c *OllamaLLMClient) postChatRequest(ctx context.Context, req ChatRequest) (*http.Response, error) {
	useModel := c.model
	if req.Model != "" {
		useModel = req.Model
	}
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := postJSON(ctx, c.client, c.url+"/api/chat", ollamaRequest{
		Model:    useModel,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
		Messages: messages,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

func consumeOllamaStream(body io.Reader, onToken TokenCallback) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(body)

	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Done {
			return sr, nil
		}
		// Reasoning models stream thinking separately; it is never spoken.
		sr.add(chunk.Message.Content, onToken)
	}
	return sr, scanner.Err()
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}
