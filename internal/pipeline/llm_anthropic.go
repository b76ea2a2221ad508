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

// AnthropicLLMClient streams chat completions from the Anthropic Messages API.
type AnthropicLLMClient struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicLLMClient creates an Anthropic streaming client.
func NewAnthropicLLMClient(apiKey, url, model string, maxTokens, poolSize int) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		apiKey:    apiKey,
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

func (c *AnthropicLLMClient) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	start := time.Now()

	useModel := c.model
	if req.Model != "" {
		useModel = req.Model
	}

	dialog := req.Dialog()
	messages := make([]anthropicMessage, 0, len(dialog))
	for _, m := range dialog {
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", "2023-06-01")
	resp, err := postJSON(ctx, c.client, c.url+"/v1/messages", anthropicRequest{
		Model:     useModel,
		MaxTokens: c.maxTokens,
		Stream:    true,
		System:    req.System(),
		Messages:  messages,
	}, header)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	sr, err := consumeAnthropicStream(resp.Body, onToken)
	if err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return sr.result(start), nil
}

func consumeAnthropicStream(body io.Reader, onToken TokenCallback) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(body)
	var eventType string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if eventType == "message_stop" {
			return sr, nil
		}
		if eventType != "content_block_delta" {
			continue
		}

		var delta anthropicDeltaEvent
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &delta) != nil {
			continue
		}
		if delta.Delta.Type != "text_delta" {
			continue
		}
		sr.add(delta.Delta.Text, onToken)
	}
	return sr, scanner.Err()
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicDeltaEvent struct {
	Delta anthropicDelta `json:"delta"`
}

type anthropicDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
