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

// OpenAICompletionsClient streams from the /v1/completions endpoint for
// models that only expose plain completions.
type OpenAICompletionsClient struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOpenAICompletionsClient creates a client for the OpenAI completions API.
func NewOpenAICompletionsClient(apiKey, url, model string, maxTokens, poolSize int) *OpenAICompletionsClient {
	return &OpenAICompletionsClient{
		apiKey:    apiKey,
		url:       url,
		model:     model,
		maxTokens: maxTokens,
		client:    NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

func (c *OpenAICompletionsClient) Chat(ctx context.Context, req ChatRequest, onToken TokenCallback) (*LLMResult, error) {
	start := time.Now()

	useModel := c.model
	if req.Model != "" {
		useModel = req.Model
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := postJSON(ctx, c.client, c.url+"/v1/completions", map[string]any{
		"model":      useModel,
		"prompt":     completionPrompt(req),
		"max_tokens": c.maxTokens,
		"stream":     true,
		"stop":       []string{"\nUser:"},
	}, header)
	if err != nil {
		return nil, fmt.Errorf("completions request: %w", err)
	}
	defer resp.Body.Close()

	sr, err := consumeCompletionsStream(resp.Body, onToken)
	if err != nil {
		return nil, fmt.Errorf("completions stream: %w", err)
	}
	return sr.result(start), nil
}

func completionPrompt(req ChatRequest) string {
	var b strings.Builder
	if sys := req.System(); sys != "" {
		b.WriteString(sys)
		b.WriteString("\n")
	}
	for _, m := range req.Dialog() {
		label := "User"
		if m.Role == "assistant" {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, m.Content)
	}
	b.WriteString("Assistant:")
	return b.String()
}

func consumeCompletionsStream(body io.Reader, onToken TokenCallback) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(body)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return sr, nil
		}
		var chunk struct {
			Choices []struct {
				Text string `json:"text"`
			} `json:"choices"`
		}
		if json.Unmarshal([]byte(data), &chunk) != nil || len(chunk.Choices) == 0 {
			continue
		}
		sr.add(chunk.Choices[0].Text, onToken)
	}
	return sr, scanner.Err()
}
