// Package models manages the lifecycle of models hosted by a local Ollama
// server: listing what is installed, warming the cascade default before the
// first session, and releasing VRAM on shutdown.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	listTimeout    = 5 * time.Second
	releasePoll    = 500 * time.Millisecond
	releaseTimeout = 10 * time.Second
)

// Ollama talks to the model management endpoints of one Ollama server.
type Ollama struct {
	url    string
	client *http.Client
}

func NewOllama(url string, client *http.Client) *Ollama {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Ollama{url: strings.TrimRight(url, "/"), client: client}
}

// Installed returns the chat models installed on the server. Embedding
// models are skipped.
func (o *Ollama) Installed(ctx context.Context) ([]string, error) {
	body, err := o.get(ctx, "/api/tags")
	if err != nil {
		return nil, fmt.Errorf("ollama tags: %w", err)
	}
	var names []string
	for _, m := range gjson.GetBytes(body, "models.#.name").Array() {
		if !strings.Contains(m.String(), "embed") {
			names = append(names, m.String())
		}
	}
	return names, nil
}

// Loaded returns the models currently resident in memory.
func (o *Ollama) Loaded(ctx context.Context) ([]string, error) {
	body, err := o.get(ctx, "/api/ps")
	if err != nil {
		return nil, fmt.Errorf("ollama ps: %w", err)
	}
	var names []string
	for _, m := range gjson.GetBytes(body, "models.#.name").Array() {
		names = append(names, m.String())
	}
	return names, nil
}

// Warm loads model and pins it in memory so the first turn does not pay
// the load time.
func (o *Ollama) Warm(ctx context.Context, model string) error {
	if err := o.generate(ctx, model, -1); err != nil {
		return fmt.Errorf("ollama warm %s: %w", model, err)
	}
	slog.Info("model warmed", "model", model)
	return nil
}

// Release unloads model and waits until the server reports it gone.
func (o *Ollama) Release(ctx context.Context, model string) error {
	if err := o.generate(ctx, model, 0); err != nil {
		return fmt.Errorf("ollama release %s: %w", model, err)
	}

	deadline := time.Now().Add(releaseTimeout)
	for time.Now().Before(deadline) {
		loaded, err := o.Loaded(ctx)
		if err != nil {
			return nil
		}
		if !slices.Contains(loaded, model) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(releasePoll):
		}
	}
	return fmt.Errorf("ollama release %s: still loaded after %s", model, releaseTimeout)
}

// ReleaseAll unloads every resident model.
func (o *Ollama) ReleaseAll(ctx context.Context) error {
	loaded, err := o.Loaded(ctx)
	if err != nil {
		return err
	}
	for _, m := range loaded {
		if err := o.Release(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (o *Ollama) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// generate posts an empty prompt, which only changes how long model stays
// resident.
func (o *Ollama) generate(ctx context.Context, model string, keepAlive int) error {
	body, err := json.Marshal(map[string]any{"model": model, "keep_alive": keepAlive, "stream": false})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
