// Package mode defines the contract every interaction strategy implements:
// a backend connection driven by audio in and observed through Events out.
package mode

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedMode is returned by Registry.New for unknown mode names.
	ErrUnsupportedMode = errors.New("unsupported mode")
	// ErrNotConnected is returned when a Mode is driven before Connect succeeds.
	ErrNotConnected = errors.New("mode not connected")
)

// Mode is one backend strategy for a live voice conversation.
//
// Connect either fully establishes the backend (IsConnected becomes true) or
// returns an error; it never leaves the instance half-initialized. Disconnect
// is idempotent, releases backend resources, and closes the Events channel.
// Interrupt is best-effort: the stop is observed later as an EventInterrupted.
// Errors during event production are never returned; they are emitted as
// EventError on the Events channel.
type Mode interface {
	Connect(ctx context.Context, sessionID string, cfg Config, systemPrompt string) error
	Disconnect() error
	SendAudio(ctx context.Context, chunk AudioChunk) error
	EndTurn(ctx context.Context) error
	Interrupt(ctx context.Context) error
	// Events returns the channel for the current connection. It has exactly
	// one reader and is closed by Disconnect.
	Events() <-chan Event
	IsConnected() bool
	Name() string
}

// AudioChunk is one immutable unit of client audio.
type AudioChunk struct {
	Data       []byte
	Format     string
	SampleRate int
	IsFinal    bool
}

// Config is the opaque per-session backend configuration sent by the client
// (model, voice, provider selection, engine names).
type Config map[string]any

// String returns the value at key as a string, or fallback when absent.
func (c Config) String(key, fallback string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// Bool accepts JSON booleans and "true"/"false" strings.
func (c Config) Bool(key string, fallback bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	default:
		return fallback
	}
}

// Int accepts JSON numbers (decoded as float64) and numeric strings.
func (c Config) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fallback
		}
		return n
	default:
		return fallback
	}
}
