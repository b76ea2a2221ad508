package mode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMode struct{ name string }

func (s *stubMode) Connect(context.Context, string, Config, string) error { return nil }
func (s *stubMode) Disconnect() error                                     { return nil }
func (s *stubMode) SendAudio(context.Context, AudioChunk) error           { return nil }
func (s *stubMode) EndTurn(context.Context) error                         { return nil }
func (s *stubMode) Interrupt(context.Context) error                       { return nil }
func (s *stubMode) Events() <-chan Event                                  { return ClosedEvents() }
func (s *stubMode) IsConnected() bool                                     { return false }
func (s *stubMode) Name() string                                          { return s.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("cascade", func(Config) (Mode, error) { return &stubMode{name: "cascade"}, nil })
	r.Register("realtime", func(Config) (Mode, error) { return &stubMode{name: "realtime"}, nil })

	m, err := r.New("cascade", nil)
	require.NoError(t, err)
	assert.Equal(t, "cascade", m.Name())
	assert.Equal(t, []string{"cascade", "realtime"}, r.Names())

	_, err = r.New("telepathy", nil)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"voice":         "alloy",
		"blank":         "  ",
		"auto_end_turn": true,
		"flag_str":      "false",
		"rate":          float64(24000),
		"rate_str":      "8000",
	}

	assert.Equal(t, "alloy", cfg.String("voice", "x"))
	assert.Equal(t, "x", cfg.String("blank", "x"))
	assert.Equal(t, "x", cfg.String("rate", "x"))
	assert.True(t, cfg.Bool("auto_end_turn", false))
	assert.False(t, cfg.Bool("flag_str", true))
	assert.True(t, cfg.Bool("missing", true))
	assert.Equal(t, 24000, cfg.Int("rate", 0))
	assert.Equal(t, 8000, cfg.Int("rate_str", 0))
	assert.Equal(t, 7, cfg.Int("missing", 7))

	var nilCfg Config
	assert.Equal(t, "d", nilCfg.String("k", "d"))
}

func TestEventAccessors(t *testing.T) {
	ev := NewEvent(EventAudio, map[string]any{KeyAudio: []byte{1, 2}, KeyIsFirst: true})
	assert.Equal(t, []byte{1, 2}, ev.AudioBytes())
	assert.True(t, ev.IsFirst())
	assert.Empty(t, ev.Text())

	errEv := ErrorEvent("backend_error", "boom")
	assert.Equal(t, EventError, errEv.Type)
	assert.Equal(t, "backend_error", errEv.Data[KeyErrorCode])

	assert.NotNil(t, NewEvent(EventConnected, nil).Data)
}
