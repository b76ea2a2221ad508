package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookups(t *testing.T) {
	t.Setenv("VSG_STR", "hello")
	t.Setenv("VSG_INT", "42")
	t.Setenv("VSG_BAD_INT", "forty")
	t.Setenv("VSG_FLOAT", "0.25")
	t.Setenv("VSG_BOOL", "true")
	t.Setenv("VSG_DUR", "250ms")

	assert.Equal(t, "hello", Str("VSG_STR", "x"))
	assert.Equal(t, "x", Str("VSG_MISSING", "x"))
	assert.Equal(t, 42, Int("VSG_INT", 1))
	assert.Equal(t, 1, Int("VSG_BAD_INT", 1))
	assert.InDelta(t, 0.25, Float("VSG_FLOAT", 1), 1e-9)
	assert.True(t, Bool("VSG_BOOL", false))
	assert.False(t, Bool("VSG_MISSING", false))
	assert.Equal(t, 250*time.Millisecond, Duration("VSG_DUR", time.Second))
	assert.Equal(t, time.Second, Duration("VSG_MISSING", time.Second))
}
