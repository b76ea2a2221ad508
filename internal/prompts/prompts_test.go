package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForSession(t *testing.T) {
	assert.Equal(t, DefaultSystem, ForSession("", ""))
	assert.Equal(t, "be brief", ForSession("  be brief ", "   "))
	assert.Equal(t, "be brief\n\nScenario context:\nhotel booking", ForSession("be brief", "hotel booking"))
	assert.Equal(t, DefaultSystem+"\n\nScenario context:\nx", ForSession("", "x"))
}
