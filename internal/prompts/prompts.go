package prompts

import "strings"

const DefaultSystem = "You are a helpful voice agent. Keep responses concise and conversational."

// ForSession resolves the final system prompt for a voice session. Scenario
// context, when present, is appended as its own section.
func ForSession(systemPrompt, scenarioContext string) string {
	prompt := strings.TrimSpace(systemPrompt)
	if prompt == "" {
		prompt = DefaultSystem
	}
	scenario := strings.TrimSpace(scenarioContext)
	if scenario == "" {
		return prompt
	}
	return prompt + "\n\n" + ScenarioContext(scenario)
}

// ScenarioContext wraps caller-supplied scenario details for the system prompt.
func ScenarioContext(context string) string {
	return "Scenario context:\n" + context
}
