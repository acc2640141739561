package domain

import "time"

// Agent is one tenant's assistant configuration. Owned by the seeding /
// administrative surface; the relay core only reads it by id, and only
// inside the deferred processing path so mid-flight edits take effect.
type Agent struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Model            string    `json:"model"`
	SystemPrompt     string    `json:"system_prompt"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Sampling returns the agent's sampling parameters for completion calls.
func (a *Agent) Sampling() SamplingParams {
	return SamplingParams{
		Temperature:      a.Temperature,
		TopP:             a.TopP,
		FrequencyPenalty: a.FrequencyPenalty,
		PresencePenalty:  a.PresencePenalty,
	}
}
