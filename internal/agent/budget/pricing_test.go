package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateUSD(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		in, out  int
		want     float64
		ok       bool
	}{
		{"mini matched before base", "openai", "gpt-4o-mini-2024-07-18", 1_000_000, 1_000_000, 0.75, true},
		{"base model", "OpenAI", "GPT-4o", 1_000_000, 0, 2.50, true},
		{"anthropic sonnet", "anthropic", "claude-sonnet-4", 500_000, 100_000, 3.0, true},
		{"local models are free", "ollama", "llama3", 10_000, 10_000, 0, true},
		{"unknown model", "openai", "davinci", 1000, 1000, 0, false},
		{"unknown provider", "acme", "gpt-4o", 1000, 1000, 0, false},
		{"empty model", "openai", "", 1000, 1000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EstimateUSD(tt.provider, tt.model, tt.in, tt.out)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
