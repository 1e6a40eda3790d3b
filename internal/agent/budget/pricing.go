package budget

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// TokenPrice is a price per million tokens. Prices are estimates for
// budgeting, not billing reconciliation.
type TokenPrice struct {
	InputUSDPerMTok  float64
	OutputUSDPerMTok float64
}

type modelPrice struct {
	Pattern string
	TokenPrice
}

// Patterns are matched in order, so narrower patterns come first.
var providerPrices = map[string][]modelPrice{
	"openai": {
		{Pattern: "gpt-4o-mini*", TokenPrice: TokenPrice{0.15, 0.60}},
		{Pattern: "gpt-4o*", TokenPrice: TokenPrice{2.50, 10.00}},
		{Pattern: "gpt-4.1-mini*", TokenPrice: TokenPrice{0.40, 1.60}},
		{Pattern: "gpt-4.1*", TokenPrice: TokenPrice{2.00, 8.00}},
	},
	"anthropic": {
		{Pattern: "claude-opus*", TokenPrice: TokenPrice{15.00, 75.00}},
		{Pattern: "claude-sonnet*", TokenPrice: TokenPrice{3.00, 15.00}},
		{Pattern: "claude-*haiku*", TokenPrice: TokenPrice{0.80, 4.00}},
	},
	"gemini": {
		{Pattern: "gemini-*flash*", TokenPrice: TokenPrice{0.30, 2.50}},
		{Pattern: "gemini-*pro*", TokenPrice: TokenPrice{1.25, 10.00}},
	},
	"deepseek": {
		{Pattern: "deepseek-*", TokenPrice: TokenPrice{0.28, 0.42}},
	},
	"ollama": {
		{Pattern: "*", TokenPrice: TokenPrice{0, 0}},
	},
}

// LookupPrice returns the price for a provider and model.
func LookupPrice(provider, model string) (TokenPrice, bool) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	if provider == "" || model == "" {
		return TokenPrice{}, false
	}
	for _, p := range providerPrices[provider] {
		if wildcard.Match(p.Pattern, model) {
			return p.TokenPrice, true
		}
	}
	return TokenPrice{}, false
}

// EstimateUSD estimates the cost of a call. ok is false when the model has
// no known price.
func EstimateUSD(provider, model string, inputTokens, outputTokens int) (usd float64, ok bool) {
	price, ok := LookupPrice(provider, model)
	if !ok {
		return 0, false
	}
	usd = (float64(inputTokens)/1_000_000.0)*price.InputUSDPerMTok +
		(float64(outputTokens)/1_000_000.0)*price.OutputUSDPerMTok
	return usd, true
}
