package analyze

import "strings"

// Price is USD per 1000 tokens.
type Price struct {
	Input  float64
	Output float64
}

// Prices for the default model of each provider.
var Prices = map[string]Price{
	"gemini":    {Input: 0.000075, Output: 0.00030},
	"openai":    {Input: 0.000150, Output: 0.00060},
	"anthropic": {Input: 0.003, Output: 0.015},
}

// Usage counts tokens spent by generator calls.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u *Usage) Add(input, output int) {
	u.InputTokens += input
	u.OutputTokens += output
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// EstimateCost prices usage for provider. Unknown providers cost nothing.
func EstimateCost(provider string, u Usage) float64 {
	p, ok := Prices[strings.ToLower(provider)]
	if !ok {
		return 0
	}
	return float64(u.InputTokens)/1000*p.Input + float64(u.OutputTokens)/1000*p.Output
}
