// Package cost prices token usage per model.
//
// Prices are USD per 1M tokens. Models missing from the table fall back to
// the default rates so accounting never fails on an unknown model.
package cost

import "sort"

// Default rates for models missing from the table (USD per 1M tokens).
const (
	DefaultInputPerMillion  = 2.0
	DefaultOutputPerMillion = 6.0
)

// ModelPricing holds per-1M-token prices for one model.
type ModelPricing struct {
	InputPerMillion  float64 `json:"input_price_per_million"`
	OutputPerMillion float64 `json:"output_price_per_million"`
}

// Calculator is a static in-memory price table.
type Calculator struct {
	pricing map[string]ModelPricing
}

// New returns a Calculator with the built-in price table.
func New() *Calculator {
	return &Calculator{pricing: map[string]ModelPricing{
		// Anthropic
		"claude-sonnet-4-5-20250929": {3.0, 15.0},
		"claude-haiku-4-5-20251001":  {0.8, 4.0},
		"claude-opus-4-1-20250805":   {15.0, 75.0},
		"claude-3-opus-20240229":     {15.0, 75.0},
		"claude-3-sonnet-20240229":   {3.0, 15.0},
		"claude-3-haiku-20240307":    {0.25, 1.25},
		"claude-3-5-sonnet-20241022": {3.0, 15.0},

		// Google Gemini
		"gemini-2.5-pro":   {1.25, 10.0},
		"gemini-2.5-flash": {0.3, 2.5},
		"gemini-1.5-pro":   {1.25, 5.0},
		"gemini-1.5-flash": {0.075, 0.3},
		"gemini-1.0-pro":   {0.5, 1.5},

		// OpenAI
		"gpt-5":         {1.25, 10.0},
		"gpt-5-mini":    {0.25, 2.0},
		"gpt-4":         {30.0, 60.0},
		"gpt-4-turbo":   {10.0, 30.0},
		"gpt-3.5-turbo": {0.5, 1.5},

		// Azure OpenAI (mirrors OpenAI list prices)
		"azure-gpt-4o":       {2.5, 10.0},
		"azure-gpt-4o-mini":  {0.15, 0.6},
		"azure-gpt-4-turbo":  {10.0, 30.0},
		"azure-gpt-4":        {30.0, 60.0},
		"azure-gpt-35-turbo": {0.5, 1.5},
	}}
}

// Calculate returns the USD cost of a request. Unknown models use the
// default rates.
func (c *Calculator) Calculate(model string, promptTokens, completionTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		p = ModelPricing{DefaultInputPerMillion, DefaultOutputPerMillion}
	}
	in := float64(promptTokens) / 1_000_000 * p.InputPerMillion
	out := float64(completionTokens) / 1_000_000 * p.OutputPerMillion
	return in + out
}

// Pricing returns the price entry for model, if known.
func (c *Calculator) Pricing(model string) (ModelPricing, bool) {
	p, ok := c.pricing[model]
	return p, ok
}

// CheaperAlternative returns the cheapest model whose combined price is at
// most 70% of the given model's. Returns "" when the model is unknown or no
// alternative qualifies.
func (c *Calculator) CheaperAlternative(model string) string {
	current, ok := c.pricing[model]
	if !ok {
		return ""
	}
	currentTotal := current.InputPerMillion + current.OutputPerMillion

	type candidate struct {
		model string
		total float64
	}
	var alts []candidate
	for m, p := range c.pricing {
		total := p.InputPerMillion + p.OutputPerMillion
		if m != model && total < currentTotal*0.7 {
			alts = append(alts, candidate{m, total})
		}
	}
	if len(alts) == 0 {
		return ""
	}
	sort.Slice(alts, func(i, j int) bool {
		if alts[i].total != alts[j].total {
			return alts[i].total < alts[j].total
		}
		return alts[i].model < alts[j].model
	})
	return alts[0].model
}

// Estimate prices a hypothetical request of the given context length and
// expected output size.
func (c *Calculator) Estimate(model string, contextTokens, expectedOutputTokens int) float64 {
	return c.Calculate(model, contextTokens, expectedOutputTokens)
}
