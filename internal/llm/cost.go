package llm

import (
	"os"

	"github.com/goccy/go-yaml"
)

// ModelPrice is a model's {input_price, output_price} pair, expressed in
// USD per 1,000 tokens.
type ModelPrice struct {
	InputPrice  float64 `yaml:"input_price"`
	OutputPrice float64 `yaml:"output_price"`
}

// PricingTable maps a model identifier to its price. Unknown models cost
// 0 and report cost as unknown.
type PricingTable map[string]ModelPrice

// DefaultPricing covers the models this repo defaults to; a deployment
// can override/extend it with LoadPricingFile.
var DefaultPricing = PricingTable{
	"gpt-5":               {InputPrice: 0.00125, OutputPrice: 0.01},
	"gpt-5-mini":          {InputPrice: 0.00025, OutputPrice: 0.002},
	"claude-sonnet-4-5":   {InputPrice: 0.003, OutputPrice: 0.015},
	"claude-haiku-4-5":    {InputPrice: 0.001, OutputPrice: 0.005},
}

// LoadPricingFile reads a YAML pricing override, keyed by model
// identifier, merging it over DefaultPricing.
func LoadPricingFile(path string) (PricingTable, error) {
	table := make(PricingTable, len(DefaultPricing))
	for k, v := range DefaultPricing {
		table[k] = v
	}
	if path == "" {
		return table, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides PricingTable
	if err := yaml.Unmarshal(b, &overrides); err != nil {
		return nil, err
	}
	for k, v := range overrides {
		table[k] = v
	}
	return table, nil
}

// Cost computes the USD cost of usage against model. When model is not in
// the table, it returns (0, true) for cost and cost-unknown.
func (t PricingTable) Cost(model string, usage Usage) (float64, bool) {
	price, ok := t[model]
	if !ok {
		return 0, true
	}
	cost := float64(usage.InputTokens)/1000*price.InputPrice + float64(usage.OutputTokens)/1000*price.OutputPrice
	return cost, false
}
