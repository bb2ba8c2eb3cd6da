package ai

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// DefaultModel is the pricing fallback for unknown model identifiers.
const DefaultModel = "gpt-3.5-turbo"

// ModelPricing is the per-1000-unit price for one model.
type ModelPricing struct {
	InputPer1K  decimal.Decimal `json:"input_per_1k"`
	OutputPer1K decimal.Decimal `json:"output_per_1k"`
}

// PricingTable maps model identifiers to unit prices. It is loaded once at
// startup and read-only afterwards; cost is computed exactly once per call.
type PricingTable struct {
	models map[string]ModelPricing
}

// DefaultPricing returns the built-in table.
func DefaultPricing() *PricingTable {
	return &PricingTable{models: map[string]ModelPricing{
		"gpt-3.5-turbo":       {InputPer1K: dec("0.001"), OutputPer1K: dec("0.002")},
		"gpt-4-turbo-preview": {InputPer1K: dec("0.01"), OutputPer1K: dec("0.03")},
		"gpt-4o":              {InputPer1K: dec("0.005"), OutputPer1K: dec("0.015")},
	}}
}

// LoadPricing reads a pricing table from a JSON file, falling back to the
// built-in defaults when path is empty.
func LoadPricing(path string) (*PricingTable, error) {
	if path == "" {
		return DefaultPricing(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	var entries map[string]ModelPricing
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	if _, ok := entries[DefaultModel]; !ok {
		return nil, fmt.Errorf("pricing table missing default entry %q", DefaultModel)
	}
	return &PricingTable{models: entries}, nil
}

// CostFor computes the cost of one call from token usage. Unknown models
// use the default entry.
func (t *PricingTable) CostFor(model string, inputUnits, outputUnits int64) decimal.Decimal {
	p, ok := t.models[model]
	if !ok {
		p = t.models[DefaultModel]
	}
	thousand := decimal.NewFromInt(1000)
	inputCost := decimal.NewFromInt(inputUnits).Div(thousand).Mul(p.InputPer1K)
	outputCost := decimal.NewFromInt(outputUnits).Div(thousand).Mul(p.OutputPer1K)
	return inputCost.Add(outputCost)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
