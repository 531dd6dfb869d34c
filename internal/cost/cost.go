// Package cost estimates USD cost for a completed chat request, loading its
// model->price table from a YAML file the way internal/config loads the
// gateway's own configuration (go.yaml.in/yaml/v3), ported from
// original_source/circuit/cost.py's MODEL_PRICES / estimate_cost_usd.
package cost

import (
	"fmt"
	"math"
	"os"

	"go.yaml.in/yaml/v3"
)

// ModelPrice is the per-1000-token price for one model, in USD.
type ModelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// roundingDigits is the fixed number of fractional digits cost is rounded
// to (spec.md §4.5: "rounded to a fixed number of fractional digits").
const roundingDigits = 8

// Table is a model-keyed price table. A model absent from the table costs 0
// (spec.md §4.5: "Unknown model: cost is 0 and this is not an error").
type Table struct {
	prices map[string]ModelPrice
}

// NewTable builds a Table from an in-memory map, primarily for tests.
func NewTable(prices map[string]ModelPrice) *Table {
	return &Table{prices: prices}
}

// LoadTable reads a YAML file of the shape `{model: {input_per_1k, output_per_1k}}`.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	prices := map[string]ModelPrice{}
	if err := yaml.Unmarshal(data, &prices); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	return &Table{prices: prices}, nil
}

// DefaultTable is used when no price file is configured; it carries a
// handful of well-known current list prices so the gateway produces
// non-zero cost figures out of the box.
func DefaultTable() *Table {
	return &Table{prices: map[string]ModelPrice{
		"gpt-4o":         {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":    {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":    {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-3.5-turbo":  {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	}}
}

// EstimateUSD computes input_usd = (promptTokens/1000)*input_price +
// (completionTokens/1000)*output_price, rounded to roundingDigits fractional
// digits. An unknown model, or either token count absent (nil), yields 0.
func (t *Table) EstimateUSD(model string, promptTokens, completionTokens *int) float64 {
	price, ok := t.prices[model]
	if !ok {
		return 0
	}
	if promptTokens == nil || completionTokens == nil {
		return 0
	}
	raw := (float64(*promptTokens)/1000.0)*price.InputPer1K + (float64(*completionTokens)/1000.0)*price.OutputPer1K
	scale := math.Pow(10, roundingDigits)
	return math.Round(raw*scale) / scale
}

// EstimateUpperBound computes the optimistic pre-dispatch estimate
// max_tokens * output_price, used by the pre-cost quota check (spec.md
// §4.6). An unknown model yields 0.
func (t *Table) EstimateUpperBound(model string, maxTokens int) float64 {
	price, ok := t.prices[model]
	if !ok {
		return 0
	}
	raw := (float64(maxTokens) / 1000.0) * price.OutputPer1K
	scale := math.Pow(10, roundingDigits)
	return math.Round(raw*scale) / scale
}
