package pricing

import (
	"fmt"
	"sort"

	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// DefaultModel is the "standard" model used to price unknown model keys
const DefaultModel = "vertex/gemini-2.0-flash-001"

// Table maps model keys to their rates. It is built once at startup and
// never modified afterwards, so it is safe for concurrent use.
type Table struct {
	entries    map[string]model.PricingEntry
	defaultKey string
}

// GetEmbeddedPricing returns the built-in Vertex AI rates (January 2025)
func GetEmbeddedPricing() map[string]model.PricingEntry {
	return map[string]model.PricingEntry{
		"vertex/gemini-2.0-flash-lite-001": {
			InputPer1K:  0.000075,
			OutputPer1K: 0.0003,
			Name:        "Gemini 2.0 Flash Lite",
			Speed:       "Fastest (0.56s)",
			Description: "Best for quick chat, high-volume usage",
		},
		"vertex/gemini-2.5-flash-preview-05-20": {
			InputPer1K:  0.00015,
			OutputPer1K: 0.0006,
			Name:        "Gemini 2.5 Flash Preview",
			Speed:       "Fast (0.70s)",
			Description: "Latest features, experimental",
		},
		"vertex/gemini-2.0-flash-001": {
			InputPer1K:  0.00015,
			OutputPer1K: 0.0006,
			Name:        "Gemini 2.0 Flash",
			Speed:       "Reliable (2.04s)",
			Description: "Most reliable, production-ready",
		},
		"vertex/gemini-2.5-pro-preview-05-06": {
			InputPer1K:  0.0003,
			OutputPer1K: 0.0012,
			Name:        "Gemini 2.5 Pro Preview",
			Speed:       "Slower (1.26s)",
			Description: "Most capable",
		},
	}
}

// NewTable builds a pricing table from the embedded rates plus overrides.
// An override replaces the embedded entry with the same key. defaultKey
// falls back to DefaultModel when empty and must name an entry in the table.
func NewTable(overrides map[string]model.PricingEntry, defaultKey string) (*Table, error) {
	entries := GetEmbeddedPricing()
	for key, entry := range overrides {
		entries[key] = entry
	}

	for key, entry := range entries {
		if entry.InputPer1K < 0 || entry.OutputPer1K < 0 {
			return nil, fmt.Errorf("negative rate for model %s", key)
		}
		entry.Key = key
		if entry.Name == "" {
			entry.Name = key
		}
		entries[key] = entry
	}

	if defaultKey == "" {
		defaultKey = DefaultModel
	}
	if _, ok := entries[defaultKey]; !ok {
		return nil, fmt.Errorf("default pricing model %s is not in the pricing table", defaultKey)
	}

	return &Table{entries: entries, defaultKey: defaultKey}, nil
}

// Default returns a table with only the embedded rates
func Default() *Table {
	t, err := NewTable(nil, DefaultModel)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the entry for a known model key
func (t *Table) Lookup(key string) (model.PricingEntry, bool) {
	entry, ok := t.entries[key]
	return entry, ok
}

// DefaultKey returns the key used to price unknown models
func (t *Table) DefaultKey() string {
	return t.defaultKey
}

// Models returns all entries, cheapest first
func (t *Table) Models() []model.PricingEntry {
	models := make([]model.PricingEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		models = append(models, entry)
	}
	sort.Slice(models, func(i, j int) bool {
		ci := models[i].InputPer1K + models[i].OutputPer1K
		cj := models[j].InputPer1K + models[j].OutputPer1K
		if ci != cj {
			return ci < cj
		}
		return models[i].Key < models[j].Key
	})
	return models
}

// Resolve returns the entry used to price key. Unknown keys resolve to the
// default entry; fellBack reports whether that happened.
func (t *Table) Resolve(key string) (entry model.PricingEntry, fellBack bool) {
	if entry, ok := t.entries[key]; ok {
		return entry, false
	}
	return t.entries[t.defaultKey], true
}

// Cost prices a request. It never fails: unknown models are priced with the
// default entry's rates.
func (t *Table) Cost(key string, promptTokens, completionTokens int64) float64 {
	entry, _ := t.Resolve(key)
	return CalculateCost(entry, promptTokens, completionTokens)
}

// CalculateCost calculates the cost of a request with the given rates
func CalculateCost(entry model.PricingEntry, promptTokens, completionTokens int64) float64 {
	cost := float64(promptTokens) / 1000 * entry.InputPer1K
	cost += float64(completionTokens) / 1000 * entry.OutputPer1K
	return cost
}

// EstimatePer100 gives a rough cost for 100 tokens, used when listing models
func EstimatePer100(entry model.PricingEntry) float64 {
	return (entry.InputPer1K + entry.OutputPer1K) * 0.1
}
