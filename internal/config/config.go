// Package config holds the JSON-loaded tuning knobs for retrieval lane
// budgets and LLM token budgets. Missing files yield defaults; malformed
// files are errors; out-of-range values are replaced by defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LaneBudget caps how many items of each kind a retrieval lane may carry.
type LaneBudget struct {
	Subcategories int `json:"subcategories"`
	Datasets      int `json:"datasets"`
	Fields        int `json:"fields"`
	Operators     int `json:"operators"`
}

// ExpansionPolicy controls the one-shot retrieval expansion the validation
// loop may request after repeated identical failures.
type ExpansionPolicy struct {
	Enabled bool    `json:"enabled"`
	Trigger int     `json:"trigger_on_repeated_validation_error"`
	Factor  float64 `json:"topk_expand_factor"`
}

// RetrievalBudgetConfig is the full lane allocation policy.
type RetrievalBudgetConfig struct {
	ExploitRatio float64         `json:"exploit_ratio"`
	ExploreRatio float64         `json:"explore_ratio"`
	Exploit      LaneBudget      `json:"exploit"`
	Explore      LaneBudget      `json:"explore"`
	Expansion    ExpansionPolicy `json:"expansion_policy"`
}

// DefaultRetrievalBudget returns the standard exploit/explore split.
func DefaultRetrievalBudget() RetrievalBudgetConfig {
	return RetrievalBudgetConfig{
		ExploitRatio: 0.7,
		ExploreRatio: 0.3,
		Exploit:      LaneBudget{Subcategories: 4, Datasets: 14, Fields: 60, Operators: 48},
		Explore:      LaneBudget{Subcategories: 1, Datasets: 3, Fields: 12, Operators: 12},
		Expansion:    ExpansionPolicy{Enabled: true, Trigger: 2, Factor: 1.5},
	}
}

func (c *RetrievalBudgetConfig) sanitize() {
	def := DefaultRetrievalBudget()
	if c.ExploitRatio <= 0 || c.ExploitRatio >= 1 {
		c.ExploitRatio = def.ExploitRatio
	}
	if c.ExploreRatio <= 0 || c.ExploreRatio >= 1 {
		c.ExploreRatio = def.ExploreRatio
	}
	fixLane(&c.Exploit, def.Exploit)
	fixLane(&c.Explore, def.Explore)
	if c.Expansion.Trigger < 1 {
		c.Expansion.Trigger = def.Expansion.Trigger
	}
	if c.Expansion.Factor <= 1.0 {
		c.Expansion.Factor = def.Expansion.Factor
	}
}

func fixLane(l *LaneBudget, def LaneBudget) {
	if l.Subcategories < 1 {
		l.Subcategories = def.Subcategories
	}
	if l.Datasets < 1 {
		l.Datasets = def.Datasets
	}
	if l.Fields < 1 {
		l.Fields = def.Fields
	}
	if l.Operators < 1 {
		l.Operators = def.Operators
	}
}

// LLMBudgetConfig bounds prompt and completion token spend per request,
// per batch, and per day.
type LLMBudgetConfig struct {
	MaxPromptTokens     int       `json:"max_prompt_tokens"`
	MaxOutputTokens     int       `json:"max_output_tokens"`
	MaxTokensPerBatch   int       `json:"max_tokens_per_batch"`
	MaxTokensPerDay     int       `json:"max_tokens_per_day"`
	FallbackSteps       []float64 `json:"fallback_topk_steps"`
	ExploitRatio        float64   `json:"exploit_ratio"`
	ExploreRatio        float64   `json:"explore_ratio"`
	MinExploreItems     int       `json:"min_explore_candidates_per_batch"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
	ReserveTokens       int       `json:"expansion_reserve_tokens"`

	CostPer1KPromptTokens     float64 `json:"estimated_cost_per_1k_prompt_tokens"`
	CostPer1KCompletionTokens float64 `json:"estimated_cost_per_1k_completion_tokens"`
}

// EstimatedCost prices a request at the configured per-1k-token rates.
func (c LLMBudgetConfig) EstimatedCost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000.0*c.CostPer1KPromptTokens +
		float64(completionTokens)/1000.0*c.CostPer1KCompletionTokens
}

// DefaultLLMBudget returns the standard token budget.
func DefaultLLMBudget() LLMBudgetConfig {
	return LLMBudgetConfig{
		MaxPromptTokens:   12000,
		MaxOutputTokens:   1600,
		MaxTokensPerBatch: 52000,
		MaxTokensPerDay:   1500000,
		FallbackSteps:     []float64{0.85, 0.70, 0.55, 0.40},
		ExploitRatio:      0.7,
		ExploreRatio:      0.3,
		MinExploreItems:   1,
		ReserveTokens:     2500,
	}
}

func (c *LLMBudgetConfig) sanitize() {
	def := DefaultLLMBudget()
	if c.MaxPromptTokens < 1 {
		c.MaxPromptTokens = def.MaxPromptTokens
	}
	if c.MaxOutputTokens < 1 {
		c.MaxOutputTokens = def.MaxOutputTokens
	}
	if c.MaxTokensPerBatch < 1 {
		c.MaxTokensPerBatch = def.MaxTokensPerBatch
	}
	if c.MaxTokensPerDay < 1 {
		c.MaxTokensPerDay = def.MaxTokensPerDay
	}
	// Steps outside (0,1) are dropped; an empty result restores defaults.
	var steps []float64
	for _, s := range c.FallbackSteps {
		if s > 0 && s < 1 {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		steps = append([]float64(nil), def.FallbackSteps...)
	}
	c.FallbackSteps = steps
	if c.ExploitRatio <= 0 || c.ExploitRatio >= 1 {
		c.ExploitRatio = def.ExploitRatio
	}
	if c.ExploreRatio <= 0 || c.ExploreRatio >= 1 {
		c.ExploreRatio = def.ExploreRatio
	}
	if c.MinExploreItems < 0 {
		c.MinExploreItems = def.MinExploreItems
	}
	if c.MaxCompletionTokens < 0 {
		c.MaxCompletionTokens = 0
	}
	if c.ReserveTokens < 0 {
		c.ReserveTokens = def.ReserveTokens
	}
	if c.CostPer1KPromptTokens < 0 {
		c.CostPer1KPromptTokens = 0
	}
	if c.CostPer1KCompletionTokens < 0 {
		c.CostPer1KCompletionTokens = 0
	}
}

// NormalizedLaneRatio returns the exploit/explore split scaled to sum to 1.
func (c LLMBudgetConfig) NormalizedLaneRatio() (exploit, explore float64) {
	e := c.ExploitRatio
	x := c.ExploreRatio
	if e < 0 {
		e = 0
	}
	if x < 0 {
		x = 0
	}
	total := e + x
	if total <= 0 {
		return 0.7, 0.3
	}
	return e / total, x / total
}

// CompletionBudget is the effective per-request completion ceiling.
func (c LLMBudgetConfig) CompletionBudget() int {
	if c.MaxCompletionTokens > 0 && c.MaxCompletionTokens < c.MaxOutputTokens {
		return c.MaxCompletionTokens
	}
	return c.MaxOutputTokens
}

// LoadRetrievalBudget reads a RetrievalBudgetConfig from path. A missing
// file returns defaults.
func LoadRetrievalBudget(path string) (RetrievalBudgetConfig, error) {
	cfg := DefaultRetrievalBudget()
	if err := loadJSON(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.sanitize()
	return cfg, nil
}

// LoadLLMBudget reads an LLMBudgetConfig from path. A missing file returns
// defaults.
func LoadLLMBudget(path string) (LLMBudgetConfig, error) {
	cfg := DefaultLLMBudget()
	if err := loadJSON(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.sanitize()
	return cfg, nil
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
