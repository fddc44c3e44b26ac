package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLLMBudgetMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadLLMBudget(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadLLMBudget: %v", err)
	}
	def := DefaultLLMBudget()
	if cfg.MaxPromptTokens != def.MaxPromptTokens || cfg.MaxTokensPerDay != def.MaxTokensPerDay {
		t.Fatalf("got %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadLLMBudgetSanitizesSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	body := `{"max_prompt_tokens": 8000, "fallback_topk_steps": [0.9, 1.5, -0.2, 0.5]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadLLMBudget(path)
	if err != nil {
		t.Fatalf("LoadLLMBudget: %v", err)
	}
	if cfg.MaxPromptTokens != 8000 {
		t.Fatalf("MaxPromptTokens = %d, want 8000", cfg.MaxPromptTokens)
	}
	want := []float64{0.9, 0.5}
	if len(cfg.FallbackSteps) != len(want) {
		t.Fatalf("FallbackSteps = %v, want %v", cfg.FallbackSteps, want)
	}
	for i := range want {
		if cfg.FallbackSteps[i] != want[i] {
			t.Fatalf("FallbackSteps = %v, want %v", cfg.FallbackSteps, want)
		}
	}
}

func TestLoadLLMBudgetAllStepsInvalidRestoresDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	if err := os.WriteFile(path, []byte(`{"fallback_topk_steps": [2.0, 0.0]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadLLMBudget(path)
	if err != nil {
		t.Fatalf("LoadLLMBudget: %v", err)
	}
	def := DefaultLLMBudget()
	if len(cfg.FallbackSteps) != len(def.FallbackSteps) {
		t.Fatalf("FallbackSteps = %v, want defaults %v", cfg.FallbackSteps, def.FallbackSteps)
	}
}

func TestLoadLLMBudgetMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLLMBudget(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestCompletionBudget(t *testing.T) {
	cfg := DefaultLLMBudget()
	if got := cfg.CompletionBudget(); got != 1600 {
		t.Fatalf("CompletionBudget = %d, want 1600", got)
	}
	cfg.MaxCompletionTokens = 900
	if got := cfg.CompletionBudget(); got != 900 {
		t.Fatalf("CompletionBudget = %d, want 900", got)
	}
	cfg.MaxCompletionTokens = 5000
	if got := cfg.CompletionBudget(); got != 1600 {
		t.Fatalf("CompletionBudget = %d, want 1600", got)
	}
}

func TestLoadRetrievalBudgetSanitizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanes.json")
	body := `{"exploit": {"subcategories": 0, "datasets": 5, "fields": 20, "operators": 10},
	          "expansion_policy": {"enabled": true, "trigger_on_repeated_validation_error": 0, "topk_expand_factor": 0.5}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadRetrievalBudget(path)
	if err != nil {
		t.Fatalf("LoadRetrievalBudget: %v", err)
	}
	if cfg.Exploit.Subcategories != 4 {
		t.Fatalf("Exploit.Subcategories = %d, want default 4", cfg.Exploit.Subcategories)
	}
	if cfg.Exploit.Datasets != 5 {
		t.Fatalf("Exploit.Datasets = %d, want 5", cfg.Exploit.Datasets)
	}
	if cfg.Expansion.Trigger != 2 || cfg.Expansion.Factor != 1.5 {
		t.Fatalf("Expansion = %+v, want defaults trigger=2 factor=1.5", cfg.Expansion)
	}
}

func TestEstimatedCost(t *testing.T) {
	cfg := DefaultLLMBudget()
	if got := cfg.EstimatedCost(4000, 1000); got != 0 {
		t.Fatalf("EstimatedCost with zero rates = %v, want 0", got)
	}
	cfg.CostPer1KPromptTokens = 0.5
	cfg.CostPer1KCompletionTokens = 1.5
	if got := cfg.EstimatedCost(4000, 1000); got != 3.5 {
		t.Fatalf("EstimatedCost = %v, want 3.5", got)
	}
}
