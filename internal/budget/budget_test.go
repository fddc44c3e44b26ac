package budget

import (
	"strings"
	"testing"
	"time"

	"alphaforge/internal/config"
	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
)

func testPack() *retrieval.Pack {
	pack := &retrieval.Pack{
		IdeaID:                "idea-1",
		Query:                 "momentum reversal",
		SelectedSubcategories: []string{"price-volume", "analyst", "sentiment"},
		CandidateDatasets: []retrieval.DatasetCandidate{
			{ID: "pv1", SubcategoryID: "price-volume", Lane: retrieval.LaneExploit},
			{ID: "an1", SubcategoryID: "analyst", Lane: retrieval.LaneExploit},
			{ID: "sn1", SubcategoryID: "sentiment", Lane: retrieval.LaneExplore},
		},
	}
	for i := 0; i < 8; i++ {
		pack.CandidateFields = append(pack.CandidateFields, retrieval.FieldCandidate{
			ID: "f_exploit_" + string(rune('a'+i)), DatasetID: "pv1", Type: "MATRIX",
			Lane: retrieval.LaneExploit,
		})
	}
	pack.CandidateFields = append(pack.CandidateFields,
		retrieval.FieldCandidate{ID: "f_explore_a", DatasetID: "sn1", Type: "MATRIX", Lane: retrieval.LaneExplore},
		retrieval.FieldCandidate{ID: "f_explore_b", DatasetID: "sn1", Type: "MATRIX", Lane: retrieval.LaneExplore},
	)
	for i := 0; i < 6; i++ {
		pack.CandidateOperators = append(pack.CandidateOperators, retrieval.OperatorCandidate{
			Name: "op_exploit_" + string(rune('a'+i)), Lane: retrieval.LaneExploit,
		})
	}
	pack.CandidateOperators = append(pack.CandidateOperators,
		retrieval.OperatorCandidate{Name: "op_explore_a", Lane: retrieval.LaneExplore},
	)
	pack.ResyncContracts()
	return pack
}

// fieldScaledBuilder renders a prompt whose size tracks the field count, so
// the fields shrink phase is what brings it under budget.
func fieldScaledBuilder(tokensPerField int) PromptBuilder {
	return func(_ schema.IdeaSpec, pack *retrieval.Pack, _ map[string]any) string {
		return strings.Repeat("x", 4*tokensPerField*len(pack.CandidateFields))
	}
}

func TestEnforcePassesWithoutFallback(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	e := NewEnforcer(cfg, nil)
	result := e.EnforcePromptBudget(schema.IdeaSpec{IdeaID: "idea-1"}, testPack(), nil,
		UsageSnapshot{}, nil, fieldScaledBuilder(10), 1600)
	if !result.Allowed {
		t.Fatalf("expected allowed, exceeded=%v", result.Evaluation.Exceeded)
	}
	if len(result.FallbackSteps) != 0 {
		t.Fatalf("expected no fallback steps, got %d", len(result.FallbackSteps))
	}
	if result.Evaluation.FallbackCount != 0 {
		t.Fatalf("fallback count = %d", result.Evaluation.FallbackCount)
	}
}

func TestEnforceShrinksFieldsUntilFit(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	cfg.MaxPromptTokens = 900
	e := NewEnforcer(cfg, nil)

	pack := testPack()
	result := e.EnforcePromptBudget(schema.IdeaSpec{IdeaID: "idea-1"}, pack, nil,
		UsageSnapshot{}, nil, fieldScaledBuilder(100), 1600)
	if !result.Allowed {
		t.Fatalf("expected fallback to recover, exceeded=%v", result.Evaluation.Exceeded)
	}
	if len(result.FallbackSteps) == 0 {
		t.Fatal("expected recorded fallback steps")
	}
	if result.FallbackSteps[0].Phase != PhaseFields {
		t.Fatalf("first phase = %s, want fields", result.FallbackSteps[0].Phase)
	}
	if len(result.Pack.CandidateFields) >= len(pack.CandidateFields) {
		t.Fatalf("fields not shrunk: %d", len(result.Pack.CandidateFields))
	}
	// Caller's pack stays intact.
	if len(pack.CandidateFields) != 10 {
		t.Fatalf("caller pack mutated: %d fields", len(pack.CandidateFields))
	}
}

func TestEnforcePreservesExploreFloor(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	cfg.MaxPromptTokens = 500
	e := NewEnforcer(cfg, nil)

	result := e.EnforcePromptBudget(schema.IdeaSpec{IdeaID: "idea-1"}, testPack(), nil,
		UsageSnapshot{}, nil, fieldScaledBuilder(100), 1600)
	if !result.Allowed {
		t.Fatalf("expected allowed, exceeded=%v", result.Evaluation.Exceeded)
	}
	exploreFields := 0
	for _, f := range result.Pack.CandidateFields {
		if f.Lane == retrieval.LaneExplore {
			exploreFields++
		}
	}
	if exploreFields < 1 {
		t.Fatal("shrink dropped the explore field floor")
	}
	if !result.Evaluation.ExploreFloorPreserved {
		t.Fatal("evaluation reports explore floor lost")
	}
}

func TestEnforceBlocksWhenNothingFits(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	cfg.MaxPromptTokens = 10
	e := NewEnforcer(cfg, nil)

	constant := func(schema.IdeaSpec, *retrieval.Pack, map[string]any) string {
		return strings.Repeat("x", 4000)
	}
	result := e.EnforcePromptBudget(schema.IdeaSpec{IdeaID: "idea-1"}, testPack(), nil,
		UsageSnapshot{}, nil, constant, 1600)
	if result.Allowed {
		t.Fatal("expected blocked result")
	}
	if !result.Evaluation.Exceeded["request_prompt"] {
		t.Fatalf("exceeded = %v, want request_prompt", result.Evaluation.Exceeded)
	}
	if len(result.FallbackSteps) == 0 {
		t.Fatal("expected fallback steps before blocking")
	}
}

func TestEnforceSkipsNoOpShrinks(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	cfg.MaxPromptTokens = 10
	e := NewEnforcer(cfg, nil)

	pack := &retrieval.Pack{
		IdeaID:                "idea-1",
		SelectedSubcategories: []string{"price-volume"},
		CandidateDatasets: []retrieval.DatasetCandidate{
			{ID: "pv1", SubcategoryID: "price-volume", Lane: retrieval.LaneExploit},
		},
		CandidateFields: []retrieval.FieldCandidate{
			{ID: "close", DatasetID: "pv1", Type: "MATRIX", Lane: retrieval.LaneExploit},
		},
		CandidateOperators: []retrieval.OperatorCandidate{
			{Name: "rank", Lane: retrieval.LaneExploit},
		},
	}
	pack.ResyncContracts()

	constant := func(schema.IdeaSpec, *retrieval.Pack, map[string]any) string {
		return strings.Repeat("x", 4000)
	}
	result := e.EnforcePromptBudget(schema.IdeaSpec{IdeaID: "idea-1"}, pack, nil,
		UsageSnapshot{}, nil, constant, 1600)
	if result.Allowed {
		t.Fatal("expected blocked result")
	}
	if len(result.FallbackSteps) != 0 {
		t.Fatalf("no-op shrinks recorded as steps: %d", len(result.FallbackSteps))
	}
}

func TestEnforceStampsBudgetPolicy(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	e := NewEnforcer(cfg, nil)
	result := e.EnforcePromptBudget(schema.IdeaSpec{IdeaID: "idea-1"}, testPack(), nil,
		UsageSnapshot{}, nil, fieldScaledBuilder(10), 1600)
	policy, ok := result.Pack.BudgetPolicy["llm_budget"].(map[string]any)
	if !ok {
		t.Fatalf("llm_budget policy missing: %v", result.Pack.BudgetPolicy)
	}
	if policy["max_prompt_tokens"] != cfg.MaxPromptTokens {
		t.Fatalf("policy = %v", policy)
	}
}

func TestTargetTotal(t *testing.T) {
	cases := []struct {
		current int
		factor  float64
		min     int
		want    int
	}{
		{10, 0.85, 1, 8},
		{10, 0.99, 1, 9},
		{2, 0.9, 1, 1},
		{1, 0.5, 1, 1},
		{3, 0.4, 1, 1},
	}
	for _, tc := range cases {
		if got := targetTotal(tc.current, tc.factor, tc.min); got != tc.want {
			t.Fatalf("targetTotal(%d, %v, %d) = %d, want %d",
				tc.current, tc.factor, tc.min, got, tc.want)
		}
	}
}

func TestAllocateLaneCounts(t *testing.T) {
	// Everything fits: both lanes returned whole.
	exploit, explore := allocateLaneCounts(10, 4, 3, 0.3, 1)
	if exploit != 4 || explore != 3 {
		t.Fatalf("allocate = %d/%d, want 4/3", exploit, explore)
	}
	// Ratio split with floor.
	exploit, explore = allocateLaneCounts(8, 10, 5, 0.3, 1)
	if exploit != 6 || explore != 2 {
		t.Fatalf("allocate = %d/%d, want 6/2", exploit, explore)
	}
	// Exploit rescue: at least one exploit slot when exploit exists.
	exploit, explore = allocateLaneCounts(1, 3, 3, 1.0, 1)
	if exploit != 1 {
		t.Fatalf("exploit = %d, want rescue to 1", exploit)
	}
	// Fill loop tops up from whichever lane has room.
	exploit, explore = allocateLaneCounts(6, 10, 1, 0.5, 1)
	if exploit+explore != 6 {
		t.Fatalf("allocate = %d/%d, want sum 6", exploit, explore)
	}
}

func TestRoughTokenEstimate(t *testing.T) {
	if got := RoughTokenEstimate(0); got != 0 {
		t.Fatalf("estimate(0) = %d", got)
	}
	if got := RoughTokenEstimate(5); got != 2 {
		t.Fatalf("estimate(5) = %d, want 2", got)
	}
	if got := RoughTokenEstimate(8); got != 2 {
		t.Fatalf("estimate(8) = %d, want 2", got)
	}
}

func TestExtractPromptCompletionTokens(t *testing.T) {
	prompt, completion := ExtractPromptCompletionTokens(
		map[string]any{"prompt_tokens": 120, "completion_tokens": 40}, 0, 0)
	if prompt != 120 || completion != 40 {
		t.Fatalf("extract = %d/%d", prompt, completion)
	}
	// Alternate key spellings.
	prompt, completion = ExtractPromptCompletionTokens(
		map[string]any{"input_tokens": float64(90), "output_tokens": float64(30)}, 0, 0)
	if prompt != 90 || completion != 30 {
		t.Fatalf("extract = %d/%d", prompt, completion)
	}
	// Total fills the missing side.
	prompt, completion = ExtractPromptCompletionTokens(
		map[string]any{"prompt_tokens": 100, "total_tokens": 150}, 0, 0)
	if prompt != 100 || completion != 50 {
		t.Fatalf("extract = %d/%d, want 100/50", prompt, completion)
	}
	// Rough fallbacks apply when the payload is empty.
	prompt, completion = ExtractPromptCompletionTokens(nil, 70, 20)
	if prompt != 70 || completion != 20 {
		t.Fatalf("extract = %d/%d, want 70/20", prompt, completion)
	}
}

func TestAggregateUsageFromEvents(t *testing.T) {
	day := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	events := []schema.EventEnvelope{
		{
			EventType: "llm.usage_point", RunID: "run-1", CreatedAt: day,
			Payload: map[string]any{"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 40}},
		},
		{
			EventType: "llm.usage_point", RunID: "run-2", CreatedAt: day,
			Payload: map[string]any{"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5}},
		},
		{
			EventType: "llm.usage_point", RunID: "run-1", CreatedAt: day.AddDate(0, 0, -1),
			Payload: map[string]any{"prompt_tokens_rough": 7, "completion_tokens_rough": 3},
		},
		{EventType: "validation.passed", RunID: "run-1", CreatedAt: day},
	}
	usage := AggregateUsageFromEvents(events, "run-1", "2026-08-30")
	if usage.RunPromptTokens != 107 || usage.RunCompletionTokens != 43 {
		t.Fatalf("run usage = %d/%d", usage.RunPromptTokens, usage.RunCompletionTokens)
	}
	if usage.RunCalls != 2 {
		t.Fatalf("run calls = %d", usage.RunCalls)
	}
	if usage.DayPromptTokens != 110 || usage.DayCompletionTokens != 45 {
		t.Fatalf("day usage = %d/%d", usage.DayPromptTokens, usage.DayCompletionTokens)
	}
	if usage.DayCalls != 2 {
		t.Fatalf("day calls = %d", usage.DayCalls)
	}
}

func TestCollectSeenCombinations(t *testing.T) {
	events := []schema.EventEnvelope{
		{EventType: "budget.check", RunID: "run-1",
			Payload: map[string]any{"combo_sample": []any{"close::rank", "volume::rank"}}},
		{EventType: "budget.fallback_applied", RunID: "run-1",
			Payload: map[string]any{"combo_sample": []string{"close::zscore"}}},
		{EventType: "budget.check", RunID: "run-2",
			Payload: map[string]any{"combo_sample": []any{"other::op"}}},
		{EventType: "retrieval.completed", RunID: "run-1",
			Payload: map[string]any{"combo_sample": []any{"not::budget"}}},
	}
	seen := CollectSeenCombinations(events, "run-1")
	want := []string{"close::rank", "volume::rank", "close::zscore"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v", seen)
	}
	for _, key := range want {
		if !seen[key] {
			t.Fatalf("missing combo %q in %v", key, seen)
		}
	}
}

func TestCanUseExpansionReserve(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	if CanUseExpansionReserve(1, 100, cfg, 2) {
		t.Fatal("below trigger threshold must refuse reserve")
	}
	if !CanUseExpansionReserve(2, 2500, cfg, 2) {
		t.Fatal("at threshold within reserve must allow")
	}
	if CanUseExpansionReserve(3, 2501, cfg, 2) {
		t.Fatal("over reserve must refuse")
	}
}

func TestNoveltyKPI(t *testing.T) {
	pack := &retrieval.Pack{
		CandidateFields: []retrieval.FieldCandidate{
			{ID: "close"}, {ID: "volume"},
		},
		CandidateOperators: []retrieval.OperatorCandidate{{Name: "rank"}},
	}
	novelty, sample := noveltyKPI(pack, map[string]bool{"close::rank": true})
	if novelty != 0.5 {
		t.Fatalf("novelty = %v, want 0.5", novelty)
	}
	if len(sample) != 2 {
		t.Fatalf("sample = %v", sample)
	}
	novelty, sample = noveltyKPI(&retrieval.Pack{}, nil)
	if novelty != 0 || sample != nil {
		t.Fatalf("empty pack novelty = %v %v", novelty, sample)
	}
}

func TestBuildEventPayload(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	eval := Evaluation{
		PromptTokensRough:     100,
		CompletionTokenBudget: 1600,
		SelectedTopK:          map[string]int{"fields": 10},
		Exceeded:              map[string]bool{"request_prompt": false},
	}
	payload := BuildEventPayload("alpha_generation", cfg, UsageSnapshot{RunPromptTokens: 50}, eval,
		map[string]any{"fallback_phase": "fields"})
	if payload["step_name"] != "alpha_generation" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["batch_tokens_used_before"] != 50 {
		t.Fatalf("batch before = %v", payload["batch_tokens_used_before"])
	}
	if payload["fallback_phase"] != "fields" {
		t.Fatal("extra fields not merged")
	}
	limits, ok := payload["limits"].(map[string]any)
	if !ok || limits["max_prompt_tokens"] != cfg.MaxPromptTokens {
		t.Fatalf("limits = %v", payload["limits"])
	}
}

func TestBuildConsolePayloadFlags(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	now := time.Now().UTC()
	runEvents := []schema.EventEnvelope{
		{EventType: "budget.check", RunID: "run-1", CreatedAt: now,
			Payload: map[string]any{
				"prompt_tokens":   13000,
				"budget_exceeded": map[string]bool{"request_prompt": true},
			}},
		{EventType: "budget.blocked", RunID: "run-1", CreatedAt: now,
			Payload: map[string]any{"prompt_tokens": 13000}},
	}
	console := BuildConsolePayload("run-1", runEvents, nil, cfg)
	if !console.Flags["budget_blocked"] || !console.Flags["over_prompt_budget"] {
		t.Fatalf("flags = %v", console.Flags)
	}
	if len(console.Series["prompt_tokens"]) != 2 {
		t.Fatalf("series = %v", console.Series["prompt_tokens"])
	}
}

func TestBuildKPIPayload(t *testing.T) {
	cfg := config.DefaultLLMBudget()
	now := time.Now().UTC()
	runEvents := []schema.EventEnvelope{
		{EventType: "budget.check", RunID: "run-1", CreatedAt: now,
			Payload: map[string]any{
				"coverage_kpi": 3.0,
				"novelty_kpi":  0.8,
				"lane_ratio":   map[string]any{"explore_ratio": 0.25},
			}},
	}
	kpi := BuildKPIPayload("run-1", runEvents, cfg)
	if kpi.Flags["low_novelty"] || kpi.Flags["low_coverage"] {
		t.Fatalf("flags = %v", kpi.Flags)
	}
	if kpi.Flags["explore_floor_breached"] {
		t.Fatal("0.25 explore ratio should clear the 0.15 breach line")
	}
	if len(kpi.Series["coverage"]) != 1 {
		t.Fatalf("series = %v", kpi.Series)
	}
}
