// Package budget enforces token spend limits on prompt generation. When a
// prompt overruns a ceiling, the pack is shrunk through staged Top-K
// fallback (fields, then operators, then subcategories) until the prompt
// fits or every stage is exhausted.
package budget

import (
	"math"

	"go.uber.org/zap"

	"alphaforge/internal/config"
	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
)

// Shrink phases, applied in order.
const (
	PhaseFields        = "fields"
	PhaseOperators     = "operators"
	PhaseSubcategories = "subcategories"
)

// PromptBuilder renders the generation prompt for an idea against a pack and
// a compacted knowledge bundle. The enforcer calls it after every shrink.
type PromptBuilder func(idea schema.IdeaSpec, pack *retrieval.Pack, bundle map[string]any) string

// Evaluation is one budget check over a rendered prompt.
type Evaluation struct {
	Passed                bool            `json:"passed"`
	PromptTokensRough     int             `json:"prompt_tokens_rough"`
	CompletionTokenBudget int             `json:"completion_tokens_budget"`
	ProjectedBatchTokens  int             `json:"projected_batch_tokens"`
	ProjectedDayTokens    int             `json:"projected_day_tokens"`
	SelectedTopK          map[string]int  `json:"selected_topk"`
	LaneRatio             map[string]any  `json:"lane_ratio"`
	CoverageKPI           float64         `json:"coverage_kpi"`
	NoveltyKPI            float64         `json:"novelty_kpi"`
	ComboSample           []string        `json:"combo_sample"`
	ExploreFloorPreserved bool            `json:"explore_floor_preserved"`
	Exceeded              map[string]bool `json:"exceeded"`
	FallbackCount         int             `json:"fallback_count"`
}

// FallbackStep records one shrink attempt for telemetry.
type FallbackStep struct {
	Phase            string          `json:"phase"`
	Factor           float64         `json:"factor"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	SelectedTopK     map[string]int  `json:"selected_topk"`
	BudgetExceeded   map[string]bool `json:"budget_exceeded"`
	FallbackCount    int             `json:"fallback_count"`
}

// EnforcementResult is the outcome of one enforcement pass. Pack is always
// the working copy, shrunk as far as the fallback ladder went.
type EnforcementResult struct {
	Allowed       bool
	Pack          *retrieval.Pack
	Prompt        string
	Evaluation    Evaluation
	Usage         UsageSnapshot
	FallbackSteps []FallbackStep
}

// Enforcer applies one LLM budget policy.
type Enforcer struct {
	cfg    config.LLMBudgetConfig
	logger *zap.Logger
}

// NewEnforcer builds an enforcer. A nil logger disables logging.
func NewEnforcer(cfg config.LLMBudgetConfig, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{cfg: cfg, logger: logger}
}

// Config returns the policy the enforcer applies.
func (e *Enforcer) Config() config.LLMBudgetConfig { return e.cfg }

// EnforcePromptBudget checks the rendered prompt against request, batch, and
// day ceilings, shrinking the pack through staged fallback when it overruns.
// The caller's pack is never mutated; the returned pack is a working copy.
func (e *Enforcer) EnforcePromptBudget(
	idea schema.IdeaSpec,
	pack *retrieval.Pack,
	bundle map[string]any,
	usage UsageSnapshot,
	seenCombos map[string]bool,
	build PromptBuilder,
	maxOutputTokens int,
) EnforcementResult {
	working := pack.Clone()
	fieldFloor, opFloor := e.exploreFloorTargets(pack)
	e.syncContracts(working)

	prompt := build(idea, working, bundle)
	fallbackCount := 0
	eval := e.evaluate(prompt, working, usage, seenCombos, maxOutputTokens, fallbackCount, fieldFloor, opFloor)
	if eval.Passed {
		return EnforcementResult{Allowed: true, Pack: working, Prompt: prompt, Evaluation: eval, Usage: usage}
	}

	var steps []FallbackStep
	for _, phase := range []string{PhaseFields, PhaseOperators, PhaseSubcategories} {
		for _, factor := range e.cfg.FallbackSteps {
			before := working.Signature()
			e.shrink(working, phase, factor)
			e.syncContracts(working)
			if working.Signature() == before {
				continue
			}

			fallbackCount++
			prompt = build(idea, working, bundle)
			eval = e.evaluate(prompt, working, usage, seenCombos, maxOutputTokens, fallbackCount, fieldFloor, opFloor)
			steps = append(steps, FallbackStep{
				Phase:            phase,
				Factor:           round4(factor),
				PromptTokens:     eval.PromptTokensRough,
				CompletionTokens: eval.CompletionTokenBudget,
				SelectedTopK:     eval.SelectedTopK,
				BudgetExceeded:   eval.Exceeded,
				FallbackCount:    fallbackCount,
			})
			e.logger.Debug("budget fallback applied",
				zap.String("phase", phase),
				zap.Float64("factor", factor),
				zap.Int("prompt_tokens", eval.PromptTokensRough),
				zap.Bool("passed", eval.Passed))

			if eval.Passed {
				return EnforcementResult{Allowed: true, Pack: working, Prompt: prompt,
					Evaluation: eval, Usage: usage, FallbackSteps: steps}
			}
		}
	}

	e.logger.Warn("prompt blocked by budget policy",
		zap.String("idea_id", idea.IdeaID),
		zap.Int("prompt_tokens", eval.PromptTokensRough),
		zap.Int("fallback_count", fallbackCount))
	return EnforcementResult{Allowed: false, Pack: working, Prompt: prompt,
		Evaluation: eval, Usage: usage, FallbackSteps: steps}
}

func (e *Enforcer) evaluate(
	prompt string,
	pack *retrieval.Pack,
	usage UsageSnapshot,
	seenCombos map[string]bool,
	maxOutputTokens int,
	fallbackCount int,
	fieldFloor, opFloor int,
) Evaluation {
	promptTokens := RoughTokenEstimate(len(prompt))
	ceiling := e.cfg.CompletionBudget()
	completion := maxOutputTokens
	if completion > ceiling {
		completion = ceiling
	}
	if completion < 1 {
		completion = 1
	}

	projectedBatch := usage.TotalRunTokens() + promptTokens + completion
	projectedDay := usage.TotalDayTokens() + promptTokens + completion

	novelty, sample := noveltyKPI(pack, seenCombos)
	floorOK := exploreFloorPreserved(pack, fieldFloor, opFloor)

	exceeded := map[string]bool{
		"request_prompt":     promptTokens > e.cfg.MaxPromptTokens,
		"request_completion": completion > ceiling,
		"batch_total":        projectedBatch > e.cfg.MaxTokensPerBatch,
		"day_total":          projectedDay > e.cfg.MaxTokensPerDay,
		"explore_floor":      !floorOK,
	}
	passed := true
	for _, over := range exceeded {
		if over {
			passed = false
		}
	}

	return Evaluation{
		Passed:                passed,
		PromptTokensRough:     promptTokens,
		CompletionTokenBudget: completion,
		ProjectedBatchTokens:  projectedBatch,
		ProjectedDayTokens:    projectedDay,
		SelectedTopK:          selectedTopK(pack),
		LaneRatio:             laneRatio(pack),
		CoverageKPI:           float64(distinctCount(pack.SelectedSubcategories)),
		NoveltyKPI:            novelty,
		ComboSample:           sample,
		ExploreFloorPreserved: floorOK,
		Exceeded:              exceeded,
		FallbackCount:         fallbackCount,
	}
}

// ============================================================================
// SHRINK PHASES
// ============================================================================

func (e *Enforcer) shrink(pack *retrieval.Pack, phase string, factor float64) {
	switch phase {
	case PhaseFields:
		e.shrinkFields(pack, factor)
	case PhaseOperators:
		e.shrinkOperators(pack, factor)
	case PhaseSubcategories:
		e.shrinkSubcategories(pack, factor)
	}
}

func (e *Enforcer) shrinkFields(pack *retrieval.Pack, factor float64) {
	if len(pack.CandidateFields) <= 1 {
		return
	}
	target := targetTotal(len(pack.CandidateFields), factor, 1)
	pack.CandidateFields = e.trimFields(pack.CandidateFields, target)
}

func (e *Enforcer) shrinkOperators(pack *retrieval.Pack, factor float64) {
	if len(pack.CandidateOperators) <= 1 {
		return
	}
	target := targetTotal(len(pack.CandidateOperators), factor, 1)
	pack.CandidateOperators = e.trimOperators(pack.CandidateOperators, target)
}

func (e *Enforcer) shrinkSubcategories(pack *retrieval.Pack, factor float64) {
	if len(pack.SelectedSubcategories) <= 1 {
		return
	}
	target := targetTotal(len(pack.SelectedSubcategories), factor, 1)

	var exploitSubs, exploreSubs []string
	for _, d := range pack.CandidateDatasets {
		if d.SubcategoryID == "" {
			continue
		}
		if d.Lane == retrieval.LaneExplore {
			exploreSubs = append(exploreSubs, d.SubcategoryID)
		} else {
			exploitSubs = append(exploitSubs, d.SubcategoryID)
		}
	}
	exploitSubs = orderedUnique(exploitSubs)
	exploreSubs = orderedUnique(exploreSubs)

	minExplore := 0
	if e.cfg.MinExploreItems > 0 {
		minExplore = 1
	}
	_, exploreRatio := e.cfg.NormalizedLaneRatio()
	exploitTarget, exploreTarget := allocateLaneCounts(target, len(exploitSubs), len(exploreSubs), exploreRatio, minExplore)

	keep := append([]string(nil), exploitSubs[:exploitTarget]...)
	keep = append(keep, exploreSubs[:exploreTarget]...)

	if len(keep) < target {
		kept := toSet(keep)
		for _, sub := range pack.SelectedSubcategories {
			if kept[sub] {
				continue
			}
			kept[sub] = true
			keep = append(keep, sub)
			if len(keep) >= target {
				break
			}
		}
	}

	keepSet := toSet(keep)
	var subs []string
	for _, sub := range pack.SelectedSubcategories {
		if keepSet[sub] {
			subs = append(subs, sub)
		}
	}
	pack.SelectedSubcategories = subs

	var datasets []retrieval.DatasetCandidate
	for _, d := range pack.CandidateDatasets {
		if keepSet[d.SubcategoryID] {
			datasets = append(datasets, d)
		}
	}
	pack.CandidateDatasets = datasets

	datasetIDs := map[string]bool{}
	for _, d := range pack.CandidateDatasets {
		datasetIDs[d.ID] = true
	}
	if len(datasetIDs) > 0 {
		var fields []retrieval.FieldCandidate
		for _, f := range pack.CandidateFields {
			if datasetIDs[f.DatasetID] {
				fields = append(fields, f)
			}
		}
		pack.CandidateFields = fields
	}
}

func (e *Enforcer) trimFields(rows []retrieval.FieldCandidate, target int) []retrieval.FieldCandidate {
	if target >= len(rows) {
		return rows
	}
	var exploit, explore []retrieval.FieldCandidate
	for _, row := range rows {
		if row.Lane == retrieval.LaneExplore {
			explore = append(explore, row)
		} else {
			exploit = append(exploit, row)
		}
	}
	minExplore := e.cfg.MinExploreItems
	if minExplore > target {
		minExplore = target
	}
	_, exploreRatio := e.cfg.NormalizedLaneRatio()
	exploitTarget, exploreTarget := allocateLaneCounts(target, len(exploit), len(explore), exploreRatio, minExplore)

	keepExploit := map[string]bool{}
	for _, row := range exploit[:exploitTarget] {
		keepExploit[row.ID] = true
	}
	keepExplore := map[string]bool{}
	for _, row := range explore[:exploreTarget] {
		keepExplore[row.ID] = true
	}

	var out []retrieval.FieldCandidate
	for _, row := range rows {
		if row.Lane == retrieval.LaneExplore {
			if keepExplore[row.ID] {
				out = append(out, row)
				delete(keepExplore, row.ID)
			}
		} else if keepExploit[row.ID] {
			out = append(out, row)
			delete(keepExploit, row.ID)
		}
		if len(out) >= target {
			break
		}
	}
	return out
}

func (e *Enforcer) trimOperators(rows []retrieval.OperatorCandidate, target int) []retrieval.OperatorCandidate {
	if target >= len(rows) {
		return rows
	}
	var exploit, explore []retrieval.OperatorCandidate
	for _, row := range rows {
		if row.Lane == retrieval.LaneExplore {
			explore = append(explore, row)
		} else {
			exploit = append(exploit, row)
		}
	}
	minExplore := e.cfg.MinExploreItems
	if minExplore > target {
		minExplore = target
	}
	_, exploreRatio := e.cfg.NormalizedLaneRatio()
	exploitTarget, exploreTarget := allocateLaneCounts(target, len(exploit), len(explore), exploreRatio, minExplore)

	keepExploit := map[string]bool{}
	for _, row := range exploit[:exploitTarget] {
		keepExploit[row.Name] = true
	}
	keepExplore := map[string]bool{}
	for _, row := range explore[:exploreTarget] {
		keepExplore[row.Name] = true
	}

	var out []retrieval.OperatorCandidate
	for _, row := range rows {
		if row.Lane == retrieval.LaneExplore {
			if keepExplore[row.Name] {
				out = append(out, row)
				delete(keepExplore, row.Name)
			}
		} else if keepExploit[row.Name] {
			out = append(out, row)
			delete(keepExploit, row.Name)
		}
		if len(out) >= target {
			break
		}
	}
	return out
}

// syncContracts rebuilds the pack's derived sections and stamps the active
// LLM budget limits into its budget policy.
func (e *Enforcer) syncContracts(pack *retrieval.Pack) {
	pack.ResyncContracts()
	if pack.BudgetPolicy == nil {
		pack.BudgetPolicy = map[string]any{}
	}
	pack.BudgetPolicy["llm_budget"] = map[string]any{
		"max_prompt_tokens":     e.cfg.MaxPromptTokens,
		"max_completion_tokens": e.cfg.CompletionBudget(),
		"max_tokens_per_batch":  e.cfg.MaxTokensPerBatch,
		"max_tokens_per_day":    e.cfg.MaxTokensPerDay,
	}
}

// ============================================================================
// ALLOCATION HELPERS
// ============================================================================

// targetTotal shrinks a count by factor, never below minTotal and always
// strictly below the current count when the count exceeds the minimum.
func targetTotal(current int, factor float64, minTotal int) int {
	if current <= minTotal {
		return current
	}
	target := int(math.Floor(float64(current) * factor))
	if target < minTotal {
		target = minTotal
	}
	if target >= current {
		target = current - 1
		if target < minTotal {
			target = minTotal
		}
	}
	return target
}

// allocateLaneCounts splits a target across lanes, honoring the explore
// ratio and floor while guaranteeing at least one exploit slot when exploit
// candidates exist.
func allocateLaneCounts(target, exploitAvail, exploreAvail int, exploreRatio float64, minExplore int) (int, int) {
	if target <= 0 {
		return 0, 0
	}
	if exploitAvail < 0 {
		exploitAvail = 0
	}
	if exploreAvail < 0 {
		exploreAvail = 0
	}
	if minExplore < 0 {
		minExplore = 0
	}
	if exploitAvail+exploreAvail <= target {
		return exploitAvail, exploreAvail
	}

	if exploreRatio < 0 {
		exploreRatio = 0
	}
	exploreTarget := int(math.Round(float64(target) * exploreRatio))
	if exploreAvail > 0 && minExplore > 0 {
		floor := minExplore
		if floor > target {
			floor = target
		}
		if exploreTarget < floor {
			exploreTarget = floor
		}
	}
	if exploreTarget > exploreAvail {
		exploreTarget = exploreAvail
	}
	if exploreTarget > target {
		exploreTarget = target
	}

	exploitTarget := target - exploreTarget
	if exploitTarget < 0 {
		exploitTarget = 0
	}
	if exploitTarget > exploitAvail {
		exploitTarget = exploitAvail
	}
	if exploitAvail > 0 && exploitTarget <= 0 {
		exploitTarget = 1
		exploreTarget = target - exploitTarget
		if exploreTarget < 0 {
			exploreTarget = 0
		}
	}

	for exploitTarget+exploreTarget < target {
		if exploitTarget < exploitAvail {
			exploitTarget++
			continue
		}
		if exploreTarget < exploreAvail {
			exploreTarget++
			continue
		}
		break
	}
	return exploitTarget, exploreTarget
}

func selectedTopK(pack *retrieval.Pack) map[string]int {
	return map[string]int{
		"subcategories": len(pack.SelectedSubcategories),
		"datasets":      len(pack.CandidateDatasets),
		"fields":        len(pack.CandidateFields),
		"operators":     len(pack.CandidateOperators),
	}
}

func distinctCount(values []string) int {
	seen := map[string]bool{}
	for _, v := range values {
		seen[v] = true
	}
	return len(seen)
}

func orderedUnique(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func toSet(values []string) map[string]bool {
	out := map[string]bool{}
	for _, v := range values {
		out[v] = true
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
