package budget

import (
	"strings"

	"alphaforge/internal/config"
	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
)

// Combo samples are capped so budget events stay small.
const comboSampleCap = 64

// Only the leading slice of each list feeds the novelty KPI.
const noveltyWindow = 20

func laneRatio(pack *retrieval.Pack) map[string]any {
	var exploitFields, exploreFields, exploitOps, exploreOps int
	for _, f := range pack.CandidateFields {
		if f.Lane == retrieval.LaneExplore {
			exploreFields++
		} else {
			exploitFields++
		}
	}
	for _, o := range pack.CandidateOperators {
		if o.Lane == retrieval.LaneExplore {
			exploreOps++
		} else {
			exploitOps++
		}
	}

	exploitTotal := exploitFields + exploitOps
	exploreTotal := exploreFields + exploreOps
	total := exploitTotal + exploreTotal
	if total < 1 {
		total = 1
	}

	return map[string]any{
		"exploit_ratio": round4(float64(exploitTotal) / float64(total)),
		"explore_ratio": round4(float64(exploreTotal) / float64(total)),
		"exploit_count": exploitTotal,
		"explore_count": exploreTotal,
		"fields":        map[string]int{"exploit": exploitFields, "explore": exploreFields},
		"operators":     map[string]int{"exploit": exploitOps, "explore": exploreOps},
	}
}

// noveltyKPI is the fraction of field::operator combos in the pack's leading
// window that have not been seen earlier in the run.
func noveltyKPI(pack *retrieval.Pack, seen map[string]bool) (float64, []string) {
	fields := pack.CandidateFields
	if len(fields) > noveltyWindow {
		fields = fields[:noveltyWindow]
	}
	ops := pack.CandidateOperators
	if len(ops) > noveltyWindow {
		ops = ops[:noveltyWindow]
	}

	var combos []string
	for _, f := range fields {
		for _, o := range ops {
			combos = append(combos, f.ID+"::"+o.Name)
		}
	}
	if len(combos) == 0 {
		return 0, nil
	}

	combos = orderedUnique(combos)
	newCount := 0
	for _, key := range combos {
		if !seen[key] {
			newCount++
		}
	}
	novelty := float64(newCount) / float64(len(combos))

	sample := combos
	if len(sample) > comboSampleCap {
		sample = sample[:comboSampleCap]
	}
	return round4(novelty), sample
}

// exploreFloorTargets captures the floor from the pack as originally built.
// Shrinks must not push explore lanes below these counts.
func (e *Enforcer) exploreFloorTargets(pack *retrieval.Pack) (fieldFloor, opFloor int) {
	floor := e.cfg.MinExploreItems
	if floor <= 0 {
		return 0, 0
	}
	var exploreFields, exploreOps int
	for _, f := range pack.CandidateFields {
		if f.Lane == retrieval.LaneExplore {
			exploreFields++
		}
	}
	for _, o := range pack.CandidateOperators {
		if o.Lane == retrieval.LaneExplore {
			exploreOps++
		}
	}
	if exploreFields < floor {
		fieldFloor = exploreFields
	} else {
		fieldFloor = floor
	}
	if exploreOps < floor {
		opFloor = exploreOps
	} else {
		opFloor = floor
	}
	return fieldFloor, opFloor
}

func exploreFloorPreserved(pack *retrieval.Pack, fieldFloor, opFloor int) bool {
	var exploreFields, exploreOps int
	for _, f := range pack.CandidateFields {
		if f.Lane == retrieval.LaneExplore {
			exploreFields++
		}
	}
	for _, o := range pack.CandidateOperators {
		if o.Lane == retrieval.LaneExplore {
			exploreOps++
		}
	}
	return exploreFields >= fieldFloor && exploreOps >= opFloor
}

// BuildEventPayload normalizes an evaluation into the payload shape shared
// by every budget.* event.
func BuildEventPayload(stepName string, cfg config.LLMBudgetConfig, usage UsageSnapshot, eval Evaluation, extra map[string]any) map[string]any {
	payload := map[string]any{
		"step_name":                stepName,
		"prompt_tokens":            eval.PromptTokensRough,
		"completion_tokens":        eval.CompletionTokenBudget,
		"selected_topk":            eval.SelectedTopK,
		"lane_ratio":               eval.LaneRatio,
		"budget_exceeded":          eval.Exceeded,
		"fallback_count":           eval.FallbackCount,
		"coverage_kpi":             eval.CoverageKPI,
		"novelty_kpi":              eval.NoveltyKPI,
		"combo_sample":             eval.ComboSample,
		"projected_batch_tokens":   eval.ProjectedBatchTokens,
		"projected_day_tokens":     eval.ProjectedDayTokens,
		"batch_tokens_used_before": usage.TotalRunTokens(),
		"day_tokens_used_before":   usage.TotalDayTokens(),
		"explore_floor_preserved":  eval.ExploreFloorPreserved,
		"estimated_cost":           round4(cfg.EstimatedCost(eval.PromptTokensRough, eval.CompletionTokenBudget)),
		"limits": map[string]any{
			"max_prompt_tokens":     cfg.MaxPromptTokens,
			"max_completion_tokens": cfg.CompletionBudget(),
			"max_tokens_per_batch":  cfg.MaxTokensPerBatch,
			"max_tokens_per_day":    cfg.MaxTokensPerDay,
			"min_explore_items":     cfg.MinExploreItems,
		},
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// SeriesPoint is one timestamped value of a console chart.
type SeriesPoint struct {
	TS    string  `json:"ts"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit,omitempty"`
}

// ConsolePayload is the chart-friendly view of a run's budget events.
type ConsolePayload struct {
	RunID  string                    `json:"run_id"`
	Series map[string][]SeriesPoint  `json:"series"`
	Gauges map[string]map[string]any `json:"gauges"`
	Flags  map[string]bool           `json:"flags"`
}

// BuildConsolePayload folds a run's budget.* events into gauge and series
// data for the budget console.
func BuildConsolePayload(runID string, runEvents, allEvents []schema.EventEnvelope, cfg config.LLMBudgetConfig) ConsolePayload {
	usage := AggregateUsageFromEvents(allEvents, runID, "")

	var promptSeries, completionSeries []SeriesPoint
	latest := map[string]any{}
	flags := map[string]bool{
		"budget_blocked":         false,
		"over_prompt_budget":     false,
		"over_completion_budget": false,
		"over_batch_budget":      false,
		"over_day_budget":        false,
		"explore_floor_breached": false,
	}

	for _, ev := range runEvents {
		if !strings.HasPrefix(ev.EventType, "budget.") {
			continue
		}
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		ts := ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
		promptSeries = append(promptSeries, SeriesPoint{
			TS: ts, Value: toFloat(payload["prompt_tokens"]), Limit: float64(cfg.MaxPromptTokens)})
		completionSeries = append(completionSeries, SeriesPoint{
			TS: ts, Value: toFloat(payload["completion_tokens"]), Limit: float64(cfg.CompletionBudget())})

		if exceeded, ok := payload["budget_exceeded"].(map[string]bool); ok {
			flags["over_prompt_budget"] = flags["over_prompt_budget"] || exceeded["request_prompt"]
			flags["over_completion_budget"] = flags["over_completion_budget"] || exceeded["request_completion"]
			flags["over_batch_budget"] = flags["over_batch_budget"] || exceeded["batch_total"]
			flags["over_day_budget"] = flags["over_day_budget"] || exceeded["day_total"]
			flags["explore_floor_breached"] = flags["explore_floor_breached"] || exceeded["explore_floor"]
		} else if exceeded, ok := payload["budget_exceeded"].(map[string]any); ok {
			flags["over_prompt_budget"] = flags["over_prompt_budget"] || toBool(exceeded["request_prompt"])
			flags["over_completion_budget"] = flags["over_completion_budget"] || toBool(exceeded["request_completion"])
			flags["over_batch_budget"] = flags["over_batch_budget"] || toBool(exceeded["batch_total"])
			flags["over_day_budget"] = flags["over_day_budget"] || toBool(exceeded["day_total"])
			flags["explore_floor_breached"] = flags["explore_floor_breached"] || toBool(exceeded["explore_floor"])
		}
		if ev.EventType == "budget.blocked" {
			flags["budget_blocked"] = true
		}
		latest = payload
	}

	batchValue := toFloat(latest["projected_batch_tokens"])
	if batchValue == 0 {
		batchValue = float64(usage.TotalRunTokens())
	}
	dayValue := toFloat(latest["projected_day_tokens"])
	if dayValue == 0 {
		dayValue = float64(usage.TotalDayTokens())
	}

	return ConsolePayload{
		RunID: runID,
		Series: map[string][]SeriesPoint{
			"prompt_tokens":     promptSeries,
			"completion_tokens": completionSeries,
		},
		Gauges: map[string]map[string]any{
			"prompt_tokens":     {"value": toFloat(latest["prompt_tokens"]), "limit": cfg.MaxPromptTokens},
			"completion_tokens": {"value": toFloat(latest["completion_tokens"]), "limit": cfg.CompletionBudget()},
			"batch_tokens":      {"value": batchValue, "limit": cfg.MaxTokensPerBatch},
			"day_tokens":        {"value": dayValue, "limit": cfg.MaxTokensPerDay},
		},
		Flags: flags,
	}
}

// KPIPayload is the coverage/novelty/explore dashboard view of a run.
type KPIPayload struct {
	RunID  string                    `json:"run_id"`
	Series map[string][]SeriesPoint  `json:"series"`
	Gauges map[string]map[string]any `json:"gauges"`
	Flags  map[string]bool           `json:"flags"`
}

// BuildKPIPayload folds a run's budget.* events into KPI series.
func BuildKPIPayload(runID string, runEvents []schema.EventEnvelope, cfg config.LLMBudgetConfig) KPIPayload {
	var coverageSeries, noveltySeries, exploreSeries []SeriesPoint
	var latestCoverage, latestNovelty, latestExplore float64

	for _, ev := range runEvents {
		if !strings.HasPrefix(ev.EventType, "budget.") {
			continue
		}
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		ts := ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00")

		coverage := toFloat(payload["coverage_kpi"])
		novelty := toFloat(payload["novelty_kpi"])
		var explore float64
		if lane, ok := payload["lane_ratio"].(map[string]any); ok {
			explore = toFloat(lane["explore_ratio"])
		}

		coverageSeries = append(coverageSeries, SeriesPoint{TS: ts, Value: coverage})
		noveltySeries = append(noveltySeries, SeriesPoint{TS: ts, Value: novelty})
		exploreSeries = append(exploreSeries, SeriesPoint{TS: ts, Value: explore})

		latestCoverage = coverage
		latestNovelty = novelty
		latestExplore = explore
	}

	breachLine := cfg.ExploreRatio - 0.15
	if breachLine < 0 {
		breachLine = 0
	}
	return KPIPayload{
		RunID: runID,
		Series: map[string][]SeriesPoint{
			"coverage":      coverageSeries,
			"novelty":       noveltySeries,
			"explore_ratio": exploreSeries,
		},
		Gauges: map[string]map[string]any{
			"coverage":      {"value": latestCoverage},
			"novelty":       {"value": latestNovelty, "limit": 1.0},
			"explore_ratio": {"value": latestExplore, "limit": cfg.ExploreRatio},
		},
		Flags: map[string]bool{
			"low_novelty":            latestNovelty < 0.15,
			"low_coverage":           latestCoverage < 1.0,
			"explore_floor_breached": latestExplore < breachLine,
		},
	}
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}
