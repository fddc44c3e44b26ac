package budget

import (
	"math"
	"strconv"
	"strings"
	"time"

	"alphaforge/internal/config"
	"alphaforge/internal/schema"
)

// UsageSnapshot accumulates token spend over the current run and UTC day.
type UsageSnapshot struct {
	RunPromptTokens     int `json:"run_prompt_tokens"`
	RunCompletionTokens int `json:"run_completion_tokens"`
	DayPromptTokens     int `json:"day_prompt_tokens"`
	DayCompletionTokens int `json:"day_completion_tokens"`
	RunCalls            int `json:"run_calls"`
	DayCalls            int `json:"day_calls"`
}

// TotalRunTokens is prompt plus completion spend for the run.
func (u UsageSnapshot) TotalRunTokens() int {
	return u.RunPromptTokens + u.RunCompletionTokens
}

// TotalDayTokens is prompt plus completion spend for the UTC day.
func (u UsageSnapshot) TotalDayTokens() int {
	return u.DayPromptTokens + u.DayCompletionTokens
}

// RoughTokenEstimate converts a character count to a conservative token
// count at four characters per token, rounding up.
func RoughTokenEstimate(chars int) int {
	if chars <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / 4.0))
}

// ExtractPromptCompletionTokens pulls prompt/completion counts out of a
// provider usage payload, trying the common key spellings and falling back
// to rough estimates. A reported total fills in whichever side is missing.
func ExtractPromptCompletionTokens(usage map[string]any, fallbackPrompt, fallbackCompletion int) (int, int) {
	prompt := firstNonNegInt(usage, "prompt_tokens", "input_tokens", "input_token_count")
	completion := firstNonNegInt(usage, "completion_tokens", "output_tokens", "output_token_count")
	total := firstNonNegInt(usage, "total_tokens", "token_count")

	if prompt <= 0 {
		prompt = maxInt(0, fallbackPrompt)
	}
	if completion <= 0 {
		completion = maxInt(0, fallbackCompletion)
	}
	if total > 0 && completion <= 0 && prompt > 0 {
		completion = maxInt(0, total-prompt)
	}
	if total > 0 && prompt <= 0 && completion > 0 {
		prompt = maxInt(0, total-completion)
	}
	return prompt, completion
}

// AggregateUsageFromEvents rebuilds a UsageSnapshot from llm.usage_point
// events: run counters from events of this run, day counters from events
// stamped on the given UTC day (today when utcDay is empty).
func AggregateUsageFromEvents(events []schema.EventEnvelope, runID, utcDay string) UsageSnapshot {
	var snapshot UsageSnapshot
	day := strings.TrimSpace(utcDay)
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	if len(day) > 10 {
		day = day[:10]
	}

	for _, ev := range events {
		if ev.EventType != "llm.usage_point" {
			continue
		}
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		usage, _ := payload["usage"].(map[string]any)
		prompt, completion := ExtractPromptCompletionTokens(usage,
			toInt(payload["prompt_tokens_rough"]),
			toInt(payload["completion_tokens_rough"]))

		if ev.RunID == runID {
			snapshot.RunPromptTokens += prompt
			snapshot.RunCompletionTokens += completion
			snapshot.RunCalls++
		}
		if ev.CreatedAt.UTC().Format("2006-01-02") == day {
			snapshot.DayPromptTokens += prompt
			snapshot.DayCompletionTokens += completion
			snapshot.DayCalls++
		}
	}
	return snapshot
}

// CollectSeenCombinations gathers every combo_sample entry logged by this
// run's budget.* events, feeding the novelty KPI.
func CollectSeenCombinations(events []schema.EventEnvelope, runID string) map[string]bool {
	out := map[string]bool{}
	for _, ev := range events {
		if ev.RunID != runID || !strings.HasPrefix(ev.EventType, "budget.") {
			continue
		}
		if ev.Payload == nil {
			continue
		}
		switch combos := ev.Payload["combo_sample"].(type) {
		case []string:
			for _, v := range combos {
				if v != "" {
					out[v] = true
				}
			}
		case []any:
			for _, raw := range combos {
				if v, ok := raw.(string); ok && v != "" {
					out[v] = true
				}
			}
		}
	}
	return out
}

// CanUseExpansionReserve reports whether the reserved expansion budget may
// be spent on a repeated-error retry.
func CanUseExpansionReserve(repeatedErrorCount, estimatedExtraPromptTokens int, cfg config.LLMBudgetConfig, triggerThreshold int) bool {
	if triggerThreshold < 1 {
		triggerThreshold = 1
	}
	if repeatedErrorCount < triggerThreshold {
		return false
	}
	return maxInt(0, estimatedExtraPromptTokens) <= maxInt(0, cfg.ReserveTokens)
}

func firstNonNegInt(payload map[string]any, keys ...string) int {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		if v, ok := asInt(raw); ok && v >= 0 {
			return v
		}
	}
	return -1
}

func asInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func toInt(raw any) int {
	v, ok := asInt(raw)
	if !ok {
		return 0
	}
	return v
}

func toFloat(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
