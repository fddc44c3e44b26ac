package loop

import (
	"context"

	"go.uber.org/zap"
)

// detectOrderViolation audits the persisted run log against the event
// ordering contract: generation precedes validation, the first validation
// verdict follows the start marker, every retry window carries a verdict,
// simulation events appear only when a passing run expected them and in
// enqueued < started < completed order, and evaluation closes the run.
func (o *Orchestrator) detectOrderViolation(ctx context.Context, runID string, expectSimulation bool) bool {
	records, err := o.store.EventsByRun(ctx, runID)
	if err != nil {
		o.logger.Warn("event log read failed", zap.String("run_id", runID), zap.Error(err))
		return true
	}
	events := make([]string, 0, len(records))
	for _, rec := range records {
		events = append(events, rec.EventType)
	}
	if len(events) == 0 {
		return true
	}

	alphaIdx := firstIndex(events, 0, "agent.alpha_generated")
	startIdx := firstIndex(events, 0, "validation.started")
	if alphaIdx == -1 || startIdx == -1 || alphaIdx >= startIdx {
		return true
	}

	terminalIdx := firstIndex(events, startIdx+1, "validation.failed", "validation.passed")
	if terminalIdx == -1 {
		return true
	}

	if retryOrderViolation(events) {
		return true
	}

	passed := contains(events, "validation.passed") || contains(events, "validation.retry_passed")
	completedIdx := firstIndex(events, 0, "simulation.completed", "simulation_completed")
	enqueuedIdx := firstIndex(events, 0, "simulation.enqueued")
	startedIdx := firstIndex(events, 0, "simulation.started")
	skippedIdx := firstIndex(events, 0, "simulation_skipped_duplicate")

	if passed && expectSimulation {
		duplicateOnly := skippedIdx != -1 && enqueuedIdx == -1 && startedIdx == -1 && completedIdx == -1
		if !duplicateOnly {
			if enqueuedIdx == -1 || startedIdx == -1 {
				return true
			}
			if enqueuedIdx >= startedIdx {
				return true
			}
			if completedIdx != -1 && startedIdx >= completedIdx {
				return true
			}
		}
	} else if enqueuedIdx != -1 || startedIdx != -1 || completedIdx != -1 {
		return true
	}

	evaluationIdx := firstIndex(events, 0, "evaluation.completed")
	if evaluationIdx == -1 {
		return true
	}
	if completedIdx != -1 && evaluationIdx <= completedIdx {
		return true
	}
	if skippedIdx != -1 && completedIdx == -1 && evaluationIdx <= skippedIdx {
		return true
	}
	if completedIdx == -1 && evaluationIdx <= terminalIdx {
		return true
	}

	return false
}

// retryOrderViolation checks that every retry window, from one retry_started
// to the next, contains a retry verdict.
func retryOrderViolation(events []string) bool {
	for idx, name := range events {
		if name != "validation.retry_started" {
			continue
		}
		end := firstIndex(events, idx+1, "validation.retry_started")
		if end == -1 {
			end = len(events)
		}
		verdict := false
		for _, window := range events[idx+1 : end] {
			if window == "validation.retry_failed" || window == "validation.retry_passed" {
				verdict = true
				break
			}
		}
		if !verdict {
			return true
		}
	}
	return false
}

func firstIndex(events []string, start int, keys ...string) int {
	if start < 0 {
		start = 0
	}
	for i := start; i < len(events); i++ {
		for _, key := range keys {
			if events[i] == key {
				return i
			}
		}
	}
	return -1
}

func contains(events []string, key string) bool {
	return firstIndex(events, 0, key) != -1
}
