// Package loop drives the validation-first research cycle for one idea:
// budget-checked prompt generation, static validation with bounded repair
// retries, a one-shot retrieval expansion on repeated identical failures,
// and a post-run event-order audit over the persisted run log.
package loop

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alphaforge/internal/budget"
	"alphaforge/internal/config"
	"alphaforge/internal/events"
	"alphaforge/internal/knowledge"
	"alphaforge/internal/prompt"
	"alphaforge/internal/repair"
	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
)

// EventSource is the slice of the store the loop reads back.
type EventSource interface {
	EventsByRun(ctx context.Context, runID string) ([]schema.EventEnvelope, error)
	EventsByTypePrefix(ctx context.Context, prefix string) ([]schema.EventEnvelope, error)
}

// Generator turns a budget-approved prompt into a candidate. The usage map
// is logged verbatim on the run's llm.usage_point event.
type Generator interface {
	GenerateCandidate(ctx context.Context, promptText string) (schema.CandidateAlpha, map[string]any, error)
}

// Simulator runs one validated candidate. The stub implementation stands in
// until a live simulation backend is wired.
type Simulator interface {
	Simulate(ctx context.Context, candidate schema.CandidateAlpha) (map[string]any, error)
}

// StubSimulator reports immediate completion without running anything.
type StubSimulator struct{}

func (StubSimulator) Simulate(_ context.Context, candidate schema.CandidateAlpha) (map[string]any, error) {
	return map[string]any{
		"status":     "COMPLETE",
		"alpha_id":   uuid.NewString(),
		"expression": candidate.Expression,
	}, nil
}

// Options bound the repair loop.
type Options struct {
	MaxRepairAttempts   int
	StopOnRepeatedError bool
	Simulate            bool
}

// DefaultOptions matches the production loop settings.
func DefaultOptions() Options {
	return Options{MaxRepairAttempts: 3, StopOnRepeatedError: true, Simulate: true}
}

// Deps wires the orchestrator's collaborators. Simulator and Logger may be
// nil; a stub simulator and nop logger are substituted.
type Deps struct {
	Store     EventSource
	Bus       *events.Bus
	Gate      *repair.Gate
	Builder   *retrieval.Builder
	Generator Generator
	Enforcer  *budget.Enforcer
	Bundle    knowledge.Bundle
	Simulator Simulator
	Logger    *zap.Logger
}

// Result summarizes one loop run.
type Result struct {
	RunID               string
	IdeaID              string
	Candidate           schema.CandidateAlpha
	Passed              bool
	Attempts            int
	ErrorCodes          []string
	FinalSignature      string
	Expanded            bool
	Aborted             bool
	Blocked             bool
	EventOrderViolation bool
}

// Orchestrator executes the strict validation -> repair -> simulation flow.
type Orchestrator struct {
	store     EventSource
	bus       *events.Bus
	gate      *repair.Gate
	builder   *retrieval.Builder
	generator Generator
	enforcer  *budget.Enforcer
	bundle    knowledge.Bundle
	sim       Simulator
	logger    *zap.Logger
	opts      Options
}

// New builds an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Simulator == nil {
		deps.Simulator = StubSimulator{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxRepairAttempts < 0 {
		opts.MaxRepairAttempts = 0
	}
	return &Orchestrator{
		store:     deps.Store,
		bus:       deps.Bus,
		gate:      deps.Gate,
		builder:   deps.Builder,
		generator: deps.Generator,
		enforcer:  deps.Enforcer,
		bundle:    deps.Bundle,
		sim:       deps.Simulator,
		logger:    deps.Logger,
		opts:      opts,
	}
}

// Run drives one idea through generation, validation, repair, and the
// simulation/evaluation stages, then audits the run's event order.
func (o *Orchestrator) Run(ctx context.Context, idea schema.IdeaSpec, pack *retrieval.Pack, runID string) (Result, error) {
	if runID == "" {
		runID = "run-vloop-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	result := Result{RunID: runID, IdeaID: idea.IdeaID}

	o.publish(ctx, "retrieval.pack_built", runID, idea.IdeaID, "retrieval",
		"Retrieval pack ready", schema.SeverityInfo, map[string]any{
			"counts":    packCounts(pack),
			"signature": pack.Signature(),
		})

	// Prior usage and combo history feed the budget check.
	usageEvents, _ := o.store.EventsByTypePrefix(ctx, "llm.")
	budgetEvents, _ := o.store.EventsByTypePrefix(ctx, "budget.")
	usage := budget.AggregateUsageFromEvents(usageEvents, runID, "")
	seen := budget.CollectSeenCombinations(budgetEvents, runID)

	compact := knowledge.Compact(o.bundle, pack, knowledge.DefaultMaxExamples)
	buildPrompt := func(i schema.IdeaSpec, p *retrieval.Pack, bundle map[string]any) string {
		text, err := prompt.BuildAlphaPrompt(i, p, bundle, nil)
		if err != nil {
			o.logger.Warn("prompt build failed", zap.Error(err))
			return ""
		}
		return text
	}

	cfg := o.enforcer.Config()
	enforcement := o.enforcer.EnforcePromptBudget(idea, pack, compact, usage, seen,
		buildPrompt, cfg.MaxOutputTokens)
	if len(enforcement.FallbackSteps) > 0 || !enforcement.Allowed {
		o.publish(ctx, "budget.check_failed", runID, idea.IdeaID, "budget",
			"Initial prompt exceeded budget", schema.SeverityWarn,
			budget.BuildEventPayload("alpha_generation", cfg, usage, enforcement.Evaluation, nil))
	}
	for _, step := range enforcement.FallbackSteps {
		o.publish(ctx, "budget.fallback_applied", runID, idea.IdeaID, "budget",
			"Budget fallback shrank the retrieval pack", schema.SeverityWarn,
			budget.BuildEventPayload("alpha_generation", cfg, usage, enforcement.Evaluation, map[string]any{
				"fallback_phase":  step.Phase,
				"fallback_factor": step.Factor,
				"fallback_count":  step.FallbackCount,
			}))
	}
	if !enforcement.Allowed {
		o.publish(ctx, "budget.blocked", runID, idea.IdeaID, "budget",
			"Prompt generation blocked by budget policy", schema.SeverityError,
			budget.BuildEventPayload("alpha_generation", cfg, usage, enforcement.Evaluation, nil))
		result.Blocked = true
		o.publishSummary(ctx, idea, result)
		return result, nil
	}
	o.publish(ctx, "budget.check_passed", runID, idea.IdeaID, "budget",
		"Prompt fits budget", schema.SeverityInfo,
		budget.BuildEventPayload("alpha_generation", cfg, usage, enforcement.Evaluation, nil))
	if len(enforcement.FallbackSteps) > 0 && enforcement.Evaluation.ExploreFloorPreserved {
		o.publish(ctx, "budget.explore_floor_preserved", runID, idea.IdeaID, "budget",
			"Explore lane floor survived budget fallback", schema.SeverityInfo,
			map[string]any{
				"fallback_count": enforcement.Evaluation.FallbackCount,
				"lane_ratio":     enforcement.Evaluation.LaneRatio,
			})
	}

	workingPack := enforcement.Pack
	candidate, usagePoint, err := o.generator.GenerateCandidate(ctx, enforcement.Prompt)
	if err != nil {
		o.publish(ctx, "agent.generation_failed", runID, idea.IdeaID, "generation",
			"Candidate generation failed", schema.SeverityError,
			map[string]any{"error": err.Error()})
		return result, err
	}
	if candidate.IdeaID == "" {
		candidate.IdeaID = idea.IdeaID
	}
	o.publish(ctx, "llm.usage_point", runID, idea.IdeaID, "generation",
		"Generator usage recorded", schema.SeverityInfo, map[string]any{
			"usage":                   usagePoint,
			"prompt_tokens_rough":     budget.RoughTokenEstimate(len(enforcement.Prompt)),
			"completion_tokens_rough": budget.RoughTokenEstimate(len(candidate.Expression)),
		})
	o.publish(ctx, "agent.alpha_generated", runID, idea.IdeaID, "generation",
		"Candidate alpha generated", schema.SeverityInfo, map[string]any{
			"expression": candidate.Expression,
		})

	result = o.validateAndRepair(ctx, idea, candidate, workingPack, result)

	o.runSimulationStage(ctx, idea, &result)

	violation := o.detectOrderViolation(ctx, runID, o.opts.Simulate && result.Passed)
	if violation {
		o.publish(ctx, "validation.event_order_violation", runID, idea.IdeaID, "validation",
			"Event ordering contract violated", schema.SeverityError,
			map[string]any{"event_order_violation": true})
	}
	result.EventOrderViolation = violation

	o.publishSummary(ctx, idea, result)
	return result, nil
}

func (o *Orchestrator) validateAndRepair(ctx context.Context, idea schema.IdeaSpec, candidate schema.CandidateAlpha, pack *retrieval.Pack, result Result) Result {
	runID := result.RunID
	o.publish(ctx, "validation.started", runID, idea.IdeaID, "validation",
		"Validation stage started", schema.SeverityInfo, map[string]any{
			"max_repair_attempts":    o.opts.MaxRepairAttempts,
			"stop_on_repeated_error": o.opts.StopOnRepeatedError,
		})

	attempts := 0
	var signatures []string
	expanded := false
	aborted := false
	passed := false
	var errorCodes []string
	finalSignature := ""

	threshold := pack.ExpansionPolicy.Trigger
	if threshold < 1 {
		threshold = 2
	}

	for {
		gateResult := o.gate.ValidateCandidate(candidate)
		signature := gateResult.ErrorSignature
		finalSignature = signature
		repeat := repeatStreak(signatures, signature)
		if signature != repair.SignatureValid {
			repeat++
		}
		errorCodes = issueCodes(gateResult.Issues)

		if gateResult.IsValid() {
			eventType := "validation.passed"
			if attempts > 0 {
				eventType = "validation.retry_passed"
			}
			o.publish(ctx, eventType, runID, idea.IdeaID, "validation",
				"Static validation passed", schema.SeverityInfo, map[string]any{
					"attempt":     attempts,
					"error_codes": []string{},
				})
			passed = true
			break
		}

		eventType := "validation.failed"
		if attempts > 0 {
			eventType = "validation.retry_failed"
		}
		o.publish(ctx, eventType, runID, idea.IdeaID, "validation",
			"Static validation failed", schema.SeverityWarn, map[string]any{
				"attempt":      attempts,
				"error_codes":  errorCodes,
				"errors":       issueMessages(gateResult.Issues),
				"repeat_count": repeat,
			})
		signatures = append(signatures, signature)

		if attempts >= o.opts.MaxRepairAttempts {
			break
		}
		attempts++

		expandedNow := false
		if !expanded && pack.ExpansionPolicy.Enabled && repeat >= threshold {
			if bigger := o.expandPack(ctx, idea, pack); bigger != nil {
				before := packCounts(pack)
				after := packCounts(bigger)
				pack = bigger
				expanded = true
				expandedNow = true
				o.publish(ctx, "validation.retrieval_expanded", runID, idea.IdeaID, "validation",
					"Repeated errors triggered retrieval expansion", schema.SeverityWarn,
					map[string]any{
						"attempt":      attempts,
						"repeat_count": repeat,
						"threshold":    threshold,
						"topk_before":  before,
						"topk_after":   after,
					})
			}
		}
		if !expandedNow && o.opts.StopOnRepeatedError && repeat >= threshold {
			o.publish(ctx, "validation.retry_aborted_repeated_error", runID, idea.IdeaID, "validation",
				"Retry aborted due to repeated identical validation errors", schema.SeverityWarn,
				map[string]any{
					"attempt":      attempts,
					"repeat_count": repeat,
					"threshold":    threshold,
					"error_codes":  errorCodes,
				})
			aborted = true
			break
		}

		instruction := o.gate.BuildRepairInstruction(candidate, gateResult.Issues, pack,
			attempts, repeat, expandedNow)
		o.publish(ctx, "validation.retry_started", runID, idea.IdeaID, "validation",
			"Repair retry started", schema.SeverityInfo, map[string]any{
				"attempt":     attempts,
				"instruction": instruction,
			})
		candidate = o.gate.RepairCandidate(candidate, gateResult.Issues, pack)
	}

	candidate.Notes.ValidationPassed = passed
	candidate.Notes.ValidationAttempts = attempts + 1
	result.Candidate = candidate
	result.Passed = passed
	result.Attempts = attempts + 1
	result.ErrorCodes = errorCodes
	result.FinalSignature = finalSignature
	result.Expanded = expanded
	result.Aborted = aborted
	return result
}

func (o *Orchestrator) runSimulationStage(ctx context.Context, idea schema.IdeaSpec, result *Result) {
	runID := result.RunID
	simulated := 0
	switch {
	case result.Passed && o.opts.Simulate:
		o.publish(ctx, "simulation.enqueued", runID, idea.IdeaID, "simulation",
			"Simulation enqueued", schema.SeverityInfo, map[string]any{
				"validation_passed":   true,
				"validation_attempts": result.Attempts,
			})
		o.publish(ctx, "simulation.started", runID, idea.IdeaID, "simulation",
			"Simulation started", schema.SeverityInfo, nil)
		simResult, err := o.sim.Simulate(ctx, result.Candidate)
		if err != nil {
			simResult = map[string]any{"status": "ERROR", "error": err.Error()}
		} else {
			simulated = 1
		}
		o.publish(ctx, "simulation.completed", runID, idea.IdeaID, "simulation",
			"Simulation completed", schema.SeverityInfo, simResult)
	case result.Passed:
		o.publish(ctx, "simulation.skipped_by_option", runID, idea.IdeaID, "simulation",
			"Simulation skipped by option", schema.SeverityWarn, map[string]any{
				"validation_passed":   true,
				"validation_attempts": result.Attempts,
			})
	default:
		o.publish(ctx, "simulation.blocked_validation", runID, idea.IdeaID, "simulation",
			"Simulation blocked because validation did not pass", schema.SeverityWarn,
			map[string]any{
				"validation_passed":   false,
				"validation_attempts": result.Attempts,
				"error_codes":         result.ErrorCodes,
			})
	}
	o.publish(ctx, "evaluation.completed", runID, idea.IdeaID, "evaluation",
		"Evaluation completed", schema.SeverityInfo, map[string]any{
			"simulated": simulated,
			"passed":    result.Passed,
		})
}

// expandPack rebuilds the pack with every lane budget scaled up by the
// pack's expansion factor. Returns nil when the rebuild fails.
func (o *Orchestrator) expandPack(ctx context.Context, idea schema.IdeaSpec, pack *retrieval.Pack) *retrieval.Pack {
	factor := pack.ExpansionPolicy.Factor
	if factor < 1.0 {
		factor = 1.5
	}
	base := o.builder.Budget()
	scaled := config.RetrievalBudgetConfig{
		ExploitRatio: base.ExploitRatio,
		ExploreRatio: base.ExploreRatio,
		Exploit:      scaleLane(base.Exploit, factor),
		Explore:      scaleLane(base.Explore, factor),
		Expansion:    base.Expansion,
	}
	bigger, err := o.builder.WithBudget(scaled).Build(ctx, idea)
	if err != nil {
		o.logger.Warn("retrieval expansion failed", zap.Error(err))
		return nil
	}
	return bigger
}

func (o *Orchestrator) publish(ctx context.Context, eventType, runID, ideaID, stage, message, severity string, payload map[string]any) {
	ev := schema.NewEvent(eventType, runID, ideaID, stage, message)
	ev.Severity = severity
	if payload != nil {
		ev.Payload = payload
	}
	o.bus.Publish(ctx, ev)
}

func (o *Orchestrator) publishSummary(ctx context.Context, idea schema.IdeaSpec, result Result) {
	severity := schema.SeverityInfo
	if result.EventOrderViolation || result.Blocked {
		severity = schema.SeverityWarn
	}
	o.publish(ctx, "run.summary", result.RunID, idea.IdeaID, "summary",
		"Validation-first loop completed", severity, map[string]any{
			"run_id":                result.RunID,
			"validation_passed":     result.Passed,
			"validation_attempts":   result.Attempts,
			"error_codes":           result.ErrorCodes,
			"retrieval_expanded":    result.Expanded,
			"aborted":               result.Aborted,
			"budget_blocked":        result.Blocked,
			"event_order_violation": result.EventOrderViolation,
		})
}

// scaleLane grows every lane count by factor, always by at least one.
func scaleLane(lane config.LaneBudget, factor float64) config.LaneBudget {
	return config.LaneBudget{
		Subcategories: scaledCount(lane.Subcategories, factor),
		Datasets:      scaledCount(lane.Datasets, factor),
		Fields:        scaledCount(lane.Fields, factor),
		Operators:     scaledCount(lane.Operators, factor),
	}
}

func scaledCount(base int, factor float64) int {
	if base < 1 {
		base = 1
	}
	if factor < 1.0 {
		factor = 1.0
	}
	scaled := int(float64(base)*factor + 0.5)
	if scaled <= base {
		scaled = base + 1
	}
	return scaled
}

// repeatStreak counts how many trailing history entries match the signature.
func repeatStreak(history []string, signature string) int {
	if signature == "" {
		return 0
	}
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != signature {
			break
		}
		count++
	}
	return count
}

func packCounts(pack *retrieval.Pack) map[string]int {
	return map[string]int{
		"subcategories": len(pack.SelectedSubcategories),
		"datasets":      len(pack.CandidateDatasets),
		"fields":        len(pack.CandidateFields),
		"operators":     len(pack.CandidateOperators),
	}
}

func issueCodes(issues []repair.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Code)
	}
	return out
}

func issueMessages(issues []repair.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Message)
	}
	return out
}
