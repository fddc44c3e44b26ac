// Package prompt renders the JSON prompt envelopes sent to the generator and
// strictly parses what comes back. Prompts only ever include retrieval pack
// candidates; the pack's context guard is checked before rendering.
package prompt

import (
	"encoding/json"
	"errors"

	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
)

// ErrGuardNotSatisfied is returned when a pack arrives without the
// full-metadata block set.
var ErrGuardNotSatisfied = errors.New("retrieval pack does not satisfy full-metadata blocking guard")

var baseAlphaRules = []string{
	"Return JSON only.",
	"Follow the candidate alpha schema exactly.",
	"Use only retrieval pack candidate fields and operators.",
	"Expression must be valid in REGULAR mode.",
}

// BuildAlphaPrompt renders the generation prompt for one idea as a JSON
// envelope. Prompt size grows with the pack's candidate lists, which is what
// lets budget fallback shrink it.
func BuildAlphaPrompt(idea schema.IdeaSpec, pack *retrieval.Pack, knowledge map[string]any, extraRules []string) (string, error) {
	if !pack.ContextGuard.FullMetadataBlocked {
		return "", ErrGuardNotSatisfied
	}

	rules := append([]string(nil), baseAlphaRules...)
	rules = append(rules, extraRules...)
	if knowledge == nil {
		knowledge = map[string]any{}
	}

	payload := map[string]any{
		"agent":          "Alpha Maker",
		"idea":           idea,
		"retrieval_pack": packPromptPayload(pack),
		"knowledge_pack": knowledge,
		"rules":          rules,
		"output_schema": map[string]any{
			"idea_id":    "str",
			"expression": "expression string",
			"notes": map[string]any{
				"used_fields":    []string{"field id"},
				"used_operators": []string{"operator name"},
			},
		},
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// BuildIdeaPrompt renders the idea-researcher prompt envelope.
func BuildIdeaPrompt(category, subcategory, overview string, target schema.SimulationTarget, extraRules []string) string {
	rules := []string{
		"Return JSON only.",
		"Follow the idea schema exactly.",
		"Keep hypothesis as one concise sentence.",
		"keywords_for_retrieval should be practical query tokens.",
	}
	rules = append(rules, extraRules...)

	payload := map[string]any{
		"agent": "Idea Researcher",
		"input": map[string]any{
			"category":    category,
			"subcategory": subcategory,
			"overview":    overview,
			"target":      target,
		},
		"rules": rules,
		"output_schema": map[string]any{
			"idea_id":                "str",
			"hypothesis":             "str",
			"keywords_for_retrieval": []string{"str"},
			"target":                 "simulation target object",
		},
	}
	data, _ := json.MarshalIndent(payload, "", "  ")
	return string(data)
}

func packPromptPayload(pack *retrieval.Pack) map[string]any {
	return map[string]any{
		"idea_id":                pack.IdeaID,
		"query":                  pack.Query,
		"target":                 pack.Target,
		"selected_subcategories": pack.SelectedSubcategories,
		"candidate_datasets":     pack.CandidateDatasets,
		"candidate_fields":       pack.CandidateFields,
		"candidate_operators":    pack.CandidateOperators,
		"lanes":                  pack.Lanes,
		"budget_policy":          pack.BudgetPolicy,
		"expansion_policy":       pack.ExpansionPolicy,
		"context_guard":          pack.ContextGuard,
	}
}
