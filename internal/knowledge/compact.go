package knowledge

import (
	"alphaforge/internal/retrieval"
)

// DefaultMaxExamples caps how many worked examples a compacted bundle keeps.
const DefaultMaxExamples = 8

// Compact projects a bundle down to the vocabulary of one retrieval pack.
// Operators outside the pack are dropped; examples survive only when they
// touch at least one pack operator or field.
func Compact(bundle Bundle, pack *retrieval.Pack, maxExamples int) map[string]any {
	if maxExamples < 1 {
		maxExamples = DefaultMaxExamples
	}

	operatorNames := map[string]bool{}
	for _, op := range pack.CandidateOperators {
		if op.Name != "" {
			operatorNames[op.Name] = true
		}
	}
	fieldIDs := map[string]bool{}
	for _, f := range pack.CandidateFields {
		if f.ID != "" {
			fieldIDs[f.ID] = true
		}
	}

	var keepOps []SignatureEntry
	for _, entry := range bundle.SignaturePack.Operators {
		if entry.Name == "" {
			continue
		}
		if len(operatorNames) > 0 && !operatorNames[entry.Name] {
			continue
		}
		keepOps = append(keepOps, entry)
	}

	var keepExamples []ExampleEntry
	for _, example := range bundle.ExamplesPack.Examples {
		if len(operatorNames) > 0 && len(example.UsedOperators) > 0 &&
			disjoint(example.UsedOperators, operatorNames) &&
			disjoint(example.UsedFields, fieldIDs) {
			continue
		}
		keepExamples = append(keepExamples, example)
		if len(keepExamples) >= maxExamples {
			break
		}
	}

	return map[string]any{
		"operator_signature_pack": map[string]any{
			"version":        bundle.SignaturePack.Version,
			"generated_at":   bundle.SignaturePack.GeneratedAt,
			"operator_count": len(keepOps),
			"operators":      keepOps,
		},
		"fastexpr_examples_pack": map[string]any{
			"version":       bundle.ExamplesPack.Version,
			"generated_at":  bundle.ExamplesPack.GeneratedAt,
			"fallback_used": bundle.ExamplesPack.FallbackUsed,
			"examples":      keepExamples,
		},
		"fastexpr_counterexamples_pack": map[string]any{
			"version":      bundle.CounterExamplesPack.Version,
			"generated_at": bundle.CounterExamplesPack.GeneratedAt,
			"cases":        bundle.CounterExamplesPack.Cases,
		},
		"compact_policy": map[string]any{
			"operator_candidates": len(operatorNames),
			"field_candidates":    len(fieldIDs),
			"max_examples":        maxExamples,
		},
	}
}

func disjoint(values []string, set map[string]bool) bool {
	for _, v := range values {
		if set[v] {
			return false
		}
	}
	return true
}
