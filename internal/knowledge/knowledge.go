// Package knowledge builds the curated expression-writing bundle that rides
// along with generation prompts: operator signatures, worked examples,
// counterexamples, and visual cards. Compact projects a bundle down to the
// vocabulary of one retrieval pack so it fits the prompt budget.
package knowledge

import (
	"strings"
	"time"

	"alphaforge/internal/schema"
	"alphaforge/internal/validation"
)

// SignatureEntry is one operator's prompt-facing signature.
type SignatureEntry struct {
	Name        string   `json:"name"`
	Definition  string   `json:"definition,omitempty"`
	Scope       []string `json:"scope,omitempty"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SignaturePack lists every catalog operator's signature.
type SignaturePack struct {
	Version       string           `json:"version"`
	GeneratedAt   string           `json:"generated_at"`
	OperatorCount int              `json:"operator_count"`
	Operators     []SignatureEntry `json:"operators"`
}

// ExampleEntry is one validated worked example.
type ExampleEntry struct {
	Expression    string   `json:"expression"`
	Tags          []string `json:"tags,omitempty"`
	UsedFields    []string `json:"used_fields,omitempty"`
	UsedOperators []string `json:"used_operators,omitempty"`
	Source        string   `json:"source"`
}

// ExamplesPack holds worked examples that passed static validation.
type ExamplesPack struct {
	Version      string         `json:"version"`
	GeneratedAt  string         `json:"generated_at"`
	FallbackUsed bool           `json:"fallback_used"`
	Examples     []ExampleEntry `json:"examples"`
}

// CounterExample is one deliberately invalid expression with its verdict.
type CounterExample struct {
	Expression   string `json:"expression"`
	ErrorMessage string `json:"error_message"`
}

// CounterExamplesPack shows the generator what not to produce.
type CounterExamplesPack struct {
	Version     string           `json:"version"`
	GeneratedAt string           `json:"generated_at"`
	Cases       []CounterExample `json:"cases"`
}

// Bundle is the full knowledge payload handed to prompt rendering.
type Bundle struct {
	SignaturePack       SignaturePack       `json:"operator_signature_pack"`
	ExamplesPack        ExamplesPack        `json:"fastexpr_examples_pack"`
	CounterExamplesPack CounterExamplesPack `json:"fastexpr_counterexamples_pack"`
}

const bundleVersion = "v1"

// curated examples; only those the catalog validates survive into the pack.
var exampleCandidates = []ExampleEntry{
	{Expression: "rank(ts_delta(close, 5))", Tags: []string{"starter", "timeseries-window"}, Source: "template"},
	{Expression: "zscore(ts_mean(close, 20))", Tags: []string{"cross-sectional-normalization", "timeseries-window"}, Source: "template"},
	{Expression: "group_neutralize(rank(close), sector)", Tags: []string{"group-neutralization"}, Source: "template"},
	{Expression: "vec_avg(news_vec)", Tags: []string{"vector-aggregated"}, Source: "template"},
}

var counterExampleCandidates = []string{
	"unknown_operator(close)",
	"rank(unknown_data_field_123)",
	"ts_delta(sector, 5)",
	"rank(close",
	"",
}

// Build assembles a bundle from the operator catalog. Examples and
// counterexamples are verified against the validator so the bundle never
// teaches expressions the catalog would reject (or accept, respectively).
func Build(operators []schema.OperatorMeta, v *validation.Validator) Bundle {
	now := time.Now().UTC().Format(time.RFC3339)

	var entries []SignatureEntry
	for _, op := range operators {
		if op.Name == "" {
			continue
		}
		entries = append(entries, SignatureEntry{
			Name:        op.Name,
			Definition:  op.Definition,
			Scope:       op.Scope,
			Category:    op.Category,
			Description: op.Description,
		})
	}

	var examples []ExampleEntry
	seen := map[string]bool{}
	for _, candidate := range exampleCandidates {
		expr := strings.TrimSpace(candidate.Expression)
		if expr == "" || seen[expr] {
			continue
		}
		seen[expr] = true
		report := v.Validate(expr, "REGULAR")
		if !report.IsValid {
			continue
		}
		candidate.UsedFields = report.UsedFields
		candidate.UsedOperators = report.UsedOperators
		examples = append(examples, candidate)
	}
	fallbackUsed := false
	if len(examples) == 0 {
		for _, id := range v.FieldIDs() {
			if !strings.EqualFold(v.FieldType(id), schema.FieldTypeMatrix) {
				continue
			}
			if report := v.Validate(id, "REGULAR"); report.IsValid {
				fallbackUsed = true
				examples = append(examples, ExampleEntry{
					Expression: id,
					Tags:       []string{"starter", "fallback"},
					UsedFields: report.UsedFields,
					Source:     "fallback",
				})
			}
			break
		}
	}

	var cases []CounterExample
	for _, expr := range counterExampleCandidates {
		report := v.Validate(expr, "REGULAR")
		if report.IsValid || len(report.Errors) == 0 {
			continue
		}
		cases = append(cases, CounterExample{Expression: expr, ErrorMessage: report.Errors[0]})
	}

	return Bundle{
		SignaturePack: SignaturePack{
			Version: bundleVersion, GeneratedAt: now,
			OperatorCount: len(entries), Operators: entries,
		},
		ExamplesPack: ExamplesPack{
			Version: bundleVersion, GeneratedAt: now,
			FallbackUsed: fallbackUsed, Examples: examples,
		},
		CounterExamplesPack: CounterExamplesPack{
			Version: bundleVersion, GeneratedAt: now, Cases: cases,
		},
	}
}
