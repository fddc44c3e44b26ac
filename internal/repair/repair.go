package repair

import (
	"fmt"
	"regexp"
	"strings"

	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
	"alphaforge/internal/validation"
)

var (
	unknownOperatorRE = regexp.MustCompile(`Unknown operator:\s*([A-Za-z_][A-Za-z0-9_]*)`)
	unknownFieldRE    = regexp.MustCompile(`Unknown data field:\s*([A-Za-z_][A-Za-z0-9_]*)`)
	scopeViolationRE  = regexp.MustCompile(`Operator\s+([A-Za-z_][A-Za-z0-9_]*)\s+scope`)
	tsNonMatrixRE     = regexp.MustCompile(`received non-MATRIX field\s+([A-Za-z_][A-Za-z0-9_]*)`)
	vectorNonVecRE    = regexp.MustCompile(`VECTOR field\s+([A-Za-z_][A-Za-z0-9_]*)`)
	disallowedCharRE  = regexp.MustCompile(`[^A-Za-z0-9_.,()\-+*/\s]`)
	opCallRE          = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

// Operators tried, in order, when a call must be replaced or synthesized.
var preferredOperators = []string{"rank", "zscore", "ts_delta", "ts_mean", "ts_stddev"}

// Group operators tried, in order, when rebuilding a group_ call.
var groupOperators = []string{"group_rank", "group_zscore", "group_mean", "group_neutralize"}

// RepairCandidate deterministically rewrites a failed candidate using only
// pack vocabulary. If the heuristic edits still fail validation, the
// expression is replaced outright by a synthesized one.
func (g *Gate) RepairCandidate(candidate schema.CandidateAlpha, issues []Issue, pack *retrieval.Pack) schema.CandidateAlpha {
	repaired := candidate
	expression := candidate.Expression

	codes := map[string]bool{}
	var messages []string
	for _, issue := range issues {
		codes[issue.Code] = true
		messages = append(messages, issue.Message)
	}

	if strings.TrimSpace(expression) == "" || codes[CodeEmptyExpression] {
		expression = g.SynthesizeExpression(pack)
	}
	if codes[CodeUnsupportedCharacters] {
		expression = disallowedCharRE.ReplaceAllString(expression, "")
	}

	if unknown := extractAll(unknownOperatorRE, messages); len(unknown) > 0 {
		if replacement := g.pickRegularOperator(pack, toSet(unknown)); replacement != "" {
			for _, op := range unknown {
				expression = replaceCallName(expression, op, replacement)
			}
		}
	}
	if scoped := extractAll(scopeViolationRE, messages); len(scoped) > 0 {
		if replacement := g.pickRegularOperator(pack, toSet(scoped)); replacement != "" {
			for _, op := range scoped {
				expression = replaceCallName(expression, op, replacement)
			}
		}
	}

	if unknown := extractAll(unknownFieldRE, messages); len(unknown) > 0 {
		if replacement := g.pickFieldID(pack, schema.FieldTypeMatrix); replacement != "" {
			for _, id := range unknown {
				expression = replaceIdentifier(expression, id, replacement)
			}
		}
	}
	if bad := extractAll(tsNonMatrixRE, messages); len(bad) > 0 {
		if matrix := g.pickFieldID(pack, schema.FieldTypeMatrix); matrix != "" {
			for _, id := range bad {
				expression = replaceIdentifier(expression, id, matrix)
			}
		}
	}
	if bad := extractAll(vectorNonVecRE, messages); len(bad) > 0 {
		if matrix := g.pickFieldID(pack, schema.FieldTypeMatrix); matrix != "" {
			for _, id := range bad {
				expression = replaceIdentifier(expression, id, matrix)
			}
		}
	}

	structural := codes[CodeOperatorNoArguments] || codes[CodeOperatorEmptyArgument] ||
		codes[CodeOperatorArityMismatch] || codes[CodeUnbalancedParens]
	if codes[CodeGroupRequiresTypes] {
		if expr := g.buildGroupExpression(pack); expr != "" {
			expression = expr
		} else {
			expression = g.SynthesizeExpression(pack)
		}
	} else if structural {
		expression = g.SynthesizeExpression(pack)
	}

	repaired.Expression = strings.TrimSpace(expression)
	repaired.Notes = inferNotes(repaired.Expression)

	// Heuristic edits can still miss; force synthesis as the last resort.
	if post := g.validator.Validate(repaired.Expression, "REGULAR"); !post.IsValid {
		repaired.Expression = g.SynthesizeExpression(pack)
		repaired.Notes = inferNotes(repaired.Expression)
	}
	return repaired
}

// SynthesizeExpression builds the simplest valid expression the pack's
// vocabulary supports, walking a fixed template ladder.
func (g *Gate) SynthesizeExpression(pack *retrieval.Pack) string {
	matrixField := g.pickFieldID(pack, schema.FieldTypeMatrix)
	groupField := g.pickFieldID(pack, schema.FieldTypeGroup)
	anyField := matrixField
	if anyField == "" {
		anyField = g.pickFieldID(pack, "")
	}
	if anyField == "" {
		anyField = "close"
	}

	packOps := map[string]bool{}
	for _, op := range pack.CandidateOperators {
		packOps[op.Name] = true
	}

	type template struct {
		expr string
		ops  []string
	}
	templates := []template{
		{fmt.Sprintf("rank(ts_delta(%s, 5))", anyField), []string{"rank", "ts_delta"}},
		{fmt.Sprintf("zscore(ts_delta(%s, 5))", anyField), []string{"zscore", "ts_delta"}},
		{fmt.Sprintf("ts_delta(%s, 5)", anyField), []string{"ts_delta"}},
		{fmt.Sprintf("rank(%s)", anyField), []string{"rank"}},
		{fmt.Sprintf("zscore(%s)", anyField), []string{"zscore"}},
	}
	if matrixField != "" && groupField != "" {
		templates = append([]template{
			{fmt.Sprintf("group_rank(%s, %s)", matrixField, groupField), []string{"group_rank"}},
		}, templates...)
	}

	hasAll := func(ops []string) bool {
		for _, op := range ops {
			if !packOps[op] {
				return false
			}
		}
		return true
	}
	for _, t := range templates {
		if !hasAll(t.ops) {
			continue
		}
		if g.validator.Validate(t.expr, "REGULAR").IsValid {
			return t.expr
		}
	}
	// Pack vocabulary did not cover the templates; retry against the full
	// validator catalog.
	for _, t := range templates {
		if g.validator.Validate(t.expr, "REGULAR").IsValid {
			return t.expr
		}
	}
	if g.validator.Validate(anyField, "REGULAR").IsValid {
		return anyField
	}
	if fallback := g.fallbackFieldFromValidator(schema.FieldTypeMatrix); fallback != "" {
		if expr := "rank(" + fallback + ")"; g.validator.Validate(expr, "REGULAR").IsValid {
			return expr
		}
		if g.validator.Validate(fallback, "REGULAR").IsValid {
			return fallback
		}
	}
	return anyField
}

func (g *Gate) buildGroupExpression(pack *retrieval.Pack) string {
	matrixField := g.pickFieldID(pack, schema.FieldTypeMatrix)
	groupField := g.pickFieldID(pack, schema.FieldTypeGroup)
	if matrixField == "" || groupField == "" {
		return ""
	}
	available := map[string]bool{}
	for _, op := range pack.CandidateOperators {
		available[op.Name] = true
	}
	for _, op := range groupOperators {
		if !available[op] {
			continue
		}
		expr := fmt.Sprintf("%s(%s, %s)", op, matrixField, groupField)
		if g.validator.Validate(expr, "REGULAR").IsValid {
			return expr
		}
	}
	return ""
}

func (g *Gate) pickRegularOperator(pack *retrieval.Pack, exclude map[string]bool) string {
	var candidates []string
	for _, op := range pack.CandidateOperators {
		if op.Name == "" || exclude[op.Name] {
			continue
		}
		regular := len(op.Scope) == 0
		for _, s := range op.Scope {
			if strings.EqualFold(s, "REGULAR") {
				regular = true
			}
		}
		if !regular {
			continue
		}
		candidates = append(candidates, op.Name)
	}
	inCandidates := toSet(candidates)
	for _, name := range preferredOperators {
		if inCandidates[name] {
			return name
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	for _, name := range preferredOperators {
		if g.validator.KnownOperator(name) && g.validator.RegularOperator(name) {
			return name
		}
	}
	for _, name := range g.validator.OperatorNames() {
		if exclude[name] {
			continue
		}
		if g.validator.RegularOperator(name) {
			return name
		}
	}
	return ""
}

func (g *Gate) pickFieldID(pack *retrieval.Pack, preferredType string) string {
	if preferredType != "" {
		for _, f := range pack.CandidateFields {
			if strings.EqualFold(f.Type, preferredType) {
				return f.ID
			}
		}
	}
	if len(pack.CandidateFields) > 0 {
		return pack.CandidateFields[0].ID
	}
	return g.fallbackFieldFromValidator(preferredType)
}

func (g *Gate) fallbackFieldFromValidator(preferredType string) string {
	ids := g.validator.FieldIDs()
	if preferredType != "" {
		for _, id := range ids {
			if strings.EqualFold(g.validator.FieldType(id), preferredType) {
				return id
			}
		}
	}
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// ============================================================================
// TEXT HELPERS
// ============================================================================

func extractAll(re *regexp.Regexp, messages []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, msg := range messages {
		for _, m := range re.FindAllStringSubmatch(msg, -1) {
			v := strings.TrimSpace(m[1])
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// replaceCallName rewrites "name(" occurrences without touching bare
// identifiers of the same spelling.
func replaceCallName(expression, source, target string) string {
	if source == "" || target == "" || source == target {
		return expression
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(source) + `(\s*\()`)
	return re.ReplaceAllString(expression, target+"$1")
}

func replaceIdentifier(expression, source, target string) string {
	if source == "" || target == "" || source == target {
		return expression
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(source) + `\b`)
	return re.ReplaceAllString(expression, target)
}

func inferNotes(expression string) schema.GenerationNotes {
	var ops []string
	for _, m := range opCallRE.FindAllStringSubmatch(expression, -1) {
		ops = append(ops, m[1])
	}
	ops = uniqueStrings(ops)
	opSet := toSet(ops)
	reserved := map[string]bool{"if": true, "else": true, "and": true, "or": true,
		"not": true, "true": true, "false": true, "null": true}
	var fields []string
	for _, ident := range validation.Identifiers(expression) {
		if opSet[ident] || reserved[ident] {
			continue
		}
		fields = append(fields, ident)
	}
	return schema.GenerationNotes{
		UsedFields:    uniqueStrings(fields),
		UsedOperators: ops,
	}
}

func uniqueStrings(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if seen[v] {
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
