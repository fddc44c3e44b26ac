package repair

import (
	"strings"
	"testing"

	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
	"alphaforge/internal/validation"
)

func testValidator() *validation.Validator {
	ops := []schema.OperatorMeta{
		{Name: "rank", Scope: []string{"REGULAR"}, Arity: 1},
		{Name: "zscore", Scope: []string{"REGULAR"}, Arity: 1},
		{Name: "ts_delta", Scope: []string{"REGULAR"}, Arity: 2},
		{Name: "ts_mean", Scope: []string{"REGULAR"}, Arity: 2},
		{Name: "group_rank", Scope: []string{"REGULAR"}, Arity: 2},
		{Name: "combo_blend", Scope: []string{"COMBO"}},
	}
	fields := []schema.DataField{
		{ID: "close", Type: "MATRIX"},
		{ID: "volume", Type: "MATRIX"},
		{ID: "sector", Type: "GROUP"},
		{ID: "news_vec", Type: "VECTOR"},
	}
	return validation.New(ops, fields)
}

func testPack() *retrieval.Pack {
	return &retrieval.Pack{
		IdeaID:                "idea-1",
		SelectedSubcategories: []string{"price-volume"},
		CandidateFields: []retrieval.FieldCandidate{
			{ID: "close", DatasetID: "pv1", Type: "MATRIX", Lane: retrieval.LaneExploit},
			{ID: "sector", DatasetID: "pv1", Type: "GROUP", Lane: retrieval.LaneExploit},
		},
		CandidateOperators: []retrieval.OperatorCandidate{
			{Name: "rank", Scope: []string{"REGULAR"}, Lane: retrieval.LaneExploit},
			{Name: "ts_delta", Scope: []string{"REGULAR"}, Lane: retrieval.LaneExploit},
			{Name: "group_rank", Scope: []string{"REGULAR"}, Lane: retrieval.LaneExplore},
		},
	}
}

func TestClassifyErrorsClosedTaxonomy(t *testing.T) {
	g := NewGate(testValidator())
	cases := map[string]string{
		"Expression is empty":                                        CodeEmptyExpression,
		"Expression contains unsupported characters":                 CodeUnsupportedCharacters,
		"Parentheses are not balanced":                               CodeUnbalancedParens,
		"Unknown operator: bogus":                                    CodeUnknownOperator,
		"Operator rank has no arguments":                             CodeOperatorNoArguments,
		"Operator rank has an empty argument":                        CodeOperatorEmptyArgument,
		"Operator ts_delta expects 2 args but got 1":                 CodeOperatorArityMismatch,
		"Operator combo_blend scope [COMBO] is not valid in REGULAR": CodeOperatorScope,
		"Unknown data field: nope":                                   CodeUnknownDataField,
		"ts_ operator ts_delta received non-MATRIX field sector:GROUP": CodeTSNonMatrixInput,
		"group_ operator group_rank requires GROUP and MATRIX fields":  CodeGroupRequiresTypes,
		"VECTOR field news_vec used in non-vec_ operator rank":         CodeVectorInNonVec,
		"something nobody anticipated":                                 CodeValidationError,
	}
	for msg, want := range cases {
		issues := g.ClassifyErrors([]string{msg})
		if len(issues) != 1 || issues[0].Code != want {
			t.Fatalf("classify(%q) = %+v, want code %s", msg, issues, want)
		}
	}
}

func TestSignature(t *testing.T) {
	issues := []Issue{
		{Code: CodeUnknownOperator},
		{Code: CodeUnknownDataField},
		{Code: CodeUnknownOperator},
	}
	got := Signature(issues)
	want := CodeUnknownDataField + "|" + CodeUnknownOperator
	if got != want {
		t.Fatalf("Signature = %q, want %q", got, want)
	}
	if Signature(nil) != SignatureValid {
		t.Fatalf("empty signature = %q, want VALID", Signature(nil))
	}
}

func TestRepairUnknownOperator(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{IdeaID: "idea-1", Expression: "bogus(close)"}
	result := g.ValidateCandidate(candidate)
	if result.IsValid() {
		t.Fatal("expected invalid")
	}
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	if repaired.Expression != "rank(close)" {
		t.Fatalf("repaired = %q, want rank(close)", repaired.Expression)
	}
	if !g.ValidateCandidate(repaired).IsValid() {
		t.Fatal("repaired candidate must validate")
	}
}

func TestRepairUnknownField(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{Expression: "rank(mystery_field)"}
	result := g.ValidateCandidate(candidate)
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	if repaired.Expression != "rank(close)" {
		t.Fatalf("repaired = %q, want rank(close)", repaired.Expression)
	}
}

func TestRepairScopeViolation(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{Expression: "combo_blend(close)"}
	result := g.ValidateCandidate(candidate)
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	if strings.Contains(repaired.Expression, "combo_blend") {
		t.Fatalf("scope-violating operator survived: %q", repaired.Expression)
	}
	if !g.ValidateCandidate(repaired).IsValid() {
		t.Fatalf("repaired candidate invalid: %q", repaired.Expression)
	}
}

func TestRepairGroupViolationBuildsGroupCall(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{Expression: "group_rank(close, volume)"}
	result := g.ValidateCandidate(candidate)
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	if repaired.Expression != "group_rank(close, sector)" {
		t.Fatalf("repaired = %q, want group_rank(close, sector)", repaired.Expression)
	}
}

func TestRepairStructuralSynthesizes(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{Expression: "rank(close"}
	result := g.ValidateCandidate(candidate)
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	if !g.ValidateCandidate(repaired).IsValid() {
		t.Fatalf("synthesized repair invalid: %q", repaired.Expression)
	}
}

func TestRepairEmptyExpression(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{Expression: "   "}
	result := g.ValidateCandidate(candidate)
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	if strings.TrimSpace(repaired.Expression) == "" {
		t.Fatal("repair left expression empty")
	}
	if !g.ValidateCandidate(repaired).IsValid() {
		t.Fatalf("repaired candidate invalid: %q", repaired.Expression)
	}
}

func TestRepairOnlyUsesPackOrCatalogVocabulary(t *testing.T) {
	g := NewGate(testValidator())
	pack := testPack()
	known := map[string]bool{}
	for _, f := range pack.CandidateFields {
		known[f.ID] = true
	}
	for _, op := range pack.CandidateOperators {
		known[op.Name] = true
	}
	v := testValidator()
	for _, name := range v.OperatorNames() {
		known[name] = true
	}
	for _, id := range v.FieldIDs() {
		known[id] = true
	}

	candidates := []string{"bogus(ghost_field)", "rank()", "combo_blend(news_vec)", ""}
	for _, expr := range candidates {
		c := schema.CandidateAlpha{Expression: expr}
		result := g.ValidateCandidate(c)
		repaired := g.RepairCandidate(c, result.Issues, pack)
		for _, ident := range validation.Identifiers(repaired.Expression) {
			if !known[ident] && !isNumeric(ident) {
				t.Fatalf("repair of %q introduced foreign identifier %q in %q",
					expr, ident, repaired.Expression)
			}
		}
	}
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func TestRepairUpdatesNotes(t *testing.T) {
	g := NewGate(testValidator())
	candidate := schema.CandidateAlpha{
		Expression: "bogus(close)",
		Notes:      schema.GenerationNotes{UsedOperators: []string{"bogus"}, UsedFields: []string{"close"}},
	}
	result := g.ValidateCandidate(candidate)
	repaired := g.RepairCandidate(candidate, result.Issues, testPack())
	for _, op := range repaired.Notes.UsedOperators {
		if op == "bogus" {
			t.Fatalf("notes still reference removed operator: %v", repaired.Notes)
		}
	}
	if len(repaired.Notes.UsedFields) == 0 {
		t.Fatal("notes lost used fields")
	}
}

func TestSynthesizeLadderPrefersGroupWhenAvailable(t *testing.T) {
	g := NewGate(testValidator())
	expr := g.SynthesizeExpression(testPack())
	if expr != "group_rank(close, sector)" {
		t.Fatalf("synthesized = %q, want group_rank(close, sector)", expr)
	}
}

func TestSynthesizeWithoutGroupFallsDownLadder(t *testing.T) {
	g := NewGate(testValidator())
	pack := testPack()
	pack.CandidateFields = pack.CandidateFields[:1] // MATRIX only
	expr := g.SynthesizeExpression(pack)
	if expr != "rank(ts_delta(close, 5))" {
		t.Fatalf("synthesized = %q, want rank(ts_delta(close, 5))", expr)
	}
}
