package validation

import (
	"strings"
	"testing"

	"alphaforge/internal/schema"
)

func testValidator() *Validator {
	ops := []schema.OperatorMeta{
		{Name: "rank", Scope: []string{"REGULAR"}, Arity: 1},
		{Name: "zscore", Scope: []string{"REGULAR"}, Arity: 1},
		{Name: "ts_delta", Scope: []string{"REGULAR"}, Arity: 2},
		{Name: "group_rank", Scope: []string{"REGULAR"}, Arity: 2},
		{Name: "vec_avg", Scope: []string{"REGULAR"}, Arity: 1},
		{Name: "combo_blend", Scope: []string{"COMBO", "SUPER"}},
		{Name: "mystery_op"},
		{Name: "add"},
	}
	fields := []schema.DataField{
		{ID: "close", Type: "MATRIX"},
		{ID: "volume", Type: "MATRIX"},
		{ID: "sector", Type: "GROUP"},
		{ID: "news_vec", Type: "VECTOR"},
	}
	return New(ops, fields)
}

func TestValidateAccepts(t *testing.T) {
	v := testValidator()
	report := v.Validate("rank(ts_delta(close, 5))", "REGULAR")
	if !report.IsValid {
		t.Fatalf("expected valid, got errors %v", report.Errors)
	}
	if len(report.UsedOperators) != 2 || report.UsedOperators[0] != "rank" {
		t.Fatalf("used operators = %v", report.UsedOperators)
	}
	if len(report.UsedFields) != 1 || report.UsedFields[0] != "close" {
		t.Fatalf("used fields = %v", report.UsedFields)
	}
}

func TestValidateErrors(t *testing.T) {
	v := testValidator()
	cases := []struct {
		name string
		expr string
		want string
	}{
		{"empty", "   ", "Expression is empty"},
		{"charset", "rank(close) @ 2", "Expression contains unsupported characters"},
		{"parens", "rank(close", "Parentheses are not balanced"},
		{"unknown operator", "bogus(close)", "Unknown operator: bogus"},
		{"no arguments", "rank()", "Operator rank has no arguments"},
		{"empty argument", "ts_delta(, close)", "Operator ts_delta has an empty argument"},
		{"arity", "ts_delta(close)", "Operator ts_delta expects 2 args but got 1"},
		{"scope", "combo_blend(close)", "Operator combo_blend scope [COMBO SUPER] is not valid in REGULAR"},
		{"unknown field", "rank(missing_field)", "Unknown data field: missing_field"},
		{"ts non-matrix", "ts_delta(sector, 5)", "ts_ operator ts_delta received non-MATRIX field sector:GROUP"},
		{"group missing group", "group_rank(close, volume)", "group_ operator group_rank requires GROUP and MATRIX fields"},
		{"vector misuse", "rank(news_vec)", "VECTOR field news_vec used in non-vec_ operator rank"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := v.Validate(tc.expr, "REGULAR")
			if report.IsValid {
				t.Fatalf("expected invalid for %q", tc.expr)
			}
			found := false
			for _, e := range report.Errors {
				if e == tc.want {
					found = true
				}
			}
			if !found {
				t.Fatalf("errors %v missing %q", report.Errors, tc.want)
			}
		})
	}
}

func TestValidateGroupWithProperArgs(t *testing.T) {
	v := testValidator()
	report := v.Validate("group_rank(close, sector)", "REGULAR")
	if !report.IsValid {
		t.Fatalf("expected valid, got %v", report.Errors)
	}
}

func TestValidateVectorInsideVecOperator(t *testing.T) {
	v := testValidator()
	report := v.Validate("vec_avg(news_vec)", "REGULAR")
	if !report.IsValid {
		t.Fatalf("expected valid, got %v", report.Errors)
	}
}

func TestValidateArityUnknownSkipsCheck(t *testing.T) {
	v := testValidator()
	report := v.Validate("add(close, volume, close)", "REGULAR")
	for _, e := range report.Errors {
		if strings.Contains(e, "expects") {
			t.Fatalf("arity check should be skipped when unstated: %v", report.Errors)
		}
	}
}

func TestValidateComplexityWarning(t *testing.T) {
	v := testValidator()
	expr := "close"
	for i := 0; i < 21; i++ {
		expr = "rank(" + expr + ")"
	}
	report := v.Validate(expr, "REGULAR")
	if !report.IsValid {
		t.Fatalf("expected valid, got %v", report.Errors)
	}
	if len(report.Warnings) == 0 {
		t.Fatal("expected complexity warning for >20 calls")
	}
}

func TestValidateDeduplicatesErrors(t *testing.T) {
	v := testValidator()
	report := v.Validate("bogus(close) + bogus(volume)", "REGULAR")
	count := 0
	for _, e := range report.Errors {
		if e == "Unknown operator: bogus" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("duplicate errors not collapsed: %v", report.Errors)
	}
}

func TestExtractCallsNested(t *testing.T) {
	calls := ExtractCalls("rank(ts_delta(close, 5)) + zscore(volume)")
	var names []string
	for _, c := range calls {
		names = append(names, c.Name)
	}
	want := []string{"rank", "ts_delta", "zscore"}
	if len(names) != len(want) {
		t.Fatalf("calls = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("calls = %v, want %v", names, want)
		}
	}
	if len(calls[0].Args) != 1 || calls[0].Args[0] != "ts_delta(close, 5)" {
		t.Fatalf("rank args = %v", calls[0].Args)
	}
	if len(calls[1].Args) != 2 || calls[1].Args[1] != "5" {
		t.Fatalf("ts_delta args = %v", calls[1].Args)
	}
}

func TestSplitArgsTopLevelOnly(t *testing.T) {
	got := splitArgs("a, g(b, c), d")
	want := []string{"a", "g(b, c)", "d"}
	if len(got) != len(want) {
		t.Fatalf("splitArgs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitArgs = %v, want %v", got, want)
		}
	}
	if splitArgs("") != nil {
		t.Fatal("empty parens must yield no args")
	}
}

func TestIdentifierNotFollowedByParenIsField(t *testing.T) {
	v := testValidator()
	// "rank" used bare is a field reference, not a call.
	report := v.Validate("zscore(close) + volume", "REGULAR")
	if !report.IsValid {
		t.Fatalf("expected valid, got %v", report.Errors)
	}
	foundVolume := false
	for _, f := range report.UsedFields {
		if f == "volume" {
			foundVolume = true
		}
	}
	if !foundVolume {
		t.Fatalf("used fields = %v, want volume present", report.UsedFields)
	}
}
