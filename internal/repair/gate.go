// Package repair wraps the static validator with a closed issue taxonomy and
// deterministic repair synthesis. Every raw validator message maps to exactly
// one issue code; repairs only ever reference vocabulary from the retrieval
// pack (or, as a last resort, the validator's own catalog).
package repair

import (
	"regexp"
	"sort"
	"strings"

	"alphaforge/internal/retrieval"
	"alphaforge/internal/schema"
	"alphaforge/internal/validation"
)

// Issue codes. The set is closed: anything unrecognized becomes
// CodeValidationError.
const (
	CodeEmptyExpression       = "empty_expression"
	CodeUnsupportedCharacters = "unsupported_characters"
	CodeUnbalancedParens      = "unbalanced_parentheses"
	CodeUnknownOperator       = "unknown_operator"
	CodeUnknownDataField      = "unknown_data_field"
	CodeOperatorNoArguments   = "operator_no_arguments"
	CodeOperatorEmptyArgument = "operator_empty_argument"
	CodeOperatorArityMismatch = "operator_arity_mismatch"
	CodeOperatorScope         = "operator_scope_violation"
	CodeTSNonMatrixInput      = "ts_non_matrix_input"
	CodeGroupRequiresTypes    = "group_requires_group_and_matrix"
	CodeVectorInNonVec        = "vector_used_in_non_vec"
	CodeValidationError       = "validation_error"
)

// SignatureValid is the error signature of a passing candidate.
const SignatureValid = "VALID"

type taxonomyRow struct {
	code     string
	pattern  *regexp.Regexp
	severity string
	fixHint  string
}

var taxonomy = []taxonomyRow{
	{CodeEmptyExpression, regexp.MustCompile(`^Expression is empty`), "high",
		"Synthesize a minimal expression from the retrieval pack."},
	{CodeUnsupportedCharacters, regexp.MustCompile(`unsupported characters`), "medium",
		"Strip characters outside the expression charset."},
	{CodeUnbalancedParens, regexp.MustCompile(`Parentheses are not balanced`), "high",
		"Regenerate the expression structure."},
	{CodeUnknownOperator, regexp.MustCompile(`^Unknown operator:`), "high",
		"Replace with a pack operator valid in REGULAR scope."},
	{CodeOperatorNoArguments, regexp.MustCompile(`has no arguments`), "medium",
		"Rebuild the call with proper arguments."},
	{CodeOperatorEmptyArgument, regexp.MustCompile(`has an empty argument`), "medium",
		"Rebuild the call with proper arguments."},
	{CodeOperatorArityMismatch, regexp.MustCompile(`expects \d+ args but got`), "medium",
		"Match the operator's declared argument count."},
	{CodeOperatorScope, regexp.MustCompile(`(scope .* is not valid in REGULAR)|(has unknown scope and is blocked)`), "high",
		"Use an operator whose scope includes REGULAR."},
	{CodeUnknownDataField, regexp.MustCompile(`^Unknown data field:`), "high",
		"Replace with a field from the retrieval pack."},
	{CodeTSNonMatrixInput, regexp.MustCompile(`received non-MATRIX field`), "medium",
		"Feed ts_ operators MATRIX fields only."},
	{CodeGroupRequiresTypes, regexp.MustCompile(`requires GROUP and MATRIX fields`), "medium",
		"Give group_ operators one GROUP and one MATRIX argument."},
	{CodeVectorInNonVec, regexp.MustCompile(`^VECTOR field`), "medium",
		"Use VECTOR fields inside vec_ operators only."},
}

// Issue is one classified validation finding.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	FixHint  string `json:"fix_hint"`
}

// GateResult pairs the raw report with classified issues and the signature
// the retry loop uses to detect repeated failures.
type GateResult struct {
	Report         schema.ValidationReport
	Issues         []Issue
	ErrorSignature string
}

// IsValid reports whether the candidate passed.
func (r GateResult) IsValid() bool { return r.Report.IsValid }

// Gate classifies validator output and produces deterministic repairs.
type Gate struct {
	validator *validation.Validator
}

// NewGate wraps the validator.
func NewGate(v *validation.Validator) *Gate { return &Gate{validator: v} }

// ValidateCandidate runs the static validator and classifies its findings.
func (g *Gate) ValidateCandidate(candidate schema.CandidateAlpha) GateResult {
	report := g.validator.Validate(candidate.Expression, "REGULAR")
	issues := g.ClassifyErrors(report.Errors)
	return GateResult{
		Report:         report,
		Issues:         issues,
		ErrorSignature: Signature(issues),
	}
}

// ClassifyErrors maps raw messages onto the closed taxonomy.
func (g *Gate) ClassifyErrors(errors []string) []Issue {
	var issues []Issue
	for _, msg := range errors {
		issues = append(issues, mapError(msg))
	}
	return issues
}

// Signature joins the sorted unique issue codes with "|", or SignatureValid
// when there are none.
func Signature(issues []Issue) string {
	if len(issues) == 0 {
		return SignatureValid
	}
	seen := map[string]bool{}
	var codes []string
	for _, issue := range issues {
		if !seen[issue.Code] {
			seen[issue.Code] = true
			codes = append(codes, issue.Code)
		}
	}
	sort.Strings(codes)
	return strings.Join(codes, "|")
}

func mapError(message string) Issue {
	for _, row := range taxonomy {
		if row.pattern.MatchString(message) {
			return Issue{Code: row.code, Message: message, Severity: row.severity, FixHint: row.fixHint}
		}
	}
	return Issue{
		Code:     CodeValidationError,
		Message:  message,
		Severity: "medium",
		FixHint:  "Rebuild the expression guided by the error message.",
	}
}

// BuildRepairInstruction assembles the retry-prompt payload for one failed
// attempt.
func (g *Gate) BuildRepairInstruction(candidate schema.CandidateAlpha, issues []Issue, pack *retrieval.Pack, attempt, repeatedErrorCount int, expandedRetrieval bool) map[string]any {
	var codes, messages []string
	for _, issue := range issues {
		codes = append(codes, issue.Code)
		messages = append(messages, issue.Message)
	}
	return map[string]any{
		"attempt":              attempt,
		"error_codes":          codes,
		"errors":               messages,
		"repeated_error_count": repeatedErrorCount,
		"expanded_retrieval":   expandedRetrieval,
		"rulebook":             repairRulebook(codes),
		"available_candidates": map[string]int{
			"fields":        len(pack.CandidateFields),
			"operators":     len(pack.CandidateOperators),
			"subcategories": len(pack.SelectedSubcategories),
		},
	}
}

func repairRulebook(codes []string) []string {
	set := map[string]bool{}
	for _, c := range codes {
		set[c] = true
	}
	var rules []string
	if set[CodeUnknownOperator] || set[CodeUnknownDataField] {
		rules = append(rules, "Substitute retrieval pack candidates for unknown operators and fields first.")
	}
	if set[CodeOperatorScope] {
		rules = append(rules, "Swap in operators whose scope allows REGULAR.")
	}
	if set[CodeTSNonMatrixInput] || set[CodeGroupRequiresTypes] || set[CodeVectorInNonVec] {
		rules = append(rules, "Rearrange field arguments to satisfy ts_/group_/vec_ type rules.")
	}
	if set[CodeOperatorNoArguments] || set[CodeOperatorEmptyArgument] ||
		set[CodeOperatorArityMismatch] || set[CodeUnbalancedParens] {
		rules = append(rules, "Regenerate the call structure (parentheses and arguments) before anything else.")
	}
	if len(rules) == 0 {
		rules = append(rules, "Simplify the expression around the tokens named in the errors.")
	}
	return rules
}
