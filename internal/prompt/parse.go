package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"alphaforge/internal/schema"
)

// Parse failure codes.
const (
	ParseEmptyOutput       = "empty_output"
	ParseJSONDecodeError   = "json_decode_error"
	ParsePayloadNotObject  = "payload_not_object"
	ParseContractViolation = "contract_violation"
)

// ParseFailure is a strict parse failure with a standardized stage and code.
type ParseFailure struct {
	Stage  string
	Code   string
	Detail string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Detail)
}

// ParseCandidateAlpha strictly parses a model response into a candidate.
func ParseCandidateAlpha(raw string) (schema.CandidateAlpha, error) {
	var candidate schema.CandidateAlpha
	text := strings.TrimSpace(raw)
	if text == "" {
		return candidate, &ParseFailure{Stage: "alpha", Code: ParseEmptyOutput, Detail: "model output is empty"}
	}

	var probe any
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return candidate, &ParseFailure{Stage: "alpha", Code: ParseJSONDecodeError, Detail: err.Error()}
	}
	if _, ok := probe.(map[string]any); !ok {
		return candidate, &ParseFailure{Stage: "alpha", Code: ParsePayloadNotObject,
			Detail: "top-level JSON payload must be an object"}
	}
	if err := json.Unmarshal([]byte(text), &candidate); err != nil {
		return candidate, &ParseFailure{Stage: "alpha", Code: ParseJSONDecodeError, Detail: err.Error()}
	}
	if strings.TrimSpace(candidate.Expression) == "" {
		return candidate, &ParseFailure{Stage: "alpha", Code: ParseContractViolation,
			Detail: "expression must be a non-empty string"}
	}
	return candidate, nil
}

// ParseCandidateAlphaWithRepair tries a strict parse first, then one
// format-repair pass. The second return value reports whether repair ran.
func ParseCandidateAlphaWithRepair(raw string) (schema.CandidateAlpha, bool, error) {
	candidate, err := ParseCandidateAlpha(raw)
	if err == nil {
		return candidate, false, nil
	}
	repaired, repairErr := RepairJSONText(raw)
	if repairErr != nil || strings.TrimSpace(repaired) == strings.TrimSpace(raw) {
		return candidate, false, err
	}
	candidate, err = ParseCandidateAlpha(repaired)
	return candidate, true, err
}

var trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)

// RepairJSONText attempts best-effort JSON formatting repair with no
// semantic edits: fence stripping, fragment extraction, trailing comma
// removal, and pythonish literal normalization.
func RepairJSONText(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &ParseFailure{Stage: "repair", Code: ParseEmptyOutput, Detail: "model output is empty"}
	}

	seen := map[string]bool{}
	var candidates []string
	add := func(text string) {
		value := strings.TrimSpace(text)
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		candidates = append(candidates, value)
	}

	add(raw)
	fenced := stripMarkdownFence(raw)
	add(fenced)
	if fragment := extractJSONFragment(raw); fragment != "" {
		add(fragment)
	}
	if fragment := extractJSONFragment(fenced); fragment != "" {
		add(fragment)
	}
	for _, text := range append([]string(nil), candidates...) {
		add(trailingCommaRE.ReplaceAllString(text, "$1"))
	}
	for _, text := range append([]string(nil), candidates...) {
		normalized := normalizePythonishLiterals(text)
		add(normalized)
		add(trailingCommaRE.ReplaceAllString(normalized, "$1"))
	}

	for _, candidate := range candidates {
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", &ParseFailure{Stage: "repair", Code: ParseJSONDecodeError,
		Detail: "failed to repair JSON format from model output"}
}

func stripMarkdownFence(text string) string {
	stripped := strings.TrimSpace(text)
	if !strings.HasPrefix(stripped, "```") {
		return stripped
	}
	lines := strings.Split(stripped, "\n")
	if len(lines) == 0 {
		return stripped
	}
	lines = lines[1:]
	for len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractJSONFragment pulls the first balanced object or array out of noisy
// text, honoring string escapes.
func extractJSONFragment(text string) string {
	src := strings.TrimSpace(text)
	if src == "" {
		return ""
	}
	start := -1
	for i, ch := range src {
		if ch == '{' || ch == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	opener := src[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(src); i++ {
		ch := src[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return src[start : i+1]
			}
		}
	}
	return ""
}

var (
	pyNoneRE  = regexp.MustCompile(`\bNone\b`)
	pyTrueRE  = regexp.MustCompile(`\bTrue\b`)
	pyFalseRE = regexp.MustCompile(`\bFalse\b`)
)

func normalizePythonishLiterals(text string) string {
	out := pyNoneRE.ReplaceAllString(text, "null")
	out = pyTrueRE.ReplaceAllString(out, "true")
	return pyFalseRE.ReplaceAllString(out, "false")
}
