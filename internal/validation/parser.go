package validation

import "strings"

// Call is one operator invocation found in an expression. Args hold raw
// argument text, nested calls included.
type Call struct {
	Name string
	Args []string
}

// ExtractCalls parses every operator call in the expression, outermost first,
// recursing into arguments. An identifier not followed by "(" is not a call.
func ExtractCalls(text string) []Call {
	var calls []Call
	idx := 0
	for idx < len(text) {
		name, end := matchIdent(text, idx)
		if name == "" {
			idx++
			continue
		}
		next := skipSpaces(text, end)
		if next >= len(text) || text[next] != '(' {
			idx = end
			continue
		}
		closeIdx := findClosingParen(text, next)
		if closeIdx == -1 {
			idx = next + 1
			continue
		}
		args := splitArgs(text[next+1 : closeIdx])
		calls = append(calls, Call{Name: name, Args: args})
		for _, arg := range args {
			calls = append(calls, ExtractCalls(arg)...)
		}
		idx = closeIdx + 1
	}
	return calls
}

// matchIdent matches an identifier starting exactly at idx. Returns the
// identifier and the index past its end, or "" when idx does not start one.
func matchIdent(text string, idx int) (string, int) {
	if idx >= len(text) || !identStart(text[idx]) {
		return "", idx
	}
	end := idx + 1
	for end < len(text) && identPart(text[end]) {
		end++
	}
	return text[idx:end], end
}

func identStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func identPart(c byte) bool {
	return identStart(c) || (c >= '0' && c <= '9')
}

// splitArgs splits argument text at top-level commas. "f(x, g(a,b))" yields
// ["x", "g(a,b)"]. Empty parens yield no args.
func splitArgs(text string) []string {
	var args []string
	depth := 0
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(text[start:i]))
				start = i + 1
			}
		}
	}
	final := strings.TrimSpace(text[start:])
	if final != "" || strings.TrimSpace(text) == "" {
		args = append(args, final)
	}
	if len(args) == 1 && args[0] == "" {
		return nil
	}
	return args
}

func findClosingParen(text string, openIdx int) int {
	depth := 0
	for i := openIdx; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func skipSpaces(text string, idx int) int {
	for idx < len(text) && (text[idx] == ' ' || text[idx] == '\t' || text[idx] == '\n' || text[idx] == '\r') {
		idx++
	}
	return idx
}

// Identifiers returns every identifier in the text in order of appearance.
func Identifiers(text string) []string {
	var out []string
	idx := 0
	for idx < len(text) {
		name, end := matchIdent(text, idx)
		if name == "" {
			idx++
			continue
		}
		out = append(out, name)
		idx = end
	}
	return out
}

func balancedParentheses(text string) bool {
	depth := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
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
