// Package validation statically checks generated expressions against the
// operator and field catalog before any simulation is attempted. Checks are
// structural (charset, parentheses, arity) and semantic (operator scope,
// field existence, MATRIX/GROUP/VECTOR typing); an expression passing here
// can still fail simulation, but the cheap failures are caught locally.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"alphaforge/internal/schema"
)

var allowedCharRE = regexp.MustCompile(`^[A-Za-z0-9_.,()\-+*/\s]+$`)

const complexityCallThreshold = 20

// Validator holds the catalog tables an expression is checked against.
type Validator struct {
	operators map[string]schema.OperatorMeta
	fields    map[string]schema.DataField

	scopes     map[string]map[string]bool
	arity      map[string]int // -1 when the catalog does not state one
	fieldTypes map[string]string

	safeRegularOnly bool
}

// New builds a validator over the given catalog rows.
func New(operators []schema.OperatorMeta, fields []schema.DataField) *Validator {
	v := &Validator{
		operators:       map[string]schema.OperatorMeta{},
		fields:          map[string]schema.DataField{},
		scopes:          map[string]map[string]bool{},
		arity:           map[string]int{},
		fieldTypes:      map[string]string{},
		safeRegularOnly: true,
	}
	for _, op := range operators {
		if op.Name == "" {
			continue
		}
		v.operators[op.Name] = op
		scopes := map[string]bool{}
		for _, s := range op.Scope {
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != "" {
				scopes[s] = true
			}
		}
		v.scopes[op.Name] = scopes
		if op.Arity > 0 {
			v.arity[op.Name] = op.Arity
		} else {
			v.arity[op.Name] = -1
		}
	}
	for _, f := range fields {
		if f.ID == "" {
			continue
		}
		v.fields[f.ID] = f
		v.fieldTypes[f.ID] = strings.ToUpper(f.Type)
	}
	return v
}

// Validate checks one expression for the given alpha type (normally REGULAR).
func (v *Validator) Validate(expression, alphaType string) schema.ValidationReport {
	var errs, warnings []string

	if strings.TrimSpace(expression) == "" {
		return schema.ValidationReport{IsValid: false, Errors: []string{"Expression is empty"}}
	}
	if !allowedCharRE.MatchString(expression) {
		errs = append(errs, "Expression contains unsupported characters")
	}
	if !balancedParentheses(expression) {
		errs = append(errs, "Parentheses are not balanced")
	}

	calls := ExtractCalls(expression)
	var callNames []string
	for _, c := range calls {
		callNames = append(callNames, c.Name)
	}
	usedOperators := uniqueStrings(callNames)

	for _, call := range calls {
		if _, ok := v.operators[call.Name]; !ok {
			errs = append(errs, fmt.Sprintf("Unknown operator: %s", call.Name))
			continue
		}
		if len(call.Args) == 0 {
			errs = append(errs, fmt.Sprintf("Operator %s has no arguments", call.Name))
		}
		for _, arg := range call.Args {
			if strings.TrimSpace(arg) == "" {
				errs = append(errs, fmt.Sprintf("Operator %s has an empty argument", call.Name))
				break
			}
		}
		if want := v.arity[call.Name]; want > 0 && len(call.Args) != want {
			errs = append(errs, fmt.Sprintf("Operator %s expects %d args but got %d",
				call.Name, want, len(call.Args)))
		}
		scopes := v.scopes[call.Name]
		upperType := strings.ToUpper(alphaType)
		if len(scopes) > 0 {
			if upperType == "REGULAR" && !scopes["REGULAR"] {
				errs = append(errs, fmt.Sprintf("Operator %s scope %v is not valid in REGULAR",
					call.Name, sortedScopes(scopes)))
			}
		} else if v.safeRegularOnly && upperType != "REGULAR" {
			errs = append(errs, fmt.Sprintf("Operator %s has unknown scope and is blocked in non-REGULAR mode", call.Name))
		}
	}

	// Everything that is not an operator call is a field reference.
	operatorSet := toSet(usedOperators)
	var usedFields []string
	for _, ident := range uniqueStrings(Identifiers(expression)) {
		if !operatorSet[ident] {
			usedFields = append(usedFields, ident)
		}
	}
	for _, id := range usedFields {
		if _, ok := v.fields[id]; !ok {
			errs = append(errs, fmt.Sprintf("Unknown data field: %s", id))
		}
	}

	errs = append(errs, v.typeChecks(calls)...)

	if len(calls) > complexityCallThreshold {
		warnings = append(warnings, "Expression is complex (>20 calls); consider simplification for stability")
	}

	var knownFields []string
	for _, id := range usedFields {
		if _, ok := v.fields[id]; ok {
			knownFields = append(knownFields, id)
		}
	}
	return schema.ValidationReport{
		IsValid:       len(errs) == 0,
		Errors:        uniqueStrings(errs),
		Warnings:      uniqueStrings(warnings),
		UsedOperators: usedOperators,
		UsedFields:    uniqueStrings(knownFields),
	}
}

func (v *Validator) typeChecks(calls []Call) []string {
	var errs []string
	for _, call := range calls {
		var argIDs []string
		for _, arg := range call.Args {
			for _, ident := range Identifiers(arg) {
				if _, ok := v.fieldTypes[ident]; ok {
					argIDs = append(argIDs, ident)
				}
			}
		}

		if strings.HasPrefix(call.Name, "ts_") {
			for _, id := range argIDs {
				if t := v.fieldTypes[id]; t != "" && t != schema.FieldTypeMatrix {
					errs = append(errs, fmt.Sprintf("ts_ operator %s received non-MATRIX field %s:%s",
						call.Name, id, t))
				}
			}
		}
		if strings.HasPrefix(call.Name, "group_") {
			hasGroup, hasMatrix := false, false
			for _, id := range argIDs {
				switch v.fieldTypes[id] {
				case schema.FieldTypeGroup:
					hasGroup = true
				case schema.FieldTypeMatrix:
					hasMatrix = true
				}
			}
			if !hasGroup || !hasMatrix {
				errs = append(errs, fmt.Sprintf("group_ operator %s requires GROUP and MATRIX fields", call.Name))
			}
		}
		if len(argIDs) > 0 && !strings.HasPrefix(call.Name, "vec_") {
			for _, id := range argIDs {
				if v.fieldTypes[id] == schema.FieldTypeVector {
					errs = append(errs, fmt.Sprintf("VECTOR field %s used in non-vec_ operator %s",
						id, call.Name))
				}
			}
		}
	}
	return errs
}

// ============================================================================
// CATALOG ACCESS FOR REPAIR
// ============================================================================

// KnownOperator reports whether the catalog has the operator.
func (v *Validator) KnownOperator(name string) bool {
	_, ok := v.operators[name]
	return ok
}

// KnownField reports whether the catalog has the field.
func (v *Validator) KnownField(id string) bool {
	_, ok := v.fields[id]
	return ok
}

// FieldType returns the catalog type for the field, "" when unknown.
func (v *Validator) FieldType(id string) string { return v.fieldTypes[id] }

// RegularOperator reports whether the operator is usable in REGULAR mode.
// Operators with no declared scope pass.
func (v *Validator) RegularOperator(name string) bool {
	scopes, ok := v.scopes[name]
	if !ok {
		return false
	}
	return len(scopes) == 0 || scopes["REGULAR"]
}

// OperatorNames returns all catalog operator names, sorted.
func (v *Validator) OperatorNames() []string {
	out := make([]string, 0, len(v.operators))
	for name := range v.operators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FieldIDs returns all catalog field ids, sorted.
func (v *Validator) FieldIDs() []string {
	out := make([]string, 0, len(v.fields))
	for id := range v.fields {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedScopes(scopes map[string]bool) []string {
	out := make([]string, 0, len(scopes))
	for s := range scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func toSet(in []string) map[string]bool {
	out := map[string]bool{}
	for _, s := range in {
		out[s] = true
	}
	return out
}
