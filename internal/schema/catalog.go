package schema

import "strings"

// Field type names as they appear in the platform catalog.
const (
	FieldTypeMatrix = "MATRIX"
	FieldTypeGroup  = "GROUP"
	FieldTypeVector = "VECTOR"
)

// OperatorMeta is one catalog operator row. Arity < 0 means the catalog did
// not state an argument count and exact-arity checks are skipped.
type OperatorMeta struct {
	Name          string   `json:"name"`
	Category      string   `json:"category"`
	Scope         []string `json:"scope,omitempty"`
	Definition    string   `json:"definition,omitempty"`
	Description   string   `json:"description,omitempty"`
	Level         string   `json:"level,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
	Arity         int      `json:"arity"`
}

// Dataset is one catalog dataset row for a specific region/delay/universe.
type Dataset struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Region      string   `json:"region"`
	Delay       int      `json:"delay"`
	Universe    string   `json:"universe"`
	Subcategory string   `json:"subcategory,omitempty"`
	Coverage    float64  `json:"coverage"`
	ValueScore  float64  `json:"value_score"`
	FieldCount  int      `json:"field_count"`
	AlphaCount  int      `json:"alpha_count"`
	UserCount   int      `json:"user_count"`
	Themes      []string `json:"themes,omitempty"`
}

// DataField is one catalog data-field row.
type DataField struct {
	ID          string  `json:"id"`
	DatasetID   string  `json:"dataset_id"`
	Region      string  `json:"region"`
	Delay       int     `json:"delay"`
	Universe    string  `json:"universe"`
	Type        string  `json:"type"`
	Subcategory string  `json:"subcategory,omitempty"`
	Description string  `json:"description,omitempty"`
	Coverage    float64 `json:"coverage"`
	AlphaCount  int     `json:"alpha_count"`
	UserCount   int     `json:"user_count"`
}

// MatchesTarget reports whether the field row belongs to the target slice.
func (f DataField) MatchesTarget(t SimulationTarget) bool {
	n := t.Normalized()
	return strings.ToUpper(f.Region) == n.Region &&
		f.Delay == n.Delay &&
		strings.ToUpper(f.Universe) == n.Universe
}
