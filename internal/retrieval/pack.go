// Package retrieval builds bounded candidate packs from the metadata catalog.
// A pack carries everything downstream prompting is allowed to see: two lanes
// of datasets, fields, and operators, a visual graph for the UI, a rough token
// estimate, and a context guard that keeps full catalog dumps out of prompts.
package retrieval

import (
	"encoding/json"
	"sort"

	"alphaforge/internal/config"
	"alphaforge/internal/schema"
)

// Lane names.
const (
	LaneExploit = "exploit"
	LaneExplore = "explore"
)

// Graph node/edge states and kinds.
const (
	StateSearching = "searching"
	StateSelected  = "selected"
	StateDropped   = "dropped"

	EdgeRetrievalMatch   = "retrieval_match"
	EdgeContainsDataset  = "contains_dataset"
	EdgeContainsField    = "contains_field"
	EdgeSupportsOperator = "supports_operator"
)

// LaneSelection lists the field ids and operator names assigned to one lane.
type LaneSelection struct {
	FieldIDs      []string `json:"field_ids"`
	OperatorNames []string `json:"operator_names"`
}

// DatasetCandidate is one dataset admitted to the pack.
type DatasetCandidate struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	SubcategoryID string  `json:"subcategory_id"`
	Lane          string  `json:"lane"`
	Score         float64 `json:"score"`
}

// FieldCandidate is one data field admitted to the pack.
type FieldCandidate struct {
	ID        string  `json:"id"`
	DatasetID string  `json:"dataset_id"`
	Type      string  `json:"type"`
	Lane      string  `json:"lane"`
	Score     float64 `json:"score"`
}

// OperatorCandidate is one operator admitted to the pack.
type OperatorCandidate struct {
	Name       string   `json:"name"`
	Definition string   `json:"definition,omitempty"`
	Scope      []string `json:"scope,omitempty"`
	Category   string   `json:"category,omitempty"`
	Lane       string   `json:"lane"`
	Score      float64  `json:"score"`
}

// VisualGraphNode is one node of the retrieval graph shown in the UI.
type VisualGraphNode struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Label string  `json:"label"`
	Lane  string  `json:"lane"`
	State string  `json:"state"`
	Score float64 `json:"score"`
}

// VisualGraphEdge connects two graph nodes.
type VisualGraphEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`
}

// VisualGraph is the deduplicated node/edge set for one pack.
type VisualGraph struct {
	Version string            `json:"version"`
	Nodes   []VisualGraphNode `json:"nodes"`
	Edges   []VisualGraphEdge `json:"edges"`
}

// TokenEstimate is a rough gating estimate, not a billing figure.
type TokenEstimate struct {
	InputChars       int `json:"input_chars"`
	InputTokensRough int `json:"input_tokens_rough"`
}

// Telemetry records how the pack was built.
type Telemetry struct {
	RetrievalMS     int64          `json:"retrieval_ms"`
	CandidateCounts map[string]int `json:"candidate_counts"`
}

// ContextGuard states the downstream prompting contract. FullMetadataBlocked
// is always true; prompts may only use the pack's candidate lists.
type ContextGuard struct {
	FullMetadataBlocked bool           `json:"full_metadata_blocked"`
	Rules               []string       `json:"rules"`
	MaxItems            map[string]int `json:"max_items"`
}

// Pack is the bounded retrieval result for one idea.
type Pack struct {
	IdeaID                string                   `json:"idea_id"`
	Query                 string                   `json:"query"`
	Target                schema.SimulationTarget  `json:"target"`
	SelectedSubcategories []string                 `json:"selected_subcategories"`
	CandidateDatasets     []DatasetCandidate       `json:"candidate_datasets"`
	CandidateFields       []FieldCandidate         `json:"candidate_fields"`
	CandidateOperators    []OperatorCandidate      `json:"candidate_operators"`
	Lanes                 map[string]LaneSelection `json:"lanes"`
	VisualGraph           VisualGraph              `json:"visual_graph"`
	TokenEstimate         TokenEstimate            `json:"token_estimate"`
	BudgetPolicy          map[string]any           `json:"budget_policy"`
	ExpansionPolicy       config.ExpansionPolicy   `json:"expansion_policy"`
	ContextGuard          ContextGuard             `json:"context_guard"`
	Telemetry             Telemetry                `json:"telemetry"`
}

// Clone returns a deep copy via JSON round-trip. The budget enforcer mutates
// copies, never the caller's pack.
func (p *Pack) Clone() *Pack {
	data, err := json.Marshal(p)
	if err != nil {
		cp := *p
		return &cp
	}
	var out Pack
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *p
		return &cp
	}
	return &out
}

// Signature identifies the pack's effective vocabulary. Two packs with the
// same signature produce the same prompt content, so shrink phases that do
// not change it can be skipped.
func (p *Pack) Signature() string {
	fields := make([]string, 0, len(p.CandidateFields))
	for _, f := range p.CandidateFields {
		fields = append(fields, f.ID)
	}
	ops := make([]string, 0, len(p.CandidateOperators))
	for _, o := range p.CandidateOperators {
		ops = append(ops, o.Name)
	}
	subs := append([]string(nil), p.SelectedSubcategories...)
	sort.Strings(fields)
	sort.Strings(ops)
	sort.Strings(subs)
	sig, _ := json.Marshal([][]string{fields, ops, subs})
	return string(sig)
}

// FieldIDs returns the ids of every candidate field in pack order.
func (p *Pack) FieldIDs() []string {
	out := make([]string, 0, len(p.CandidateFields))
	for _, f := range p.CandidateFields {
		out = append(out, f.ID)
	}
	return out
}

// OperatorNames returns the names of every candidate operator in pack order.
func (p *Pack) OperatorNames() []string {
	out := make([]string, 0, len(p.CandidateOperators))
	for _, o := range p.CandidateOperators {
		out = append(out, o.Name)
	}
	return out
}

// ResyncContracts rebuilds the pack's derived sections after its candidate
// lists were mutated: lane selections, selected subcategories, telemetry
// counts, the token estimate, and the context guard's max_items.
func (p *Pack) ResyncContracts() {
	lanes := map[string]LaneSelection{
		LaneExploit: {FieldIDs: []string{}, OperatorNames: []string{}},
		LaneExplore: {FieldIDs: []string{}, OperatorNames: []string{}},
	}
	for _, f := range p.CandidateFields {
		sel := lanes[laneOrExploit(f.Lane)]
		sel.FieldIDs = append(sel.FieldIDs, f.ID)
		lanes[laneOrExploit(f.Lane)] = sel
	}
	for _, o := range p.CandidateOperators {
		sel := lanes[laneOrExploit(o.Lane)]
		sel.OperatorNames = append(sel.OperatorNames, o.Name)
		lanes[laneOrExploit(o.Lane)] = sel
	}
	p.Lanes = lanes

	// Subcategories follow the surviving datasets, keeping the previous
	// selection order where possible.
	var datasetSubs []string
	seen := map[string]bool{}
	for _, d := range p.CandidateDatasets {
		if d.SubcategoryID == "" || seen[d.SubcategoryID] {
			continue
		}
		seen[d.SubcategoryID] = true
		datasetSubs = append(datasetSubs, d.SubcategoryID)
	}
	if len(datasetSubs) > 0 {
		inDatasets := map[string]bool{}
		for _, s := range datasetSubs {
			inDatasets[s] = true
		}
		var preferred []string
		kept := map[string]bool{}
		for _, s := range p.SelectedSubcategories {
			if inDatasets[s] && !kept[s] {
				kept[s] = true
				preferred = append(preferred, s)
			}
		}
		for _, s := range datasetSubs {
			if !kept[s] {
				kept[s] = true
				preferred = append(preferred, s)
			}
		}
		p.SelectedSubcategories = preferred
	}
	subs := p.SelectedSubcategories

	if p.Telemetry.CandidateCounts == nil {
		p.Telemetry.CandidateCounts = map[string]int{}
	}
	p.Telemetry.CandidateCounts["subcategories"] = len(subs)
	p.Telemetry.CandidateCounts["datasets"] = len(p.CandidateDatasets)
	p.Telemetry.CandidateCounts["fields"] = len(p.CandidateFields)
	p.Telemetry.CandidateCounts["operators"] = len(p.CandidateOperators)

	p.ContextGuard.MaxItems = map[string]int{
		"datasets":  len(p.CandidateDatasets),
		"fields":    len(p.CandidateFields),
		"operators": len(p.CandidateOperators),
	}

	p.TokenEstimate = estimateTokens(map[string]any{
		"query":                  p.Query,
		"target":                 p.Target,
		"selected_subcategories": p.SelectedSubcategories,
		"candidate_datasets":     p.CandidateDatasets,
		"candidate_fields":       p.CandidateFields,
		"candidate_operators":    p.CandidateOperators,
		"context_guard":          p.ContextGuard,
	})
}

func laneOrExploit(lane string) string {
	if lane == LaneExplore {
		return LaneExplore
	}
	return LaneExploit
}

func estimateTokens(payload map[string]any) TokenEstimate {
	data, _ := json.Marshal(payload)
	chars := len(data)
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	return TokenEstimate{InputChars: chars, InputTokensRough: tokens}
}
