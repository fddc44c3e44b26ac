// Package schema defines the typed records that cross package boundaries:
// idea specifications, candidate alphas, validation reports, and the event
// envelope persisted to the run log.
package schema

import (
	"strings"
	"time"
)

// SimulationTarget pins the market slice an idea is researched against.
// Region, universe, and delay must match the catalog rows used for retrieval.
type SimulationTarget struct {
	InstrumentType string `json:"instrument_type"`
	Region         string `json:"region"`
	Universe       string `json:"universe"`
	Delay          int    `json:"delay"`
}

// DefaultTarget returns the standard US equity research slice.
func DefaultTarget() SimulationTarget {
	return SimulationTarget{
		InstrumentType: "EQUITY",
		Region:         "USA",
		Universe:       "TOP3000",
		Delay:          1,
	}
}

// Normalized returns the target with region/universe/instrument uppercased,
// the form used for catalog comparisons.
func (t SimulationTarget) Normalized() SimulationTarget {
	t.InstrumentType = strings.ToUpper(strings.TrimSpace(t.InstrumentType))
	t.Region = strings.ToUpper(strings.TrimSpace(t.Region))
	t.Universe = strings.ToUpper(strings.TrimSpace(t.Universe))
	return t
}

// IdeaSpec is the research hypothesis handed to retrieval and generation.
type IdeaSpec struct {
	IdeaID               string           `json:"idea_id"`
	Hypothesis           string           `json:"hypothesis"`
	ThemeTags            []string         `json:"theme_tags,omitempty"`
	Target               SimulationTarget `json:"target"`
	CandidateDatasets    []string         `json:"candidate_datasets,omitempty"`
	KeywordsForRetrieval []string         `json:"keywords_for_retrieval,omitempty"`
}

// RetrievalQuery joins the retrieval keywords, falling back to the hypothesis
// text when no keywords were provided.
func (s IdeaSpec) RetrievalQuery() string {
	if len(s.KeywordsForRetrieval) > 0 {
		return strings.Join(s.KeywordsForRetrieval, " ")
	}
	return s.Hypothesis
}

// GenerationNotes records which catalog entries a generated expression claims
// to use, plus the validation outcome stamped by the loop. The validator
// re-derives the vocabulary lists and overwrites them.
type GenerationNotes struct {
	UsedFields         []string `json:"used_fields,omitempty"`
	UsedOperators      []string `json:"used_operators,omitempty"`
	ValidationPassed   bool     `json:"validation_passed"`
	ValidationAttempts int      `json:"validation_attempts"`
}

// CandidateAlpha is one generated expression for an idea.
type CandidateAlpha struct {
	IdeaID     string          `json:"idea_id"`
	Expression string          `json:"expression"`
	Notes      GenerationNotes `json:"notes"`
}

// ValidationReport is the raw validator verdict before gate classification.
type ValidationReport struct {
	IsValid       bool     `json:"is_valid"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	UsedOperators []string `json:"used_operators,omitempty"`
	UsedFields    []string `json:"used_fields,omitempty"`
}

// Event severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// EventEnvelope is the uniform shape of every run event. Payload carries
// event-specific detail and is persisted as JSON.
type EventEnvelope struct {
	EventType string         `json:"event_type"`
	RunID     string         `json:"run_id,omitempty"`
	IdeaID    string         `json:"idea_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message,omitempty"`
	Severity  string         `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an info-severity envelope stamped with the current UTC time.
func NewEvent(eventType, runID, ideaID, stage, message string) EventEnvelope {
	return EventEnvelope{
		EventType: eventType,
		RunID:     runID,
		IdeaID:    ideaID,
		Stage:     stage,
		Message:   message,
		Severity:  SeverityInfo,
		CreatedAt: time.Now().UTC(),
		Payload:   map[string]any{},
	}
}
