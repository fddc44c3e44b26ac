package loop

import (
	"context"

	"go.uber.org/zap"

	"alphaforge/internal/llm"
	"alphaforge/internal/prompt"
	"alphaforge/internal/schema"
)

// ModelGenerator adapts an llm.Generator into the loop's candidate source,
// parsing the model reply with the lenient JSON repair ladder.
type ModelGenerator struct {
	backend llm.Generator
	logger  *zap.Logger
}

// NewModelGenerator wraps a text generator. logger may be nil.
func NewModelGenerator(backend llm.Generator, logger *zap.Logger) *ModelGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelGenerator{backend: backend, logger: logger}
}

// GenerateCandidate renders one candidate from the model and reports the
// provider usage map alongside it.
func (m *ModelGenerator) GenerateCandidate(ctx context.Context, promptText string) (schema.CandidateAlpha, map[string]any, error) {
	response, err := m.backend.Generate(ctx, promptText)
	if err != nil {
		return schema.CandidateAlpha{}, nil, err
	}
	candidate, repaired, err := prompt.ParseCandidateAlphaWithRepair(response.Text)
	if err != nil {
		return schema.CandidateAlpha{}, response.Usage, err
	}
	if repaired {
		m.logger.Debug("model reply needed JSON repair",
			zap.Int("raw_len", len(response.Text)))
	}
	return candidate, response.Usage, nil
}
