// Package llm abstracts the text generator behind a small interface so the
// validation loop can run against the live Gemini API or a scripted stand-in.
package llm

import (
	"context"
	"errors"
)

// ErrScriptExhausted is returned when a scripted generator runs out of
// responses.
var ErrScriptExhausted = errors.New("scripted generator has no responses left")

// Response is one generator reply with its usage accounting. Usage uses the
// provider's key spellings so it can be logged verbatim on usage events.
type Response struct {
	Text  string
	Usage map[string]any
}

// Generator produces one candidate payload for a rendered prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Response, error)
}

// ScriptedGenerator replays a fixed response sequence. It backs tests and
// offline dry runs; prompts are recorded for assertions.
type ScriptedGenerator struct {
	responses []string
	index     int
	prompts   []string
}

// NewScriptedGenerator builds a generator that replays responses in order.
func NewScriptedGenerator(responses ...string) *ScriptedGenerator {
	return &ScriptedGenerator{responses: responses}
}

// Generate returns the next scripted response.
func (g *ScriptedGenerator) Generate(_ context.Context, prompt string) (Response, error) {
	g.prompts = append(g.prompts, prompt)
	if g.index >= len(g.responses) {
		return Response{}, ErrScriptExhausted
	}
	text := g.responses[g.index]
	g.index++
	return Response{
		Text: text,
		Usage: map[string]any{
			"prompt_tokens":     len(prompt) / 4,
			"completion_tokens": len(text) / 4,
		},
	}, nil
}

// Prompts returns every prompt the generator has seen.
func (g *ScriptedGenerator) Prompts() []string {
	return append([]string(nil), g.prompts...)
}

// Calls returns how many times Generate ran.
func (g *ScriptedGenerator) Calls() int { return len(g.prompts) }
