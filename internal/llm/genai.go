package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI GENERATOR
// =============================================================================

// GenAIGenerator produces candidates with Google's Gemini API.
type GenAIGenerator struct {
	client          *genai.Client
	model           string
	maxOutputTokens int32
}

// NewGenAIGenerator creates a Gemini-backed generator.
func NewGenAIGenerator(apiKey, model string, maxOutputTokens int) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if maxOutputTokens < 1 {
		maxOutputTokens = 1600
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIGenerator{
		client:          client,
		model:           model,
		maxOutputTokens: int32(maxOutputTokens),
	}, nil
}

// Generate sends the prompt and returns the reply text with usage metadata.
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string) (Response, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx,
		g.model,
		contents,
		&genai.GenerateContentConfig{
			MaxOutputTokens:  g.maxOutputTokens,
			ResponseMIMEType: "application/json",
		},
	)
	if err != nil {
		return Response{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	usage := map[string]any{}
	if result.UsageMetadata != nil {
		usage["prompt_tokens"] = int(result.UsageMetadata.PromptTokenCount)
		usage["completion_tokens"] = int(result.UsageMetadata.CandidatesTokenCount)
		usage["total_tokens"] = int(result.UsageMetadata.TotalTokenCount)
	}
	return Response{Text: result.Text(), Usage: usage}, nil
}

// Name returns the generator name.
func (g *GenAIGenerator) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}
