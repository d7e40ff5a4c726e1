package ai

import "context"

// LLMProvider is the language model backend. The orchestrator confines it to
// two jobs: slot extraction (structured JSON) and response composition.
type LLMProvider interface {
	// CompleteJSON runs a completion constrained to the given JSON schema
	// and returns the raw JSON text.
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string, schemaName string, schema map[string]any) (string, error)
	// Complete runs a free-form completion.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// EmbeddingProvider turns text into dense vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
