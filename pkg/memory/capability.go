package memory

import "context"

// LanguageModel is the external capability surface the engine depends on.
// Implementations live outside this package (pkg/llm); the engine treats
// every call as fallible and supplies its own fallback at each call site.
type LanguageModel interface {
	// Generate produces free text for a prompt. Low temperature is expected
	// for structured work.
	Generate(ctx context.Context, prompt, system string, maxTokens int, temperature float64) (string, error)

	// ExtractStructured fills out with a schema-validated JSON object. The
	// implementation retries a bounded number of times on unparseable
	// output before surfacing an error.
	ExtractStructured(ctx context.Context, prompt, system string, out any) error

	// Embed returns one vector per input text, order preserved.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProgressSink receives fire-and-forget pipeline notifications keyed by a
// turn identifier. A nil sink or absent subscriber never affects pipeline
// correctness.
type ProgressSink interface {
	Publish(projectID, kind, message, turnID string, data map[string]any)
}
