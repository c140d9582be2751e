// Package oracle defines the black-box LLM boundary every component that
// needs free-text generation calls through: short-term extraction and
// merge/update/discard decisions, long-term graph-operation planning, and
// retrieval sufficiency judging. It has no model client — a host process
// supplies one (backed by whatever SDK it likes) and passes it into
// pkg/engine. The only implementation here is CachingOracle, which wraps
// another TextOracle.
package oracle

import (
	"context"

	"github.com/tatachi1/memorygraph/pkg/logging"
)

var log = logging.DefaultLogger("oracle")

// TextOracle generates free-text completions from a prompt. Callers that
// need structured output parse the response themselves (see pkg/llmjson)
// rather than relying on provider-specific structured-output modes: the
// oracle contract stays plain text in, plain text out.
type TextOracle interface {
	// GenerateResponse returns the oracle's completion for prompt.
	// Implementations should honor temperature and maxTokens as hints;
	// neither is guaranteed to be supported by every backend.
	GenerateResponse(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}

// Embedder generates dense vector representations of text. This mirrors
// pkg/embed.Embedder; it is redeclared here so pkg/oracle can be the
// single import a caller needs for the full LLM boundary (text + vector)
// without pulling in pkg/embed's implementation types.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Oracle bundles both LLM boundaries a component might need. Most
// components only need one side; Oracle exists for pkg/engine's wiring
// convenience.
type Oracle interface {
	TextOracle
	Embedder
}
