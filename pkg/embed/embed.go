// Package embed defines the text-embedding boundary used by the
// perceptual, short-term, and long-term components. The concrete
// embedding provider is a black-box oracle, supplied by the host
// process — this package holds only the interface and a fail-soft
// wrapper; no remote API client lives here.
package embed

import (
	"context"
	"errors"

	"github.com/tatachi1/memorygraph/pkg/logging"
)

// Embedder converts text into dense float32 vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embedding vectors for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the output vectors.
	Dimension() int
}

// ErrEmptyInput is returned when the input text is empty.
var ErrEmptyInput = errors.New("embed: empty input")

var log = logging.DefaultLogger("embed")

// SafeEmbed calls e.Embed and converts any error into ok=false instead of
// propagating it: embedding failure must never abort the caller, which
// proceeds without a vector (the node is stored without an embedding
// rather than the whole operation failing). The error is logged at warn
// level.
func SafeEmbed(ctx context.Context, e Embedder, text string) (vec []float32, ok bool) {
	if e == nil || text == "" {
		return nil, false
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		log.WarnPrintf("embed failed, continuing without vector: %v", err)
		return nil, false
	}
	return v, true
}

// SafeEmbedBatch calls e.EmbedBatch and converts any error into ok=false.
// On failure, every text in the batch ends up with no vector rather than
// failing the whole batch.
func SafeEmbedBatch(ctx context.Context, e Embedder, texts []string) (vecs [][]float32, ok bool) {
	if e == nil || len(texts) == 0 {
		return nil, false
	}
	v, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		log.WarnPrintf("batch embed failed, continuing without vectors: %v", err)
		return nil, false
	}
	return v, true
}
