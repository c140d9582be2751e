package embed_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tatachi1/memorygraph/pkg/embed"
)

type fakeEmbedder struct {
	dim  int
	fail bool
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	if text == "" {
		return nil, embed.ErrEmptyInput
	}
	vec := make([]float32, f.dim)
	for i := range vec {
		vec[i] = float32(i + 1)
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("boom")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestSafeEmbedReturnsOkOnSuccess(t *testing.T) {
	e := &fakeEmbedder{dim: 4}
	vec, ok := embed.SafeEmbed(context.Background(), e, "hello")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(vec) != 4 {
		t.Errorf("len(vec) = %d, want 4", len(vec))
	}
}

func TestSafeEmbedNeverReturnsError(t *testing.T) {
	e := &fakeEmbedder{dim: 4, fail: true}
	vec, ok := embed.SafeEmbed(context.Background(), e, "hello")
	if ok {
		t.Fatal("expected ok=false on provider failure")
	}
	if vec != nil {
		t.Errorf("vec = %v, want nil", vec)
	}
}

func TestSafeEmbedNilEmbedderIsSoftFailure(t *testing.T) {
	if _, ok := embed.SafeEmbed(context.Background(), nil, "hello"); ok {
		t.Fatal("expected ok=false for nil embedder")
	}
}

func TestSafeEmbedBatch(t *testing.T) {
	e := &fakeEmbedder{dim: 3}
	vecs, ok := embed.SafeEmbedBatch(context.Background(), e, []string{"a", "b"})
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(vecs) != 2 {
		t.Errorf("len(vecs) = %d, want 2", len(vecs))
	}
}
