package longterm_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/longterm"
	"github.com/tatachi1/memorygraph/pkg/shortterm"
	"github.com/tatachi1/memorygraph/pkg/vecstore"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	for i, c := range text {
		vec[i%f.dim] += float32(c)
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

// fakeOracle always returns the same canned graph-operation plan.
type fakeOracle struct {
	plan string
}

func (o *fakeOracle) GenerateResponse(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	return o.plan, nil
}

func createMemoryPlan(t *testing.T) string {
	t.Helper()
	ops := []map[string]any{
		{
			"operation_type": "CREATE_MEMORY",
			"target_id":      "new_mem",
			"parameters":     map[string]any{"memory_type": "fact", "importance": 0.6},
		},
		{
			"operation_type": "CREATE_NODE",
			"target_id":      "new_node",
			"parameters":     map[string]any{"content": "alice", "node_type": "subject", "memory_id": "new_mem"},
		},
	}
	b, err := json.Marshal(ops)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return string(b)
}

func TestTransferFromShortTermCreatesMemoryAndNode(t *testing.T) {
	store := graph.NewStore()
	oracle := &fakeOracle{plan: createMemoryPlan(t)}
	mgr := longterm.New(longterm.Config{}, store, vecstore.NewMemory(), &fakeEmbedder{dim: 8}, oracle)

	stms := []*shortterm.ShortTermMemory{
		{ID: "stm1", Content: "alice likes coffee", MemoryType: "fact", Importance: 0.7},
	}
	stats := mgr.TransferFromShortTerm(context.Background(), stms)

	if stats.Created != 2 {
		t.Errorf("Created = %d, want 2 (1 memory + 1 node)", stats.Created)
	}
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}
	if len(stats.TransferredMemoryIDs) != 1 || stats.TransferredMemoryIDs[0] != "stm1" {
		t.Errorf("TransferredMemoryIDs = %v, want [stm1]", stats.TransferredMemoryIDs)
	}
	if len(store.AllMemories()) != 1 {
		t.Errorf("store has %d memories, want 1", len(store.AllMemories()))
	}
}

func TestTransferFromShortTermNoOracleFailsEveryItem(t *testing.T) {
	store := graph.NewStore()
	mgr := longterm.New(longterm.Config{MaxRetries: 0}, store, vecstore.NewMemory(), &fakeEmbedder{dim: 8}, nil)

	stats := mgr.TransferFromShortTerm(context.Background(), []*shortterm.ShortTermMemory{{ID: "stm1"}})
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Created != 0 {
		t.Errorf("Created = %d, want 0", stats.Created)
	}
}

func TestApplyDecayReducesActivationByFactorPowerOfDays(t *testing.T) {
	store := graph.NewStore()
	now := time.Now()
	store.AddMemory(&graph.Memory{
		ID:         "mem1",
		Status:     graph.StatusActive,
		Activation: graph.Activation{Level: 1.0, LastAccess: now.Add(-10 * 24 * time.Hour)},
	})
	mgr := longterm.New(longterm.Config{DecayFactor: 0.95}, store, vecstore.NewMemory(), &fakeEmbedder{dim: 8}, &fakeOracle{})

	mgr.ApplyDecay(now)

	mem, err := store.GetMemoryByID("mem1")
	if err != nil {
		t.Fatalf("GetMemoryByID: %v", err)
	}
	want := 0.5987369392383786 // 0.95^10
	if diff := mem.Activation.Level - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("Activation.Level = %v, want %v (±1e-6)", mem.Activation.Level, want)
	}
}

func TestApplyDecaySkipsForgottenMemories(t *testing.T) {
	store := graph.NewStore()
	now := time.Now()
	store.AddMemory(&graph.Memory{
		ID:         "mem1",
		Status:     graph.StatusForgotten,
		Activation: graph.Activation{Level: 1.0, LastAccess: now.Add(-10 * 24 * time.Hour)},
	})
	mgr := longterm.New(longterm.Config{}, store, vecstore.NewMemory(), &fakeEmbedder{dim: 8}, &fakeOracle{})

	mgr.ApplyDecay(now)

	mem, _ := store.GetMemoryByID("mem1")
	if mem.Activation.Level != 1.0 {
		t.Errorf("Activation.Level = %v, want unchanged 1.0 for a forgotten memory", mem.Activation.Level)
	}
}

func TestApplyAutoForgetMarksLowActivationLowImportance(t *testing.T) {
	store := graph.NewStore()
	store.AddMemory(&graph.Memory{ID: "stale", Status: graph.StatusActive, Importance: 0.2, Activation: graph.Activation{Level: 0.05}})
	store.AddMemory(&graph.Memory{ID: "important", Status: graph.StatusActive, Importance: 0.9, Activation: graph.Activation{Level: 0.05}})
	mgr := longterm.New(longterm.Config{AutoForgetActivationThreshold: 0.1, AutoForgetMinImportance: 0.8}, store, vecstore.NewMemory(), &fakeEmbedder{dim: 8}, &fakeOracle{})

	n := mgr.ApplyAutoForget()
	if n != 1 {
		t.Errorf("ApplyAutoForget = %d, want 1 (only stale is at/below both thresholds)", n)
	}

	stale, _ := store.GetMemoryByID("stale")
	if !stale.Forgotten() {
		t.Error("expected stale memory to be forgotten")
	}
}

func TestConsolidateMergesSimilarTopicClusters(t *testing.T) {
	store := graph.NewStore()
	vec := []float32{1, 0, 0, 0, 0, 0, 0, 0}

	for _, id := range []string{"mem1", "mem2"} {
		store.AddMemory(&graph.Memory{ID: id, Status: graph.StatusActive, Importance: 0.5})
		store.AddNode(&graph.Node{ID: id + "-topic", Content: "coffee", NodeType: "topic", Embedding: vec}, id)
	}

	mgr := longterm.New(longterm.Config{DedupSimilarityThreshold: 0.5}, store, vecstore.NewMemory(), &fakeEmbedder{dim: 8}, &fakeOracle{})
	merged := mgr.Consolidate()

	if merged == 0 {
		t.Error("expected Consolidate to merge the two identical-topic memories")
	}
}
