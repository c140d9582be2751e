package persistence_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/perceptual"
	"github.com/tatachi1/memorygraph/pkg/persistence"
	"github.com/tatachi1/memorygraph/pkg/shortterm"
)

func TestSaveLoadGraphRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	g := graph.NewStore()
	g.AddMemory(&graph.Memory{ID: "mem1", MemoryType: "fact", Importance: 0.7})
	g.AddNode(&graph.Node{ID: "n1", Content: "alice", NodeType: "subject"}, "mem1")
	g.AddEdge("n1", "n2", "likes", "relation", 0.5, "mem1")

	if err := store.SaveGraph(g); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}

	loaded, err := store.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}

	mem, err := loaded.GetMemoryByID("mem1")
	if err != nil {
		t.Fatalf("GetMemoryByID after reload: %v", err)
	}
	if mem.Importance != 0.7 {
		t.Errorf("Importance = %v, want 0.7", mem.Importance)
	}
	if len(mem.NodeIDs) != 2 { // n1 plus the auto-created placeholder n2
		t.Errorf("NodeIDs = %v, want 2 entries", mem.NodeIDs)
	}
	owners := loaded.MemoriesForNode("n1")
	if len(owners) != 1 || owners[0] != "mem1" {
		t.Errorf("MemoriesForNode(n1) = %v, want [mem1] (reverse index must rebuild on load)", owners)
	}
}

func TestLoadGraphMissingFileReturnsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loaded, err := store.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if len(loaded.AllMemories()) != 0 {
		t.Errorf("expected empty store for missing file")
	}
}

func TestLoadGraphCorruptedFileIsBackedUpNotFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "graph_store.json"), []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("seed corrupted file: %v", err)
	}

	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loaded, err := store.LoadGraph()
	if err != nil {
		t.Fatalf("LoadGraph must not surface a parse error: %v", err)
	}
	if len(loaded.AllMemories()) != 0 {
		t.Errorf("expected empty store after corruption recovery")
	}

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("read backups dir: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %v, want exactly one .bak file", backups)
	}
}

func TestSaveLoadShortTermRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	memories := []*shortterm.ShortTermMemory{{ID: "s1", Content: "alice likes coffee", Importance: 0.8}}
	if err := store.SaveShortTerm(memories, 30, 0.6); err != nil {
		t.Fatalf("SaveShortTerm: %v", err)
	}

	loaded, err := store.LoadShortTerm()
	if err != nil {
		t.Fatalf("LoadShortTerm: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "s1" {
		t.Errorf("loaded = %v, want [s1]", loaded)
	}
}

func TestSaveLoadPerceptualRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	blocks := []*perceptual.MemoryBlock{{ID: "b1", CombinedText: "hello"}}
	if err := store.SavePerceptual(blocks); err != nil {
		t.Fatalf("SavePerceptual: %v", err)
	}

	loaded, err := store.LoadPerceptual()
	if err != nil {
		t.Fatalf("LoadPerceptual: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "b1" {
		t.Errorf("loaded = %v, want [b1]", loaded)
	}
}

func TestSaveGraphWritesNoLooseTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.SaveGraph(graph.NewStore()); err != nil {
		t.Fatalf("SaveGraph: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "graph_store.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("tmp file should be renamed away, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "graph_store.json")); err != nil {
		t.Errorf("final file should exist: %v", err)
	}
}
