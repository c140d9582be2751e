package dslexec

import (
	"testing"

	"github.com/tatachi1/memorygraph/pkg/graph"
)

func TestPlaceholderResolutionAcrossMixedBatch(t *testing.T) {
	store := graph.NewStore()
	exec := New(store)

	ops := []Op{
		{OperationType: CreateMemory, TargetID: "TEMP_1", Parameters: map[string]any{"memory_type": "fact", "importance": 0.7}},
		{OperationType: CreateNode, TargetID: "N1", Parameters: map[string]any{"content": "alice", "memory_id": "TEMP_1", "node_type": "subject"}},
		{OperationType: CreateEdge, Parameters: map[string]any{"source_node_id": "N1", "target_node_id": "N1", "relation": "self", "memory_id": "TEMP_1"}},
	}

	res := exec.Execute(ops, "stm-1")
	if res.Failed != 0 {
		t.Fatalf("unexpected failures: %d", res.Failed)
	}
	if res.Created != 3 {
		t.Fatalf("Created = %d, want 3 (1 memory + 1 node + 1 edge)", res.Created)
	}
	if len(res.CreatedMemoryIDs) != 1 {
		t.Fatalf("CreatedMemoryIDs = %v, want 1 entry", res.CreatedMemoryIDs)
	}

	memories := store.AllMemories()
	if len(memories) != 1 {
		t.Fatalf("store has %d memories, want 1", len(memories))
	}
	mem := memories[0]
	if mem.ID == "TEMP_1" {
		t.Error("memory id must be a real uuid, not the placeholder string")
	}
	if len(mem.NodeIDs) != 1 {
		t.Fatalf("memory NodeIDs = %v, want 1 entry", mem.NodeIDs)
	}
	var nodeID string
	for id := range mem.NodeIDs {
		nodeID = id
	}
	if nodeID == "N1" {
		t.Error("node id must be a real uuid, not the placeholder string")
	}

	node, err := store.GetNode(nodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Content != "alice" {
		t.Errorf("node content = %q, want alice", node.Content)
	}

	if len(mem.EdgeIDs) != 1 {
		t.Fatalf("memory EdgeIDs = %v, want 1 entry", mem.EdgeIDs)
	}
	var edgeID string
	for id := range mem.EdgeIDs {
		edgeID = id
	}
	edge, err := store.GetEdge(edgeID)
	if err != nil {
		t.Fatalf("GetEdge: %v", err)
	}
	if edge.SourceID != nodeID || edge.TargetID != nodeID {
		t.Errorf("edge endpoints = (%q, %q), want both %q", edge.SourceID, edge.TargetID, nodeID)
	}
}

func TestForceOverwritePriorPlaceholderRegistration(t *testing.T) {
	pm := NewPlaceholderMap()
	pm.Register("TEMP_1", "uuid-a")
	pm.Register("TEMP_1", "uuid-b")
	got, ok := pm.Lookup("TEMP_1")
	if !ok || got != "uuid-b" {
		t.Errorf("Lookup(TEMP_1) = (%q, %v), want (uuid-b, true)", got, ok)
	}
}

func TestRegisterAliasesFromArbitraryKeyNames(t *testing.T) {
	pm := NewPlaceholderMap()
	pm.Register("TEMP_1", "real-id")
	params := map[string]any{
		"node_id_alias": "某个占位符", // non-conforming, non-ASCII placeholder still resolves
	}
	pm.registerAliases(params, "real-id")
	got, ok := pm.Lookup("某个占位符")
	if !ok || got != "real-id" {
		t.Errorf("Lookup of aliased non-ASCII placeholder = (%q, %v), want (real-id, true)", got, ok)
	}
}

func TestResolveRecursesThroughListsAndMaps(t *testing.T) {
	pm := NewPlaceholderMap()
	pm.Register("A", "real-a")
	pm.Register("B", "real-b")

	in := map[string]any{
		"list": []any{"A", "B", "unregistered"},
		"nested": map[string]any{
			"x": "A",
		},
	}
	out := pm.Resolve(in).(map[string]any)
	list := out["list"].([]any)
	if list[0] != "real-a" || list[1] != "real-b" || list[2] != "unregistered" {
		t.Errorf("resolved list = %v", list)
	}
	nested := out["nested"].(map[string]any)
	if nested["x"] != "real-a" {
		t.Errorf("resolved nested.x = %v, want real-a", nested["x"])
	}
}

func TestUpdateMemoryValidationFailureSkipsOpNotBatch(t *testing.T) {
	store := graph.NewStore()
	exec := New(store)

	ops := []Op{
		{OperationType: UpdateMemory, Parameters: map[string]any{}}, // missing memory id, should be skipped
		{OperationType: CreateMemory, TargetID: "T", Parameters: map[string]any{}},
	}
	res := exec.Execute(ops, "stm-2")
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if res.Created != 1 {
		t.Errorf("Created = %d, want 1 (batch must continue after a skipped op)", res.Created)
	}
}

func TestParseToleratesFencedJSONWithComments(t *testing.T) {
	raw := "```json\n[\n  // a comment\n  {\"operation_type\": \"create_memory\", \"target_id\": \"T1\", \"parameters\": {}, \"confidence\": 0.8}\n]\n```"
	ops := Parse(raw)
	if len(ops) != 1 {
		t.Fatalf("Parse returned %d ops, want 1", len(ops))
	}
	if ops[0].OperationType != CreateMemory {
		t.Errorf("OperationType = %q, want %q (case-normalized)", ops[0].OperationType, CreateMemory)
	}
}

func TestParseUnparseableInputReturnsEmptyNotError(t *testing.T) {
	ops := Parse("not json at all")
	if ops != nil {
		t.Errorf("Parse(garbage) = %v, want nil", ops)
	}
}

func TestParseWrappedOperationsKey(t *testing.T) {
	raw := `{"operations": [{"operation_type": "CREATE_MEMORY", "target_id": "T1"}]}`
	ops := Parse(raw)
	if len(ops) != 1 {
		t.Fatalf("Parse returned %d ops, want 1", len(ops))
	}
}
