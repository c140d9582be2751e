// Package graph provides the long-term memory graph store: an in-memory
// property graph of Memory subgraphs, each composed of typed Nodes and
// Edges, with a node-to-memories reverse index and identity-preserving
// merge operations.
//
// A Store is the single owner of its data for the life of the process;
// every exported method takes an internal RWMutex, matching the
// single-writer/many-reader contract required of the long-term graph.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a memory, node, or edge does not exist.
	ErrNotFound = errors.New("graph: not found")

	// ErrMissingField is returned when a required field is absent from a
	// create/update call (e.g. edge endpoints).
	ErrMissingField = errors.New("graph: missing required field")
)

// MemoryStatus is the lifecycle state of a Memory.
type MemoryStatus string

const (
	StatusActive MemoryStatus = "active"
	StatusForgotten MemoryStatus = "forgotten"
)

// Activation tracks the decaying recall strength of a Memory.
type Activation struct {
	Level float64 `json:"level"`
	LastAccess time.Time `json:"last_access"`
	AccessCount int `json:"access_count"`
}

// Memory is a subgraph of Nodes and Edges representing one consolidated
// long-term memory.
type Memory struct {
	ID string `json:"id"`
	MemoryType string `json:"memory_type"`
	Importance float64 `json:"importance"`
	Activation Activation `json:"activation"`
	Status MemoryStatus `json:"status"`

	NodeIDs map[string]bool `json:"-"`
	EdgeIDs map[string]bool `json:"-"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount int `json:"access_count"`
}

// Forgotten reports whether the memory is in the forgotten status.
func (m *Memory) Forgotten() bool {
	return m.Status == StatusForgotten
}

// Node is a typed element of a Memory's subgraph (subject/topic/object/
// attribute/...).
type Node struct {
	ID string `json:"id"`
	Content string `json:"content"`
	NodeType string `json:"node_type"`
	Embedding []float32 `json:"embedding,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HasVector reports whether the node's embedding has already been written
// to the vector index (tracked via a metadata flag rather than a nil
// check, since a zero-length embedding is itself meaningful state during
// the lazy-regeneration window after a load).
func (n *Node) HasVector() bool {
	v, ok := n.Metadata["has_vector"].(bool)
	return ok && v
}

// Edge is a typed directed relation between two Nodes.
type Edge struct {
	ID string `json:"id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Relation string `json:"relation"`
	EdgeType string `json:"edge_type"`
	Importance float64 `json:"importance"`
	Metadata map[string]any `json:"metadata,omitempty"`
	MemoryID string `json:"memory_id,omitempty"`
}

// Stats summarizes store contents for diagnostics and logging.
type Stats struct {
	TotalMemories int
	TotalNodes int
	TotalEdges int
}

// Store is the in-memory long-term property graph. All exported methods
// are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	memories map[string]*Memory
	nodes map[string]*Node
	edges map[string]*Edge

	// nodeToMemories is the reverse index that keeps node membership
	// consistent: every node appears here iff some Memory references it.
	nodeToMemories map[string]map[string]bool
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		memories: make(map[string]*Memory),
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
		nodeToMemories: make(map[string]map[string]bool),
	}
}

// --- Memory operations ---

// AddMemory inserts or overwrites a memory. Callers generate the memory's
// UUID themselves (see pkg/dslexec); AddMemory does not allocate one.
func (s *Store) AddMemory(m *Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.NodeIDs == nil {
		m.NodeIDs = make(map[string]bool)
	}
	if m.EdgeIDs == nil {
		m.EdgeIDs = make(map[string]bool)
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	s.memories[m.ID] = m
}

// GetMemoryByID returns the memory with the given id, or ErrNotFound.
func (s *Store) GetMemoryByID(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// AllMemories returns every memory currently in the store, in no
// particular order.
func (s *Store) AllMemories() []*Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Memory, 0, len(s.memories))
	for _, m := range s.memories {
		out = append(out, m)
	}
	return out
}

// RemoveMemory deletes a memory along with any node or edge that belongs
// to it exclusively. Nodes/edges shared with another memory are kept and
// simply dereferenced from this memory.
func (s *Store) RemoveMemory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return ErrNotFound
	}
	for nodeID := range m.NodeIDs {
		s.dereferenceNodeLocked(nodeID, id)
	}
	for edgeID := range m.EdgeIDs {
		if e, ok := s.edges[edgeID]; ok && e.MemoryID == id {
			delete(s.edges, edgeID)
		}
	}
	delete(s.memories, id)
	return nil
}

// dereferenceNodeLocked removes memoryID from nodeID's reverse-index entry
// and, if no memory references the node anymore, deletes the orphaned
// node. Caller must hold s.mu for writing.
func (s *Store) dereferenceNodeLocked(nodeID, memoryID string) {
	owners := s.nodeToMemories[nodeID]
	if owners == nil {
		return
	}
	delete(owners, memoryID)
	if len(owners) == 0 {
		delete(s.nodeToMemories, nodeID)
		delete(s.nodes, nodeID)
	}
}

// --- Node operations ---

// AddNode adds n to the store and attaches it to memoryID, creating the
// cross-reference in both directions.
func (s *Store) AddNode(n *Node, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[memoryID]
	if !ok {
		return fmt.Errorf("graph: add node: memory %q: %w", memoryID, ErrNotFound)
	}
	s.nodes[n.ID] = n
	if s.nodeToMemories[n.ID] == nil {
		s.nodeToMemories[n.ID] = make(map[string]bool)
	}
	s.nodeToMemories[n.ID][memoryID] = true
	m.NodeIDs[n.ID] = true
	return nil
}

// GetNode returns the node with the given id, or ErrNotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// UpdateNode patches content and/or embedding on an existing node; nil
// arguments leave the corresponding field unchanged.
func (s *Store) UpdateNode(id string, content *string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if content != nil {
		n.Content = *content
	}
	if embedding != nil {
		n.Embedding = embedding
		if n.Metadata == nil {
			n.Metadata = make(map[string]any)
		}
		n.Metadata["has_vector"] = true
	}
	return nil
}

// MergeNodes reparents every edge endpoint and memory reference from src
// to dst, then deletes src. It is identity-preserving: dst's id survives.
func (s *Store) MergeNodes(srcID, dstID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srcID == dstID {
		return nil
	}
	if _, ok := s.nodes[srcID]; !ok {
		return fmt.Errorf("graph: merge nodes: source: %w", ErrNotFound)
	}
	if _, ok := s.nodes[dstID]; !ok {
		return fmt.Errorf("graph: merge nodes: target: %w", ErrNotFound)
	}

	for _, e := range s.edges {
		if e.SourceID == srcID {
			e.SourceID = dstID
		}
		if e.TargetID == srcID {
			e.TargetID = dstID
		}
	}

	if s.nodeToMemories[dstID] == nil {
		s.nodeToMemories[dstID] = make(map[string]bool)
	}
	for memID := range s.nodeToMemories[srcID] {
		if mem, ok := s.memories[memID]; ok {
			delete(mem.NodeIDs, srcID)
			mem.NodeIDs[dstID] = true
		}
		s.nodeToMemories[dstID][memID] = true
	}
	delete(s.nodeToMemories, srcID)
	delete(s.nodes, srcID)
	return nil
}

// --- Edge operations ---

// placeholderNodeContent is the content given to auto-created endpoint
// nodes when an edge references a node id the graph has never seen.
func placeholderNodeContent(id string) string {
	return fmt.Sprintf("placeholder node - %s", id)
}

// AddEdge creates a directed edge. If sourceID or targetID do not resolve
// to an existing node, a placeholder node (node_type "event", metadata
// placeholder=true) is auto-created for the missing endpoint(s) and
// attached to memoryID, so an edge can never dangle on an unknown node.
func (s *Store) AddEdge(sourceID, targetID, relation, edgeType string, importance float64, memoryID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sourceID == "" || targetID == "" {
		return "", fmt.Errorf("graph: add edge: %w: source/target id", ErrMissingField)
	}

	for _, endpoint := range []string{sourceID, targetID} {
		if _, ok := s.nodes[endpoint]; ok {
			continue
		}
		s.nodes[endpoint] = &Node{
			ID: endpoint,
			Content: placeholderNodeContent(endpoint),
			NodeType: "event",
			Metadata: map[string]any{"placeholder": true},
		}
		if s.nodeToMemories[endpoint] == nil {
			s.nodeToMemories[endpoint] = make(map[string]bool)
		}
		if memoryID != "" {
			s.nodeToMemories[endpoint][memoryID] = true
			if m, ok := s.memories[memoryID]; ok {
				m.NodeIDs[endpoint] = true
			}
		}
	}

	id := uuid.NewString()
	e := &Edge{
		ID: id,
		SourceID: sourceID,
		TargetID: targetID,
		Relation: relation,
		EdgeType: edgeType,
		Importance: importance,
		MemoryID: memoryID,
	}
	s.edges[id] = e
	if memoryID != "" {
		if m, ok := s.memories[memoryID]; ok {
			m.EdgeIDs[id] = true
		}
	}
	return id, nil
}

// GetEdge returns the edge with the given id, or ErrNotFound.
func (s *Store) GetEdge(id string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// UpdateEdge patches relation and/or importance; nil arguments leave the
// corresponding field unchanged.
func (s *Store) UpdateEdge(id string, relation *string, importance *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return ErrNotFound
	}
	if relation != nil {
		e.Relation = *relation
	}
	if importance != nil {
		e.Importance = *importance
	}
	return nil
}

// RemoveEdge deletes an edge. No error if it does not exist.
func (s *Store) RemoveEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	if !ok {
		return nil
	}
	if e.MemoryID != "" {
		if m, ok := s.memories[e.MemoryID]; ok {
			delete(m.EdgeIDs, id)
		}
	}
	delete(s.edges, id)
	return nil
}

// --- Merge ---

// MergeMemories reparents every node and edge owned by each source memory
// onto target, deletes the source Memory objects, and raises target's
// importance and activation level to the max across target and all
// sources.
func (s *Store) MergeMemories(targetID string, srcIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.memories[targetID]
	if !ok {
		return fmt.Errorf("graph: merge memories: target: %w", ErrNotFound)
	}

	for _, srcID := range srcIDs {
		if srcID == targetID {
			continue
		}
		src, ok := s.memories[srcID]
		if !ok {
			continue
		}

		for nodeID := range src.NodeIDs {
			target.NodeIDs[nodeID] = true
			if s.nodeToMemories[nodeID] == nil {
				s.nodeToMemories[nodeID] = make(map[string]bool)
			}
			delete(s.nodeToMemories[nodeID], srcID)
			s.nodeToMemories[nodeID][targetID] = true
		}
		for edgeID := range src.EdgeIDs {
			target.EdgeIDs[edgeID] = true
			if e, ok := s.edges[edgeID]; ok {
				e.MemoryID = targetID
			}
		}
		if src.Importance > target.Importance {
			target.Importance = src.Importance
		}
		if src.Activation.Level > target.Activation.Level {
			target.Activation.Level = src.Activation.Level
		}
		delete(s.memories, srcID)
	}
	target.UpdatedAt = time.Now()
	return nil
}

// --- Traversal ---

// Neighbors returns the node ids directly connected to nodeID by any
// edge, in either direction, deduplicated and sorted for determinism.
func (s *Store) Neighbors(nodeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, e := range s.edges {
		if e.SourceID == nodeID {
			seen[e.TargetID] = true
		}
		if e.TargetID == nodeID {
			seen[e.SourceID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MemoriesForNode returns the ids of every memory that references nodeID.
func (s *Store) MemoriesForNode(nodeID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owners := s.nodeToMemories[nodeID]
	out := make([]string, 0, len(owners))
	for id := range owners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RelatedMemories returns ids of memories (other than seedMemoryID) that
// share a node with seedMemoryID's subgraph, expanding up to maxDepth hops
// and capped at maxResults — the bounded graph expansion the long-term
// searcher layers on top of vector similarity.
func (s *Store) RelatedMemories(seedMemoryID string, maxDepth, maxResults int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mem, ok := s.memories[seedMemoryID]
	if !ok {
		return nil
	}

	related := make(map[string]bool)
	frontier := make(map[string]bool, len(mem.NodeIDs))
	for nodeID := range mem.NodeIDs {
		frontier[nodeID] = true
	}
	visited := make(map[string]bool, len(frontier))

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make(map[string]bool)
		for nodeID := range frontier {
			visited[nodeID] = true
			for _, e := range s.edges {
				var neighbor string
				switch nodeID {
					case e.SourceID:
					neighbor = e.TargetID
					case e.TargetID:
					neighbor = e.SourceID
					default:
					continue
				}
				for memID := range s.nodeToMemories[neighbor] {
					if memID != seedMemoryID {
						related[memID] = true
					}
				}
				if !visited[neighbor] {
					next[neighbor] = true
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(related))
	for id := range related {
		out = append(out, id)
	}
	sort.Strings(out)
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// Statistics returns a point-in-time summary of the store.
func (s *Store) Statistics() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalMemories: len(s.memories),
		TotalNodes: len(s.nodes),
		TotalEdges: len(s.edges),
	}
}

// --- Snapshot / restore (persistence round-trip) ---

// Snapshot is the serializable form of a Store: the three flat
// collections written to graph_store.json, plus top-level metadata.
// The node→memories reverse index is not serialized directly —
// RestoreFromSnapshot rebuilds it from each Memory's NodeIDs, which
// Memory's own MarshalJSON/UnmarshalJSON externalize as sorted slices.
type Snapshot struct {
	Memories []*Memory `json:"memories"`
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler for Memory, externalizing
// NodeIDs/EdgeIDs as sorted string slices.
func (m *Memory) MarshalJSON() ([]byte, error) {
	type alias Memory // avoid recursive MarshalJSON
	nodeIDs := make([]string, 0, len(m.NodeIDs))
	for id := range m.NodeIDs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	edgeIDs := make([]string, 0, len(m.EdgeIDs))
	for id := range m.EdgeIDs {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Strings(edgeIDs)
	return json.Marshal(struct {
			*alias
			NodeIDs []string `json:"node_ids"`
			EdgeIDs []string `json:"edge_ids"`
		}{alias: (*alias)(m), NodeIDs: nodeIDs, EdgeIDs: edgeIDs})
}

// UnmarshalJSON implements json.Unmarshaler for Memory, reading
// NodeIDs/EdgeIDs back from sorted string slices into sets.
func (m *Memory) UnmarshalJSON(data []byte) error {
	type alias Memory
	aux := struct {
		*alias
		NodeIDs []string `json:"node_ids"`
		EdgeIDs []string `json:"edge_ids"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.NodeIDs = make(map[string]bool, len(aux.NodeIDs))
	for _, id := range aux.NodeIDs {
		m.NodeIDs[id] = true
	}
	m.EdgeIDs = make(map[string]bool, len(aux.EdgeIDs))
	for _, id := range aux.EdgeIDs {
		m.EdgeIDs[id] = true
	}
	return nil
}

// ToSnapshot returns a deep, serialization-ready copy of the store's
// contents for persistence (component D).
func (s *Store) ToSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Memories: make([]*Memory, 0, len(s.memories)),
		Nodes: make([]*Node, 0, len(s.nodes)),
		Edges: make([]*Edge, 0, len(s.edges)),
	}
	for _, m := range s.memories {
		snap.Memories = append(snap.Memories, m)
	}
	for _, n := range s.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	for _, e := range s.edges {
		snap.Edges = append(snap.Edges, e)
	}
	sort.Slice(snap.Memories, func(i, j int) bool { return snap.Memories[i].ID < snap.Memories[j].ID })
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].ID < snap.Edges[j].ID })
	return snap
}

// RestoreFromSnapshot replaces the store's contents with snap, rebuilding
// the node→memories reverse index. Embeddings are left as loaded; regenerating any that
// are missing is the caller's responsibility, driven by pkg/engine.
func (s *Store) RestoreFromSnapshot(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memories = make(map[string]*Memory, len(snap.Memories))
	s.nodes = make(map[string]*Node, len(snap.Nodes))
	s.edges = make(map[string]*Edge, len(snap.Edges))
	s.nodeToMemories = make(map[string]map[string]bool)

	for _, m := range snap.Memories {
		if m.NodeIDs == nil {
			m.NodeIDs = make(map[string]bool)
		}
		if m.EdgeIDs == nil {
			m.EdgeIDs = make(map[string]bool)
		}
		s.memories[m.ID] = m
	}
	for _, n := range snap.Nodes {
		s.nodes[n.ID] = n
	}
	for _, e := range snap.Edges {
		s.edges[e.ID] = e
	}
	for _, m := range s.memories {
		for nodeID := range m.NodeIDs {
			if s.nodeToMemories[nodeID] == nil {
				s.nodeToMemories[nodeID] = make(map[string]bool)
			}
			s.nodeToMemories[nodeID][m.ID] = true
		}
	}
}

// NodesMissingVectors returns every node with no embedding, for the
// lazy-regeneration pass pkg/engine runs on load.
func (s *Store) NodesMissingVectors() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Node
	for _, n := range s.nodes {
		if len(n.Embedding) == 0 {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetForgotten marks id's status as forgotten without deleting it, so
// auto-forgotten memories stay available for audit or recovery.
func (s *Store) SetForgotten(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusForgotten
	m.SetMetadata("forgotten", true)
	return nil
}

// ActiveMemories returns all memories whose status is active, for query
// sites that must filter out forgotten entries.
func (s *Store) ActiveMemories() []*Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Memory, 0, len(s.memories))
	for _, m := range s.memories {
		if !m.Forgotten() {
			out = append(out, m)
		}
	}
	return out
}

// SetMetadata sets key on m's Metadata map, initializing it if nil.
func (m *Memory) SetMetadata(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}
