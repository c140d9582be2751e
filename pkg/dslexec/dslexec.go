// Package dslexec implements the graph-operation DSL executor: it parses an LLM-produced list of graph operations, resolves
// caller-supplied placeholder IDs to real UUIDs, and executes each
// operation in order against a pkg/graph.Store. Placeholder resolution
// must survive non-conforming LLM output, and execution order matters
// because later operations reference IDs registered by earlier ones.
package dslexec

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/llmjson"
	"github.com/tatachi1/memorygraph/pkg/logging"
)

var log = logging.DefaultLogger("dslexec")

// OperationType names one of the nine DSL operations.
type OperationType string

const (
	CreateMemory OperationType = "CREATE_MEMORY"
	UpdateMemory OperationType = "UPDATE_MEMORY"
	MergeMemories OperationType = "MERGE_MEMORIES"
	CreateNode OperationType = "CREATE_NODE"
	UpdateNode OperationType = "UPDATE_NODE"
	MergeNodes OperationType = "MERGE_NODES"
	CreateEdge OperationType = "CREATE_EDGE"
	UpdateEdge OperationType = "UPDATE_EDGE"
	DeleteEdge OperationType = "DELETE_EDGE"
)

// Op is one entry in an LLM-produced operation list.
type Op struct {
	OperationType OperationType `json:"operation_type"`
	TargetID string `json:"target_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reason string `json:"reason,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// aliasKeyFragments are substrings that mark a parameter key as carrying
// an additional alias for the placeholder map, regardless of the exact
// key name an LLM happens to choose.
var aliasKeyFragments = []string{"alias", "placeholder", "temp_id", "register_as", "memory_id", "node_id"}

func isAliasKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range aliasKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// PlaceholderMap resolves caller-supplied placeholder strings to the real UUIDs the
// executor generates for CREATE_* operations. It is scoped to a single
// batch: two batches never share a map, so concurrent batches cannot
// interfere.
type PlaceholderMap struct {
	mu sync.Mutex
	m map[string]string
}

// NewPlaceholderMap creates an empty map.
func NewPlaceholderMap() *PlaceholderMap {
	return &PlaceholderMap{m: make(map[string]string)}
}

// Register maps placeholder to realID, force-overwriting any prior entry
// regardless of placeholder format.
func (p *PlaceholderMap) Register(placeholder, realID string) {
	if placeholder == "" {
		return
	}
	p.mu.Lock()
	p.m[placeholder] = realID
	p.mu.Unlock()
}

// Lookup returns the real id registered for placeholder, if any.
func (p *PlaceholderMap) Lookup(placeholder string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.m[placeholder]
	return id, ok
}

// Resolve recursively substitutes any string, list element, or map value
// that matches a registered placeholder with its real id. Values with no
// matching registration pass through unchanged — they are assumed to
// already be real ids.
func (p *PlaceholderMap) Resolve(v any) any {
	switch val := v.(type) {
		case string:
		if real, ok := p.Lookup(val); ok {
			return real
		}
		return val
		case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = p.Resolve(e)
		}
		return out
		case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = p.Resolve(e)
		}
		return out
		default:
		return v
	}
}

// resolveString resolves v through the map and returns the result as a
// string, or "" when it is not one, for op fields that must name a real id.
func (p *PlaceholderMap) resolveString(v any) string {
	s, _ := p.Resolve(v).(string)
	return s
}

// registerAliases scans params for any key matching aliasKeyFragments and
// registers its string value (or each string in a list value) as an
// additional alias for realID. Keys listed in skip are not registered.
func (p *PlaceholderMap) registerAliases(params map[string]any, realID string, skip ...string) {
	for k, v := range params {
		if !isAliasKey(k) || slices.Contains(skip, k) {
			continue
		}
		switch val := v.(type) {
			case string:
			p.Register(val, realID)
			case []any:
			for _, e := range val {
				if s, ok := e.(string); ok {
					p.Register(s, realID)
				}
			}
		}
	}
}

// Result aggregates outcome counts for a single executed batch.
type Result struct {
	Processed int
	Created int
	Updated int
	Merged int
	Failed int

	// CreatedNodes is (node_id, content) for every CREATE_NODE that
	// succeeded, for the caller to batch-enqueue embeddings.
	CreatedNodes []PendingEmbed

	// CreatedMemoryIDs collects every memory id produced by CREATE_MEMORY
	// in this batch, for callers tracking transferred ids.
	CreatedMemoryIDs []string
}

// PendingEmbed is a (node_id, content) pair awaiting a batched embedding
// call.
type PendingEmbed struct {
	NodeID string
	Content string
}

// Executor runs DSL batches against a single graph.Store.
type Executor struct {
	store *graph.Store
}

// New creates an Executor over store.
func New(store *graph.Store) *Executor {
	return &Executor{store: store}
}

// Execute runs ops in order against the executor's store using a fresh
// PlaceholderMap, and returns aggregated counts. Per-op failures are
// logged, counted in Result.Failed, and skipped; the batch always runs
// to the end.
func (e *Executor) Execute(ops []Op, sourceSTMID string) *Result {
	pm := NewPlaceholderMap()
	res := &Result{}

	for _, op := range ops {
		res.Processed++
		if err := e.executeOne(op, pm, sourceSTMID, res); err != nil {
			res.Failed++
			log.WarnPrintf("op %s failed: %v", op.OperationType, err)
		}
	}
	return res
}

func (e *Executor) executeOne(op Op, pm *PlaceholderMap, sourceSTMID string, res *Result) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	params := op.Parameters
	if params == nil {
		params = map[string]any{}
	}

	switch op.OperationType {
		case CreateMemory:
		id := uuid.NewString()
		pm.Register(op.TargetID, id)
		pm.registerAliases(params, id)
		mem := &graph.Memory{
			ID: id,
			MemoryType: strOr(params["memory_type"], "event"),
			Importance: floatOr(params["importance"], 0.5),
			Status: graph.StatusActive,
		}
		mem.SetMetadata("transferred_from_stm", sourceSTMID)
		if md, ok := params["metadata"].(map[string]any); ok {
			for k, v := range md {
				mem.SetMetadata(k, v)
			}
		}
		e.store.AddMemory(mem)
		res.Created++
		res.CreatedMemoryIDs = append(res.CreatedMemoryIDs, id)
		return nil

		case UpdateMemory:
		id := pm.resolveString(op.TargetID)
		if id == "" {
			id = pm.resolveString(params["memory_id"])
		}
		if id == "" {
			return fmt.Errorf("dslexec: %s: missing memory id", op.OperationType)
		}
		mem, getErr := e.store.GetMemoryByID(id)
		if getErr != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, getErr)
		}
		if fields, ok := pm.Resolve(params["updated_fields"]).(map[string]any); ok {
			if imp, ok := fields["importance"].(float64); ok {
				mem.Importance = imp
			}
			for k, v := range fields {
				if k == "importance" {
					continue
				}
				mem.SetMetadata(k, v)
			}
		}
		res.Updated++
		return nil

		case MergeMemories:
		target := pm.resolveString(params["target_memory_id"])
		if target == "" {
			target = pm.resolveString(op.TargetID)
		}
		var srcIDs []string
		if list, ok := pm.Resolve(params["source_memory_ids"]).([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					srcIDs = append(srcIDs, s)
				}
			}
		}
		if target == "" || len(srcIDs) == 0 {
			return fmt.Errorf("dslexec: %s: missing target or source ids", op.OperationType)
		}
		if err := e.store.MergeMemories(target, srcIDs); err != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
		}
		res.Merged++
		return nil

		case CreateNode:
		content, _ := params["content"].(string)
		memoryID := pm.resolveString(params["memory_id"])
		if content == "" || memoryID == "" {
			return fmt.Errorf("dslexec: %s: missing content or memory_id", op.OperationType)
		}
		id := uuid.NewString()
		pm.Register(op.TargetID, id)
		// memory_id names the owning memory here, not an alias of the node.
		pm.registerAliases(params, id, "memory_id")
		node := &graph.Node{
			ID: id,
			Content: content,
			NodeType: strOr(params["node_type"], "attribute"),
		}
		if err := e.store.AddNode(node, memoryID); err != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
		}
		res.Created++
		res.CreatedNodes = append(res.CreatedNodes, PendingEmbed{NodeID: id, Content: content})
		return nil

		case UpdateNode:
		id := pm.resolveString(op.TargetID)
		if id == "" {
			id = pm.resolveString(params["node_id"])
		}
		if id == "" {
			return fmt.Errorf("dslexec: %s: missing node id", op.OperationType)
		}
		var content *string
		if c, ok := params["content"].(string); ok {
			content = &c
		}
		if err := e.store.UpdateNode(id, content, nil); err != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
		}
		res.Updated++
		return nil

		case MergeNodes:
		target := pm.resolveString(params["target_node_id"])
		var srcIDs []string
		if list, ok := pm.Resolve(params["source_node_ids"]).([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					srcIDs = append(srcIDs, s)
				}
			}
		}
		if target == "" || len(srcIDs) == 0 {
			return fmt.Errorf("dslexec: %s: missing target or source node ids", op.OperationType)
		}
		for _, src := range srcIDs {
			if err := e.store.MergeNodes(src, target); err != nil {
				return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
			}
		}
		res.Updated++
		return nil

		case CreateEdge:
		source := pm.resolveString(params["source_node_id"])
		target := pm.resolveString(params["target_node_id"])
		relation, _ := params["relation"].(string)
		if source == "" || target == "" {
			return fmt.Errorf("dslexec: %s: missing source or target node id", op.OperationType)
		}
		memoryID := pm.resolveString(params["memory_id"])
		_, err := e.store.AddEdge(source, target, relation, strOr(params["edge_type"], "relation"), floatOr(params["importance"], 0.5), memoryID)
		if err != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
		}
		res.Created++
		return nil

		case UpdateEdge:
		id := pm.resolveString(op.TargetID)
		if id == "" {
			id = pm.resolveString(params["edge_id"])
		}
		if id == "" {
			return fmt.Errorf("dslexec: %s: missing edge id", op.OperationType)
		}
		var relation *string
		if r, ok := params["relation"].(string); ok {
			relation = &r
		}
		var importance *float64
		if imp, ok := params["importance"].(float64); ok {
			importance = &imp
		}
		if err := e.store.UpdateEdge(id, relation, importance); err != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
		}
		res.Updated++
		return nil

		case DeleteEdge:
		id := pm.resolveString(op.TargetID)
		if id == "" {
			id = pm.resolveString(params["edge_id"])
		}
		if id == "" {
			return fmt.Errorf("dslexec: %s: missing edge id", op.OperationType)
		}
		if err := e.store.RemoveEdge(id); err != nil {
			return fmt.Errorf("dslexec: %s: %w", op.OperationType, err)
		}
		res.Updated++
		return nil

		default:
		return fmt.Errorf("dslexec: unknown operation type %q", op.OperationType)
	}
}

func strOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func floatOr(v any, def float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}

// Parse decodes raw oracle output into an ordered operation list. It tolerates a response
// that is a bare list or an object wrapping one under an "operations"
// key, and never errors on malformed input — callers get an empty slice
// instead.
func Parse(raw string) []Op {
	cleaned := llmjson.StripComments(llmjson.Extract(raw))

	var asList []map[string]any
	if err := tryUnmarshalList(cleaned, &asList); err != nil || len(asList) == 0 {
		var wrapper map[string]any
		if obj, ok := llmjson.UnmarshalObject(cleaned); ok {
			wrapper = obj
			if list, ok := wrapper["operations"].([]any); ok {
				asList = nil
				for _, item := range list {
					if m, ok := item.(map[string]any); ok {
						asList = append(asList, m)
					}
				}
			}
		}
	}
	if len(asList) == 0 {
		log.WarnPrintf("graph-op batch unparseable or empty")
		return nil
	}

	ops := make([]Op, 0, len(asList))
	for _, m := range asList {
		opType, _ := m["operation_type"].(string)
		if opType == "" {
			continue
		}
		op := Op{
			OperationType: OperationType(strings.ToUpper(opType)),
			TargetID: strField(m, "target_id"),
			Reason: strField(m, "reason"),
			Confidence: floatOr(m["confidence"], 0),
		}
		if params, ok := m["parameters"].(map[string]any); ok {
			op.Parameters = params
		}
		ops = append(ops, op)
	}
	return ops
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// tryUnmarshalList attempts a tolerant decode of cleaned into a list of
// objects via llmjson.Unmarshal.
func tryUnmarshalList(cleaned string, out *[]map[string]any) error {
	return llmjson.Unmarshal(cleaned, out)
}
