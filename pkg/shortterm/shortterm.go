// Package shortterm implements the short-term memory tier: a
// bounded set of structured, LLM-extracted memories with LLM-mediated
// merge/update/create/discard decisions against existing entries.
package shortterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tatachi1/memorygraph/pkg/embed"
	"github.com/tatachi1/memorygraph/pkg/llmjson"
	"github.com/tatachi1/memorygraph/pkg/logging"
	"github.com/tatachi1/memorygraph/pkg/oracle"
	"github.com/tatachi1/memorygraph/pkg/perceptual"
)

var log = logging.DefaultLogger("shortterm")

// MemoryType classifies a ShortTermMemory's semantic shape.
type MemoryType string

const (
	TypeEvent MemoryType = "event"
	TypeFact MemoryType = "fact"
	TypeOpinion MemoryType = "opinion"
	TypeRelation MemoryType = "relation"
)

// ShortTermMemory is a structured, LLM-extracted memory.
type ShortTermMemory struct {
	ID string `json:"id"`
	Content string `json:"content"`
	Subject string `json:"subject"`
	Topic string `json:"topic"`
	Object string `json:"object"`
	MemoryType MemoryType `json:"memory_type"`
	Importance float64 `json:"importance"`
	Attributes map[string]string `json:"attributes,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`
	SourceBlockIDs []string `json:"source_block_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount int `json:"access_count"`
}

// Config controls a Manager's capacity and decision thresholds.
type Config struct {
	MaxMemories int // default 30
	TransferImportanceThreshold float64 // default 0.6
	DecideTopK int // default 5
	OverflowKeepRatio float64 // default 0.9, target fraction of MaxMemories kept after eviction

	// OverflowStrategy selects between the two source-observed eviction
	// policies. "evict" is
	// the canonical default (matches get_memories_for_transfer's literal
	// behavior, see DESIGN.md); "transfer_all" defers entirely to the
	// auto-transfer loop instead of evicting anything here.
	OverflowStrategy string
}

const (
	OverflowEvict = "evict"
	OverflowTransferAll = "transfer_all"
)

func (c *Config) setDefaults() {
	if c.MaxMemories <= 0 {
		c.MaxMemories = 30
	}
	if c.TransferImportanceThreshold <= 0 {
		c.TransferImportanceThreshold = 0.6
	}
	if c.DecideTopK <= 0 {
		c.DecideTopK = 5
	}
	if c.OverflowKeepRatio <= 0 {
		c.OverflowKeepRatio = 0.9
	}
	if c.OverflowStrategy == "" {
		c.OverflowStrategy = OverflowEvict
	}
}

// Decision operations.
type DecisionOp string

const (
	OpCreateNew DecisionOp = "create_new"
	OpMerge DecisionOp = "merge"
	OpUpdate DecisionOp = "update"
	OpDiscard DecisionOp = "discard"
	OpKeepSeparate DecisionOp = "keep_separate"
)

// Decision is the parsed LLM decider response.
type Decision struct {
	Operation DecisionOp
	TargetMemoryID string
	MergedContent string
	UpdatedImportance *float64
	Reasoning string
	Confidence float64
}

// Persister is invoked asynchronously after every mutating operation
//.
type Persister func(memories []*ShortTermMemory) error

// Manager owns the short-term memory set for a single conversation
// scope. It is the single owner of its entries until a caller transfers
// them out via All + ClearTransferred.
type Manager struct {
	cfg Config
	oracle oracle.TextOracle
	embedder embed.Embedder
	persist Persister

	mu sync.Mutex
	saveMu sync.Mutex // serializes persistence writes
	memories []*ShortTermMemory
}

// NewManager creates a Manager. oracle and embedder may be nil; in that
// case extraction always fails (blocks are dropped) and embeddings are
// simply absent.
func NewManager(cfg Config, textOracle oracle.TextOracle, embedder embed.Embedder, persist Persister) *Manager {
	cfg.setDefaults()
	return &Manager{cfg: cfg, oracle: textOracle, embedder: embedder, persist: persist}
}

// ProcessBlock runs the full extract → embed → decide state machine for
// one promoted perceptual block. It returns the id
// of the memory created or mutated, or "" if the block was dropped or
// discarded.
func (m *Manager) ProcessBlock(ctx context.Context, block *perceptual.MemoryBlock) (string, error) {
	extracted, ok := m.extract(ctx, block.CombinedText)
	if !ok {
		log.WarnPrintf("extraction failed or unparseable for block %s, dropping", block.ID)
		return "", nil
	}
	extracted.SourceBlockIDs = []string{block.ID}
	extracted.CreatedAt = time.Now()
	extracted.LastAccessedAt = extracted.CreatedAt

	if vec, ok := embed.SafeEmbed(ctx, m.embedder, extracted.Content); ok {
		extracted.Embedding = vec
	}

	id, err := m.decideAndApply(ctx, extracted)
	if err != nil {
		return "", err
	}
	m.asyncPersist()
	return id, nil
}

// extract invokes the oracle's extraction prompt and parses its response
// into a ShortTermMemory shell. ok is false on any oracle or parse
// failure, and the caller drops the block rather than retrying.
func (m *Manager) extract(ctx context.Context, combinedText string) (*ShortTermMemory, bool) {
	if m.oracle == nil {
		return nil, false
	}
	prompt := extractPrompt(combinedText)
	raw, err := m.oracle.GenerateResponse(ctx, prompt, 0.2, 512)
	if err != nil {
		log.WarnPrintf("oracle extraction call failed: %v", err)
		return nil, false
	}
	obj, ok := llmjson.UnmarshalObject(raw)
	if !ok {
		log.WarnPrintf("oracle extraction response unparseable")
		return nil, false
	}
	content, _ := obj["content"].(string)
	if strings.TrimSpace(content) == "" {
		return nil, false
	}
	stm := &ShortTermMemory{
		ID: uuid.NewString(),
		Content: content,
		Subject: strField(obj, "subject"),
		Topic: strField(obj, "topic"),
		Object: strField(obj, "object"),
		MemoryType: MemoryType(strField(obj, "memory_type")),
		Importance: floatField(obj, "importance", 0.5),
	}
	if attrs, ok := obj["attributes"].(map[string]any); ok {
		stm.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			if s, ok := v.(string); ok {
				stm.Attributes[k] = s
			}
		}
	}
	return stm, true
}

func strField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func floatField(obj map[string]any, key string, def float64) float64 {
	switch v := obj[key].(type) {
		case float64:
		return v
		default:
		return def
	}
}

// decideAndApply scores candidate against the top-K existing memories by
// cosine similarity, asks the oracle to decide, and applies the chosen
// operation.
func (m *Manager) decideAndApply(ctx context.Context, candidate *ShortTermMemory) (string, error) {
	m.mu.Lock()
	candidates := m.topSimilarLocked(candidate.Embedding, m.cfg.DecideTopK)
	m.mu.Unlock()

	if len(candidates) == 0 {
		return m.createNew(candidate), nil
	}

	decision := m.decide(ctx, candidate, candidates)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch decision.Operation {
		case OpMerge:
		target := m.findLocked(decision.TargetMemoryID)
		if target == nil {
			log.WarnPrintf("merge decision referenced missing target %q, defaulting to create_new", decision.TargetMemoryID)
			return m.appendLocked(candidate), nil
		}
		if decision.MergedContent != "" {
			target.Content = decision.MergedContent
		}
		target.SourceBlockIDs = append(target.SourceBlockIDs, candidate.SourceBlockIDs...)
		if vec, ok := embed.SafeEmbed(ctx, m.embedder, target.Content); ok {
			target.Embedding = vec
		}
		if decision.UpdatedImportance != nil {
			target.Importance = *decision.UpdatedImportance
		}
		m.applyOverflowLocked()
		return target.ID, nil

		case OpUpdate:
		target := m.findLocked(decision.TargetMemoryID)
		if target == nil {
			log.WarnPrintf("update decision referenced missing target %q, defaulting to create_new", decision.TargetMemoryID)
			return m.appendLocked(candidate), nil
		}
		if decision.MergedContent != "" {
			target.Content = decision.MergedContent
			if vec, ok := embed.SafeEmbed(ctx, m.embedder, target.Content); ok {
				target.Embedding = vec
			}
		}
		if decision.UpdatedImportance != nil {
			target.Importance = *decision.UpdatedImportance
		}
		m.applyOverflowLocked()
		return target.ID, nil

		case OpDiscard:
		return "", nil

		case OpKeepSeparate, OpCreateNew:
		return m.appendLocked(candidate), nil

		default:
		log.WarnPrintf("unparseable decision operation %q, defaulting to create_new", decision.Operation)
		return m.appendLocked(candidate), nil
	}
}

func (m *Manager) createNew(candidate *ShortTermMemory) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(candidate)
}

// appendLocked adds candidate and applies the overflow policy. Caller
// must hold m.mu.
func (m *Manager) appendLocked(candidate *ShortTermMemory) string {
	m.memories = append(m.memories, candidate)
	m.applyOverflowLocked()
	return candidate.ID
}

func (m *Manager) findLocked(id string) *ShortTermMemory {
	if id == "" {
		return nil
	}
	for _, stm := range m.memories {
		if stm.ID == id {
			return stm
		}
	}
	return nil
}

// topSimilarLocked returns up to k existing memories ranked by cosine
// similarity to query, highest first. Entries without an embedding are
// skipped, since there is no vector to compare against. Caller must
// hold m.mu.
func (m *Manager) topSimilarLocked(query []float32, k int) []*ShortTermMemory {
	if len(query) == 0 {
		return nil
	}
	type scored struct {
		stm *ShortTermMemory
		score float64
	}
	var all []scored
	for _, stm := range m.memories {
		if len(stm.Embedding) == 0 {
			continue
		}
		all = append(all, scored{stm: stm, score: cosineSimilarity(query, stm.Embedding)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > k {
		all = all[:k]
	}
	out := make([]*ShortTermMemory, len(all))
	for i, s := range all {
		out[i] = s.stm
	}
	return out
}

// decide invokes the oracle's decision prompt; on any oracle or parse
// failure it returns OpCreateNew.
func (m *Manager) decide(ctx context.Context, candidate *ShortTermMemory, existing []*ShortTermMemory) Decision {
	if m.oracle == nil {
		return Decision{Operation: OpCreateNew}
	}
	prompt := decidePrompt(candidate, existing)
	raw, err := m.oracle.GenerateResponse(ctx, prompt, 0.2, 512)
	if err != nil {
		log.WarnPrintf("oracle decision call failed: %v", err)
		return Decision{Operation: OpCreateNew}
	}
	obj, ok := llmjson.UnmarshalObject(raw)
	if !ok {
		log.WarnPrintf("oracle decision response unparseable")
		return Decision{Operation: OpCreateNew}
	}
	d := Decision{
		Operation: DecisionOp(strings.ToLower(strField(obj, "operation"))),
		TargetMemoryID: strField(obj, "target_memory_id"),
		MergedContent: strField(obj, "merged_content"),
		Reasoning: strField(obj, "reasoning"),
		Confidence: floatField(obj, "confidence", 0),
	}
	if v, ok := obj["updated_importance"].(float64); ok {
		d.UpdatedImportance = &v
	}
	return d
}

// applyOverflowLocked enforces MaxMemories per the configured strategy
//.
// Caller must hold m.mu.
func (m *Manager) applyOverflowLocked() {
	if m.cfg.OverflowStrategy != OverflowEvict {
		return
	}
	var subThreshold []*ShortTermMemory
	for _, stm := range m.memories {
		if stm.Importance < m.cfg.TransferImportanceThreshold {
			subThreshold = append(subThreshold, stm)
		}
	}
	if len(subThreshold) <= m.cfg.MaxMemories {
		return
	}
	target := int(float64(m.cfg.MaxMemories) * m.cfg.OverflowKeepRatio)
	sort.SliceStable(subThreshold, func(i, j int) bool { return subThreshold[i].CreatedAt.Before(subThreshold[j].CreatedAt) })
	evictCount := len(subThreshold) - target
	if evictCount <= 0 {
		return
	}
	evict := make(map[string]bool, evictCount)
	for _, stm := range subThreshold[:evictCount] {
		evict[stm.ID] = true
	}
	kept := m.memories[:0:0]
	for _, stm := range m.memories {
		if !evict[stm.ID] {
			kept = append(kept, stm)
		}
	}
	log.DebugPrintf("evicted %d sub-threshold short-term memories over capacity", evictCount)
	m.memories = kept
}

// Search scores every embedded entry against query's embedding and
// returns the top-k at or above threshold, updating access bookkeeping
// on every hit.
func (m *Manager) Search(ctx context.Context, query string, k int, threshold float64) ([]*ShortTermMemory, error) {
	qvec, ok := embed.SafeEmbed(ctx, m.embedder, query)
	if !ok {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		stm *ShortTermMemory
		score float64
	}
	var all []scored
	for _, stm := range m.memories {
		if len(stm.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(qvec, stm.Embedding)
		if sim >= threshold {
			all = append(all, scored{stm: stm, score: sim})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > k {
		all = all[:k]
	}
	out := make([]*ShortTermMemory, len(all))
	now := time.Now()
	for i, s := range all {
		s.stm.LastAccessedAt = now
		s.stm.AccessCount++
		out[i] = s.stm
	}
	return out, nil
}


// ClearTransferred removes entries by id after a successful transfer to
// long-term memory.
func (m *Manager) ClearTransferred(ids []string) {
	if len(ids) == 0 {
		return
	}
	remove := make(map[string]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.memories[:0:0]
	for _, stm := range m.memories {
		if !remove[stm.ID] {
			kept = append(kept, stm)
		}
	}
	m.memories = kept
	m.asyncPersistLocked()
}

// All returns a snapshot copy of the current entries, for transfer-all
// strategies and persistence.
func (m *Manager) All() []*ShortTermMemory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ShortTermMemory, len(m.memories))
	copy(out, m.memories)
	return out
}

// Len reports the number of entries currently held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.memories)
}

// MaxMemories reports the configured capacity, for callers (pkg/engine)
// deciding whether occupancy pressure should shorten the auto-transfer
// interval.
func (m *Manager) MaxMemories() int {
	return m.cfg.MaxMemories
}

// Restore replaces the entry set with memories loaded from persistence.
func (m *Manager) Restore(memories []*ShortTermMemory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories = memories
}

func (m *Manager) asyncPersist() {
	m.mu.Lock()
	m.asyncPersistLocked()
	m.mu.Unlock()
}

// asyncPersistLocked snapshots the current entries and saves them on a
// background goroutine serialized by saveMu. Caller must hold m.mu.
func (m *Manager) asyncPersistLocked() {
	if m.persist == nil {
		return
	}
	snapshot := make([]*ShortTermMemory, len(m.memories))
	copy(snapshot, m.memories)
	go func() {
		m.saveMu.Lock()
		defer m.saveMu.Unlock()
		if err := m.persist(snapshot); err != nil {
			log.ErrorPrintf("persist short-term memories: %v", err)
		}
	}()
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

func extractPrompt(combinedText string) string {
	return fmt.Sprintf(`Extract one structured memory from the following conversation excerpt.
		Respond with a single JSON object with keys: content, subject, topic, object,
		memory_type (one of event/fact/opinion/relation), importance (0-1 float),
		attributes (string->string map).

		Excerpt:
		%s`, combinedText)
	}

	func decidePrompt(candidate *ShortTermMemory, existing []*ShortTermMemory) string {
		var b strings.Builder
		b.WriteString("A new candidate memory must be reconciled against existing short-term memories.\n")
		fmt.Fprintf(&b, "Candidate: %s (subject=%s topic=%s object=%s importance=%.2f)\n", candidate.Content, candidate.Subject, candidate.Topic, candidate.Object, candidate.Importance)
		b.WriteString("Existing candidates:\n")
		for _, stm := range existing {
			fmt.Fprintf(&b, "- id=%s content=%s importance=%.2f\n", stm.ID, stm.Content, stm.Importance)
		}
		b.WriteString(`Respond with a single JSON object with keys: operation
			(one of merge/update/create_new/discard/keep_separate), target_memory_id,
			merged_content, updated_importance, reasoning, confidence.`)
			return b.String()
		}
