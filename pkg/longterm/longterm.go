// Package longterm implements the long-term memory manager:
// for each short-term memory it retrieves similar long-term memories,
// invokes the oracle for a graph-operation plan, executes the plan via
// pkg/dslexec, and applies activation decay over the whole graph.
package longterm

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tatachi1/memorygraph/pkg/dslexec"
	"github.com/tatachi1/memorygraph/pkg/embed"
	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/logging"
	"github.com/tatachi1/memorygraph/pkg/oracle"
	"github.com/tatachi1/memorygraph/pkg/shortterm"
	"github.com/tatachi1/memorygraph/pkg/vecid"
	"github.com/tatachi1/memorygraph/pkg/vecstore"
)

var log = logging.DefaultLogger("longterm")

// Config controls batch size, search breadth, and decay.
type Config struct {
	BatchSize int // default 10
	SearchTopK int // default 5
	GraphExpansionDepth int // default 1 (single-hop)
	GraphExpansionPerSeed int // default 2 ("≤2 related memories per seed")
	DecayFactor float64 // default 0.95
	MaxRetries int // default 2
	SimilarityCacheCap int // default 100

	// AutoForgetActivationThreshold / AutoForgetMinImportance gate the
	// supplemented auto-forgetting maintenance pass (SPEC_FULL.md
	// Supplemented Feature 3). A memory is only auto-forgotten when its
	// decayed activation AND importance are both at or below these.
	AutoForgetActivationThreshold float64 // default 0.1
	AutoForgetMinImportance float64 // default 0.8

	// DedupSimilarityThreshold feeds pkg/vecid's clustering pass
	// (SPEC_FULL.md Supplemented Feature 1).
	DedupSimilarityThreshold float64 // default 0.85
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.SearchTopK <= 0 {
		c.SearchTopK = 5
	}
	if c.GraphExpansionDepth <= 0 {
		c.GraphExpansionDepth = 1
	}
	if c.GraphExpansionPerSeed <= 0 {
		c.GraphExpansionPerSeed = 2
	}
	if c.DecayFactor <= 0 {
		c.DecayFactor = 0.95
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.SimilarityCacheCap <= 0 {
		c.SimilarityCacheCap = 100
	}
	if c.AutoForgetActivationThreshold <= 0 {
		c.AutoForgetActivationThreshold = 0.1
	}
	if c.AutoForgetMinImportance <= 0 {
		c.AutoForgetMinImportance = 0.8
	}
	if c.DedupSimilarityThreshold <= 0 {
		c.DedupSimilarityThreshold = 0.85
	}
}

// Stats aggregates one transfer run's outcome.
type Stats struct {
	Processed int
	Created int
	Updated int
	Merged int
	Failed int
	TransferredMemoryIDs []string
}

// Persister is called once at the end of a transfer or decay pass.
type Persister func() error

// Manager implements component H.
type Manager struct {
	cfg Config
	store *graph.Store
	index vecstore.Index
	embedder embed.Embedder
	textOracle oracle.TextOracle
	exec *dslexec.Executor
	persist Persister

	cacheMu sync.Mutex
	cache *similarityCache

	embedQueueMu sync.Mutex
	embedQueue []dslexec.PendingEmbed

	decayTableMu sync.Mutex
	decayTable map[float64][]float64 // factor -> powers[0..30]
}

// New creates a Manager wired to store/index/embedder/oracle.
func New(cfg Config, store *graph.Store, index vecstore.Index, embedder embed.Embedder, textOracle oracle.TextOracle) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg: cfg,
		store: store,
		index: index,
		embedder: embedder,
		textOracle: textOracle,
		exec: dslexec.New(store),
		cache: newSimilarityCache(cfg.SimilarityCacheCap),
		decayTable: make(map[float64][]float64),
	}
}

// SetPersister configures the function invoked once at the end of
// TransferFromShortTerm and ApplyDecay.
func (m *Manager) SetPersister(p Persister) {
	m.persist = p
}

// TransferFromShortTerm batches stms, processes
// each batch's members concurrently, and aggregates per-operation-type
// counts. It flushes pending node embeddings once at the end and
// persists once.
func (m *Manager) TransferFromShortTerm(ctx context.Context, stms []*shortterm.ShortTermMemory) Stats {
	var total Stats

	for start := 0; start < len(stms); start += m.cfg.BatchSize {
		end := start + m.cfg.BatchSize
		if end > len(stms) {
			end = len(stms)
		}
		batch := stms[start:end]

		var wg sync.WaitGroup
		results := make([]*dslexec.Result, len(batch))
		for i, stm := range batch {
			wg.Add(1)
			go func(i int, stm *shortterm.ShortTermMemory) {
				defer wg.Done()
				results[i] = m.processOneWithRetry(ctx, stm)
			}(i, stm)
		}
		wg.Wait()

		for i, res := range results {
			if res == nil {
				total.Failed++
				continue
			}
			total.Processed += res.Processed
			total.Created += res.Created
			total.Updated += res.Updated
			total.Merged += res.Merged
			total.Failed += res.Failed
			total.TransferredMemoryIDs = append(total.TransferredMemoryIDs, batch[i].ID)
		}
	}

	m.FlushPendingEmbeddings(ctx)

	if m.persist != nil {
		if err := m.persist(); err != nil {
			log.ErrorPrintf("persist after transfer: %v", err)
		}
	}
	return total
}

// processOneWithRetry drives one STM through search → plan → execute,
// retrying up to cfg.MaxRetries times with linear backoff on failure
//.
func (m *Manager) processOneWithRetry(ctx context.Context, stm *shortterm.ShortTermMemory) *dslexec.Result {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries+1; attempt++ {
		res, err := m.processOne(ctx, stm)
		if err == nil {
			return res
		}
		lastErr = err
		if attempt <= m.cfg.MaxRetries {
			time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
		}
	}
	log.WarnPrintf("stm %s failed after retries: %v", stm.ID, lastErr)
	return nil
}

func (m *Manager) processOne(ctx context.Context, stm *shortterm.ShortTermMemory) (*dslexec.Result, error) {
	candidates := m.searchSimilar(stm)

	prompt := planPrompt(stm, candidates)
	if m.textOracle == nil {
		return nil, fmt.Errorf("longterm: no oracle configured")
	}
	raw, err := m.textOracle.GenerateResponse(ctx, prompt, 0.2, 1024)
	if err != nil {
		return nil, fmt.Errorf("longterm: plan generation: %w", err)
	}

	ops := dslexec.Parse(raw)
	res := m.exec.Execute(ops, stm.ID)

	for _, pe := range res.CreatedNodes {
		m.enqueueEmbed(pe)
	}
	if len(res.CreatedNodes) >= m.embedBatchSize() {
		m.FlushPendingEmbeddings(ctx)
	}
	return res, nil
}

func (m *Manager) embedBatchSize() int { return 10 }

// searchSimilar retrieves the top-K long-term memories similar to stm by
// embedding, plus a bounded single-hop graph expansion.
// Results are cached per stm id.
func (m *Manager) searchSimilar(stm *shortterm.ShortTermMemory) []*graph.Memory {
	if cached, ok := m.cacheGet(stm.ID); ok {
		return cached
	}

	if len(stm.Embedding) == 0 || m.index == nil {
		return nil
	}
	matches, err := m.index.Search(stm.Embedding, m.cfg.SearchTopK)
	if err != nil {
		log.WarnPrintf("similarity search failed: %v", err)
		return nil
	}

	seen := make(map[string]bool)
	var out []*graph.Memory
	for _, match := range matches {
		for _, memID := range m.store.MemoriesForNode(match.ID) {
			if seen[memID] {
				continue
			}
			mem, err := m.store.GetMemoryByID(memID)
			if err != nil || mem.Forgotten() {
				continue
			}
			seen[memID] = true
			out = append(out, mem)

			related := m.store.RelatedMemories(memID, m.cfg.GraphExpansionDepth, m.cfg.GraphExpansionPerSeed)
			for _, relID := range related {
				if seen[relID] {
					continue
				}
				relMem, err := m.store.GetMemoryByID(relID)
				if err != nil || relMem.Forgotten() {
					continue
				}
				seen[relID] = true
				out = append(out, relMem)
			}
		}
	}

	m.cachePut(stm.ID, out)
	return out
}

// enqueueEmbed appends a pending (node_id, content) pair to the shared
// embedding queue. Guarded by its own
// lock.
func (m *Manager) enqueueEmbed(pe dslexec.PendingEmbed) {
	m.embedQueueMu.Lock()
	m.embedQueue = append(m.embedQueue, pe)
	m.embedQueueMu.Unlock()
}

// FlushPendingEmbeddings embeds every queued node in one batch call and
// writes the results into the vector store and the node's has_vector
// metadata flag.
func (m *Manager) FlushPendingEmbeddings(ctx context.Context) {
	m.embedQueueMu.Lock()
	pending := m.embedQueue
	m.embedQueue = nil
	m.embedQueueMu.Unlock()

	if len(pending) == 0 || m.embedder == nil {
		return
	}

	texts := make([]string, len(pending))
	for i, pe := range pending {
		texts[i] = pe.Content
	}
	vecs, ok := embed.SafeEmbedBatch(ctx, m.embedder, texts)
	if !ok {
		return
	}

	ids := make([]string, 0, len(pending))
	vectors := make([][]float32, 0, len(pending))
	for i, pe := range pending {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		if err := m.store.UpdateNode(pe.NodeID, nil, vecs[i]); err != nil {
			log.WarnPrintf("update node %s with embedding: %v", pe.NodeID, err)
			continue
		}
		ids = append(ids, pe.NodeID)
		vectors = append(vectors, vecs[i])
	}
	if len(ids) > 0 && m.index != nil {
		if err := m.index.BatchInsert(ids, vectors); err != nil {
			log.WarnPrintf("batch insert into vector index: %v", err)
		}
	}
}

// --- Activation decay ---

// ApplyDecay applies exponential decay new = base * factor^days_elapsed
// to every non-forgotten memory's activation level, using a
// precomputed power table for days 1..30. Persists once at
// the end.
func (m *Manager) ApplyDecay(now time.Time) {
	table := m.decayPowers(m.cfg.DecayFactor)

	for _, mem := range m.store.AllMemories() {
		if mem.Forgotten() {
			continue
		}
		days := int(now.Sub(mem.Activation.LastAccess).Hours() / 24)
		if days <= 0 {
			continue
		}
		var factor float64
		if days <= 30 {
			factor = table[days]
		} else {
			factor = math.Pow(m.cfg.DecayFactor, float64(days))
		}
		mem.Activation.Level *= factor
		mem.UpdatedAt = now
	}

	if m.persist != nil {
		if err := m.persist(); err != nil {
			log.ErrorPrintf("persist after decay: %v", err)
		}
	}
}

// decayPowers returns (and lazily builds) the factor^1..factor^30 table
// for factor.
func (m *Manager) decayPowers(factor float64) []float64 {
	m.decayTableMu.Lock()
	defer m.decayTableMu.Unlock()
	if t, ok := m.decayTable[factor]; ok {
		return t
	}
	table := make([]float64, 31)
	table[0] = 1
	for d := 1; d <= 30; d++ {
		table[d] = table[d-1] * factor
	}
	m.decayTable[factor] = table
	return table
}

// --- Auto-forgetting (SPEC_FULL.md Supplemented Feature 3) ---

// ApplyAutoForget marks memories forgotten (never deletes) once their
// decayed activation and importance both fall at or below the
// configured thresholds (original_source manager.py::auto_forget_memories).
func (m *Manager) ApplyAutoForget() int {
	count := 0
	for _, mem := range m.store.AllMemories() {
		if mem.Forgotten() {
			continue
		}
		if mem.Activation.Level <= m.cfg.AutoForgetActivationThreshold && mem.Importance <= m.cfg.AutoForgetMinImportance {
			if err := m.store.SetForgotten(mem.ID); err == nil {
				count++
			}
		}
	}
	if count > 0 {
		log.InfoPrintf("auto-forgot %d low-activation memories", count)
	}
	return count
}

// --- Dedup clustering (SPEC_FULL.md Supplemented Feature 1) ---

// Consolidate clusters long-term memories by their topic-node embedding
// using pkg/vecid's DBSCAN pass (adapted from speaker clustering), and
// merges every cluster of more than one member into the
// highest-importance member via graph.Store.MergeMemories
// (original_source manager.py::consolidate_memories).
func (m *Manager) Consolidate() int {
	reg := vecid.New(vecid.Config{
			Dim: m.embedDim(),
			Threshold: float32(m.cfg.DedupSimilarityThreshold),
			MinSamples: 2,
			Prefix: "ltm-cluster",
		}, nil)

	type candidate struct {
		memoryID string
		nodeID string
	}
	var candidates []candidate
	for _, mem := range m.store.AllMemories() {
		if mem.Forgotten() {
			continue
		}
		for nodeID := range mem.NodeIDs {
			node, err := m.store.GetNode(nodeID)
			if err != nil || node.NodeType != "topic" || len(node.Embedding) == 0 {
				continue
			}
			candidates = append(candidates, candidate{memoryID: mem.ID, nodeID: nodeID})
			reg.Identify(node.Embedding)
			break // one topic node per memory is enough to cluster on
		}
	}
	if len(candidates) < 2 {
		return 0
	}
	reg.Recluster()

	groups := make(map[string][]string) // bucket id -> memory ids
	for i, c := range candidates {
		node, err := m.store.GetNode(c.nodeID)
		if err != nil {
			continue
		}
		id, _, matched := reg.Identify(node.Embedding)
		if !matched {
			continue
		}
		groups[id] = append(groups[id], candidates[i].memoryID)
	}

	merged := 0
	for _, memIDs := range groups {
		if len(memIDs) < 2 {
			continue
		}
		sort.SliceStable(memIDs, func(i, j int) bool {
				mi, _ := m.store.GetMemoryByID(memIDs[i])
				mj, _ := m.store.GetMemoryByID(memIDs[j])
				if mi == nil || mj == nil {
					return false
				}
				return mi.Importance > mj.Importance
		})
		target := memIDs[0]
		srcs := memIDs[1:]
		if err := m.store.MergeMemories(target, srcs); err != nil {
			log.WarnPrintf("consolidate: merge %v into %s: %v", srcs, target, err)
			continue
		}
		merged += len(srcs)
	}
	if merged > 0 {
		log.InfoPrintf("consolidated %d duplicate long-term memories", merged)
	}
	return merged
}

func (m *Manager) embedDim() int {
	if m.embedder != nil {
		return m.embedder.Dimension()
	}
	return 0
}

// --- Similarity cache ---

type similarityCache struct {
	cap int
	order []string
	data map[string][]*graph.Memory
}

func newSimilarityCache(capacity int) *similarityCache {
	return &similarityCache{cap: capacity, data: make(map[string][]*graph.Memory)}
}

func (m *Manager) cacheGet(stmID string) ([]*graph.Memory, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	v, ok := m.cache.data[stmID]
	return v, ok
}

func (m *Manager) cachePut(stmID string, memories []*graph.Memory) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if _, exists := m.cache.data[stmID]; !exists {
		m.cache.order = append(m.cache.order, stmID)
	}
	m.cache.data[stmID] = memories
	for len(m.cache.order) > m.cache.cap {
		oldest := m.cache.order[0]
		m.cache.order = m.cache.order[1:]
		delete(m.cache.data, oldest)
	}
}

func planPrompt(stm *shortterm.ShortTermMemory, candidates []*graph.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Short-term memory to integrate: %s (subject=%s topic=%s object=%s type=%s importance=%.2f)\n",
		stm.Content, stm.Subject, stm.Topic, stm.Object, stm.MemoryType, stm.Importance)
	b.WriteString("Candidate existing long-term memories:\n")
	for _, mem := range candidates {
		fmt.Fprintf(&b, "- id=%s type=%s importance=%.2f activation=%.2f\n", mem.ID, mem.MemoryType, mem.Importance, mem.Activation.Level)
	}
	b.WriteString(`Respond with a JSON list of graph operations. Each operation is an
		object with keys: operation_type (one of CREATE_MEMORY, UPDATE_MEMORY,
			MERGE_MEMORIES, CREATE_NODE, UPDATE_NODE, MERGE_NODES, CREATE_EDGE,
			UPDATE_EDGE, DELETE_EDGE), target_id (a placeholder id for CREATE_*
			operations), parameters (an object), reason, confidence.`)
		return b.String()
	}
