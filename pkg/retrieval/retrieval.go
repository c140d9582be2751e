// Package retrieval implements the unified retrieval judge and
// multi-query long-term search: it runs perceptual and
// short-term search in parallel, optionally asks an LLM judge whether
// that is sufficient, and if not runs a weighted multi-query long-term
// search with bounded graph expansion.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/tatachi1/memorygraph/pkg/embed"
	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/llmjson"
	"github.com/tatachi1/memorygraph/pkg/logging"
	"github.com/tatachi1/memorygraph/pkg/oracle"
	"github.com/tatachi1/memorygraph/pkg/perceptual"
	"github.com/tatachi1/memorygraph/pkg/shortterm"
	"github.com/tatachi1/memorygraph/pkg/vecstore"
)

var log = logging.DefaultLogger("retrieval")

// JudgeDecision is the parsed LLM judge response.
type JudgeDecision struct {
	IsSufficient bool
	Confidence float64
	Reasoning string
	AdditionalQueries []string
	MissingAspects []string
}

// Result is search_memories' return shape.
type Result struct {
	PerceptualBlocks []*perceptual.MemoryBlock
	ShortTermMemories []*shortterm.ShortTermMemory
	LongTermMemories []*graph.Memory
	JudgeDecision *JudgeDecision
}

// QueryOptimizer is an optional caller-supplied hook applied to the raw
// query string before search (SPEC_FULL.md Supplemented Feature 4: a
// plain pre-processing hook the engine does not own, kept outside the
// persona/prompt-assembly Non-goal boundary).
type QueryOptimizer func(ctx context.Context, query string) string

// PromoteFunc drives a flagged perceptual block through the short-term
// state machine and, on success, removes it from the perceptual
// manager, as a detached background promotion task. It is supplied by
// pkg/engine, which owns both managers.
type PromoteFunc func(ctx context.Context, block *perceptual.MemoryBlock)

// RankingWeights turns on importance-weighted, multi-signal long-term
// ranking: instead of ranking purely by cosine similarity, each
// candidate's score becomes a weighted blend of vector similarity,
// graph proximity to the matched node, importance, and decayed
// recency. The four weights must sum to 1.0 within 0.01, the same
// tolerance the original's RetrievalConfig.__post_init__ validated.
type RankingWeights struct {
	Vector float64
	GraphDistance float64
	Importance float64
	Recency float64
}

// NewRankingWeights validates that the four weights sum to 1.0 (within
// 0.01) and returns them, or an error if they don't.
func NewRankingWeights(vector, graphDistance, importance, recency float64) (*RankingWeights, error) {
	w := &RankingWeights{Vector: vector, GraphDistance: graphDistance, Importance: importance, Recency: recency}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RankingWeights) validate() error {
	sum := w.Vector + w.GraphDistance + w.Importance + w.Recency
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("retrieval: ranking weights must sum to 1.0 (+/- 0.01), got %.4f", sum)
	}
	return nil
}

// Config controls judge sensitivity and multi-query weighting.
type Config struct {
	JudgeConfidenceThreshold float64 // default 0.5
	LongTermSearchTopK int // default 10
	SecondaryWeightDecay float64 // default 0.2 per additional query, clamped >= 0.3

	// RankingWeights switches on multi-signal scoring for long-term
	// search. nil (the default) keeps plain-cosine ranking.
	RankingWeights *RankingWeights
}

func (c *Config) setDefaults() {
	if c.JudgeConfidenceThreshold <= 0 {
		c.JudgeConfidenceThreshold = 0.5
	}
	if c.LongTermSearchTopK <= 0 {
		c.LongTermSearchTopK = 10
	}
	if c.SecondaryWeightDecay <= 0 {
		c.SecondaryWeightDecay = 0.2
	}
}

// Engine bundles the tier accessors and oracle the retrieval judge needs.
// It is deliberately a plain struct of collaborators rather than an
// interface — pkg/engine constructs one directly from its own managers.
type Engine struct {
	cfg Config

	Perceptual *perceptual.Manager
	ShortTerm *shortterm.Manager
	Graph *graph.Store
	Index vecstore.Index
	Embedder embed.Embedder
	Oracle oracle.TextOracle

	Promote PromoteFunc
	Optimize QueryOptimizer
}

// New creates a retrieval Engine. If cfg.RankingWeights is set, it must
// already be valid (see NewRankingWeights); New returns an error
// otherwise.
func New(cfg Config, perceptualMgr *perceptual.Manager, shortTermMgr *shortterm.Manager, store *graph.Store, index vecstore.Index, embedder embed.Embedder, textOracle oracle.TextOracle) (*Engine, error) {
	cfg.setDefaults()
	if cfg.RankingWeights != nil {
		if err := cfg.RankingWeights.validate(); err != nil {
			return nil, err
		}
	}
	return &Engine{
		cfg: cfg,
		Perceptual: perceptualMgr,
		ShortTerm: shortTermMgr,
		Graph: store,
		Index: index,
		Embedder: embedder,
		Oracle: textOracle,
	}, nil
}

// SearchMemories runs the full retrieval pipeline.
func (e *Engine) SearchMemories(ctx context.Context, query string, useJudge bool, recentHistory []string) *Result {
	if e.Optimize != nil {
		query = e.Optimize(ctx, query)
	}

	var blocks []*perceptual.MemoryBlock
	var stms []*shortterm.ShortTermMemory
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b, err := e.Perceptual.RecallBlocks(ctx, query)
		if err != nil {
			log.WarnPrintf("perceptual recall failed: %v", err)
			return
		}
		blocks = b
	}()
	go func() {
		defer wg.Done()
		s, err := e.ShortTerm.Search(ctx, query, 5, 0.3)
		if err != nil {
			log.WarnPrintf("short-term search failed: %v", err)
			return
		}
		stms = s
	}()
	wg.Wait()

	e.scheduleTransfers(ctx, blocks)

	res := &Result{PerceptualBlocks: blocks, ShortTermMemories: stms}

	if !useJudge {
		res.LongTermMemories = e.longTermSearch(query)
		return res
	}

	decision := e.judge(ctx, query, blocks, stms, recentHistory)
	res.JudgeDecision = decision
	if decision.IsSufficient {
		return res
	}

	res.LongTermMemories = e.multiQuerySearch(query, decision.AdditionalQueries)
	return res
}

// scheduleTransfers launches a detached promotion task for every block
// flagged needs_transfer, clearing the flag first to prevent duplicate
// scheduling.
func (e *Engine) scheduleTransfers(ctx context.Context, blocks []*perceptual.MemoryBlock) {
	if e.Promote == nil {
		return
	}
	for _, b := range blocks {
		if !b.NeedsTransfer() {
			continue
		}
		b.Metadata["needs_transfer"] = false
		block := b
		go e.Promote(ctx, block)
	}
}

// judge formats context into the judge prompt, invokes the oracle, and
// parses its response. On any oracle or parse failure it defaults to
// "not sufficient".
func (e *Engine) judge(ctx context.Context, query string, blocks []*perceptual.MemoryBlock, stms []*shortterm.ShortTermMemory, history []string) *JudgeDecision {
	if e.Oracle == nil {
		return &JudgeDecision{IsSufficient: false}
	}
	prompt := judgePrompt(query, blocks, stms, history)
	raw, err := e.Oracle.GenerateResponse(ctx, prompt, 0.1, 256)
	if err != nil {
		log.WarnPrintf("judge call failed: %v", err)
		return &JudgeDecision{IsSufficient: false}
	}
	obj, ok := llmjson.UnmarshalObject(raw)
	if !ok {
		log.WarnPrintf("judge response unparseable")
		return &JudgeDecision{IsSufficient: false}
	}
	d := &JudgeDecision{}
	d.IsSufficient, _ = obj["is_sufficient"].(bool)
	if c, ok := obj["confidence"].(float64); ok {
		d.Confidence = c
	}
	d.Reasoning, _ = obj["reasoning"].(string)
	d.AdditionalQueries = stringList(obj["additional_queries"])
	d.MissingAspects = stringList(obj["missing_aspects"])
	return d
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// longTermSearch runs a plain single-query top-K long-term search.
func (e *Engine) longTermSearch(query string) []*graph.Memory {
	return e.multiQuerySearch(query, nil)
}

// hit is the best vector-search evidence seen for a candidate memory
// across every query in a multiQuerySearch call.
type hit struct {
	sim float64
	graphProximity float64
}

// multiQuerySearch embeds primary and every secondary query, scores each
// match with a linearly decaying per-query weight (primary 1.0, clamped
// >= 0.3), merges by memory id taking the best weighted score, and
// returns memories sorted by that score descending. If cfg.RankingWeights
// is set, the per-match vector similarity is blended with graph
// proximity, importance, and decayed recency instead of standing alone.
func (e *Engine) multiQuerySearch(primary string, secondary []string) []*graph.Memory {
	if e.Index == nil || e.Embedder == nil {
		return nil
	}

	type weighted struct {
		query string
		weight float64
	}
	queries := []weighted{{query: primary, weight: 1.0}}
	for i, q := range secondary {
		w := 1.0 - float64(i+1)*e.cfg.SecondaryWeightDecay
		if w < 0.3 {
			w = 0.3
		}
		queries = append(queries, weighted{query: q, weight: w})
	}

	best := make(map[string]hit) // memory id -> best vector evidence seen
	for _, wq := range queries {
		vec, ok := embed.SafeEmbed(context.Background(), e.Embedder, wq.query)
		if !ok {
			continue
		}
		matches, err := e.Index.Search(vec, e.cfg.LongTermSearchTopK)
		if err != nil {
			log.WarnPrintf("long-term vector search failed: %v", err)
			continue
		}
		for _, match := range matches {
			sim := 1 - float64(match.Distance)
			if sim < 0 {
				sim = 0
			}
			weightedSim := sim * wq.weight
			for _, memID := range e.Graph.MemoriesForNode(match.ID) {
				if weightedSim > best[memID].sim {
					best[memID] = hit{sim: weightedSim, graphProximity: 1.0}
				}
				if e.cfg.RankingWeights != nil {
					e.addRelatedHits(memID, weightedSim, best)
				}
			}
		}
	}

	type scoredMem struct {
		mem *graph.Memory
		score float64
	}
	var all []scoredMem
	for memID, h := range best {
		mem, err := e.Graph.GetMemoryByID(memID)
		if err != nil || mem.Forgotten() {
			continue
		}
		all = append(all, scoredMem{mem: mem, score: e.rankingScore(mem, h)})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	out := make([]*graph.Memory, len(all))
	for i, s := range all {
		out[i] = s.mem
	}
	return out
}

// addRelatedHits records a one-hop graph-expansion candidate for memID's
// related memories, carrying over the seed's vector evidence at reduced
// graph proximity. It never overwrites an existing hit (direct matches
// always win over inferred ones). Only called when multi-signal ranking
// is active.
func (e *Engine) addRelatedHits(memID string, seedSim float64, best map[string]hit) {
	for _, relID := range e.Graph.RelatedMemories(memID, 1, 2) {
		if _, exists := best[relID]; exists {
			continue
		}
		best[relID] = hit{sim: seedSim, graphProximity: 0.5}
	}
}

// rankingScore combines h's vector evidence with importance and recency
// per cfg.RankingWeights. With RankingWeights unset, the score is the
// plain weighted vector similarity.
func (e *Engine) rankingScore(mem *graph.Memory, h hit) float64 {
	w := e.cfg.RankingWeights
	if w == nil {
		return h.sim
	}
	return w.Vector*h.sim + w.GraphDistance*h.graphProximity + w.Importance*mem.Importance + w.Recency*mem.Activation.Level
}

func judgePrompt(query string, blocks []*perceptual.MemoryBlock, stms []*shortterm.ShortTermMemory, history []string) string {
	var b strings.Builder
	b.WriteString("Decide whether the following context is sufficient to answer the query, or whether long-term memory search is needed.\n")
	b.WriteString("Query: " + query + "\n")
	if len(history) > 0 {
		b.WriteString("Recent chat history:\n")
		for _, h := range history {
			b.WriteString("- " + h + "\n")
		}
	}
	b.WriteString("Perceptual blocks recalled:\n")
	for _, blk := range blocks {
		b.WriteString("- " + blk.CombinedText + "\n")
	}
	b.WriteString("Short-term memories recalled:\n")
	for _, s := range stms {
		b.WriteString("- " + s.Content + "\n")
	}
	b.WriteString(`Respond with a single JSON object with keys: is_sufficient (bool),
		confidence (float), reasoning, additional_queries (list of strings),
		missing_aspects (list of strings).`)
		return b.String()
	}
