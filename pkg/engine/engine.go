// Package engine implements the unified coordinator: it
// wires the perceptual, short-term, and long-term tiers together with
// the retrieval judge, drives the adaptive auto-transfer background
// loop, and exposes the four external entry points (add_message,
// search_memories, manual_transfer, shutdown).
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tatachi1/memorygraph/pkg/embed"
	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/kv"
	"github.com/tatachi1/memorygraph/pkg/logging"
	"github.com/tatachi1/memorygraph/pkg/longterm"
	"github.com/tatachi1/memorygraph/pkg/oracle"
	"github.com/tatachi1/memorygraph/pkg/perceptual"
	"github.com/tatachi1/memorygraph/pkg/persistence"
	"github.com/tatachi1/memorygraph/pkg/retrieval"
	"github.com/tatachi1/memorygraph/pkg/shortterm"
	"github.com/tatachi1/memorygraph/pkg/storage"
	"github.com/tatachi1/memorygraph/pkg/vecstore"
)

var log = logging.DefaultLogger("engine")

// S3MirrorConfig configures an optional off-box mirror of persistence
// snapshot writes to Amazon S3 or an S3-compatible backend.
type S3MirrorConfig struct {
	Enabled bool `yaml:"enabled"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Endpoint overrides the default AWS endpoint resolution for
	// S3-compatible backends (MinIO, R2, ...). Leave empty for AWS S3.
	Endpoint string `yaml:"endpoint"`
}

// Config mirrors the memory.* config namespace.
// Every field has a zero-value-safe default applied in setDefaults.
type Config struct {
	Enable bool `yaml:"enable"`
	DataDir string `yaml:"data_dir"`
	EmbeddingDimension int `yaml:"embedding_dimension"`

	Perceptual struct {
		MaxBlocks int `yaml:"max_blocks"`
		BlockSize int `yaml:"block_size"`
		ActivationThreshold int `yaml:"activation_threshold"`
		RecallTopK int `yaml:"recall_top_k"`
		RecallSimilarityThreshold float64 `yaml:"recall_similarity_threshold"`
	} `yaml:"perceptual"`

	ShortTerm struct {
		MaxMemories int `yaml:"max_memories"`
		TransferImportanceThreshold float64 `yaml:"transfer_importance_threshold"`
		OverflowStrategy string `yaml:"overflow_strategy"`
		EnableForceCleanup bool `yaml:"enable_force_cleanup"`
		CleanupKeepRatio float64 `yaml:"cleanup_keep_ratio"`
	} `yaml:"short_term"`

	LongTerm struct {
		BatchSize int `yaml:"batch_size"`
		SearchTopK int `yaml:"search_top_k"`
		DecayFactor float64 `yaml:"decay_factor"`
		AutoTransferInterval int `yaml:"auto_transfer_interval"`
	} `yaml:"long_term"`

	Judge struct {
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	} `yaml:"judge"`

	Retrieval struct {
		// RankingWeights switches long-term search from plain cosine
		// ranking to the importance-weighted, multi-signal blend. Unset
		// (the default) keeps the plain-cosine behavior.
		RankingWeights *retrieval.RankingWeights `yaml:"ranking_weights"`
	} `yaml:"retrieval"`

	Persistence struct {
		// S3Mirror, when Enabled, gives the local persistence.Store a
		// secondary off-box copy of every snapshot write.
		S3Mirror S3MirrorConfig `yaml:"s3_mirror"`
	} `yaml:"persistence"`

	OracleCache struct {
		// Enabled wraps the host-supplied oracle in a response cache
		// backed by BadgerDB, keyed on (prompt, temperature, maxTokens).
		Enabled bool `yaml:"enabled"`
	} `yaml:"oracle_cache"`
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.EmbeddingDimension <= 0 {
		c.EmbeddingDimension = 768
	}
	if c.Perceptual.MaxBlocks <= 0 {
		c.Perceptual.MaxBlocks = 50
	}
	if c.Perceptual.BlockSize <= 0 {
		c.Perceptual.BlockSize = 5
	}
	if c.Perceptual.ActivationThreshold <= 0 {
		c.Perceptual.ActivationThreshold = 3
	}
	if c.Perceptual.RecallTopK <= 0 {
		c.Perceptual.RecallTopK = 5
	}
	if c.Perceptual.RecallSimilarityThreshold <= 0 {
		c.Perceptual.RecallSimilarityThreshold = 0.5
	}
	if c.ShortTerm.MaxMemories <= 0 {
		c.ShortTerm.MaxMemories = 30
	}
	if c.ShortTerm.TransferImportanceThreshold <= 0 {
		c.ShortTerm.TransferImportanceThreshold = 0.6
	}
	if c.ShortTerm.OverflowStrategy == "" {
		c.ShortTerm.OverflowStrategy = shortterm.OverflowEvict
	}
	if c.ShortTerm.CleanupKeepRatio <= 0 {
		c.ShortTerm.CleanupKeepRatio = 0.9
	}
	if c.LongTerm.BatchSize <= 0 {
		c.LongTerm.BatchSize = 10
	}
	if c.LongTerm.SearchTopK <= 0 {
		c.LongTerm.SearchTopK = 5
	}
	if c.LongTerm.DecayFactor <= 0 {
		c.LongTerm.DecayFactor = 0.95
	}
	if c.LongTerm.AutoTransferInterval <= 0 {
		c.LongTerm.AutoTransferInterval = 600
	}
	if c.Judge.ConfidenceThreshold <= 0 {
		c.Judge.ConfidenceThreshold = 0.5
	}
}

// adaptive auto-transfer interval bands.
const (
	occupancyHigh = 0.8
	occupancyMed = 0.5
	occupancyLow = 0.3
	occupancyTrickle = 0.1
	intervalHigh = 2 * time.Second
	intervalMed = 5 * time.Second
	intervalLow = 10 * time.Second
	intervalTrickle = 15 * time.Second
)

// Engine is the unified coordinator. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg Config

	Graph *graph.Store
	Index vecstore.Index
	Embedder embed.Embedder
	Oracle oracle.TextOracle
	Perceptual *perceptual.Manager
	ShortTerm *shortterm.Manager
	LongTerm *longterm.Manager
	Retrieval *retrieval.Engine
	store *persistence.Store

	ctx context.Context
	cancel context.CancelFunc
	wg sync.WaitGroup

	wake chan struct{} // buffered 1; signals the auto-transfer loop to wake early

	oracleCache *kv.Badger // non-nil when OracleCache.Enabled; closed on Shutdown

	shutdownOnce sync.Once
}

// New constructs and wires an Engine from its collaborators. index,
// embedder, and textOracle are supplied by the host process.
func New(cfg Config, index vecstore.Index, embedder embed.Embedder, textOracle oracle.TextOracle) (*Engine, error) {
	cfg.setDefaults()

	store, err := persistence.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: init persistence: %w", err)
	}

	if cfg.Persistence.S3Mirror.Enabled {
		mirror, err := newS3Mirror(context.Background(), cfg.Persistence.S3Mirror)
		if err != nil {
			return nil, fmt.Errorf("engine: init s3 mirror: %w", err)
		}
		store.Mirror = mirror
	}

	var oracleCache *kv.Badger
	if cfg.OracleCache.Enabled {
		oracleCache, err = kv.NewBadger(kv.BadgerOptions{Dir: filepath.Join(cfg.DataDir, "oracle_cache")})
		if err != nil {
			return nil, fmt.Errorf("engine: init oracle cache: %w", err)
		}
		textOracle = oracle.NewCachingOracle(textOracle, oracleCache)
	}

	g, err := store.LoadGraph()
	if err != nil {
		return nil, fmt.Errorf("engine: load graph: %w", err)
	}
	regenerateMissingVectors(context.Background(), g, index, embedder)

	perceptualCfg := perceptual.Config{
		MaxBlocks: cfg.Perceptual.MaxBlocks,
		BlockSize: cfg.Perceptual.BlockSize,
		ActivationThreshold: cfg.Perceptual.ActivationThreshold,
		RecallTopK: cfg.Perceptual.RecallTopK,
		RecallSimilarityThreshold: cfg.Perceptual.RecallSimilarityThreshold,
	}
	perceptualMgr := perceptual.NewManager(perceptualCfg, embedder)
	if blocks, err := store.LoadPerceptual(); err != nil {
		return nil, fmt.Errorf("engine: load perceptual blocks: %w", err)
	} else if blocks != nil {
		perceptualMgr.Restore(blocks)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg: cfg,
		Graph: g,
		Index: index,
		Embedder: embedder,
		Oracle: textOracle,
		Perceptual: perceptualMgr,
		store: store,
		ctx: ctx,
		cancel: cancel,
		wake: make(chan struct{}, 1),
		oracleCache: oracleCache,
	}

	shortTermCfg := shortterm.Config{
		MaxMemories: cfg.ShortTerm.MaxMemories,
		TransferImportanceThreshold: cfg.ShortTerm.TransferImportanceThreshold,
		OverflowStrategy: cfg.ShortTerm.OverflowStrategy,
		OverflowKeepRatio: cfg.ShortTerm.CleanupKeepRatio,
	}
	shortTermMgr := shortterm.NewManager(shortTermCfg, textOracle, embedder, e.persistShortTerm)
	if memories, err := store.LoadShortTerm(); err != nil {
		return nil, fmt.Errorf("engine: load short-term memories: %w", err)
	} else if memories != nil {
		shortTermMgr.Restore(memories)
	}
	e.ShortTerm = shortTermMgr

	longTermCfg := longterm.Config{
		BatchSize: cfg.LongTerm.BatchSize,
		SearchTopK: cfg.LongTerm.SearchTopK,
		DecayFactor: cfg.LongTerm.DecayFactor,
	}
	longTermMgr := longterm.New(longTermCfg, g, index, embedder, textOracle)
	longTermMgr.SetPersister(e.persistGraph)
	e.LongTerm = longTermMgr

	retrievalCfg := retrieval.Config{
		JudgeConfidenceThreshold: cfg.Judge.ConfidenceThreshold,
		LongTermSearchTopK: cfg.LongTerm.SearchTopK,
		RankingWeights: cfg.Retrieval.RankingWeights,
	}
	retrievalEngine, err := retrieval.New(retrievalCfg, perceptualMgr, shortTermMgr, g, index, embedder, textOracle)
	if err != nil {
		return nil, fmt.Errorf("engine: init retrieval: %w", err)
	}
	retrievalEngine.Promote = e.promoteBlock
	e.Retrieval = retrievalEngine

	e.wg.Add(1)
	go e.autoTransferLoop()

	return e, nil
}

// newS3Mirror builds an S3-backed storage.FileStore from the given config
// using the default AWS credential/region chain, overridden by an explicit
// endpoint for S3-compatible backends.
func newS3Mirror(ctx context.Context, cfg S3MirrorConfig) (storage.FileStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = awssdk.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return storage.NewS3(client, cfg.Bucket, cfg.Prefix), nil
}

// regenerateMissingVectors lazily re-embeds nodes whose vector was not
// persisted alongside the graph snapshot.
func regenerateMissingVectors(ctx context.Context, g *graph.Store, index vecstore.Index, embedder embed.Embedder) {
	missing := g.NodesMissingVectors()
	if len(missing) == 0 || embedder == nil || index == nil {
		return
	}
	texts := make([]string, len(missing))
	for i, n := range missing {
		texts[i] = n.Content
	}
	vecs, ok := embed.SafeEmbedBatch(ctx, embedder, texts)
	if !ok {
		log.WarnPrintf("failed to regenerate %d missing node embeddings", len(missing))
		return
	}
	ids := make([]string, 0, len(missing))
	vectors := make([][]float32, 0, len(missing))
	for i, n := range missing {
		if vecs[i] == nil {
			continue
		}
		if err := g.UpdateNode(n.ID, nil, vecs[i]); err != nil {
			continue
		}
		ids = append(ids, n.ID)
		vectors = append(vectors, vecs[i])
	}
	if len(ids) > 0 {
		if err := index.BatchInsert(ids, vectors); err != nil {
			log.WarnPrintf("failed to index regenerated embeddings: %v", err)
		}
	}
}

// AddMessage feeds a message into the perceptual tier. If a new block was formed, its threshold-crossing
// flag is handled internally by the retrieval loop's scheduleTransfers.
func (e *Engine) AddMessage(ctx context.Context, msg perceptual.Message) (*perceptual.MemoryBlock, bool) {
	block, formed := e.Perceptual.AddMessage(ctx, msg)
	if formed {
		e.persistPerceptual()
	}
	return block, formed
}

// SearchMemories is the retrieval judge's entry point.
func (e *Engine) SearchMemories(ctx context.Context, query string, useJudge bool, recentHistory []string) *retrieval.Result {
	return e.Retrieval.SearchMemories(ctx, query, useJudge, recentHistory)
}

// ManualTransfer moves every short-term memory to long-term, regardless
// of importance, once F is at capacity; below capacity it is a no-op.
func (e *Engine) ManualTransfer(ctx context.Context) longterm.Stats {
	if e.ShortTerm.Len() < e.ShortTerm.MaxMemories() {
		return longterm.Stats{}
	}
	return e.transferAll(ctx)
}

func (e *Engine) transferAll(ctx context.Context) longterm.Stats {
	pending := e.ShortTerm.All()
	if len(pending) == 0 {
		return longterm.Stats{}
	}
	stats := e.LongTerm.TransferFromShortTerm(ctx, pending)
	e.ShortTerm.ClearTransferred(stats.TransferredMemoryIDs)
	return stats
}

// promoteBlock is the retrieval.PromoteFunc: it drives a flagged
// perceptual block through the short-term extraction/decision state
// machine and, on success, removes it from the perceptual manager.
func (e *Engine) promoteBlock(ctx context.Context, block *perceptual.MemoryBlock) {
	_, err := e.ShortTerm.ProcessBlock(ctx, block)
	if err != nil {
		log.WarnPrintf("promote block %s failed: %v", block.ID, err)
		return
	}
	// A zero-value id means the block was dropped (extraction failure)
	// or discarded by the decider; either way it is safe to retire it
	// from perceptual memory.
	e.Perceptual.RemoveBlock(block.ID)
	e.persistPerceptual()
	e.wakeAutoTransfer()
}

// wakeAutoTransfer signals the background loop to re-check occupancy
// immediately rather than waiting out its current sleep.
func (e *Engine) wakeAutoTransfer() {
	select {
		case e.wake <- struct{}{}:
		default:
	}
}

// autoTransferLoop runs until Shutdown cancels the engine's context
//.
func (e *Engine) autoTransferLoop() {
	defer e.wg.Done()
	for {
		interval := e.nextInterval()
		timer := time.NewTimer(interval)
		select {
			case <-e.ctx.Done():
			timer.Stop()
			return
			case <-e.wake:
			timer.Stop()
			case <-timer.C:
		}

		if e.ShortTerm.Len() >= e.ShortTerm.MaxMemories() {
			e.transferAll(e.ctx)
			e.persistShortTermNow()
		}
	}
}

func (e *Engine) nextInterval() time.Duration {
	max := e.ShortTerm.MaxMemories()
	if max <= 0 {
		return time.Duration(e.cfg.LongTerm.AutoTransferInterval) * time.Second
	}
	occupancy := float64(e.ShortTerm.Len()) / float64(max)
	switch {
		case occupancy >= occupancyHigh:
		return intervalHigh
		case occupancy >= occupancyMed:
		return intervalMed
		case occupancy >= occupancyLow:
		return intervalLow
		case occupancy >= occupancyTrickle:
		return intervalTrickle
		default:
		return time.Duration(e.cfg.LongTerm.AutoTransferInterval) * time.Second
	}
}

// Shutdown cancels the auto-transfer loop, flushes pending embeddings,
// and saves all three tiers. Safe to call more
// than once; only the first call has effect.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
			e.cancel()
			e.wg.Wait()
			e.LongTerm.FlushPendingEmbeddings(ctx)
			err = e.saveAll()
			if e.oracleCache != nil {
				if closeErr := e.oracleCache.Close(); closeErr != nil {
					log.WarnPrintf("close oracle cache: %v", closeErr)
				}
			}
	})
	return err
}

func (e *Engine) saveAll() error {
	if saveErr := e.store.SaveGraph(e.Graph); saveErr != nil {
		return saveErr
	}
	if saveErr := e.store.SaveShortTerm(e.ShortTerm.All(), e.ShortTerm.MaxMemories(), e.cfg.ShortTerm.TransferImportanceThreshold); saveErr != nil {
		return saveErr
	}
	if saveErr := e.store.SavePerceptual(e.Perceptual.Blocks()); saveErr != nil {
		return saveErr
	}
	return nil
}

// persistGraph is longterm.Persister: every long-term transfer batch
// and maintenance pass saves once on completion.
func (e *Engine) persistGraph() error {
	return e.store.SaveGraph(e.Graph)
}

// persistShortTerm is shortterm.Persister, invoked asynchronously by the
// short-term manager after any mutation.
func (e *Engine) persistShortTerm(memories []*shortterm.ShortTermMemory) error {
	return e.store.SaveShortTerm(memories, e.ShortTerm.MaxMemories(), e.cfg.ShortTerm.TransferImportanceThreshold)
}

func (e *Engine) persistShortTermNow() {
	if err := e.persistShortTerm(e.ShortTerm.All()); err != nil {
		log.WarnPrintf("persist short-term memories: %v", err)
	}
}

func (e *Engine) persistPerceptual() {
	if err := e.store.SavePerceptual(e.Perceptual.Blocks()); err != nil {
		log.WarnPrintf("persist perceptual blocks: %v", err)
	}
}

// RunMaintenance applies activation decay, auto-forgetting, and
// dedup consolidation to the long-term graph, then saves. It is
// not on the hot path and is meant to be scheduled by the host process
// at whatever cadence it likes (e.g. daily).
func (e *Engine) RunMaintenance(now time.Time) {
	e.LongTerm.ApplyDecay(now)
	forgotten := e.LongTerm.ApplyAutoForget()
	merged := e.LongTerm.Consolidate()
	log.InfoPrintf("maintenance pass: %d forgotten, %d consolidated", forgotten, merged)
	if err := e.persistGraph(); err != nil {
		log.WarnPrintf("persist after maintenance: %v", err)
	}
}
