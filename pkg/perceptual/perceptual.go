// Package perceptual implements the perceptual memory tier: a
// fixed-capacity FIFO buffer of raw message blocks with recall-triggered
// activation counting. It is the shallowest tier in the pipeline — blocks
// live here until either they age out of the FIFO or a caller recalls
// them enough times to flag them for promotion into the short-term tier.
package perceptual

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tatachi1/memorygraph/pkg/embed"
	"github.com/tatachi1/memorygraph/pkg/logging"
)

var log = logging.DefaultLogger("perceptual")

// Message is one raw chat message. Fields beyond
// these are opaque to the pipeline.
type Message struct {
	ID string `json:"id"`
	UserID string `json:"user_id"`
	UserName string `json:"user_name"`
	Platform string `json:"platform"`
	ChatID string `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
	Text string `json:"text"`
}

// MemoryBlock is a contiguous concatenation of messages with a single
// best-effort embedding.
type MemoryBlock struct {
	ID string `json:"id"`
	CombinedText string `json:"combined_text"`
	Embedding []float32 `json:"embedding,omitempty"`
	MessageIDs []string `json:"message_ids"`
	CreatedAt time.Time `json:"created_at"`
	LastRecalledAt time.Time `json:"last_recalled_at"`
	RecallCount int `json:"recall_count"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NeedsTransfer reports whether the block has been flagged eligible for
// promotion.
func (b *MemoryBlock) NeedsTransfer() bool {
	v, _ := b.Metadata["needs_transfer"].(bool)
	return v
}

func (b *MemoryBlock) setNeedsTransfer(v bool) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]any)
	}
	b.Metadata["needs_transfer"] = v
}

// Config controls a Manager's capacity and recall behavior.
type Config struct {
	MaxBlocks int // default 50
	BlockSize int // default 5 messages/block
	ActivationThreshold int // default 3 recalls
	RecallTopK int // default 5
	RecallSimilarityThreshold float64 // default 0.5
}

func (c *Config) setDefaults() {
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = 50
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 5
	}
	if c.ActivationThreshold <= 0 {
		c.ActivationThreshold = 3
	}
	if c.RecallTopK <= 0 {
		c.RecallTopK = 5
	}
	if c.RecallSimilarityThreshold <= 0 {
		c.RecallSimilarityThreshold = 0.5
	}
}

// Manager owns a FIFO of MemoryBlocks for a single conversation scope. It
// is the single owner of its blocks until a caller promotes one and calls
// RemoveBlock.
type Manager struct {
	cfg Config
	embedder embed.Embedder

	mu sync.Mutex
	blocks []*MemoryBlock // FIFO, oldest first
	pending []*Message // messages not yet grouped into a block
}

// NewManager creates a Manager with cfg (defaults applied) and an
// optional embedder. A nil embedder degrades gracefully: blocks are
// still formed and persisted, just unrecallable.
func NewManager(cfg Config, embedder embed.Embedder) *Manager {
	cfg.setDefaults()
	return &Manager{cfg: cfg, embedder: embedder}
}

// AddMessage buffers msg. When the buffer reaches BlockSize messages it
// forms a new MemoryBlock (embedding computed best-effort), appends it to
// the FIFO, drops the oldest block if over capacity, and returns the new
// block. Returns (nil, false) if no block was formed yet.
func (m *Manager) AddMessage(ctx context.Context, msg Message) (*MemoryBlock, bool) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	m.mu.Lock()
	m.pending = append(m.pending, &msg)
	if len(m.pending) < m.cfg.BlockSize {
		m.mu.Unlock()
		return nil, false
	}
	group := m.pending
	m.pending = nil
	m.mu.Unlock()

	block := m.buildBlock(ctx, group)

	m.mu.Lock()
	m.blocks = append(m.blocks, block)
	for len(m.blocks) > m.cfg.MaxBlocks {
		m.blocks = m.blocks[1:]
	}
	m.mu.Unlock()

	return block, true
}

func (m *Manager) buildBlock(ctx context.Context, msgs []*Message) *MemoryBlock {
	var text string
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		if i > 0 {
			text += "\n"
		}
		text += msg.UserName + ": " + msg.Text
		ids[i] = msg.ID
	}

	block := &MemoryBlock{
		ID: uuid.NewString(),
		CombinedText: text,
		MessageIDs: ids,
		CreatedAt: time.Now(),
	}
	if vec, ok := embed.SafeEmbed(ctx, m.embedder, text); ok {
		block.Embedding = vec
	} else {
		log.DebugPrintf("block %s formed without an embedding, unrecallable until re-embedded", block.ID)
	}
	return block
}

// scored pairs a block with its similarity score against a query vector.
type scored struct {
	block *MemoryBlock
	score float64
}

// RecallBlocks scores every embedded block in the FIFO against query's
// embedding and returns the top-K above RecallSimilarityThreshold. Each returned block's recall_count is
// incremented atomically under the manager lock; if the count reaches
// ActivationThreshold, metadata.needs_transfer is set.
func (m *Manager) RecallBlocks(ctx context.Context, query string) ([]*MemoryBlock, error) {
	qvec, ok := embed.SafeEmbed(ctx, m.embedder, query)
	if !ok {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []scored
	for _, b := range m.blocks {
		if len(b.Embedding) == 0 {
			continue // unrecallable until re-embedded
		}
		sim := cosineSimilarity(qvec, b.Embedding)
		if sim >= m.cfg.RecallSimilarityThreshold {
			candidates = append(candidates, scored{block: b, score: sim})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > m.cfg.RecallTopK {
		candidates = candidates[:m.cfg.RecallTopK]
	}

	out := make([]*MemoryBlock, len(candidates))
	now := time.Now()
	for i, c := range candidates {
		c.block.RecallCount++
		c.block.LastRecalledAt = now
		if c.block.RecallCount >= m.cfg.ActivationThreshold {
			c.block.setNeedsTransfer(true)
		}
		out[i] = c.block
	}
	return out, nil
}

// RemoveBlock deletes the block with the given id from the FIFO. It is
// idempotent: removing an id that is absent (already removed, or never
// existed) is not an error.
func (m *Manager) RemoveBlock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.blocks {
		if b.ID == id {
			m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
			return
		}
	}
}

// Blocks returns a snapshot copy of the current FIFO, oldest first, for
// persistence and diagnostics.
func (m *Manager) Blocks() []*MemoryBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MemoryBlock, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// Len reports the number of blocks currently buffered.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// Restore replaces the FIFO with blocks loaded from persistence. Order is preserved as given (oldest first expected).
func (m *Manager) Restore(blocks []*MemoryBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = blocks
}

// cosineSimilarity returns the cosine similarity of a and b in [-1,1], or
// 0 if dimensions mismatch or either vector has zero norm.
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
