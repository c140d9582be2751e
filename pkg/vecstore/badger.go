package vecstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tatachi1/memorygraph/pkg/kv"
)

// entryPrefix is the kv key prefix every vector is stored under.
var entryPrefix = kv.Key{"vec"}

// entry is the on-disk record for one (id, vector) pair, msgpack-encoded.
type entry struct {
	ID     string    `msgpack:"id"`
	Vector []float32 `msgpack:"vector"`
}

// Badger is a durable Index backed by a pkg/kv.Store (BadgerDB in
// practice). It keeps a full in-memory mirror for brute-force cosine
// search — the same algorithm as [Memory] — and persists every write
// through to the underlying store so the index survives a restart
// without re-embedding every node from the graph store.
//
// It is safe for concurrent use.
type Badger struct {
	store kv.Store

	mu      sync.RWMutex
	vectors map[string][]float32
}

// Compile-time interface check.
var _ Index = (*Badger)(nil)

// OpenBadger opens (or creates) a durable vector index backed by store,
// loading every previously-persisted (id, vector) pair into memory.
func OpenBadger(ctx context.Context, store kv.Store) (*Badger, error) {
	b := &Badger{store: store, vectors: make(map[string][]float32)}
	for e, err := range store.List(ctx, entryPrefix) {
		if err != nil {
			return nil, fmt.Errorf("vecstore: load badger index: %w", err)
		}
		var rec entry
		if err := msgpack.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("vecstore: decode vector entry %q: %w", e.Key.String(), err)
		}
		b.vectors[rec.ID] = rec.Vector
	}
	return b, nil
}

func keyFor(id string) kv.Key {
	return kv.Key{"vec", id}
}

// Insert adds or updates a vector, writing it through to the backing
// store before it becomes visible to Search.
func (b *Badger) Insert(id string, vector []float32) error {
	cp := make([]float32, len(vector))
	copy(cp, vector)

	data, err := msgpack.Marshal(entry{ID: id, Vector: cp})
	if err != nil {
		return fmt.Errorf("vecstore: encode vector entry: %w", err)
	}
	if err := b.store.Set(context.Background(), keyFor(id), data); err != nil {
		return fmt.Errorf("vecstore: persist vector entry: %w", err)
	}

	b.mu.Lock()
	b.vectors[id] = cp
	b.mu.Unlock()
	return nil
}

// BatchInsert adds or updates multiple vectors, writing them through to
// the backing store as a single batch.
func (b *Badger) BatchInsert(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("vecstore: BatchInsert length mismatch: %d ids, %d vectors", len(ids), len(vectors))
	}

	entries := make([]kv.Entry, len(ids))
	copies := make([][]float32, len(ids))
	for i, id := range ids {
		cp := make([]float32, len(vectors[i]))
		copy(cp, vectors[i])
		copies[i] = cp

		data, err := msgpack.Marshal(entry{ID: id, Vector: cp})
		if err != nil {
			return fmt.Errorf("vecstore: encode vector entry %q: %w", id, err)
		}
		entries[i] = kv.Entry{Key: keyFor(id), Value: data}
	}
	if err := b.store.BatchSet(context.Background(), entries); err != nil {
		return fmt.Errorf("vecstore: persist batch: %w", err)
	}

	b.mu.Lock()
	for i, id := range ids {
		b.vectors[id] = copies[i]
	}
	b.mu.Unlock()
	return nil
}

// Search performs brute-force cosine search over the in-memory mirror,
// the same algorithm as [Memory].
func (b *Badger) Search(query []float32, topK int) ([]Match, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.vectors) == 0 || topK <= 0 {
		return nil, nil
	}

	type scored struct {
		id   string
		dist float32
	}
	results := make([]scored, 0, len(b.vectors))
	for id, vec := range b.vectors {
		results = append(results, scored{id: id, dist: CosineDistance(query, vec)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > topK {
		results = results[:topK]
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.id, Distance: r.dist}
	}
	return matches, nil
}

// Delete removes a vector by ID from both the in-memory mirror and the
// backing store. No error if the ID does not exist.
func (b *Badger) Delete(id string) error {
	if err := b.store.Delete(context.Background(), keyFor(id)); err != nil {
		return fmt.Errorf("vecstore: delete vector entry: %w", err)
	}
	b.mu.Lock()
	delete(b.vectors, id)
	b.mu.Unlock()
	return nil
}

// ListKnownIDs returns every ID currently indexed, for reconciliation
// against the owning graph store.
func (b *Badger) ListKnownIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.vectors))
	for id := range b.vectors {
		out = append(out, id)
	}
	return out
}

// Len returns the number of vectors currently indexed.
func (b *Badger) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vectors)
}

// Flush is a no-op: every write already went through to the backing
// store synchronously.
func (b *Badger) Flush() error { return nil }

// Close closes the backing store.
func (b *Badger) Close() error {
	return b.store.Close()
}
