// Package persistence implements component D: atomic JSON snapshot
// save/load for the long-term graph store and the perceptual/short-term
// tier state, plus an optional secondary mirror of every written snapshot
// file to an off-box object store.
//
// Local snapshot writes use tmp-write + fsync + rename directly against
// the filesystem rather than through pkg/storage.FileStore: that
// interface's Read/Write/Delete/Exists surface has no rename primitive,
// which a generic remote backend (S3) cannot offer atomically anyway —
// see DESIGN.md. The optional S3 mirror in this package copies the
// already-durable local file as a secondary step, through
// storage.FileStore, after the atomic local write succeeds.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tatachi1/memorygraph/pkg/graph"
	"github.com/tatachi1/memorygraph/pkg/logging"
	"github.com/tatachi1/memorygraph/pkg/perceptual"
	"github.com/tatachi1/memorygraph/pkg/shortterm"
	"github.com/tatachi1/memorygraph/pkg/storage"
)

var log = logging.DefaultLogger("persistence")

const (
	graphFile = "graph_store.json"
	shortTermFile = "short_term_memory.json"
	perceptualFile = "perceptual_blocks.json"
	backupsDir = "backups"
)

// Store reads and writes the three persisted snapshot files under a data
// directory.
type Store struct {
	dataDir string

	// Mirror, if set, receives a copy of every successfully written
	// snapshot file for off-box durability.
	Mirror storage.FileStore
}

// New creates a Store rooted at dataDir, creating it if necessary.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, backupsDir), 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create backups dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// shortTermSnapshot mirrors the on-disk short_term_memory.json shape.
type shortTermSnapshot struct {
	Memories []*shortterm.ShortTermMemory `json:"memories"`
	MaxMemories int `json:"max_memories"`
	TransferThreshold float64 `json:"transfer_threshold"`
}

type perceptualSnapshot struct {
	Blocks []*perceptual.MemoryBlock `json:"blocks"`
}

// SaveGraph atomically writes the graph store's contents to
// graph_store.json.
func (s *Store) SaveGraph(store *graph.Store) error {
	return s.writeAtomic(graphFile, store.ToSnapshot())
}

// LoadGraph reads graph_store.json into a fresh graph.Store. On
// corruption the file is renamed to a .bak copy and an empty store is
// returned.
func (s *Store) LoadGraph() (*graph.Store, error) {
	store := graph.NewStore()
	var snap graph.Snapshot
	ok, err := s.readOrBackup(graphFile, &snap)
	if err != nil {
		return nil, err
	}
	if ok {
		store.RestoreFromSnapshot(&snap)
	}
	return store, nil
}

// SaveShortTerm atomically writes the short-term manager's entries.
func (s *Store) SaveShortTerm(memories []*shortterm.ShortTermMemory, maxMemories int, transferThreshold float64) error {
	return s.writeAtomic(shortTermFile, shortTermSnapshot{
			Memories: memories,
			MaxMemories: maxMemories,
			TransferThreshold: transferThreshold,
	})
}

// LoadShortTerm reads short_term_memory.json, or returns an empty slice
// on a missing or corrupted file.
func (s *Store) LoadShortTerm() ([]*shortterm.ShortTermMemory, error) {
	var snap shortTermSnapshot
	ok, err := s.readOrBackup(shortTermFile, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return snap.Memories, nil
}

// SavePerceptual atomically writes the perceptual manager's block FIFO.
func (s *Store) SavePerceptual(blocks []*perceptual.MemoryBlock) error {
	return s.writeAtomic(perceptualFile, perceptualSnapshot{Blocks: blocks})
}

// LoadPerceptual reads perceptual_blocks.json, or returns an empty slice
// on a missing or corrupted file.
func (s *Store) LoadPerceptual() ([]*perceptual.MemoryBlock, error) {
	var snap perceptualSnapshot
	ok, err := s.readOrBackup(perceptualFile, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return snap.Blocks, nil
}

// writeAtomic marshals v and writes it to name under dataDir using a
// tmp-write + fsync + rename sequence, so a crash mid-write never leaves
// a half-written file in place. On success, if a Mirror is configured,
// the file is also copied there.
func (s *Store) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return fmt.Errorf("persistence: marshal %s: %w", name, err)
	}

	full := filepath.Join(s.dataDir, name)
	tmp := full + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		log.ErrorPrintf("create tmp file for %s: %v", name, err)
		return fmt.Errorf("persistence: create tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		log.ErrorPrintf("write tmp file for %s: %v", name, err)
		return fmt.Errorf("persistence: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		log.ErrorPrintf("fsync tmp file for %s: %v", name, err)
		return fmt.Errorf("persistence: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		log.ErrorPrintf("close tmp file for %s: %v", name, err)
		return fmt.Errorf("persistence: close tmp: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		log.ErrorPrintf("rename tmp file for %s: %v", name, err)
		return fmt.Errorf("persistence: rename: %w", err)
	}

	if s.Mirror != nil {
		s.mirrorCopy(name, data)
	}
	return nil
}

func (s *Store) mirrorCopy(name string, data []byte) {
	ctx := context.TODO()
	w, err := s.Mirror.Write(ctx, name)
	if err != nil {
		log.WarnPrintf("mirror write %s: %v", name, err)
		return
	}
	defer w.Close()
	if _, err := w.Write(data); err != nil {
		log.WarnPrintf("mirror write %s: %v", name, err)
	}
}

// readOrBackup reads name under dataDir and unmarshals it into v. If the
// file does not exist, ok is false with no error. If it exists but fails
// to parse, it is renamed to a timestamped copy under backups/ with a
// .bak suffix and ok is false with no error.
func (s *Store) readOrBackup(name string, v any) (ok bool, err error) {
	full := filepath.Join(s.dataDir, name)
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("persistence: read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		log.ErrorPrintf("%s is corrupted, backing up and starting empty: %v", name, err)
		s.backupCorrupted(name, data)
		return false, nil
	}
	return true, nil
}

func (s *Store) backupCorrupted(name string, data []byte) {
	backupName := fmt.Sprintf("%s.%d.bak", name, time.Now().UnixNano())
	backupPath := filepath.Join(s.dataDir, backupsDir, backupName)
	if err := os.Rename(filepath.Join(s.dataDir, name), backupPath); err != nil {
		log.ErrorPrintf("backup corrupted file %s: %v", name, err)
	}
}
