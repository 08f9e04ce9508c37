package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/coralchain/bftnode/pkg/consensus"
)

// NopWAL discards every commit; useful for tests that don't care about
// crash recovery.
type NopWAL struct{}

func NewNopWAL() *NopWAL                           { return &NopWAL{} }
func (w *NopWAL) AppendCommit(_ consensus.Block) error { return nil }

// FileWAL appends one gob-encoded, length-prefixed record per AppendCommit
// call to an append-only file. The orchestrator appends each block it
// proposes and each block it commits; nothing in this module reads the
// file back.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

func (w *FileWAL) AppendCommit(b consensus.Block) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	enc, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("wal: encode block: %w", err)
	}
	if _, err := fmt.Fprintf(w.f, "%d:", len(enc)); err != nil {
		return fmt.Errorf("wal: write length prefix: %w", err)
	}
	if _, err := w.f.Write(enc); err != nil {
		return fmt.Errorf("wal: write record: %w", err)
	}
	return nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ consensus.WAL = (*NopWAL)(nil)
var _ consensus.WAL = (*FileWAL)(nil)
