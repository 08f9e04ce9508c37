package storage

import (
	"sync"

	"github.com/coralchain/bftnode/pkg/consensus"
)

// MemStore is a process-local BlockStore, used in tests and for nodes
// running without a persistence requirement (e.g. single-process
// integration scenarios). It satisfies consensus.BlockStore directly.
type MemStore struct {
	mu          sync.RWMutex
	byHeight    map[consensus.Height]consensus.Block
	byHash      map[consensus.Hash]consensus.Height
	latest      consensus.Height
	hasAny      bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		byHeight: make(map[consensus.Height]consensus.Block),
		byHash:   make(map[consensus.Hash]consensus.Height),
	}
}

func (s *MemStore) LatestHeight() (consensus.Height, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasAny
}

func (s *MemStore) GetBlock(height consensus.Height) (consensus.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHeight[height]
	return b, ok
}

func (s *MemStore) GetBlockByHash(h consensus.Hash) (consensus.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	height, ok := s.byHash[h]
	if !ok {
		return consensus.Block{}, false
	}
	b, ok := s.byHeight[height]
	return b, ok
}

func (s *MemStore) PutBlock(b consensus.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHeight[b.Header.Height] = b
	s.byHash[b.Hash()] = b.Header.Height
	if !s.hasAny || b.Header.Height >= s.latest {
		s.latest = b.Header.Height
		s.hasAny = true
	}
	return nil
}

var _ consensus.BlockStore = (*MemStore)(nil)
