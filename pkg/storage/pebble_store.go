package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/coralchain/bftnode/pkg/consensus"
)

// PebbleStore is the embedded, durable BlockStore/TransactionStore/
// AccountStore backing a validator that persists across restarts. It
// replaces the teacher's order-book-shaped key space with the flat
// block/tx/account/root/metadata layout in keys.go.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) LatestHeight() (consensus.Height, bool) {
	val, closer, err := s.db.Get([]byte(keyLatestHeight))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, false
		}
		panic(err)
	}
	defer closer.Close()
	return consensus.Height(decodeNonce(val)), true
}

func (s *PebbleStore) GetBlock(height consensus.Height) (consensus.Block, bool) {
	val, closer, err := s.db.Get(blockKey(height))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Block{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Block
	if err := decodeGob(val, &out); err != nil {
		panic(fmt.Errorf("decode block at height %d: %w", height, err))
	}
	return out, true
}

func (s *PebbleStore) GetBlockByHash(h consensus.Hash) (consensus.Block, bool) {
	val, closer, err := s.db.Get(hashIndexKey(h))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Block{}, false
		}
		panic(err)
	}
	height := consensus.Height(decodeNonce(val))
	closer.Close()
	return s.GetBlock(height)
}

func (s *PebbleStore) PutBlock(b consensus.Block) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	blockVal, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	if err := batch.Set(blockKey(b.Header.Height), blockVal, nil); err != nil {
		return err
	}
	if err := batch.Set(hashIndexKey(b.Hash()), encodeNonce(uint64(b.Header.Height)), nil); err != nil {
		return err
	}
	if err := batch.Set(rootKey(b.Header.Height), b.Header.StateRoot[:], nil); err != nil {
		return err
	}

	for _, tx := range b.Transactions {
		txVal, err := encodeGob(tx)
		if err != nil {
			return fmt.Errorf("encode tx: %w", err)
		}
		if err := batch.Set(txKey(tx.ID), txVal, nil); err != nil {
			return err
		}
		if err := batch.Set(txHashIndexKey(tx.Hash()), tx.ID[:], nil); err != nil {
			return err
		}
	}

	latest, ok := s.LatestHeight()
	if !ok || b.Header.Height >= latest {
		if err := batch.Set([]byte(keyLatestHeight), encodeNonce(uint64(b.Header.Height)), nil); err != nil {
			return err
		}
	}
	if b.Header.Height == 0 {
		if err := batch.Set([]byte(keyGenesisHash), b.Hash()[:], nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

// GetTransaction looks up a transaction by id.
func (s *PebbleStore) GetTransaction(id [16]byte) (consensus.Transaction, bool) {
	val, closer, err := s.db.Get(txKey(id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Transaction{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Transaction
	if err := decodeGob(val, &out); err != nil {
		panic(fmt.Errorf("decode tx %x: %w", id, err))
	}
	return out, true
}

// Nonce returns the highest nonce recorded for addr, satisfying
// consensus.AccountStore.
func (s *PebbleStore) Nonce(addr consensus.Address) uint64 {
	val, closer, err := s.db.Get(accountKey(addr))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0
		}
		panic(err)
	}
	defer closer.Close()
	return decodeNonce(val)
}

// SetNonce records the highest nonce seen for addr, called by the
// orchestrator after committing a block.
func (s *PebbleStore) SetNonce(addr consensus.Address, nonce uint64) error {
	return s.db.Set(accountKey(addr), encodeNonce(nonce), pebble.Sync)
}

var (
	_ consensus.BlockStore   = (*PebbleStore)(nil)
	_ consensus.AccountStore = (*PebbleStore)(nil)
)
