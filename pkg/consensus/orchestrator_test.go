// file: pkg/consensus/orchestrator_test.go
package consensus

import (
	"context"
	"testing"
)

// fakeAccountStore reports a fixed last-used nonce per address (the next
// expected nonce is that value plus one), standing in for the
// AccountStore contract without pulling in pkg/storage.
type fakeAccountStore map[Address]uint64

func (s fakeAccountStore) Nonce(addr Address) uint64 { return s[addr] }

type fakeBlockStore struct {
	blocks map[Height]Block
	latest Height
	hasAny bool
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{blocks: make(map[Height]Block)}
}

func (s *fakeBlockStore) LatestHeight() (Height, bool) { return s.latest, s.hasAny }
func (s *fakeBlockStore) GetBlock(h Height) (Block, bool) {
	b, ok := s.blocks[h]
	return b, ok
}
func (s *fakeBlockStore) GetBlockByHash(h Hash) (Block, bool) {
	for _, b := range s.blocks {
		if b.Hash() == h {
			return b, true
		}
	}
	return Block{}, false
}
func (s *fakeBlockStore) PutBlock(b Block) error {
	s.blocks[b.Header.Height] = b
	s.latest = b.Header.Height
	s.hasAny = true
	return nil
}

type fakeMempool struct {
	removed [][16]byte
	added   []Transaction
}

func (m *fakeMempool) NextBatch(maxCount, maxBytes int) []Transaction { return nil }
func (m *fakeMempool) Remove(id [16]byte)                             { m.removed = append(m.removed, id) }
func (m *fakeMempool) Add(tx Transaction) error                       { m.added = append(m.added, tx); return nil }

// fakeNetwork discards every broadcast; handlePropose only needs a non-nil
// Network so the replica's own Prepare vote has somewhere (harmlessly) to go.
type fakeNetwork struct{ handlers Handlers }

func (n *fakeNetwork) BroadcastPropose(ctx context.Context, p Propose) error       { return nil }
func (n *fakeNetwork) BroadcastVote(ctx context.Context, v Vote) error             { return nil }
func (n *fakeNetwork) BroadcastViewChange(ctx context.Context, vc ViewChange) error { return nil }
func (n *fakeNetwork) BroadcastNewView(ctx context.Context, nv NewView) error       { return nil }
func (n *fakeNetwork) BroadcastTx(ctx context.Context, tx Transaction) error        { return nil }
func (n *fakeNetwork) SetHandlers(h Handlers)                                       { n.handlers = h }

func newTestOrchestrator(t *testing.T, acct fakeAccountStore) (*Orchestrator, *fakeBlockStore) {
	t.Helper()
	ids := []NodeID{"val1", "val2", "val3", "val4"}
	elector := NewLeaderElection(ids)
	e := NewEngine("val2", elector, nil, nil, nil)
	store := newFakeBlockStore()
	cfg := OrchestratorConfig{
		SelfID:                  "val2",
		IsValidator:             true,
		ValidatorSet:            ids,
		MaxBlockSize:            1 << 20,
		MaxTransactionsPerBlock: 100,
	}
	o := &Orchestrator{
		cfg: cfg, engine: e, elector: elector,
		mempool: &fakeMempool{}, store: store, acct: acct, net: &fakeNetwork{},
		pendingByKey: make(map[pendingKey]Block),
	}
	return o, store
}

// TestHandleProposeAcceptsContiguousNonceRun verifies a block carrying two
// contiguous-nonce transactions from the same sender (exactly what the
// mempool's per-sender nonce-run batching produces) is admitted, not
// rejected on the second transaction.
func TestHandleProposeAcceptsContiguousNonceRun(t *testing.T) {
	acct := fakeAccountStore{Address{1}: 4} // next expected nonce is 5
	o, _ := newTestOrchestrator(t, acct)

	primary := o.elector.PrimaryOf(0)
	blk := mkBlock(primary, 0, 0,
		Transaction{ID: [16]byte{1}, From: Address{1}, To: Address{2}, Amount: 1, Fee: 1, Nonce: 5},
		Transaction{ID: [16]byte{2}, From: Address{1}, To: Address{2}, Amount: 1, Fee: 1, Nonce: 6},
	)
	o.handlePropose(primary, Propose{Block: blk, Sequence: 0, View: 0})

	if _, ok := o.engine.BlockFor(0, 0); !ok {
		t.Fatalf("expected the proposal to be admitted into the engine log")
	}
}

// TestHandleProposeRejectsNonContiguousNonce verifies a gap in a sender's
// nonce sequence within one block is still rejected.
func TestHandleProposeRejectsNonContiguousNonce(t *testing.T) {
	acct := fakeAccountStore{Address{1}: 4} // next expected nonce is 5
	o, _ := newTestOrchestrator(t, acct)

	primary := o.elector.PrimaryOf(0)
	blk := mkBlock(primary, 0, 0,
		Transaction{ID: [16]byte{1}, From: Address{1}, To: Address{2}, Amount: 1, Fee: 1, Nonce: 5},
		Transaction{ID: [16]byte{2}, From: Address{1}, To: Address{2}, Amount: 1, Fee: 1, Nonce: 8}, // gap
	)
	o.handlePropose(primary, Propose{Block: blk, Sequence: 0, View: 0})

	if _, ok := o.engine.BlockFor(0, 0); ok {
		t.Fatalf("expected the proposal to be rejected on the non-contiguous second nonce")
	}
}

// TestHandleProposeTracksNonceIndependentlyPerSender verifies two different
// senders each starting their own contiguous run in the same block are both
// admitted rather than cross-contaminating each other's expected nonce.
func TestHandleProposeTracksNonceIndependentlyPerSender(t *testing.T) {
	acct := fakeAccountStore{Address{1}: 0, Address{2}: 10}
	o, _ := newTestOrchestrator(t, acct)

	primary := o.elector.PrimaryOf(0)
	blk := mkBlock(primary, 0, 0,
		Transaction{ID: [16]byte{1}, From: Address{1}, To: Address{3}, Amount: 1, Fee: 1, Nonce: 1},
		Transaction{ID: [16]byte{2}, From: Address{2}, To: Address{3}, Amount: 1, Fee: 1, Nonce: 11},
		Transaction{ID: [16]byte{3}, From: Address{1}, To: Address{3}, Amount: 1, Fee: 1, Nonce: 2},
	)
	o.handlePropose(primary, Propose{Block: blk, Sequence: 0, View: 0})

	if _, ok := o.engine.BlockFor(0, 0); !ok {
		t.Fatalf("expected interleaved per-sender nonce runs to be admitted")
	}
}
