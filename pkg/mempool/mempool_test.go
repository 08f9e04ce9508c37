package mempool

import (
	"testing"

	"github.com/coralchain/bftnode/pkg/consensus"
)

func mkTx(id byte, from byte, nonce uint64, fee uint64) consensus.Transaction {
	tx := consensus.Transaction{
		Amount: 1,
		Fee:    fee,
		Nonce:  nonce,
	}
	tx.ID[0] = id
	tx.From[0] = from
	tx.To[0] = from + 100 // distinct from sender so Verify() passes
	return tx
}

func TestAddRejectsLowFee(t *testing.T) {
	mp := New(DefaultConfig())
	tx := mkTx(1, 1, 0, 0)
	if err := mp.Add(tx); err != ErrFeeTooLow {
		t.Fatalf("expected ErrFeeTooLow, got %v", err)
	}
}

func TestAddRejectsDuplicate(t *testing.T) {
	mp := New(DefaultConfig())
	tx := mkTx(1, 1, 0, 5)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := mp.Add(tx); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAddRejectsSenderLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerSender = 2
	mp := New(cfg)
	if err := mp.Add(mkTx(1, 1, 0, 5)); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := mp.Add(mkTx(2, 1, 1, 5)); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if err := mp.Add(mkTx(3, 1, 2, 5)); err != ErrSenderLimit {
		t.Fatalf("expected ErrSenderLimit, got %v", err)
	}
}

// TestNextBatchPriorityOrder mirrors the priority-ordering scenario:
// three distinct senders with fees 5, 15, 10 come out of NextBatch
// highest-fee-first.
func TestNextBatchPriorityOrder(t *testing.T) {
	mp := New(DefaultConfig())
	low := mkTx(1, 1, 0, 5)
	high := mkTx(2, 2, 0, 15)
	mid := mkTx(3, 3, 0, 10)

	for _, tx := range []consensus.Transaction{low, high, mid} {
		if err := mp.Add(tx); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	batch := mp.NextBatch(10, 0)
	if len(batch) != 3 {
		t.Fatalf("expected 3 txs, got %d", len(batch))
	}
	wantFees := []uint64{15, 10, 5}
	for i, tx := range batch {
		if tx.Fee != wantFees[i] {
			t.Fatalf("position %d: expected fee %d, got %d", i, wantFees[i], tx.Fee)
		}
	}
}

func TestNextBatchRespectsCount(t *testing.T) {
	mp := New(DefaultConfig())
	for i := byte(0); i < 5; i++ {
		if err := mp.Add(mkTx(i, i, 0, uint64(i)+1)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	batch := mp.NextBatch(2, 0)
	if len(batch) != 2 {
		t.Fatalf("expected 2 txs, got %d", len(batch))
	}
	// remaining 3 should still be present
	if mp.Len() != 3 {
		t.Fatalf("expected 3 remaining, got %d", mp.Len())
	}
}

func TestNextBatchNonceContiguousRun(t *testing.T) {
	mp := New(DefaultConfig())
	sender := byte(7)
	// same sender, ascending nonces, all same fee so priority ties on
	// insertion order but nonce run logic should still pull them together
	if err := mp.Add(mkTx(1, sender, 0, 20)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mp.Add(mkTx(2, sender, 1, 20)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mp.Add(mkTx(3, sender, 2, 20)); err != nil {
		t.Fatalf("add: %v", err)
	}
	// a competing lower fee transaction from a different sender
	if err := mp.Add(mkTx(4, 99, 0, 1)); err != nil {
		t.Fatalf("add: %v", err)
	}

	batch := mp.NextBatch(10, 0)
	if len(batch) != 4 {
		t.Fatalf("expected 4 txs, got %d", len(batch))
	}
	// the three same-sender txs should appear in nonce order, ahead of the
	// low-fee outsider
	for i := 0; i < 3; i++ {
		if batch[i].Nonce != uint64(i) {
			t.Fatalf("position %d: expected nonce %d, got %d", i, i, batch[i].Nonce)
		}
	}
	if batch[3].Fee != 1 {
		t.Fatalf("expected low-fee tx last, got fee %d", batch[3].Fee)
	}
}

func TestRemove(t *testing.T) {
	mp := New(DefaultConfig())
	tx := mkTx(1, 1, 0, 5)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	mp.Remove(tx.ID)
	if mp.Len() != 0 {
		t.Fatalf("expected empty mempool after remove, got %d", mp.Len())
	}
	batch := mp.NextBatch(10, 0)
	if len(batch) != 0 {
		t.Fatalf("expected empty batch after remove, got %d", len(batch))
	}
}

func TestAddRejectsOversizedTx(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTxSize = 4
	mp := New(cfg)
	tx := mkTx(1, 1, 0, 5)
	tx.Data = []byte("too big")
	if err := mp.Add(tx); err != ErrTxTooLarge {
		t.Fatalf("expected ErrTxTooLarge, got %v", err)
	}
}
