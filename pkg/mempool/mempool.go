// file: pkg/mempool/mempool.go
package mempool

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/coralchain/bftnode/pkg/consensus"
)

var (
	ErrFeeTooLow        = errors.New("mempool: fee below minimum")
	ErrTxTooLarge       = errors.New("mempool: transaction exceeds max size")
	ErrSenderLimit      = errors.New("mempool: sender has reached max pending transactions")
	ErrDuplicate        = errors.New("mempool: duplicate transaction")
	ErrInvalidTx        = errors.New("mempool: transaction failed shape validation")
	ErrMempoolFull      = errors.New("mempool: full and fee does not exceed replacement threshold")
)

// Config mirrors the recognized mempool options (spec §6).
type Config struct {
	MaxSize      int
	MaxPerSender int
	MinFee       uint64
	MaxTxSize    int
}

func DefaultConfig() Config {
	return Config{MaxSize: 10000, MaxPerSender: 100, MinFee: 1, MaxTxSize: 1 << 20}
}

// Stats tracks admission outcomes, grounded on the original implementation's
// mempool statistics surface.
type Stats struct {
	Admitted int64
	Rejected int64
}

// entry is a mempool slot: the transaction, its priority, and a
// monotonically increasing insertion counter used to break fee ties in
// favor of earlier arrivals.
type entry struct {
	tx        consensus.Transaction
	priority  uint64
	inserted  uint64
	removed   bool // lazily marked on Remove; skipped when popped from the heap
	heapIndex int
}

// priorityHeap is a max-heap over (priority, earlier insertion wins ties),
// the same container/heap idiom the teacher uses for its order-book price
// heaps (pkg/app/core/orderbook/heap.go), generalized from int64 prices to
// full mempool entries.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].inserted < h[j].inserted
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Mempool is the fee-priority pending-transaction buffer that feeds block
// proposals. All public operations are linearizable with respect to one
// another: a single mutex guards the three coordinated indices.
type Mempool struct {
	mu sync.Mutex

	cfg Config

	byID     map[[16]byte]*entry
	bySender map[consensus.Address][]*entry
	hashes   map[consensus.Hash]struct{}
	heap     priorityHeap
	counter  uint64
	stats    Stats
}

func New(cfg Config) *Mempool {
	return &Mempool{
		cfg:      cfg,
		byID:     make(map[[16]byte]*entry),
		bySender: make(map[consensus.Address][]*entry),
		hashes:   make(map[consensus.Hash]struct{}),
	}
}

// Add admits a transaction, rejecting it (and recording the rejection)
// if fee, size, per-sender, duplicate, or shape checks fail, or if the
// mempool is full and the fee does not clear the replacement threshold.
func (m *Mempool) Add(tx consensus.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Fee < m.cfg.MinFee {
		m.stats.Rejected++
		return ErrFeeTooLow
	}
	if len(tx.Data) > m.cfg.MaxTxSize {
		m.stats.Rejected++
		return ErrTxTooLarge
	}
	if !tx.Verify() {
		m.stats.Rejected++
		return ErrInvalidTx
	}
	h := tx.Hash()
	if _, dup := m.hashes[h]; dup {
		m.stats.Rejected++
		return ErrDuplicate
	}
	if len(m.bySender[tx.From]) >= m.cfg.MaxPerSender {
		m.stats.Rejected++
		return ErrSenderLimit
	}
	if len(m.byID) >= m.cfg.MaxSize {
		if !m.shouldReplace(tx.Fee) {
			m.stats.Rejected++
			return ErrMempoolFull
		}
	}

	m.counter++
	e := &entry{tx: tx, priority: tx.Priority(), inserted: m.counter}
	m.byID[tx.ID] = e
	m.bySender[tx.From] = append(m.bySender[tx.From], e)
	m.hashes[h] = struct{}{}
	heap.Push(&m.heap, e)
	m.stats.Admitted++

	if len(m.byID) > int(float64(m.cfg.MaxSize)*0.9) {
		m.cleanupLocked()
	}
	return nil
}

// shouldReplace mirrors the original implementation's
// calculate_priority/should_replace rule: a full mempool admits only fees
// exceeding twice the minimum fee.
func (m *Mempool) shouldReplace(fee uint64) bool {
	return fee > 2*m.cfg.MinFee
}

// Remove evicts a transaction by id; the heap entry is left in place and
// lazily discarded the next time it is popped (spec §4.4 "Removal").
func (m *Mempool) Remove(id [16]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Mempool) removeLocked(id [16]byte) {
	e, ok := m.byID[id]
	if !ok {
		return
	}
	e.removed = true
	delete(m.byID, id)
	delete(m.hashes, e.tx.Hash())
	senders := m.bySender[e.tx.From]
	for i, s := range senders {
		if s == e {
			m.bySender[e.tx.From] = append(senders[:i], senders[i+1:]...)
			break
		}
	}
	if len(m.bySender[e.tx.From]) == 0 {
		delete(m.bySender, e.tx.From)
	}
}

// Len returns the number of live (non-removed) transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Mempool) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// NextBatch produces an ordered batch honoring fee priority, bounded by
// maxCount transactions and maxBytes total serialized size. Unlike a
// strict one-per-sender cap, a sender with multiple eligible pending
// transactions may contribute one contiguous run starting at their lowest
// pending nonce, in nonce order — resolving the "proper nonce ordering"
// open issue instead of leaving throughput on the table. Peeked-but-not-
// chosen entries are restored to the heap unchanged; chosen entries leave
// the mempool (Len no longer counts them).
func (m *Mempool) NextBatch(maxCount int, maxBytes int) []consensus.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var chosen []consensus.Transaction
	var setAside []*entry
	usedBytes := 0
	takenFromSender := make(map[consensus.Address]int)

	for m.heap.Len() > 0 && len(chosen) < maxCount {
		e := heap.Pop(&m.heap).(*entry)
		if e.removed {
			continue // stale reference: discard, it was already removed
		}

		size := len(e.tx.Data)
		if maxBytes > 0 && usedBytes+size > maxBytes {
			setAside = append(setAside, e)
			continue
		}
		if takenFromSender[e.tx.From] > 0 {
			setAside = append(setAside, e) // one run per sender per batch; this sender's run is already taken
			continue
		}

		run := m.nonceRunFor(e, maxCount-len(chosen), maxBytes-usedBytes)
		if len(run) == 0 {
			setAside = append(setAside, e)
			continue
		}
		for _, picked := range run {
			chosen = append(chosen, picked.tx)
			usedBytes += len(picked.tx.Data)
			takenFromSender[picked.tx.From]++
			m.removeFromHeapView(picked)
		}
	}

	for _, e := range setAside {
		if !e.removed {
			heap.Push(&m.heap, e)
		}
	}
	return chosen
}

// nonceRunFor returns the contiguous nonce-ordered run of pending
// transactions from e's sender starting at e itself, bounded by the
// remaining count/byte budget. It returns nil when the sender has a pending
// transaction with a lower nonce than e, so a run always begins at the
// sender's lowest pending nonce; account nonces are not consulted. If e is
// not among its sender's pending entries, the run is just e.
func (m *Mempool) nonceRunFor(e *entry, countBudget, byteBudget int) []*entry {
	pending := m.bySender[e.tx.From]
	live := pending[:0:0]
	for _, p := range pending {
		if !p.removed {
			live = append(live, p)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].tx.Nonce < live[j].tx.Nonce })

	start := -1
	for i, p := range live {
		if p == e {
			start = i
			break
		}
	}
	if start == -1 {
		return []*entry{e}
	}
	if start > 0 {
		return nil // the run is taken when the lower-nonce entry is popped
	}

	var run []*entry
	usedBytes := 0
	expectedNonce := live[start].tx.Nonce
	for i := start; i < len(live) && len(run) < countBudget; i++ {
		if live[i].tx.Nonce != expectedNonce {
			break
		}
		size := len(live[i].tx.Data)
		if byteBudget > 0 && usedBytes+size > byteBudget {
			break
		}
		run = append(run, live[i])
		usedBytes += size
		expectedNonce++
	}
	if len(run) == 0 {
		return []*entry{e}
	}
	return run
}

// removeFromHeapView takes an entry chosen for a batch out of the
// mempool's indices and marks it consumed, so a later Pop of any heap
// reference still pointing at it treats it as stale.
func (m *Mempool) removeFromHeapView(e *entry) {
	e.removed = true
	delete(m.byID, e.tx.ID)
	delete(m.hashes, e.tx.Hash())
	senders := m.bySender[e.tx.From]
	for i, s := range senders {
		if s == e {
			m.bySender[e.tx.From] = append(senders[:i], senders[i+1:]...)
			break
		}
	}
}

// cleanupLocked evicts lowest-priority entries until size <= 90% of
// MaxSize; caller must hold m.mu.
func (m *Mempool) cleanupLocked() {
	target := int(float64(m.cfg.MaxSize) * 0.9)
	var lowest []*entry
	for _, e := range m.byID {
		lowest = append(lowest, e)
	}
	sort.Slice(lowest, func(i, j int) bool {
		if lowest[i].priority != lowest[j].priority {
			return lowest[i].priority < lowest[j].priority
		}
		return lowest[i].inserted > lowest[j].inserted
	})
	for _, e := range lowest {
		if len(m.byID) <= target {
			break
		}
		m.removeLocked(e.tx.ID)
	}
}
