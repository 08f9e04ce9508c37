// file: pkg/consensus/orchestrator.go
package consensus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Mempool is the subset of pkg/mempool.Mempool the orchestrator needs.
// Declaring it here (rather than importing pkg/mempool) avoids a import
// cycle, since pkg/mempool depends on consensus.Transaction.
type Mempool interface {
	NextBatch(maxCount int, maxBytes int) []Transaction
	Remove(id [16]byte)
	Add(tx Transaction) error
}

// OrchestratorConfig holds the recognized configuration options (spec §6).
type OrchestratorConfig struct {
	SelfID                  NodeID
	IsValidator             bool
	ValidatorSet            []NodeID
	BlockTime               time.Duration
	MaxBlockSize            int
	MaxTransactionsPerBlock int
	GCKeepViews             View
	GCKeepSequences         Height
}

// Stats mirrors the original implementation's ConsensusStats, exposed for
// logging and for whatever JSON-RPC/metrics surface a full node layers on
// top (both out of scope here).
type Stats struct {
	Height            Height
	View              View
	BlocksCommitted   uint64
	TxCommitted       uint64
	ViewChanges       uint64
	EquivocationsSeen uint64
}

// Orchestrator binds the PBFT engine, the view-change manager, leader
// election, mempool, storage and network together and drives the
// proposer loop, the view-change loop, and inbound message routing.
type Orchestrator struct {
	cfg     OrchestratorConfig
	engine  *Engine
	vc      *ViewChangeManager
	elector *LeaderElection
	mempool Mempool
	store   BlockStore
	wal     WAL
	net     Network
	acct    AccountStore
	logger  *zap.SugaredLogger

	mu           sync.Mutex
	state        orchState
	pendingLock  sync.RWMutex
	pendingByKey map[pendingKey]Block
	stats        Stats

	OnBlockCommit func(height Height)
}

type orchState int

const (
	stateIdle orchState = iota
	stateProposing
	stateViewChanging
)

type pendingKey struct {
	view View
	seq  Height
}

func NewOrchestrator(cfg OrchestratorConfig, engine *Engine, vc *ViewChangeManager, elector *LeaderElection, mempool Mempool, store BlockStore, wal WAL, net Network, acct AccountStore, logger *zap.SugaredLogger) *Orchestrator {
	o := &Orchestrator{
		cfg: cfg, engine: engine, vc: vc, elector: elector,
		mempool: mempool, store: store, wal: wal, net: net, acct: acct, logger: logger,
		pendingByKey: make(map[pendingKey]Block),
	}
	net.SetHandlers(Handlers{
		OnPropose:    o.handlePropose,
		OnVote:       o.handleVote,
		OnViewChange: o.handleViewChangeMsg,
		OnNewView:    o.handleNewViewMsg,
		OnTx:         o.handleTx,
	})
	return o
}

// Start initializes sequence/view from storage: observers and validators
// alike re-derive current_sequence = last_committed_height + 1.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := Height(0)
	if h, ok := o.store.LatestHeight(); ok {
		seq = h + 1
	}
	o.engine.SetSequence(seq)
	o.engine.SetView(0)
	o.vc.StartView(0)
	o.state = stateIdle
	if seq > 0 {
		o.stats.Height = seq - 1
	}
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// Run drives the proposer-tick and view-change-tick loops until ctx is
// cancelled. Observers (IsValidator == false) never propose or vote but
// still apply committed blocks learned from the network.
func (o *Orchestrator) Run(ctx context.Context) error {
	proposerTicker := time.NewTicker(o.cfg.BlockTime)
	defer proposerTicker.Stop()
	vcTicker := time.NewTicker(o.cfg.BlockTime)
	defer vcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proposerTicker.C:
			if o.cfg.IsValidator {
				o.maybePropose(ctx)
			}
		case <-vcTicker.C:
			if o.cfg.IsValidator {
				o.maybeTriggerViewChange(ctx)
			}
		}
	}
}

func (o *Orchestrator) maybePropose(ctx context.Context) {
	o.mu.Lock()
	idle := o.state == stateIdle
	view := o.engine.CurrentView()
	seq := o.engine.CurrentSequence()
	o.mu.Unlock()

	if !idle || !o.elector.IsPrimary(o.cfg.SelfID, view) {
		return
	}

	txs := o.mempool.NextBatch(o.cfg.MaxTransactionsPerBlock, o.cfg.MaxBlockSize)
	if len(txs) == 0 {
		return
	}

	prevHash := Hash{}
	if h, ok := o.store.LatestHeight(); ok {
		if prevBlk, ok := o.store.GetBlock(h); ok {
			prevHash = prevBlk.Hash()
		}
	}

	blk := Block{Header: BlockHeader{
		Height:       seq,
		PreviousHash: prevHash,
		Timestamp:    time.Now().UnixMilli(),
		Proposer:     o.cfg.SelfID,
		Round:        uint64(seq),
		View:         view,
	}, Transactions: txs}
	blk.Header.MerkleRoot = blk.MerkleRoot()

	prop := Propose{Block: blk, Sequence: seq, View: view}

	o.mu.Lock()
	o.state = stateProposing
	o.mu.Unlock()
	o.pendingLock.Lock()
	o.pendingByKey[pendingKey{view, seq}] = blk
	o.pendingLock.Unlock()

	if o.wal != nil {
		_ = o.wal.AppendCommit(blk) // pre-commit record; the WAL is append-only, so onCommitted appends the block again
	}

	if err := o.net.BroadcastPropose(ctx, prop); err != nil && o.logger != nil {
		o.logger.Warnw("broadcast_propose_failed", "err", err)
	}
	// The primary runs its own proposal through handlePropose so the block
	// is pinned in its log; HandlePropose returns no Prepare vote for the
	// proposer itself.
	o.handlePropose(o.cfg.SelfID, prop)
}

// handleTx admits a transaction received on the network's transaction
// topic into the local mempool. Rejections are routine — low fee, duplicate, sender over
// limit — and are not broadcast as faults.
func (o *Orchestrator) handleTx(tx Transaction) {
	if err := o.mempool.Add(tx); err != nil && o.logger != nil {
		o.logger.Debugw("tx_rejected", "err", err, "tx_id", tx.ID)
	}
}

func (o *Orchestrator) handlePropose(from NodeID, p Propose) {
	if !p.Block.Verify() {
		if o.logger != nil {
			o.logger.Warnw("block_validation_failed", "view", p.View, "sequence", p.Sequence)
		}
		return
	}
	if o.acct != nil {
		expected := make(map[Address]uint64, len(p.Block.Transactions))
		for _, tx := range p.Block.Transactions {
			want, ok := expected[tx.From]
			if !ok {
				want = o.acct.Nonce(tx.From) + 1
			}
			if tx.Nonce != want {
				if o.logger != nil {
					o.logger.Warnw("bad_nonce_reject", "sender", tx.From.String(), "nonce", tx.Nonce, "want", want)
				}
				return
			}
			expected[tx.From] = want + 1
		}
	}

	vote, err := o.engine.HandlePropose(p, from)
	if err != nil {
		if o.logger != nil {
			o.logger.Warnw("propose_rejected", "err", err, "view", p.View, "sequence", p.Sequence)
		}
		return
	}
	o.pendingLock.Lock()
	o.pendingByKey[pendingKey{p.View, p.Sequence}] = p.Block
	o.pendingLock.Unlock()

	if vote == nil || !o.cfg.IsValidator {
		return
	}
	ctx := context.Background()
	if err := o.net.BroadcastVote(ctx, *vote); err != nil && o.logger != nil {
		o.logger.Warnw("broadcast_vote_failed", "err", err)
	}
	o.handleVote(*vote)
}

func (o *Orchestrator) handleVote(v Vote) {
	outCommit, committed, err := o.engine.HandleVote(v)
	if err != nil {
		if o.logger != nil {
			o.logger.Debugw("vote_dropped", "err", err)
		}
		return
	}
	if outCommit != nil && o.cfg.IsValidator {
		ctx := context.Background()
		if err := o.net.BroadcastVote(ctx, *outCommit); err != nil && o.logger != nil {
			o.logger.Warnw("broadcast_commit_vote_failed", "err", err)
		}
		o.handleVote(*outCommit)
	}
	if committed != nil {
		o.onCommitted(*committed)
	}
}

// onCommitted persists the block, evicts its transactions from the
// mempool, advances state back to Idle, and restarts the view timer.
func (o *Orchestrator) onCommitted(cc CommittedCertificate) {
	o.pendingLock.Lock()
	blk, ok := o.pendingByKey[pendingKey{cc.View, cc.Sequence}]
	if ok {
		delete(o.pendingByKey, pendingKey{cc.View, cc.Sequence})
	}
	o.pendingLock.Unlock()
	if !ok {
		if b, ok2 := o.engine.BlockFor(cc.View, cc.Sequence); ok2 {
			blk = b
		} else {
			return
		}
	}

	if err := o.store.PutBlock(blk); err != nil {
		if o.logger != nil {
			o.logger.Errorw("storage_put_block_failed", "err", err, "height", blk.Header.Height)
		}
		return // fatal to this commit; restart re-derives current_sequence from storage
	}
	if o.wal != nil {
		_ = o.wal.AppendCommit(blk)
	}
	for _, tx := range blk.Transactions {
		o.mempool.Remove(tx.ID)
	}
	if ns, ok := o.acct.(interface {
		SetNonce(addr Address, nonce uint64) error
	}); ok {
		for _, tx := range blk.Transactions {
			if tx.Nonce > o.acct.Nonce(tx.From) {
				if err := ns.SetNonce(tx.From, tx.Nonce); err != nil && o.logger != nil {
					o.logger.Errorw("storage_set_nonce_failed", "err", err, "sender", tx.From.String())
				}
			}
		}
	}

	o.mu.Lock()
	o.state = stateIdle
	o.stats.Height = blk.Header.Height
	o.stats.BlocksCommitted++
	o.stats.TxCommitted += uint64(len(blk.Transactions))
	o.mu.Unlock()

	o.vc.StartView(o.engine.CurrentView())
	o.engine.CleanupOldLogs(o.cfg.GCKeepSequences)
	o.vc.CleanupOldMessages(o.cfg.GCKeepViews)

	if o.logger != nil {
		o.logger.Infow("block_committed", "height", blk.Header.Height, "view", cc.View, "txs", len(blk.Transactions))
	}
	if o.OnBlockCommit != nil {
		o.OnBlockCommit(blk.Header.Height)
	}
}

func (o *Orchestrator) maybeTriggerViewChange(ctx context.Context) {
	if !o.vc.IsTimeout() {
		return
	}
	o.mu.Lock()
	o.state = stateViewChanging
	o.mu.Unlock()

	newView := o.vc.CurrentView() + 1
	lastPrepared := o.engine.HighestPrepared()
	vc, err := o.vc.TriggerViewChange(newView, lastPrepared)
	if err != nil {
		if o.logger != nil {
			o.logger.Warnw("trigger_view_change_failed", "err", err)
		}
		return
	}
	o.vc.UpdateTimeout()

	o.mu.Lock()
	o.stats.ViewChanges++
	o.mu.Unlock()

	if err := o.net.BroadcastViewChange(ctx, vc); err != nil && o.logger != nil {
		o.logger.Warnw("broadcast_view_change_failed", "err", err)
	}
	o.handleViewChangeMsg(vc)
}

func (o *Orchestrator) handleViewChangeMsg(vc ViewChange) {
	ready, isNewPrimary := o.vc.HandleViewChange(vc)
	if !ready || !isNewPrimary {
		return
	}
	replay := o.buildReplayProposals(vc.NewView)
	nv, err := o.vc.AssembleNewView(vc.NewView, replay)
	if err != nil {
		if o.logger != nil {
			o.logger.Warnw("assemble_new_view_failed", "err", err)
		}
		return
	}
	ctx := context.Background()
	if err := o.net.BroadcastNewView(ctx, nv); err != nil && o.logger != nil {
		o.logger.Warnw("broadcast_new_view_failed", "err", err)
	}
	o.handleNewViewMsg(nv)
}

// buildReplayProposals gathers, from the highest-view prepared certificate
// per sequence across the entire quorum of ViewChange evidence (not just
// this node's own log), every sequence that must be re-proposed verbatim
// in the new view (spec §4.3). A sequence prepared only on a replica other
// than the new primary still surfaces here via that replica's ViewChange;
// it is only dropped if the new primary also lacks the block bytes to
// replay it, which BestReplayFor cannot fix without a block-fetch round
// trip (not part of this protocol).
func (o *Orchestrator) buildReplayProposals(newView View) []Propose {
	best := o.vc.BestReplayFor(newView)
	if len(best) == 0 {
		return nil
	}
	proposals := make([]Propose, 0, len(best))
	for seq, cert := range best {
		blk, ok := o.engine.BlockFor(cert.View, cert.Sequence)
		if !ok || blk.Hash() != cert.H {
			if o.logger != nil {
				o.logger.Warnw("replay_block_unavailable", "sequence", seq, "view", cert.View)
			}
			continue
		}
		proposals = append(proposals, Propose{Block: blk, Sequence: seq, View: newView})
	}
	return proposals
}

func (o *Orchestrator) handleNewViewMsg(nv NewView) {
	if err := o.vc.HandleNewView(nv); err != nil {
		if o.logger != nil {
			o.logger.Warnw("new_view_rejected", "err", err)
		}
		return
	}
	o.engine.SetView(nv.View)
	for _, p := range nv.ReplayedProposals {
		o.engine.InstallReplayedProposal(p)
		o.pendingLock.Lock()
		o.pendingByKey[pendingKey{p.View, p.Sequence}] = p.Block
		o.pendingLock.Unlock()
	}
	o.vc.StartView(nv.View)
	o.mu.Lock()
	o.state = stateIdle
	o.stats.View = nv.View
	o.mu.Unlock()
	if o.logger != nil {
		o.logger.Infow("new_view_installed", "view", nv.View, "replayed", len(nv.ReplayedProposals))
	}
}
