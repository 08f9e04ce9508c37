// file: pkg/consensus/engine.go
package consensus

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotPrimary      = errors.New("consensus: proposer is not the primary for this view")
	ErrEquivocation    = errors.New("consensus: primary equivocated at this sequence")
	ErrUnknownValidator = errors.New("consensus: message from unknown validator")
	ErrStaleView       = errors.New("consensus: message for a non-current view")
	ErrInvalidSignature = errors.New("consensus: signature does not match claimed validator")
)

// Verifier checks that a message signature was produced by the claimed
// validator, resolving the distilled spec's open question that signatures
// were represented but never cryptographically checked (see pkg/crypto).
type Verifier interface {
	Verify(id NodeID, digest Hash, sig Signature) bool
}

// Signer produces the signature attached to an outbound Vote or
// ViewChange message before it is broadcast.
type Signer interface {
	SignDigest(digest Hash) (Signature, error)
}

// logEntry is keyed by (view, sequence) and only ever moves forward
// through Phase{Idle,PrePrepared,Prepared,Committed}.
type logEntry struct {
	phase        Phase
	blockHash    Hash
	block        *Block
	prepareVotes map[NodeID]Vote
	commitVotes  map[NodeID]Vote
}

func newLogEntry() *logEntry {
	return &logEntry{
		phase:        PhaseIdle,
		prepareVotes: make(map[NodeID]Vote),
		commitVotes:  make(map[NodeID]Vote),
	}
}

// Engine owns the per-(view, sequence) PBFT log. It is pure with respect
// to external I/O: every method returns the outbound message(s) the
// orchestrator must broadcast rather than sending them itself.
type Engine struct {
	mu sync.RWMutex

	selfID  NodeID
	elector *LeaderElection
	verify  Verifier
	signer  Signer
	logger  *zap.SugaredLogger

	currentView     View
	currentSequence Height

	log      map[View]map[Height]*logEntry
	prepared map[View]map[Height]PreparedCertificate
	equivocations []EquivocationRecord
}

func NewEngine(selfID NodeID, elector *LeaderElection, verify Verifier, signer Signer, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		selfID:   selfID,
		elector:  elector,
		verify:   verify,
		signer:   signer,
		logger:   logger,
		log:      make(map[View]map[Height]*logEntry),
		prepared: make(map[View]map[Height]PreparedCertificate),
	}
}

// sign attaches a signature to an outbound vote if this engine holds a
// signer; an unsigned vote is left as-is (tests without crypto wiring).
func (e *Engine) sign(v Vote) Vote {
	if e.signer == nil {
		return v
	}
	if sig, err := e.signer.SignDigest(v.SigningDigest()); err == nil {
		v.Signature = sig
	}
	return v
}

func (e *Engine) entry(view View, seq Height) *logEntry {
	byHeight, ok := e.log[view]
	if !ok {
		byHeight = make(map[Height]*logEntry)
		e.log[view] = byHeight
	}
	le, ok := byHeight[seq]
	if !ok {
		le = newLogEntry()
		byHeight[seq] = le
	}
	return le
}

func (e *Engine) CurrentView() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentView
}

func (e *Engine) CurrentSequence() Height {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentSequence
}

// SetView installs a new view after a successful view change; it does not
// itself reset the log (cleanup_old_logs/SetSequence handle that).
func (e *Engine) SetView(v View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentView = v
}

func (e *Engine) SetSequence(s Height) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentSequence = s
}

// HandlePropose processes an inbound Pre-Prepare. It rejects proposals
// from non-primaries and detects equivocation (a primary proposing two
// different blocks at the same (view, sequence)); a non-primary validator
// that accepts the proposal returns the Prepare vote it must broadcast.
func (e *Engine) HandlePropose(p Propose, from NodeID) (*Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.View != e.currentView {
		return nil, ErrStaleView
	}
	if !e.elector.IsValidator(from) {
		return nil, ErrUnknownValidator
	}
	if !e.elector.IsPrimary(from, p.View) {
		return nil, ErrNotPrimary
	}

	h := p.Block.Hash()
	le := e.entry(p.View, p.Sequence)

	if le.phase != PhaseIdle {
		if le.blockHash != h {
			e.equivocations = append(e.equivocations, EquivocationRecord{
				View: p.View, Sequence: p.Sequence, ValidatorID: from,
				HashA: le.blockHash, HashB: h,
			})
			if e.logger != nil {
				e.logger.Warnw("equivocation_detected", "view", p.View, "sequence", p.Sequence, "primary", from)
			}
			return nil, ErrEquivocation
		}
		return nil, nil // duplicate pre-prepare for the same block: idempotent no-op
	}

	blk := p.Block
	le.phase = PhasePrePrepared
	le.blockHash = h
	le.block = &blk

	if e.selfID == from {
		return nil, nil // the primary does not vote for its own proposal here
	}
	vote := e.sign(Vote{BlockHash: h, Kind: VotePrepare, Sequence: p.Sequence, View: p.View, ValidatorID: e.selfID})
	return &vote, nil
}

// HandleVote processes an inbound Prepare or Commit vote. Reaching a
// Prepare quorum emits the Commit vote; reaching a Commit quorum returns
// the committed certificate and advances current_sequence.
func (e *Engine) HandleVote(v Vote) (outCommit *Vote, committed *CommittedCertificate, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v.View != e.currentView {
		return nil, nil, ErrStaleView
	}
	if !e.elector.IsValidator(v.ValidatorID) {
		return nil, nil, ErrUnknownValidator
	}
	if e.verify != nil && !e.verify.Verify(v.ValidatorID, v.SigningDigest(), v.Signature) {
		return nil, nil, ErrInvalidSignature
	}

	le := e.entry(v.View, v.Sequence)
	if le.phase == PhaseIdle || le.blockHash != v.BlockHash {
		return nil, nil, nil // no matching pre-prepare yet: silently drop (§4.2)
	}

	switch v.Kind {
	case VotePrepare:
		le.prepareVotes[v.ValidatorID] = v // duplicate votes are idempotent (map key)
		if le.phase != PhasePrePrepared {
			return nil, nil, nil
		}
		if len(le.prepareVotes) < e.elector.Quorum() {
			return nil, nil, nil
		}
		le.phase = PhasePrepared
		voters := make([]NodeID, 0, len(le.prepareVotes))
		for id := range le.prepareVotes {
			voters = append(voters, id)
		}
		cert := PreparedCertificate{View: v.View, Sequence: v.Sequence, H: v.BlockHash, Voters: voters}
		if e.prepared[v.View] == nil {
			e.prepared[v.View] = make(map[Height]PreparedCertificate)
		}
		e.prepared[v.View][v.Sequence] = cert
		commitVote := e.sign(Vote{BlockHash: v.BlockHash, Kind: VoteCommit, Sequence: v.Sequence, View: v.View, ValidatorID: e.selfID})
		// A Commit quorum may already have arrived while this entry was
		// still PrePrepared (faster peers reach Prepared first); re-check
		// it now instead of only on the next inbound VoteCommit, since the
		// certificate condition must not depend on arrival order.
		return &commitVote, e.tryCommit(le, v.View, v.Sequence), nil

	case VoteCommit:
		le.commitVotes[v.ValidatorID] = v
		return nil, e.tryCommit(le, v.View, v.Sequence), nil
	}
	return nil, nil, nil
}

// tryCommit builds and applies the CommittedCertificate for le if it has
// reached Prepared and a Commit quorum, regardless of whether the Prepare
// quorum or the Commit quorum was satisfied most recently.
func (e *Engine) tryCommit(le *logEntry, view View, seq Height) *CommittedCertificate {
	if le.phase != PhasePrepared {
		return nil
	}
	if len(le.commitVotes) < e.elector.Quorum() {
		return nil
	}
	le.phase = PhaseCommitted
	voters := make([]NodeID, 0, len(le.commitVotes))
	for id := range le.commitVotes {
		voters = append(voters, id)
	}
	cc := CommittedCertificate{View: view, Sequence: seq, H: le.blockHash, Voters: voters}
	if seq >= e.currentSequence {
		e.currentSequence = seq + 1
	}
	return &cc
}

// BlockFor returns the pinned block at (view, sequence), if known.
func (e *Engine) BlockFor(view View, seq Height) (Block, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byHeight, ok := e.log[view]
	if !ok {
		return Block{}, false
	}
	le, ok := byHeight[seq]
	if !ok || le.block == nil {
		return Block{}, false
	}
	return *le.block, true
}

func (e *Engine) PreparedCertificateFor(view View, seq Height) (PreparedCertificate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byHeight, ok := e.prepared[view]
	if !ok {
		return PreparedCertificate{}, false
	}
	c, ok := byHeight[seq]
	return c, ok
}

// HighestPrepared returns the prepared certificate with the greatest view
// known to this engine, used to populate a ViewChange message's
// LastPrepared field.
func (e *Engine) HighestPrepared() *PreparedCertificate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var best *PreparedCertificate
	for view, byHeight := range e.prepared {
		for _, cert := range byHeight {
			if best == nil || view > best.View {
				c := cert
				best = &c
			}
		}
	}
	return best
}

func (e *Engine) Equivocations() []EquivocationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]EquivocationRecord(nil), e.equivocations...)
}

// InstallReplayedProposal seeds the log at (view, sequence) with a block
// carried forward by a NewView message, so the sequence is never lost
// across a view change (spec §4.3).
func (e *Engine) InstallReplayedProposal(p Propose) {
	e.mu.Lock()
	defer e.mu.Unlock()
	le := e.entry(p.View, p.Sequence)
	if le.phase != PhaseIdle {
		return
	}
	blk := p.Block
	le.phase = PhasePrePrepared
	le.blockHash = blk.Hash()
	le.block = &blk
}

// CleanupOldLogs retains logs and certificates for sequences >=
// current_sequence - keep; older entries are purged.
func (e *Engine) CleanupOldLogs(keep Height) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentSequence <= keep {
		return
	}
	cutoff := e.currentSequence - keep
	for view, byHeight := range e.log {
		for seq := range byHeight {
			if seq < cutoff {
				delete(byHeight, seq)
			}
		}
		if len(byHeight) == 0 {
			delete(e.log, view)
		}
	}
	for view, byHeight := range e.prepared {
		for seq := range byHeight {
			if seq < cutoff {
				delete(byHeight, seq)
			}
		}
		if len(byHeight) == 0 {
			delete(e.prepared, view)
		}
	}
}
