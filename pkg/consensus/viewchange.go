// file: pkg/consensus/viewchange.go
package consensus

import (
	"errors"
	"sync"
	"time"

	"github.com/coralchain/bftnode/pkg/util"
	"go.uber.org/zap"
)

// ViewChangeState mirrors the per-view state machine: Normal ->
// ViewChanging -> NewViewReceived -> Normal.
type ViewChangeState int

const (
	VCNormal ViewChangeState = iota
	VCChanging
	VCNewViewReceived
)

// ViewChangeTimeout is the exponential-backoff timer configuration;
// defaults match base=5s, multiplier=1.5, max=60s.
type ViewChangeTimeout struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultViewChangeTimeout() ViewChangeTimeout {
	return ViewChangeTimeout{Base: 5 * time.Second, Multiplier: 1.5, Max: 60 * time.Second}
}

var (
	ErrViewNotIncreasing  = errors.New("viewchange: new view must be greater than current view")
	ErrInsufficientVotes  = errors.New("viewchange: insufficient view-change messages")
	ErrInvalidNewView     = errors.New("viewchange: invalid view-change message embedded in new-view")
)

// ViewChangeManager recovers liveness when the primary is unresponsive or
// Byzantine. One instance is owned by the orchestrator and driven by its
// view-change-tick loop.
type ViewChangeManager struct {
	mu sync.Mutex

	selfID  NodeID
	elector *LeaderElection
	clock   util.Clock
	verify  Verifier
	signer  Signer
	logger  *zap.SugaredLogger

	timeoutCfg ViewChangeTimeout
	timeout    time.Duration

	currentView   View
	state         ViewChangeState
	viewStart     time.Time
	viewChangeMsg map[View]map[NodeID]ViewChange
	newViewMsg    map[View]NewView
}

func NewViewChangeManager(selfID NodeID, elector *LeaderElection, clock util.Clock, verify Verifier, signer Signer, logger *zap.SugaredLogger) *ViewChangeManager {
	return &ViewChangeManager{
		selfID:        selfID,
		elector:       elector,
		clock:         clock,
		verify:        verify,
		signer:        signer,
		logger:        logger,
		timeoutCfg:    DefaultViewChangeTimeout(),
		timeout:       DefaultViewChangeTimeout().Base,
		viewStart:     clock.Now(),
		viewChangeMsg: make(map[View]map[NodeID]ViewChange),
		newViewMsg:    make(map[View]NewView),
	}
}

// StartView resets the timer and state for entering `view` in Normal
// mode (called both at startup and on every successful view change).
func (m *ViewChangeManager) StartView(view View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentView = view
	m.state = VCNormal
	m.viewStart = m.clock.Now()
	m.timeout = m.timeoutCfg.Base
	if m.logger != nil {
		m.logger.Infow("view_started", "view", view)
	}
}

// IsTimeout reports whether the current view's deadline has elapsed while
// still in Normal state.
func (m *ViewChangeManager) IsTimeout() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == VCNormal && m.clock.Now().Sub(m.viewStart) > m.timeout
}

func (m *ViewChangeManager) State() ViewChangeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ViewChangeManager) CurrentView() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentView
}

// UpdateTimeout applies exponential backoff, capped at Max. Called after
// each failed view so repeated primary failures back off instead of
// retrying at a fixed cadence.
func (m *ViewChangeManager) UpdateTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := time.Duration(float64(m.timeout) * m.timeoutCfg.Multiplier)
	if next > m.timeoutCfg.Max {
		next = m.timeoutCfg.Max
	}
	m.timeout = next
}

// TriggerViewChange moves to ViewChanging and returns the ViewChange
// message the caller must broadcast and also feed back into
// HandleViewChange (the sender counts its own vote, like every replica's).
func (m *ViewChangeManager) TriggerViewChange(newView View, lastPrepared *PreparedCertificate) (ViewChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newView <= m.currentView {
		return ViewChange{}, ErrViewNotIncreasing
	}
	m.state = VCChanging
	vc := ViewChange{NewView: newView, ValidatorID: m.selfID, LastPrepared: lastPrepared}
	if m.signer != nil {
		if sig, err := m.signer.SignDigest(vc.SigningDigest()); err == nil {
			vc.Signature = sig
		}
	}
	if m.logger != nil {
		m.logger.Infow("view_change_triggered", "new_view", newView)
	}
	return vc, nil
}

// HandleViewChange stores an inbound ViewChange and reports whether this
// node must now send a NewView (it is the new primary) — the caller reads
// ready=true and calls AssembleNewView.
func (m *ViewChangeManager) HandleViewChange(vc ViewChange) (ready bool, isNewPrimary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.elector.IsValidator(vc.ValidatorID) {
		return false, false
	}
	if m.verify != nil && !m.verify.Verify(vc.ValidatorID, vc.SigningDigest(), vc.Signature) {
		return false, false
	}
	if vc.NewView <= m.currentView {
		return false, false
	}

	byValidator, ok := m.viewChangeMsg[vc.NewView]
	if !ok {
		byValidator = make(map[NodeID]ViewChange)
		m.viewChangeMsg[vc.NewView] = byValidator
	}
	byValidator[vc.ValidatorID] = vc // idempotent on duplicates

	if len(byValidator) < m.elector.Quorum() {
		return false, false
	}
	isNewPrimary = m.elector.IsPrimary(m.selfID, vc.NewView)
	if isNewPrimary {
		return true, true
	}
	m.state = VCNewViewReceived
	return false, false
}

// AssembleNewView collects the quorum of ViewChange messages for `view`
// into a NewView, folding in any prepared-certificate replay the new
// primary must re-propose before any fresh sequence (spec §4.3/§9).
func (m *ViewChangeManager) AssembleNewView(view View, replay []Propose) (NewView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byValidator, ok := m.viewChangeMsg[view]
	if !ok || len(byValidator) < m.elector.Quorum() {
		return NewView{}, ErrInsufficientVotes
	}
	vcs := make([]ViewChange, 0, len(byValidator))
	for _, vc := range byValidator {
		vcs = append(vcs, vc)
	}
	return NewView{View: view, ViewChanges: vcs, ReplayedProposals: replay}, nil
}

// HandleNewView validates an inbound NewView: it must carry at least a
// quorum of ViewChange messages, every one naming `view` exactly and
// a registered validator. On acceptance the caller should call StartView.
func (m *ViewChangeManager) HandleNewView(nv NewView) error {
	m.mu.Lock()
	currentView := m.currentView
	m.mu.Unlock()

	if nv.View <= currentView {
		return nil // stale, ignore
	}
	if len(nv.ViewChanges) < m.elector.Quorum() {
		return ErrInsufficientVotes
	}
	for _, vc := range nv.ViewChanges {
		if vc.NewView != nv.View {
			return ErrInvalidNewView
		}
		if !m.elector.IsValidator(vc.ValidatorID) {
			return ErrInvalidNewView
		}
		if m.verify != nil && !m.verify.Verify(vc.ValidatorID, vc.SigningDigest(), vc.Signature) {
			return ErrInvalidNewView
		}
	}

	// The new primary must replay exactly the highest-view prepared
	// certificate per sequence implied by the quorum's own ViewChange
	// evidence — neither dropping a prepared block nor substituting a
	// different one for the same sequence.
	best := BestReplayFor(nv)
	for seq, cert := range best {
		found := false
		for _, p := range nv.ReplayedProposals {
			if p.Sequence == seq {
				if p.Block.Hash() != cert.H {
					return ErrInvalidNewView
				}
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidNewView
		}
	}

	m.mu.Lock()
	m.newViewMsg[nv.View] = nv
	m.mu.Unlock()
	return nil
}

// BestReplayFor returns, across the full quorum of ViewChange messages
// collected for `view` (not just this node's own prepared-certificate
// state), the highest-view prepared certificate per sequence — what the
// new primary must re-propose before any fresh sequence.
func (m *ViewChangeManager) BestReplayFor(view View) map[Height]PreparedCertificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	byValidator := m.viewChangeMsg[view]
	vcs := make([]ViewChange, 0, len(byValidator))
	for _, vc := range byValidator {
		vcs = append(vcs, vc)
	}
	return BestReplayFor(NewView{View: view, ViewChanges: vcs})
}

// BestReplayFor picks, among the carried ViewChange messages, the
// prepared certificate with the highest original view for each sequence
// — the block the new primary must re-propose before anything new.
func BestReplayFor(nv NewView) map[Height]PreparedCertificate {
	best := make(map[Height]PreparedCertificate)
	for _, vc := range nv.ViewChanges {
		if vc.LastPrepared == nil {
			continue
		}
		cur, ok := best[vc.LastPrepared.Sequence]
		if !ok || vc.LastPrepared.View > cur.View {
			best[vc.LastPrepared.Sequence] = *vc.LastPrepared
		}
	}
	return best
}

// CleanupOldMessages drops view-change/new-view state for views more than
// keepLastN behind the current view.
func (m *ViewChangeManager) CleanupOldMessages(keepLastN View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentView <= keepLastN {
		return
	}
	cutoff := m.currentView - keepLastN
	for v := range m.viewChangeMsg {
		if v < cutoff {
			delete(m.viewChangeMsg, v)
		}
	}
	for v := range m.newViewMsg {
		if v < cutoff {
			delete(m.newViewMsg, v)
		}
	}
}
