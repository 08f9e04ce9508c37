// file: pkg/consensus/leader.go
package consensus

import "sync"

// LeaderElection performs deterministic round-robin primary selection:
// primary(view) = validator_set[view mod N]. N must be >= 4 for BFT
// capability; quorum = floor(2N/3)+1; max faults = floor((N-1)/3).
type LeaderElection struct {
	mu      sync.RWMutex
	set     []NodeID
	history []NodeID // bounded ring of recently recorded leaders
	maxHist int
}

func NewLeaderElection(set []NodeID) *LeaderElection {
	return &LeaderElection{set: append([]NodeID(nil), set...), maxHist: 256}
}

// PrimaryOf returns the primary for the given view, or "" if the
// validator set is empty.
func (l *LeaderElection) PrimaryOf(view View) NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.set) == 0 {
		return ""
	}
	return l.set[uint64(view)%uint64(len(l.set))]
}

func (l *LeaderElection) IsPrimary(id NodeID, view View) bool {
	return l.PrimaryOf(view) == id
}

// LeaderSchedule returns the next `count` primaries starting at startView,
// a read-only diagnostics convenience (supplemented from the original
// implementation's leader_election.rs; it has no effect on consensus).
func (l *LeaderElection) LeaderSchedule(startView View, count int) []NodeID {
	out := make([]NodeID, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, l.PrimaryOf(startView+View(i)))
	}
	return out
}

// RecordLeader appends to the bounded leader history ring.
func (l *LeaderElection) RecordLeader(id NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, id)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

func (l *LeaderElection) LeaderHistory() []NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]NodeID(nil), l.history...)
}

func (l *LeaderElection) ValidatorSet() []NodeID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]NodeID(nil), l.set...)
}

func (l *LeaderElection) ValidatorCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.set)
}

func (l *LeaderElection) IsValidator(id NodeID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, v := range l.set {
		if v == id {
			return true
		}
	}
	return false
}

func (l *LeaderElection) ValidatorIndex(id NodeID) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, v := range l.set {
		if v == id {
			return i, true
		}
	}
	return -1, false
}

// Quorum returns Q = floor(2N/3)+1.
func (l *LeaderElection) Quorum() int {
	l.mu.RLock()
	n := len(l.set)
	l.mu.RUnlock()
	return 2*n/3 + 1
}

// MaxFaults returns f = floor((N-1)/3), or 0 if N < 4 (not BFT-capable).
func (l *LeaderElection) MaxFaults() int {
	l.mu.RLock()
	n := len(l.set)
	l.mu.RUnlock()
	if n < 4 {
		return 0
	}
	return (n - 1) / 3
}

func (l *LeaderElection) IsBFTCapable() bool {
	return l.ValidatorCount() >= 4
}

// UpdateValidatorSet replaces the validator set and clears leader history.
// It does not reset consensus state (view/sequence/log); the orchestrator
// is responsible for that.
func (l *LeaderElection) UpdateValidatorSet(set []NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set = append([]NodeID(nil), set...)
	l.history = nil
}
