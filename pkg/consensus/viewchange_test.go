// file: pkg/consensus/viewchange_test.go
package consensus

import (
	"testing"
	"time"
)

// manualClock is a util.Clock whose Now() is advanced explicitly by tests,
// so timeout/backoff assertions never depend on wall-clock timing.
type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }
func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	return ch
}
func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestViewChangeManager(id NodeID, elector *LeaderElection, clock *manualClock) *ViewChangeManager {
	return NewViewChangeManager(id, elector, clock, fakeVerifier{}, fakeSigner{id}, nil)
}

func TestViewChangeManagerTimeoutFires(t *testing.T) {
	elector := NewLeaderElection([]NodeID{"val1", "val2", "val3", "val4"})
	clock := &manualClock{now: time.Unix(0, 0)}
	m := newTestViewChangeManager("val2", elector, clock)
	m.StartView(0)

	if m.IsTimeout() {
		t.Fatalf("expected no timeout immediately after StartView")
	}
	clock.advance(DefaultViewChangeTimeout().Base + time.Millisecond)
	if !m.IsTimeout() {
		t.Fatalf("expected timeout after the base interval elapses")
	}
}

func TestViewChangeManagerExponentialBackoff(t *testing.T) {
	cfg := DefaultViewChangeTimeout()
	elector := NewLeaderElection([]NodeID{"val1", "val2", "val3", "val4"})
	clock := &manualClock{now: time.Unix(0, 0)}
	m := newTestViewChangeManager("val2", elector, clock)
	m.StartView(0)

	if _, err := m.TriggerViewChange(1, nil); err != nil {
		t.Fatalf("TriggerViewChange: %v", err)
	}
	m.UpdateTimeout()
	want := time.Duration(float64(cfg.Base) * cfg.Multiplier)
	if m.timeout != want {
		t.Errorf("timeout after one backoff = %v, want %v", m.timeout, want)
	}

	for i := 0; i < 20; i++ {
		m.UpdateTimeout()
	}
	if m.timeout != cfg.Max {
		t.Errorf("timeout after repeated backoff = %v, want capped at %v", m.timeout, cfg.Max)
	}
}

func TestViewChangeManagerRejectsNonIncreasingView(t *testing.T) {
	elector := NewLeaderElection([]NodeID{"val1", "val2", "val3", "val4"})
	clock := &manualClock{now: time.Unix(0, 0)}
	m := newTestViewChangeManager("val2", elector, clock)
	m.StartView(5)

	if _, err := m.TriggerViewChange(5, nil); err != ErrViewNotIncreasing {
		t.Fatalf("got err=%v, want ErrViewNotIncreasing", err)
	}
	if _, err := m.TriggerViewChange(4, nil); err != ErrViewNotIncreasing {
		t.Fatalf("got err=%v, want ErrViewNotIncreasing", err)
	}
}

// TestViewChangeQuorumElectsNewPrimary simulates all four validators giving
// up on view 0 and checks the new primary (validator_set[1]) is the only
// one reported ready to assemble a NewView.
func TestViewChangeQuorumElectsNewPrimary(t *testing.T) {
	ids := []NodeID{"val1", "val2", "val3", "val4"}
	elector := NewLeaderElection(ids)
	clock := &manualClock{now: time.Unix(0, 0)}

	managers := make(map[NodeID]*ViewChangeManager, 4)
	for _, id := range ids {
		managers[id] = newTestViewChangeManager(id, elector, clock)
		managers[id].StartView(0)
	}

	var msgs []ViewChange
	for _, id := range ids {
		vc, err := managers[id].TriggerViewChange(1, nil)
		if err != nil {
			t.Fatalf("%v: TriggerViewChange: %v", id, err)
		}
		msgs = append(msgs, vc)
	}

	newPrimary := elector.PrimaryOf(1)
	var readyCount int
	for id, m := range managers {
		for _, vc := range msgs {
			ready, isNewPrimary := m.HandleViewChange(vc)
			if ready {
				readyCount++
				if id != newPrimary {
					t.Errorf("%v reported ready to assemble NewView, want only %v", id, newPrimary)
				}
				if !isNewPrimary {
					t.Errorf("%v: ready=true but isNewPrimary=false", id)
				}
				break
			}
		}
	}
	if readyCount != 1 {
		t.Errorf("expected exactly one manager ready to assemble NewView, got %d", readyCount)
	}
}

// TestAssembleAndHandleNewView checks the full round trip: the elected
// primary assembles a NewView from the quorum, and every other replica
// accepts it.
func TestAssembleAndHandleNewView(t *testing.T) {
	ids := []NodeID{"val1", "val2", "val3", "val4"}
	elector := NewLeaderElection(ids)
	clock := &manualClock{now: time.Unix(0, 0)}

	managers := make(map[NodeID]*ViewChangeManager, 4)
	for _, id := range ids {
		managers[id] = newTestViewChangeManager(id, elector, clock)
		managers[id].StartView(0)
	}

	newPrimary := elector.PrimaryOf(1)
	var msgs []ViewChange
	for _, id := range ids {
		vc, _ := managers[id].TriggerViewChange(1, nil)
		msgs = append(msgs, vc)
	}
	for _, vc := range msgs {
		managers[newPrimary].HandleViewChange(vc)
	}

	nv, err := managers[newPrimary].AssembleNewView(1, nil)
	if err != nil {
		t.Fatalf("AssembleNewView: %v", err)
	}
	if len(nv.ViewChanges) < elector.Quorum() {
		t.Fatalf("NewView carries %d ViewChange messages, want at least quorum %d", len(nv.ViewChanges), elector.Quorum())
	}

	for id, m := range managers {
		if id == newPrimary {
			continue
		}
		if err := m.HandleNewView(nv); err != nil {
			t.Errorf("%v: HandleNewView: %v", id, err)
		}
	}
}

// TestHandleNewViewRejectsBelowQuorum checks a NewView carrying fewer than
// quorum ViewChange messages is rejected.
func TestHandleNewViewRejectsBelowQuorum(t *testing.T) {
	ids := []NodeID{"val1", "val2", "val3", "val4"}
	elector := NewLeaderElection(ids)
	clock := &manualClock{now: time.Unix(0, 0)}
	m := newTestViewChangeManager("val1", elector, clock)
	m.StartView(0)

	short := NewView{View: 1, ViewChanges: []ViewChange{{NewView: 1, ValidatorID: "val2"}}}
	if err := m.HandleNewView(short); err != ErrInsufficientVotes {
		t.Fatalf("got err=%v, want ErrInsufficientVotes", err)
	}
}

// TestBestReplayForPicksHighestView checks BestReplayFor keeps the
// prepared certificate from the highest original view per sequence.
func TestBestReplayForPicksHighestView(t *testing.T) {
	certLow := PreparedCertificate{View: 1, Sequence: 5, H: Hash{1}}
	certHigh := PreparedCertificate{View: 3, Sequence: 5, H: Hash{2}}
	nv := NewView{ViewChanges: []ViewChange{
		{ValidatorID: "val1", LastPrepared: &certLow},
		{ValidatorID: "val2", LastPrepared: &certHigh},
		{ValidatorID: "val3", LastPrepared: nil},
	}}
	best := BestReplayFor(nv)
	got, ok := best[5]
	if !ok {
		t.Fatalf("expected a replay entry for sequence 5")
	}
	if got.View != 3 || got.H != (Hash{2}) {
		t.Errorf("best replay = %+v, want the view=3 certificate", got)
	}
}
