// file: pkg/consensus/network.go
package consensus

import "context"

// Handlers are the callbacks the orchestrator registers with the network
// layer for each inbound message class.
type Handlers struct {
	OnPropose    func(from NodeID, p Propose)
	OnVote       func(v Vote)
	OnViewChange func(vc ViewChange)
	OnNewView    func(nv NewView)
	OnTx         func(tx Transaction)
}

// Network is the broadcast channel the orchestrator consumes. All sends
// are best-effort and non-blocking; there is no delivery guarantee, and
// the PBFT engine discards anything stale or unauthenticated anyway.
type Network interface {
	BroadcastPropose(ctx context.Context, p Propose) error
	BroadcastVote(ctx context.Context, v Vote) error
	BroadcastViewChange(ctx context.Context, vc ViewChange) error
	BroadcastNewView(ctx context.Context, nv NewView) error
	BroadcastTx(ctx context.Context, tx Transaction) error

	SetHandlers(h Handlers)
}
