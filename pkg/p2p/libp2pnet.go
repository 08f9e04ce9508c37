package p2p

import (
	"context"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/coralchain/bftnode/pkg/consensus"
)

// Topic names. Every validator subscribes to every topic and gossips into
// every topic: PBFT's Prepare/Commit votes are all-to-all, unlike a
// leader-unicast scheme, so there is no reason to special-case any
// message class as point-to-point the way the old vote-collection stream
// did.
const (
	topicPropose    = "bft-propose"
	topicVote       = "bft-vote"
	topicViewChange = "bft-viewchange"
	topicNewView    = "bft-newview"
	topicTx         = "bft-tx"
)

// Libp2pNet is the gossip-based consensus.Network implementation. It owns
// one pubsub topic per message class and dispatches inbound messages to
// whatever consensus.Handlers the orchestrator has installed.
type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	muH      sync.RWMutex
	handlers consensus.Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     consensus.NodeID
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	net := &Libp2pNet{
		h:      h,
		ps:     ps,
		log:    cfg.Logger,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(ctx); err != nil {
		return nil, err
	}

	go net.readLoop(ctx, topicPropose, net.dispatchPropose)
	go net.readLoop(ctx, topicVote, net.dispatchVote)
	go net.readLoop(ctx, topicViewChange, net.dispatchViewChange)
	go net.readLoop(ctx, topicNewView, net.dispatchNewView)
	go net.readLoop(ctx, topicTx, net.dispatchTx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics(ctx context.Context) error {
	for _, name := range []string{topicPropose, topicVote, topicViewChange, topicNewView, topicTx} {
		t, err := n.ps.Join(name)
		if err != nil {
			return err
		}
		sub, err := t.Subscribe()
		if err != nil {
			return err
		}
		n.topics[name] = t
		n.subs[name] = sub
	}
	return nil
}

func (n *Libp2pNet) Host() host.Host { return n.h }

func (n *Libp2pNet) SetHandlers(h consensus.Handlers) {
	n.muH.Lock()
	defer n.muH.Unlock()
	n.handlers = h
}

func (n *Libp2pNet) handlersSnapshot() consensus.Handlers {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handlers
}

func (n *Libp2pNet) BroadcastPropose(ctx context.Context, p consensus.Propose) error {
	return n.publish(ctx, topicPropose, p)
}

func (n *Libp2pNet) BroadcastVote(ctx context.Context, v consensus.Vote) error {
	return n.publish(ctx, topicVote, v)
}

func (n *Libp2pNet) BroadcastViewChange(ctx context.Context, vc consensus.ViewChange) error {
	return n.publish(ctx, topicViewChange, vc)
}

func (n *Libp2pNet) BroadcastNewView(ctx context.Context, nv consensus.NewView) error {
	return n.publish(ctx, topicNewView, nv)
}

func (n *Libp2pNet) BroadcastTx(ctx context.Context, tx consensus.Transaction) error {
	return n.publish(ctx, topicTx, tx)
}

func (n *Libp2pNet) publish(ctx context.Context, topic string, v any) error {
	data, err := gobEncode(v)
	if err != nil {
		return err
	}
	return n.topics[topic].Publish(ctx, data)
}

func (n *Libp2pNet) readLoop(ctx context.Context, topic string, dispatch func([]byte)) {
	sub := n.subs[topic]
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		dispatch(msg.Data)
	}
}

func (n *Libp2pNet) dispatchPropose(data []byte) {
	var p consensus.Propose
	if err := gobDecode(data, &p); err != nil {
		return
	}
	if h := n.handlersSnapshot(); h.OnPropose != nil {
		h.OnPropose(p.Block.Header.Proposer, p)
	}
}

func (n *Libp2pNet) dispatchVote(data []byte) {
	var v consensus.Vote
	if err := gobDecode(data, &v); err != nil {
		return
	}
	if h := n.handlersSnapshot(); h.OnVote != nil {
		h.OnVote(v)
	}
}

func (n *Libp2pNet) dispatchViewChange(data []byte) {
	var vc consensus.ViewChange
	if err := gobDecode(data, &vc); err != nil {
		return
	}
	if h := n.handlersSnapshot(); h.OnViewChange != nil {
		h.OnViewChange(vc)
	}
}

func (n *Libp2pNet) dispatchNewView(data []byte) {
	var nv consensus.NewView
	if err := gobDecode(data, &nv); err != nil {
		return
	}
	if h := n.handlersSnapshot(); h.OnNewView != nil {
		h.OnNewView(nv)
	}
}

func (n *Libp2pNet) dispatchTx(data []byte) {
	var tx consensus.Transaction
	if err := gobDecode(data, &tx); err != nil {
		return
	}
	if h := n.handlersSnapshot(); h.OnTx != nil {
		h.OnTx(tx)
	}
}

var _ consensus.Network = (*Libp2pNet)(nil)
