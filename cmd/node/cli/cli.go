// file: cmd/node/cli/cli.go
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coralchain/bftnode/params"
	"github.com/coralchain/bftnode/pkg/consensus"
	"github.com/coralchain/bftnode/pkg/crypto"
	"github.com/coralchain/bftnode/pkg/mempool"
	"github.com/coralchain/bftnode/pkg/p2p"
	"github.com/coralchain/bftnode/pkg/storage"
	"github.com/coralchain/bftnode/pkg/util"
)

// flags holds the cobra-bound CLI options.
type flags struct {
	nodeID         string
	mode           string
	listenAddr     string
	bootstrapPeers string
	genesisFile    string
	dbPath         string
	rpcPort        int
	metricsPort    int
	blockTimeMs    int
	mempoolSize    int
	devMode        bool
}

// NewRootCommand builds the "bftnode" CLI rooted on the node's run command.
func NewRootCommand() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "bftnode",
		Short: "bftnode runs a single PBFT validator or observer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.Flags().StringVar(&f.nodeID, "node-id", "", "this node's identity (defaults to CONSENSUS validator at index 0 or $NODE_ID)")
	root.Flags().StringVar(&f.mode, "mode", "validator", "\"validator\" or \"observer\"")
	root.Flags().StringVar(&f.listenAddr, "listen-addr", "", "libp2p multiaddr to listen on")
	root.Flags().StringVar(&f.bootstrapPeers, "bootstrap-peers", "", "comma-separated libp2p multiaddrs to dial at startup")
	root.Flags().StringVar(&f.genesisFile, "genesis-file", "", "unused placeholder for a future genesis-from-file loader; single built-in genesis block today")
	root.Flags().StringVar(&f.dbPath, "db-path", "", "pebble database directory (defaults to $DB_PATH or data/bftnode)")
	root.Flags().IntVar(&f.rpcPort, "rpc-port", 0, "reserved for a future JSON-RPC surface; unused today")
	root.Flags().IntVar(&f.metricsPort, "metrics-port", 0, "reserved for a future metrics surface; unused today")
	root.Flags().IntVar(&f.blockTimeMs, "block-time-ms", 0, "proposer tick interval in milliseconds")
	root.Flags().IntVar(&f.mempoolSize, "mempool-size", 0, "maximum pending transaction count")
	root.Flags().BoolVar(&f.devMode, "dev-mode", false, "single-node devnet: validator set is this node alone")

	return root
}

func run(ctx context.Context, f flags) error {
	cfg := params.LoadFromEnv("")

	if f.devMode {
		nodeID := f.nodeID
		if nodeID == "" {
			nodeID = "dev"
		}
		cfg.Node.NodeID = nodeID
		cfg.Consensus.Validators = []string{nodeID}
	} else if f.nodeID != "" {
		cfg.Node.NodeID = f.nodeID
	}
	if cfg.Node.NodeID == "" && len(cfg.Consensus.Validators) > 0 {
		cfg.Node.NodeID = cfg.Consensus.Validators[0]
	}
	if f.listenAddr != "" {
		cfg.Node.ListenAddr = f.listenAddr
	}
	if f.bootstrapPeers != "" {
		cfg.Node.BootstrapPeers = strings.Split(f.bootstrapPeers, ",")
	}
	if f.dbPath != "" {
		cfg.Node.DBPath = f.dbPath
	}
	if f.blockTimeMs > 0 {
		cfg.Consensus.BlockTime = time.Duration(f.blockTimeMs) * time.Millisecond
	}
	if f.mempoolSize > 0 {
		cfg.Mempool.MaxSize = f.mempoolSize
	}
	cfg.Node.IsValidator = f.mode != "observer"

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("node_starting", "node_id", cfg.Node.NodeID, "mode", f.mode, "validators", cfg.Consensus.Validators)

	selfID := consensus.NodeID(cfg.Node.NodeID)
	validatorIDs := make([]consensus.NodeID, 0, len(cfg.Consensus.Validators))
	for _, s := range cfg.Consensus.Validators {
		validatorIDs = append(validatorIDs, consensus.NodeID(s))
	}

	elector := consensus.NewLeaderElection(validatorIDs)
	if cfg.Node.IsValidator && !f.devMode && !elector.IsBFTCapable() {
		return fmt.Errorf("validator set size %d is below the N=3f+1 minimum of 4", len(validatorIDs))
	}

	signer, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("key generation: %w", err)
	}
	registry := crypto.NewValidatorRegistry()
	registry.RegisterAddress(selfID, signer.NodeAddress())
	nodeAddr := signer.NodeAddress()
	sugar.Infow("node_address", "node_id", selfID, "address", crypto.EIP55(nodeAddr[:]))

	engine := consensus.NewEngine(selfID, elector, registry, signer, sugar)
	clock := util.RealClock{}
	vcMgr := consensus.NewViewChangeManager(selfID, elector, clock, registry, signer, sugar)

	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	defer store.Close()

	if _, ok := store.LatestHeight(); !ok {
		if err := store.PutBlock(consensus.GenesisBlock()); err != nil {
			return fmt.Errorf("genesis write: %w", err)
		}
	}

	mp := mempool.New(mempool.Config{
		MaxSize:      cfg.Mempool.MaxSize,
		MaxPerSender: cfg.Mempool.MaxPerSender,
		MinFee:       cfg.Mempool.MinFee,
		MaxTxSize:    cfg.Mempool.MaxTxSize,
	})

	wal, err := storage.NewFileWAL(cfg.Node.DBPath + ".wal")
	if err != nil {
		return fmt.Errorf("wal init: %w", err)
	}
	defer wal.Close()

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.BootstrapPeers,
		SelfID:     selfID,
		Logger:     sugar,
	})
	if err != nil {
		return fmt.Errorf("p2p init: %w", err)
	}

	orch := consensus.NewOrchestrator(consensus.OrchestratorConfig{
		SelfID:                  selfID,
		IsValidator:             cfg.Node.IsValidator,
		ValidatorSet:            validatorIDs,
		BlockTime:               cfg.Consensus.BlockTime,
		MaxBlockSize:            cfg.Consensus.MaxBlockSize,
		MaxTransactionsPerBlock: cfg.Consensus.MaxTransactionsPerBlock,
		GCKeepViews:             consensus.View(cfg.Consensus.GCKeepViews),
		GCKeepSequences:         consensus.Height(cfg.Consensus.GCKeepSequences),
	}, engine, vcMgr, elector, mp, store, wal, net, store, sugar)

	orch.Start()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("node_ready", "node_id", selfID, "validators", len(validatorIDs), "quorum", elector.Quorum())

	if err := orch.Run(runCtx); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("orchestrator run: %w", err)
	}
	sugar.Info("node_shutdown_clean")
	return nil
}
