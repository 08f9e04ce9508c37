package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Consensus holds the tunables governing view timing and block production.
// The ViewTimeout* fields are loaded but not passed to the view-change
// manager, which always uses consensus.DefaultViewChangeTimeout.
type Consensus struct {
	Validators     []string
	BlockTime      time.Duration
	ViewTimeoutBase       time.Duration
	ViewTimeoutMultiplier float64
	ViewTimeoutMax        time.Duration
	MaxBlockSize          int
	MaxTransactionsPerBlock int
	GCKeepSequences uint64
	GCKeepViews     uint64
}

// Mempool holds the tunables governing transaction admission and eviction.
// CleanupInterval and MaxAge are loaded but not used: the mempool has no
// timed or age-based eviction.
type Mempool struct {
	MaxSize         int
	MaxPerSender    int
	MinFee          uint64
	MaxTxSize       int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// Node holds ambient, non-consensus runtime settings.
type Node struct {
	NodeID        string
	IsValidator   bool
	DBPath        string
	ListenAddr    string
	BootstrapPeers []string
	LogFile       string
}

type Config struct {
	Consensus Consensus
	Mempool   Mempool
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			Validators:              []string{"val1", "val2", "val3", "val4"},
			BlockTime:                1000 * time.Millisecond,
			ViewTimeoutBase:          5 * time.Second,
			ViewTimeoutMultiplier:    1.5,
			ViewTimeoutMax:           60 * time.Second,
			MaxBlockSize:             1 << 20,
			MaxTransactionsPerBlock:  1000,
			GCKeepSequences:          1000,
			GCKeepViews:              100,
		},
		Mempool: Mempool{
			MaxSize:         10000,
			MaxPerSender:    100,
			MinFee:          1,
			MaxTxSize:       1 << 20,
			CleanupInterval: 60 * time.Second,
			MaxAge:          3600 * time.Second,
		},
		Node: Node{
			IsValidator: true,
			DBPath:      "data/bftnode",
			LogFile:     "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.Node.NodeID = v
	}
	if v := os.Getenv("IS_VALIDATOR"); v != "" {
		cfg.Node.IsValidator = v == "true"
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("BOOTSTRAP_PEERS"); v != "" {
		cfg.Node.BootstrapPeers = strings.Split(v, ",")
	}
	if v := os.Getenv("CONSENSUS_VALIDATORS"); v != "" {
		cfg.Consensus.Validators = strings.Split(v, ",")
	}

	if ms := envInt("BLOCK_TIME_MS"); ms > 0 {
		cfg.Consensus.BlockTime = time.Duration(ms) * time.Millisecond
	}
	if ms := envInt("VIEW_TIMEOUT_BASE_MS"); ms > 0 {
		cfg.Consensus.ViewTimeoutBase = time.Duration(ms) * time.Millisecond
	}
	if mult := envFloat("VIEW_TIMEOUT_MULTIPLIER"); mult > 0 {
		cfg.Consensus.ViewTimeoutMultiplier = mult
	}
	if ms := envInt("VIEW_TIMEOUT_MAX_MS"); ms > 0 {
		cfg.Consensus.ViewTimeoutMax = time.Duration(ms) * time.Millisecond
	}
	if n := envInt("MAX_BLOCK_SIZE"); n > 0 {
		cfg.Consensus.MaxBlockSize = n
	}
	if n := envInt("MAX_TRANSACTIONS_PER_BLOCK"); n > 0 {
		cfg.Consensus.MaxTransactionsPerBlock = n
	}

	if n := envInt("MEMPOOL_MAX_SIZE"); n > 0 {
		cfg.Mempool.MaxSize = n
	}
	if n := envInt("MEMPOOL_MAX_PER_SENDER"); n > 0 {
		cfg.Mempool.MaxPerSender = n
	}
	if n := envInt("MEMPOOL_MIN_FEE"); n > 0 {
		cfg.Mempool.MinFee = uint64(n)
	}
	if n := envInt("MEMPOOL_MAX_TX_SIZE"); n > 0 {
		cfg.Mempool.MaxTxSize = n
	}
	if s := envInt("MEMPOOL_CLEANUP_INTERVAL_SECS"); s > 0 {
		cfg.Mempool.CleanupInterval = time.Duration(s) * time.Second
	}
	if s := envInt("MEMPOOL_MAX_AGE_SECS"); s > 0 {
		cfg.Mempool.MaxAge = time.Duration(s) * time.Second
	}

	return cfg
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
