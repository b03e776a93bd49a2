// Command bundler is the entry point for the ERC-4337 UserOperation
// bundler: it polls its mempool on a fixed interval and submits
// whatever is queued as a handleOps transaction. Accepting new
// UserOperations (the JSON-RPC server facade / UserOperationHandler)
// is an external collaborator and out of scope here.
//
// Usage:
//
//	bundler [flags]
//
// Flags:
//
//	--rpc-url              Ethereum JSON-RPC endpoint (default: http://127.0.0.1:8545)
//	--entrypoint            EntryPoint contract address
//	--bundler-private-key   Hex-encoded signing key (falls back to $BUNDLER_PRIVATE_KEY)
//	--bundler-address       Bundler account address (derived from the key if omitted)
//	--chain-id              Numeric chain ID (default: 1)
//	--legacy-mode           Use legacy (type-0) gas pricing and signing
//	--conditional-send      Submit via eth_sendRawTransactionConditional
//	--unsafe                Skip traced opcode/storage validation
//	--whitelist             Comma-separated addresses exempt from the storage-access rule
//	--bundler-helper-code   Hex or file path to the BundlerHelper init code
//	--verbosity             Log level 0-5 (default: 3)
//	--poll-interval         Seconds between mempool drains (default: 10)
//	--max-bundle-size       Cap UserOperations per handleOps call (0 = unbounded)
//	--version               Print version and exit
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/bundler/abicodec"
	"github.com/eth2030/bundler/bundle"
	"github.com/eth2030/bundler/config"
	"github.com/eth2030/bundler/log"
	"github.com/eth2030/bundler/mempool"
	"github.com/eth2030/bundler/reputation"
	"github.com/eth2030/bundler/rpcclient"
	"github.com/eth2030/bundler/tracer"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. It accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := log.New(levelForVerbosity(cfg.Verbosity))
	log.SetDefault(logger)
	logger.Info("bundler starting", "version", version, "commit", commit,
		"entrypoint", cfg.EntryPoint, "bundler_address", cfg.BundlerAddress,
		"chain_id", cfg.ChainID, "poll_interval", cfg.PollIntervalSeconds)

	if err := tracer.ProbeSchema(selfTestTrace); err != nil {
		logger.Error("bundled tracer does not match the expected schema", "err", err)
		return 1
	}

	// Decoded eagerly so a malformed --bundler-helper-code fails fast at
	// startup rather than on the first validation the RPC facade drives.
	helperCode, err := cfg.BundlerHelperByteCode()
	if err != nil {
		logger.Error("failed to load bundler helper byte code", "err", err)
		return 1
	}
	logger.Info("bundler helper byte code loaded", "bytes", len(helperCode))

	codec, err := abicodec.New()
	if err != nil {
		logger.Error("failed to build ABI codec", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rpcclient.Dial(ctx, cfg.EthereumNodeURL)
	if err != nil {
		logger.Error("failed to dial ethereum node", "err", err)
		return 1
	}
	defer client.Close()

	pool := mempool.New()
	rep := reputation.New()
	bundleMgr := bundle.New(client, codec, pool, rep, bundle.Config{
		EntryPoint:                      cfg.EntryPoint,
		BundlerAddress:                  cfg.BundlerAddress,
		PrivateKey:                      cfg.BundlerPrivateKey,
		ChainID:                         new(big.Int).SetUint64(cfg.ChainID),
		IsLegacyMode:                    cfg.IsLegacyMode,
		IsSendRawTransactionConditional: cfg.IsSendRawTransactionConditional,
		MaxBundleSize:                   int(cfg.MaxBundleSize),
	})

	logger.Info("entering poll loop", "interval_seconds", cfg.PollIntervalSeconds)
	ticker := time.NewTicker(time.Duration(cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, exiting poll loop")
			return 0
		case <-ticker.C:
			if err := bundleMgr.SendNextBundle(ctx); err != nil {
				logger.Warn("bundle submission failed", "err", err)
			}
		}
	}
}

// selfTestTrace is a trivial trace matching tracer.CollectorSource's
// output schema, used only to assert at startup that the embedded
// tracer and the Go decoder still agree on the wire format.
var selfTestTrace = []byte(`{
	"numberLevels": [
		{"access": {}, "opcodes": {}, "contractSize": {}},
		{"access": {}, "opcodes": {}, "contractSize": {}},
		{"access": {}, "opcodes": {}, "contractSize": {}}
	],
	"keccak": [],
	"calls": [],
	"logs": [],
	"debug": [{}, {}]
}`)

func levelForVerbosity(v int) slog.Level {
	switch config.VerbosityToLogLevel(v) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseFlags parses CLI arguments into a Config. Returns the config,
// whether the caller should exit immediately, and the exit code.
func parseFlags(args []string) (config.Config, bool, int) {
	cfg := config.DefaultConfig()
	if v := os.Getenv("BUNDLER_PRIVATE_KEY"); v != "" {
		cfg.BundlerPrivateKeyHex = v
	}

	fs := newCustomFlagSet("bundler")
	showVersion := fs.Bool("version", false, "print version and exit")

	var entryPoint, bundlerAddress string
	fs.StringVar(&cfg.EthereumNodeURL, "rpc-url", cfg.EthereumNodeURL, "Ethereum JSON-RPC endpoint")
	fs.StringVar(&cfg.BundlerPrivateKeyHex, "bundler-private-key", cfg.BundlerPrivateKeyHex, "hex-encoded signing key (falls back to $BUNDLER_PRIVATE_KEY)")
	fs.StringVar(&bundlerAddress, "bundler-address", "", "bundler account address (derived from the private key if omitted)")
	fs.StringVar(&entryPoint, "entrypoint", "", "EntryPoint contract address")
	fs.Uint64Var(&cfg.ChainID, "chain-id", cfg.ChainID, "numeric chain ID")
	fs.BoolVar(&cfg.IsLegacyMode, "legacy-mode", cfg.IsLegacyMode, "use legacy (type-0) gas pricing and signing")
	fs.BoolVar(&cfg.IsSendRawTransactionConditional, "conditional-send", cfg.IsSendRawTransactionConditional, "submit via eth_sendRawTransactionConditional")
	fs.BoolVar(&cfg.IsUnsafe, "unsafe", cfg.IsUnsafe, "skip traced opcode/storage validation")
	fs.StringVar(&cfg.WhitelistEntityStorageAccessHex, "whitelist", cfg.WhitelistEntityStorageAccessHex, "comma-separated addresses exempt from the storage-access rule")
	fs.StringVar(&cfg.BundlerHelperByteCodeHex, "bundler-helper-code", cfg.BundlerHelperByteCodeHex, "hex or file path to the BundlerHelper init code")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log level 0-5 (0-1=error, 2=warn, 3=info, 4-5=debug)")
	fs.Uint64Var(&cfg.PollIntervalSeconds, "poll-interval", cfg.PollIntervalSeconds, "seconds between mempool drains")
	fs.Uint64Var(&cfg.MaxBundleSize, "max-bundle-size", cfg.MaxBundleSize, "cap UserOperations per handleOps call (0 = unbounded)")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}

	if *showVersion {
		fmt.Printf("bundler %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}

	if entryPoint != "" {
		cfg.EntryPoint = common.HexToAddress(entryPoint)
	}
	if bundlerAddress != "" {
		cfg.BundlerAddress = common.HexToAddress(bundlerAddress)
	}

	return cfg, false, 0
}
