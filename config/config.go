// Package config loads and validates the bundler's configuration
// surface, per spec.md §6's enumerated fields, following the teacher's
// node.Config style (plain struct + DefaultConfig + Validate).
package config

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Config holds everything the bundler needs to run, per spec.md §6.
type Config struct {
	// EthereumNodeURL is the JSON-RPC endpoint the RPC client dials.
	EthereumNodeURL string

	// BundlerPrivateKeyHex is the hex-encoded (no 0x required) private
	// key used to sign handleOps transactions. BundlerPrivateKey is
	// derived from it by Validate.
	BundlerPrivateKeyHex string
	BundlerPrivateKey    *ecdsa.PrivateKey

	// BundlerAddress is the account handleOps beneficiary/from address.
	// Derived from BundlerPrivateKey if left zero.
	BundlerAddress common.Address

	// EntryPoint is the EntryPoint contract address.
	EntryPoint common.Address

	// ChainID is the numeric chain ID used when signing transactions.
	ChainID uint64

	// IsLegacyMode selects legacy (type-0) gas pricing and transaction
	// signing instead of EIP-1559.
	IsLegacyMode bool

	// IsSendRawTransactionConditional submits bundles via
	// eth_sendRawTransactionConditional instead of eth_sendRawTransaction.
	IsSendRawTransactionConditional bool

	// IsUnsafe skips debug_traceCall-based opcode/storage validation and
	// decodes simulateValidation's plain eth_call revert instead.
	IsUnsafe bool

	// WhitelistEntityStorageAccessHex is a comma-separated list of
	// addresses exempt from the entity storage-access rule.
	WhitelistEntityStorageAccessHex string

	// BundlerHelperByteCodeHex is the hex-encoded EVM init code used for
	// the BundlerHelper code-hash snapshot call.
	BundlerHelperByteCodeHex string

	// LogLevel names a log level (debug, info, warn, error). Validate
	// checks it; the CLI sets the logger's level from Verbosity, not
	// from LogLevel.
	LogLevel string

	// Verbosity controls numeric log level (0 or 1=error, 2=warn,
	// 3=info, 4 and above=debug), as mapped by VerbosityToLogLevel.
	Verbosity int

	// PollIntervalSeconds is how often the CLI drains the mempool and
	// sends a bundle.
	PollIntervalSeconds uint64

	// MaxBundleSize bounds how many UserOperations go into a single
	// handleOps call, per spec.md's "bounded batch" note. Zero means
	// unbounded (drain the whole mempool).
	MaxBundleSize uint64
}

// DefaultConfig returns a Config with sensible defaults;
// BundlerPrivateKeyHex and EntryPoint still must be supplied.
func DefaultConfig() Config {
	return Config{
		EthereumNodeURL:     "http://127.0.0.1:8545",
		ChainID:             1,
		LogLevel:            "info",
		Verbosity:           3,
		PollIntervalSeconds: 10,
		MaxBundleSize:       0,
	}
}

// Validate checks configuration values for correctness and derives
// BundlerPrivateKey/BundlerAddress from BundlerPrivateKeyHex.
func (c *Config) Validate() error {
	if c.EthereumNodeURL == "" {
		return fmt.Errorf("config: ethereum_node_url must not be empty")
	}
	if c.BundlerPrivateKeyHex == "" {
		return fmt.Errorf("config: bundler_private_key must not be empty")
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(c.BundlerPrivateKeyHex))
	if err != nil {
		return fmt.Errorf("config: invalid bundler_private_key: %w", err)
	}
	c.BundlerPrivateKey = key
	if c.BundlerAddress == (common.Address{}) {
		c.BundlerAddress = crypto.PubkeyToAddress(key.PublicKey)
	}
	if c.EntryPoint == (common.Address{}) {
		return fmt.Errorf("config: entrypoint must not be empty")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: chain_id must be nonzero")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// VerbosityToLogLevel converts a numeric verbosity level to a log
// level string, following the teacher's node.VerbosityToLogLevel.
func VerbosityToLogLevel(v int) string {
	switch {
	case v <= 1:
		return "error"
	case v == 2:
		return "warn"
	case v == 3:
		return "info"
	default:
		return "debug"
	}
}

// WhitelistEntityStorageAccess parses WhitelistEntityStorageAccessHex
// into addresses.
func (c *Config) WhitelistEntityStorageAccess() []common.Address {
	return splitAddresses(c.WhitelistEntityStorageAccessHex)
}

// BundlerHelperByteCode decodes BundlerHelperByteCodeHex, or reads it
// from the path it names if it isn't valid hex (a convenience for
// shipping the init code as a separate file).
func (c *Config) BundlerHelperByteCode() ([]byte, error) {
	if c.BundlerHelperByteCodeHex == "" {
		return nil, nil
	}
	if b, err := hexutil.Decode(ensureHexPrefix(c.BundlerHelperByteCodeHex)); err == nil {
		return b, nil
	}
	data, err := os.ReadFile(c.BundlerHelperByteCodeHex)
	if err != nil {
		return nil, fmt.Errorf("config: read bundler_helper_byte_code %q: %w", c.BundlerHelperByteCodeHex, err)
	}
	return hexutil.Decode(ensureHexPrefix(string(data)))
}

func splitAddresses(s string) []common.Address {
	if s == "" {
		return nil
	}
	var out []common.Address
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, common.HexToAddress(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func ensureHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s
	}
	return "0x" + s
}
