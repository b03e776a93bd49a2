package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/bundler/config"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, exit, code := parseFlags([]string{})
	if exit {
		t.Fatalf("unexpected exit with code %d", code)
	}

	defaults := config.DefaultConfig()
	if cfg.EthereumNodeURL != defaults.EthereumNodeURL {
		t.Errorf("EthereumNodeURL = %q, want %q", cfg.EthereumNodeURL, defaults.EthereumNodeURL)
	}
	if cfg.ChainID != defaults.ChainID {
		t.Errorf("ChainID = %d, want %d", cfg.ChainID, defaults.ChainID)
	}
	if cfg.PollIntervalSeconds != defaults.PollIntervalSeconds {
		t.Errorf("PollIntervalSeconds = %d, want %d", cfg.PollIntervalSeconds, defaults.PollIntervalSeconds)
	}
	if cfg.Verbosity != defaults.Verbosity {
		t.Errorf("Verbosity = %d, want %d", cfg.Verbosity, defaults.Verbosity)
	}
	if cfg.IsLegacyMode {
		t.Error("IsLegacyMode should be false by default")
	}
}

func TestParseFlagsAllFlags(t *testing.T) {
	args := []string{
		"-rpc-url", "http://node:8545",
		"-entrypoint", "0x9999999999999999999999999999999999999999",
		"-bundler-private-key", "4646464646464646464646464646464646464646464646464646464646464646"[:64],
		"-chain-id", "5",
		"-legacy-mode",
		"-conditional-send",
		"-unsafe",
		"-whitelist", "0x1111111111111111111111111111111111111111",
		"-verbosity", "5",
		"-poll-interval", "30",
		"-max-bundle-size", "10",
	}

	cfg, exit, code := parseFlags(args)
	if exit {
		t.Fatalf("unexpected exit with code %d", code)
	}
	if cfg.EthereumNodeURL != "http://node:8545" {
		t.Errorf("EthereumNodeURL = %q", cfg.EthereumNodeURL)
	}
	if cfg.EntryPoint != common.HexToAddress("0x9999999999999999999999999999999999999999") {
		t.Errorf("EntryPoint = %v", cfg.EntryPoint)
	}
	if cfg.ChainID != 5 {
		t.Errorf("ChainID = %d, want 5", cfg.ChainID)
	}
	if !cfg.IsLegacyMode || !cfg.IsSendRawTransactionConditional || !cfg.IsUnsafe {
		t.Errorf("expected legacy/conditional/unsafe flags to be set")
	}
	if cfg.PollIntervalSeconds != 30 {
		t.Errorf("PollIntervalSeconds = %d, want 30", cfg.PollIntervalSeconds)
	}
	if cfg.MaxBundleSize != 10 {
		t.Errorf("MaxBundleSize = %d, want 10", cfg.MaxBundleSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFlagsVersion(t *testing.T) {
	_, exit, code := parseFlags([]string{"-version"})
	if !exit || code != 0 {
		t.Fatalf("expected clean exit for -version, got exit=%v code=%d", exit, code)
	}
}

func TestParseFlagsRejectsUnknownFlag(t *testing.T) {
	_, exit, code := parseFlags([]string{"-not-a-flag"})
	if !exit || code != 2 {
		t.Fatalf("expected exit code 2 for an unknown flag, got exit=%v code=%d", exit, code)
	}
}
