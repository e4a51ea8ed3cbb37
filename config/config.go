// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Package config loads Emerald's TOML configuration: engine/execution RPC
// addresses, the JWT secret path, store retention knobs, retry tuning,
// plus the ambient fields (home directory, logging) a node config
// typically carries.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/1Money-Co/emerald/common"
	"github.com/1Money-Co/emerald/retry"
	"github.com/naoina/toml"
)

// RetryConfig is the TOML-facing shape of a retry.Policy.
type RetryConfig struct {
	InitialDelayMS uint64  `toml:"initial_delay_ms"`
	MaxDelayMS     uint64  `toml:"max_delay_ms"`
	MaxElapsedMS   uint64  `toml:"max_elapsed_time_ms"`
	Multiplier     float64 `toml:"multiplier"`
}

// LogConfig is the ambient logging configuration: terminal verbosity plus
// an optional rotating file sink, matching the knobs elog.New's handlers
// accept.
type LogConfig struct {
	Level       string `toml:"level"`        // crit, error, warn, info, debug
	File        string `toml:"file"`         // empty disables file logging
	FileMaxMB   int    `toml:"file_max_mb"`
	FileBackups int    `toml:"file_backups"`
	FileMaxDays int    `toml:"file_max_days"`
}

// Config is Emerald's full node configuration.
type Config struct {
	HomeDir string `toml:"home_dir"`

	EngineAuthRPCAddress    string `toml:"engine_authrpc_address"`
	ExecutionAuthRPCAddress string `toml:"execution_authrpc_address"`
	JWTTokenPath            string `toml:"jwt_token_path"`
	FeeRecipient            string `toml:"fee_recipient"`

	NumCertificatesToRetain uint64 `toml:"num_certificates_to_retain"`
	NumTempBlocksRetained   uint64 `toml:"num_temp_blocks_retained"`
	PruneAtBlockInterval    uint64 `toml:"prune_at_block_interval"`

	RetryConfig RetryConfig `toml:"retry_config"`

	ELNodeType string `toml:"el_node_type"` // "archive" or "full"

	Log LogConfig `toml:"log"`
}

// Default returns a Config with this package's documented defaults.
func Default() Config {
	return Config{
		HomeDir:                 defaultHomeDir(),
		NumTempBlocksRetained:   10,
		PruneAtBlockInterval:    10,
		NumCertificatesToRetain: 0, // unbounded
		RetryConfig: RetryConfig{
			InitialDelayMS: 100,
			MaxDelayMS:     10_000,
			MaxElapsedMS:   120_000,
			Multiplier:     2,
		},
		ELNodeType: "full",
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.emerald"
	}
	return ".emerald"
}

// Load reads and parses a TOML config file at path, filling in defaults
// for anything the file omits.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c Config) Validate() error {
	if c.EngineAuthRPCAddress == "" {
		return fmt.Errorf("engine_authrpc_address is required")
	}
	if c.ExecutionAuthRPCAddress == "" {
		return fmt.Errorf("execution_authrpc_address is required")
	}
	if c.JWTTokenPath == "" {
		return fmt.Errorf("jwt_token_path is required")
	}
	switch c.ELNodeType {
	case "archive", "full":
	default:
		return fmt.Errorf("el_node_type must be \"archive\" or \"full\", got %q", c.ELNodeType)
	}
	return nil
}

// FeeRecipientAddress parses the configured fee recipient.
func (c Config) FeeRecipientAddress() common.Address {
	return common.HexToAddress(c.FeeRecipient)
}

// RetryPolicy converts the millisecond-denominated RetryConfig to a
// retry.Policy.
func (c Config) RetryPolicy() retry.Policy {
	rc := c.RetryConfig
	p := retry.DefaultPolicy()
	if rc.InitialDelayMS > 0 {
		p.InitialDelay = msToDuration(rc.InitialDelayMS)
	}
	if rc.MaxDelayMS > 0 {
		p.MaxDelay = msToDuration(rc.MaxDelayMS)
	}
	if rc.MaxElapsedMS > 0 {
		p.MaxElapsed = msToDuration(rc.MaxElapsedMS)
	}
	if rc.Multiplier > 1 {
		p.Multiplier = rc.Multiplier
	}
	return p
}

func msToDuration(ms uint64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// EncodeTOML writes cfg to w as TOML.
func EncodeTOML(w io.Writer, cfg Config) error {
	enc := toml.NewEncoder(w)
	return enc.Encode(cfg)
}

// WriteTOML writes cfg to a new file at path.
func WriteTOML(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return EncodeTOML(f, cfg)
}
