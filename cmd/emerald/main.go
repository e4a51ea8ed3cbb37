// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// Command emerald runs the consensus-engine shim: it loads a TOML
// configuration, opens the block store, connects to the execution layer
// over the Engine API, and drives the event-loop adapter.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/1Money-Co/emerald/adapter"
	"github.com/1Money-Co/emerald/assembler"
	"github.com/1Money-Co/emerald/config"
	"github.com/1Money-Co/emerald/elog"
	"github.com/1Money-Co/emerald/engineapi"
	"github.com/1Money-Co/emerald/engineapi/authtoken"
	"github.com/1Money-Co/emerald/registry"
	"github.com/1Money-Co/emerald/store"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/disk"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
)

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Usage:    "path to emerald.toml",
	Required: true,
}

func main() {
	_, _ = maxprocs.Set(maxprocs.Logger(func(f string, a ...any) { elog.Debug(fmt.Sprintf(f, a...)) }))

	app := &cli.App{
		Name:  "emerald",
		Usage: "consensus-engine shim between a BFT library and an Engine-API execution client",
		Commands: []*cli.Command{
			startCommand,
			initCommand,
			dumpConfigCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		elog.Crit("emerald exited with error", "err", err)
	}
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "start the adapter event loop",
	Flags: []cli.Flag{configFlag},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		return runStart(cctx.Context, cfg)
	},
}

var initCommand = &cli.Command{
	Name:      "init",
	Usage:     "write a default emerald.toml and bootstrap the store directory",
	ArgsUsage: "<path>",
	Action: func(cctx *cli.Context) error {
		path := cctx.Args().First()
		if path == "" {
			return fmt.Errorf("usage: emerald init <path>")
		}
		cfg, err := writeDefaultConfig(path)
		if err != nil {
			return err
		}
		return bootstrapStore(cfg)
	},
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "print the effective configuration as TOML",
	Flags: []cli.Flag{configFlag},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		return dumpConfig(cfg)
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print store status for the configured home directory",
	Flags: []cli.Flag{configFlag},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		return printStatus(cfg)
	},
}

func runStart(ctx context.Context, cfg config.Config) error {
	setupLogging(cfg.Log)

	if err := checkDiskSpace(cfg.HomeDir); err != nil {
		elog.Warn("disk space preflight check failed", "err", err)
	}

	minter, err := authtoken.LoadMinterFromFile(cfg.JWTTokenPath)
	if err != nil {
		return fmt.Errorf("load jwt secret: %w", err)
	}

	engine := engineapi.New(engineapi.Config{
		EngineAuthRPCAddress: cfg.EngineAuthRPCAddress,
		ExecutionRPCAddress:  cfg.ExecutionAuthRPCAddress,
		Minter:               minter,
		RetryPolicy:          cfg.RetryPolicy(),
	})

	st, err := store.Open(store.Config{
		Dir:                     cfg.HomeDir + "/data",
		NumCertificatesToRetain: cfg.NumCertificatesToRetain,
		NumTempBlocksRetained:   cfg.NumTempBlocksRetained,
		PruneAtBlockInterval:    cfg.PruneAtBlockInterval,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := registry.New(engine, 32<<20)
	asm := assembler.New()

	events := make(chan adapter.Event)
	a := adapter.New(adapter.Config{
		FeeRecipient: cfg.FeeRecipientAddress(),
		RetryPolicy:  cfg.RetryPolicy(),
	}, engine, st, reg, asm, events)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	elog.Info("emerald starting", "home", cfg.HomeDir, "engine_authrpc", cfg.EngineAuthRPCAddress)
	return a.Run(runCtx)
}

func setupLogging(lc config.LogConfig) {
	level := elog.LvlInfo
	switch lc.Level {
	case "crit":
		level = elog.LvlCrit
	case "error":
		level = elog.LvlError
	case "warn":
		level = elog.LvlWarn
	case "debug":
		level = elog.LvlDebug
	}
	handler := elog.NewTerminalHandler(os.Stderr, true)
	if lc.File != "" {
		handler = elog.NewMultiHandler(handler, elog.NewFileHandler(lc.File, lc.FileMaxMB, lc.FileBackups, lc.FileMaxDays))
	}
	elog.SetDefault(elog.New(level, handler))
}

func checkDiskSpace(homeDir string) error {
	usage, err := disk.Usage(homeDir)
	if err != nil {
		// homeDir may not exist yet on first run; that is not fatal here.
		return nil
	}
	const minFreeBytes = 1 << 30 // 1 GiB
	if usage.Free < minFreeBytes {
		return fmt.Errorf("only %d bytes free at %s, want at least %d", usage.Free, homeDir, minFreeBytes)
	}
	return nil
}

func writeDefaultConfig(path string) (config.Config, error) {
	cfg := config.Default()
	cfg.EngineAuthRPCAddress = "http://127.0.0.1:8551"
	cfg.ExecutionAuthRPCAddress = "http://127.0.0.1:8545"
	cfg.JWTTokenPath = cfg.HomeDir + "/jwt.hex"
	return cfg, config.WriteTOML(path, cfg)
}

// bootstrapStore creates the empty pebble database and lock file at the
// home directory so the first `emerald start` opens an already-initialized
// store rather than racing pebble's own directory creation. The genesis
// block itself is never fetched here: handleConsensusReady anchors on it
// against the live EL the first time `start` runs.
func bootstrapStore(cfg config.Config) error {
	dir := cfg.HomeDir + "/data"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory %s: %w", dir, err)
	}
	st, err := store.Open(store.Config{
		Dir:                     dir,
		NumCertificatesToRetain: cfg.NumCertificatesToRetain,
		NumTempBlocksRetained:   cfg.NumTempBlocksRetained,
		PruneAtBlockInterval:    cfg.PruneAtBlockInterval,
	})
	if err != nil {
		return fmt.Errorf("bootstrap store: %w", err)
	}
	return st.Close()
}

func dumpConfig(cfg config.Config) error {
	return config.EncodeTOML(os.Stdout, cfg)
}

func printStatus(cfg config.Config) error {
	st, err := store.Open(store.Config{Dir: cfg.HomeDir + "/data"})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	committed, err := st.CommittedHeight()
	if err != nil {
		return err
	}
	floor, err := st.EarliestCertificateHeight()
	if err != nil {
		return err
	}
	unpruned, err := st.EarliestUnprunedHeight()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"home_dir", cfg.HomeDir})
	table.Append([]string{"committed_height", fmt.Sprint(committed)})
	table.Append([]string{"earliest_certificate_height", fmt.Sprint(floor)})
	table.Append([]string{"earliest_unpruned_height", fmt.Sprint(unpruned)})
	table.Render()
	return nil
}
