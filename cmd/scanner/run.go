package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"evmrecon/pkg/chain"
	"evmrecon/pkg/config"
	"evmrecon/pkg/detectors"
	"evmrecon/pkg/ledger"
	"evmrecon/pkg/logger"
	"evmrecon/pkg/pipeline"
	"evmrecon/pkg/prefilter"
	"evmrecon/pkg/probe"
	"evmrecon/pkg/queue"
	"evmrecon/pkg/report"
	"evmrecon/pkg/watcher"
)

var (
	ConfigFlag = cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML configuration file",
	}
	RPCFlag = cli.StringSliceFlag{
		Name:  "rpc",
		Usage: "RPC endpoint(s), rotated on failure; overrides the config file",
	}
	LogLevelFlag = cli.StringFlag{
		Name:  "log-level",
		Usage: "CRITICAL, ERROR, WARNING, NOTICE, INFO or DEBUG",
	}
	BackfillFlag = cli.Uint64Flag{
		Name:  "backfill",
		Usage: "number of historical blocks to scan on startup",
	}
)

var WatchCommand = cli.Command{
	Name:   "watch",
	Usage:  "follow the chain and analyze newly discovered contracts",
	Action: runWatch,
	Flags:  []cli.Flag{&ConfigFlag, &RPCFlag, &LogLevelFlag, &BackfillFlag},
}

var ScanCommand = cli.Command{
	Name:      "scan",
	Usage:     "analyze the given contract addresses once and exit",
	ArgsUsage: "<address> [<address>...]",
	Action:    runScan,
	Flags:     []cli.Flag{&ConfigFlag, &RPCFlag, &LogLevelFlag},
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := ctx.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if endpoints := ctx.StringSlice(RPCFlag.Name); len(endpoints) > 0 {
		cfg.RPC.Endpoints = endpoints
	}
	if level := ctx.String(LogLevelFlag.Name); level != "" {
		cfg.LogLevel = level
	}
	if ctx.IsSet(BackfillFlag.Name) {
		cfg.Watcher.BackfillBlocks = ctx.Uint64(BackfillFlag.Name)
	}
	return cfg, cfg.Validate()
}

// components bundles everything a command needs to run analyses.
type components struct {
	cfg      *config.Config
	client   *chain.Client
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	sink     report.Sink
}

func buildComponents(cfg *config.Config) (*components, error) {
	client, err := chain.Dial(cfg.RPC.Endpoints, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var sinks report.MultiSink
	if cfg.Report.FindingsPath != "" {
		jsonl, err := report.NewJSONLSink(cfg.Report.FindingsPath)
		if err != nil {
			client.Close()
			return nil, err
		}
		sinks = append(sinks, jsonl)
	}
	if cfg.Report.WebhookURL != "" {
		sinks = append(sinks, report.NewWebhookSink(cfg.LogLevel, cfg.Report.WebhookURL,
			cfg.Report.WebhookMinSeverity,
			time.Duration(cfg.Report.WebhookThrottleSeconds)*time.Second))
	}

	det := detectors.New(cfg.LogLevel, client)
	cascade := prefilter.New(cfg.LogLevel, det, cfg.Pipeline.BenignFingerprints)
	q := queue.New()

	p := pipeline.New(cfg.LogLevel, client, q, ledger.New(), cascade, det, sinks, pipeline.Config{
		Workers:           cfg.Pipeline.Workers,
		BatchSize:         cfg.Pipeline.BatchSize,
		AnalysisTTL:       cfg.AnalysisTTL(),
		MinSeverity:       cfg.Pipeline.MinSeverity,
		BountyMinSeverity: cfg.Pipeline.BountyMinSeverity,
		Probe: probe.Config{
			Workers:       cfg.Probe.Workers,
			SlotScanBound: cfg.Probe.SlotScanBound,
			ProbeAmount:   cfg.ProbeAmountWei(),
			ScreenAmount:  cfg.ScreenAmountWei(),
			CacheTTL:      time.Duration(cfg.Probe.CacheTTLSeconds) * time.Second,
			DedupTTL:      time.Duration(cfg.Probe.DedupTTLSeconds) * time.Second,
		},
	})

	return &components{cfg: cfg, client: client, queue: q, pipeline: p, sink: sinks}, nil
}

func (c *components) close() {
	c.pipeline.Wait()
	if c.sink != nil {
		_ = c.sink.Close()
	}
	c.client.Close()
}

func runWatch(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}
	comp, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	mainLog := logger.NewLogger(cfg.LogLevel, "Scanner")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- comp.pipeline.Run(ctx) }()

	if cfg.Watcher.Enabled {
		w := watcher.New(cfg.LogLevel, comp.client, comp.queue, watcher.Config{
			PollInterval:      time.Duration(cfg.Watcher.PollIntervalSeconds) * time.Second,
			Lag:               cfg.Watcher.Lag,
			MaxBatch:          cfg.Watcher.MaxBatch,
			BackfillBlocks:    cfg.Watcher.BackfillBlocks,
			WhaleThresholdWei: cfg.WhaleThresholdWei(),
		})
		go func() { errCh <- w.Run(ctx) }()
	}

	mainLog.Noticef("scanner running against %d endpoint(s)", len(cfg.RPC.Endpoints))

	<-ctx.Done()
	mainLog.Notice("shutting down")

	// Give the workers a moment to finish in-flight analyses.
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func runScan(cliCtx *cli.Context) error {
	if cliCtx.NArg() == 0 {
		return fmt.Errorf("scan requires at least one contract address")
	}

	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}
	comp, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer comp.close()

	mainLog := logger.NewLogger(cfg.LogLevel, "Scanner")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, raw := range cliCtx.Args().Slice() {
		if !common.IsHexAddress(raw) {
			mainLog.Warningf("skipping invalid address %q", raw)
			continue
		}
		addr := common.HexToAddress(raw)
		finding, err := comp.pipeline.Analyze(ctx, addr)
		switch {
		case err != nil:
			mainLog.Errorf("%s: %v", addr.Hex(), err)
		case finding == nil:
			mainLog.Infof("%s: nothing reportable", addr.Hex())
		default:
			mainLog.Noticef("%s: %s severity=%d bounty=%t", addr.Hex(), finding.Class, finding.Severity, finding.Bounty)
		}
	}
	return nil
}
