package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/v13quant/orderflow/internal/backtest"
	"github.com/v13quant/orderflow/internal/clock"
	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/orchestrator"
	"github.com/v13quant/orderflow/internal/sink"
)

func runBacktest(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		cfg.Root = out
	}
	input, _ := cmd.Flags().GetString("input")
	if input == "" {
		input = filepath.Join(cfg.Root, "ready", "feature")
	}

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r, err := backtest.NewReplayer(cfg)
	if err != nil {
		return err
	}

	startMs := time.Now().UnixMilli()
	m, err := r.Run(input)
	if err != nil {
		return err
	}
	endMs := time.Now().UnixMilli()

	layout := sink.Layout{Root: cfg.Root}
	manifest := r.Manifest(runID, m, startMs, endMs)
	if err := fsio.WriteJSONAtomic(layout.RunManifestPath(runID), manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	log.Info().
		Str("run_id", runID).
		Int("trades", m.Trades).
		Float64("pnl_net", m.PnlNet).
		Float64("win_rate", m.WinRateTrades).
		Float64("score", m.Score).
		Int64("confirmed", m.Confirmed).
		Msg("replay complete")

	if m.Confirmed == 0 {
		log.Warn().Msg("replay confirmed no signals")
		os.Exit(orchestrator.ExitNoSignals)
	}
	return nil
}

func runOrchestrate(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if minutes, _ := cmd.Flags().GetInt("minutes"); minutes > 0 {
		cfg.Orch.Minutes = minutes
	}

	o, err := orchestrator.New(cfg, configPath, clock.NewWall())
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("run_id", o.RunID()).Int("minutes", cfg.Orch.Minutes).Msg("orchestrator starting")
	code, runErr := o.Run(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("run failed")
	}
	if code != 0 {
		os.Exit(code)
	}
	return runErr
}

func runParity(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("signals-dir"); dir != "" {
		cfg.Root = dir
	}

	checker := sink.NewParityChecker(sink.Layout{Root: cfg.Root})
	report, err := checker.Run(time.Now())
	if err != nil {
		return err
	}
	log.Info().
		Int("overlap_minutes", report.OverlapMinutes).
		Str("window", report.OverlapStart+".."+report.OverlapEnd).
		Bool("passed", report.OverallPassed).
		Msg("parity check complete")
	for _, md := range report.Metrics {
		if !md.Passed {
			log.Warn().Str("metric", md.Metric).
				Int64("jsonl", md.JSONL).Int64("sqlite", md.SQLite).
				Float64("diff", md.Diff).Msg("sink divergence over limit")
		}
	}
	if !report.OverallPassed {
		return fmt.Errorf("sinks diverge beyond agreement limits")
	}
	return nil
}
