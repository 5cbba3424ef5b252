package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "orderflow"
	version = "v1.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Order-flow analytics and execution pipeline",
		Version: version,
		Long: `orderflow ingests exchange depth and trade streams, derives order-flow
features (OFI, CVD, fusion score), generates trade signals, and routes them
through risk prechecks into backtest, testnet or live execution.

Workers run as subcommands; 'orderflow orchestrate' supervises the full
pipeline for a bounded session.`,
	}
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to the yaml config")

	harvestCmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run the market-data harvester",
		Long:  "Subscribes to depth and trade streams, normalizes and DQ-gates rows, persists RAW partitions and publishes feature rows",
		RunE:  runHarvest,
	}
	harvestCmd.Flags().String("enable", "orderbook,trade", "Comma-separated stream kinds")
	harvestCmd.Flags().Int("minutes", 0, "Stop after N minutes (0 = until interrupted)")

	signalCmd := &cobra.Command{
		Use:   "signal",
		Short: "Run the signal generator",
		Long:  "Consumes published feature rows and emits one signal record per row through the configured sinks",
		RunE:  runSignal,
	}
	signalCmd.Flags().String("sink", "", "Sink mode override (jsonl|sqlite|dual)")
	signalCmd.Flags().Int("minutes", 0, "Stop after N minutes (0 = until interrupted)")

	strategyCmd := &cobra.Command{
		Use:   "strategy",
		Short: "Run the strategy and execution loop",
		Long:  "Consumes confirmed signals, applies the risk precheck and adaptive throttle, and dispatches orders",
		RunE:  runStrategy,
	}
	strategyCmd.Flags().String("mode", "", "Exec mode override (backtest|testnet|live)")
	strategyCmd.Flags().Int("minutes", 0, "Stop after N minutes (0 = until interrupted)")

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical features through the decision engine",
		Long:  "Drives recorded feature rows through the same signal engine as live, simulates fills, and writes trades, daily PnL and the scorecard",
		RunE:  runBacktest,
	}
	backtestCmd.Flags().String("input", "", "Feature input directory (default <root>/ready/feature)")
	backtestCmd.Flags().String("out", "", "Output root override")

	orchestrateCmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Supervise the full pipeline",
		Long:  "Launches harvest, signal and strategy workers in order, gates on readiness, restarts on failure, and finalizes the run manifest",
		RunE:  runOrchestrate,
	}
	orchestrateCmd.Flags().Int("minutes", 0, "Session length in minutes (0 = until interrupted)")

	parityCmd := &cobra.Command{
		Use:   "parity",
		Short: "Diff the JSONL and SQLite signal sinks",
		Long:  "Aggregates both sinks per minute over their overlap window and writes the parity report",
		RunE:  runParity,
	}
	parityCmd.Flags().String("signals-dir", "", "Output root override")

	rootCmd.AddCommand(harvestCmd, signalCmd, strategyCmd, backtestCmd, orchestrateCmd, parityCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
