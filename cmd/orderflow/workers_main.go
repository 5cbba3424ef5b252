package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/exec"
	"github.com/v13quant/orderflow/internal/harvest"
	"github.com/v13quant/orderflow/internal/schema"
	sig "github.com/v13quant/orderflow/internal/signal"
	"github.com/v13quant/orderflow/internal/sink"
	"github.com/v13quant/orderflow/internal/strategy"
)

// loadConfig resolves --config and parses it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		path, _ = cmd.Root().PersistentFlags().GetString("config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// workerContext returns a context cancelled by SIGINT/SIGTERM and bounded by
// the --minutes flag when set.
func workerContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if minutes, err := cmd.Flags().GetInt("minutes"); err == nil && minutes > 0 {
		boundedCtx, boundedCancel := context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
		return boundedCtx, func() { boundedCancel(); cancel() }
	}
	return ctx, cancel
}

// buildAdapter picks the venue adapter. The mock venue serves tests and
// offline rehearsal.
func buildAdapter(cfg *config.Config, tp clock.TimeProvider) (exchange.Adapter, error) {
	switch cfg.Exchange.Venue {
	case "mock":
		mock := exchange.NewMock(tp, nil)
		return mock, nil
	case "binancef":
		return exchange.NewBinanceFutures(cfg.Exchange, tp)
	default:
		return nil, fmt.Errorf("unknown venue %q", cfg.Exchange.Venue)
	}
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := workerContext(cmd)
	defer cancel()

	tp := clock.NewWall()
	adapter, err := buildAdapter(cfg, tp)
	if err != nil {
		return err
	}
	h := harvest.New(cfg, adapter, tp, clock.NewRNG(cfg.Backtest.Seed))
	log.Info().Strs("symbols", cfg.Symbols).Str("venue", cfg.Exchange.Venue).Msg("harvester starting")
	return h.Run(ctx)
}

func runSignal(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if mode, _ := cmd.Flags().GetString("sink"); mode != "" {
		cfg.Sink.Mode = mode
	}
	ctx, cancel := workerContext(cmd)
	defer cancel()

	gen, err := sig.NewGenerator(cfg, clock.NewWall())
	if err != nil {
		return err
	}
	log.Info().Str("sink", cfg.Sink.Mode).Str("config_hash", cfg.Hash()).Msg("signal generator starting")
	return gen.Run(ctx)
}

func runStrategy(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Exec.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	ctx, cancel := workerContext(cmd)
	defer cancel()

	tp := clock.NewWall()
	adapter, err := buildAdapter(cfg, tp)
	if err != nil {
		return err
	}
	if cfg.Exec.Mode == "backtest" {
		// Backtest strategy mode never touches a real venue.
		mock := exchange.NewMock(tp, nil)
		adapter = mock
	}

	layout := sink.Layout{Root: cfg.Root}
	execWriter, err := sink.NewExecWriter(layout, cfg.Sink, tp)
	if err != nil {
		return err
	}
	rng := clock.NewRNG(cfg.Backtest.Seed)
	var executor exec.Executor = exec.NewAdapterExecutor(adapter, exec.NewOutbox(execWriter), cfg.Exec, tp, rng)

	if cfg.Exec.Shadow.Enabled {
		shadowMock := exchange.NewMock(tp, nil)
		secondary := exec.NewAdapterExecutor(shadowMock, exec.NewOutbox(&discardExecWriter{}), cfg.Exec, tp, rng)
		executor = exec.NewShadow(executor, secondary, cfg.Exec.Shadow.ParityWarn)
	}

	s := strategy.New(cfg, adapter, executor, execWriter, tp)
	defer s.Close()
	log.Info().Str("mode", cfg.Exec.Mode).Msg("strategy starting")
	return s.Run(ctx)
}

// discardExecWriter drops shadow-side lifecycle events; only the comparison
// matters on that path.
type discardExecWriter struct{}

func (discardExecWriter) WriteExecEvent(*schema.ExecLogEvent) error { return nil }
func (discardExecWriter) Flush() error                              { return nil }
func (discardExecWriter) Close() error                              { return nil }
