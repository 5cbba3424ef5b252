package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

const pollInterval = 200 * time.Millisecond

// Generator tails published feature files and runs every row through the
// decision engine, writing one signal record per feature row to the dual
// sink. Files under ready/ are immutable once published, so consumption is
// file-at-a-time in name order.
type Generator struct {
	cfg    *config.Config
	layout sink.Layout
	engine *Engine
	writer *sink.DualSignalWriter
	tp     clock.TimeProvider

	processed map[string]bool
	ready     bool
}

// NewGenerator wires the engine to the configured sinks and rebuilds the
// dedupe set from signals.db when a SQLite sink is present.
func NewGenerator(cfg *config.Config, tp clock.TimeProvider) (*Generator, error) {
	layout := sink.Layout{Root: cfg.Root}
	writer, err := sink.NewSignalWriter(layout, cfg.Sink, tp)
	if err != nil {
		return nil, fmt.Errorf("signal writer: %w", err)
	}
	g := &Generator{
		cfg:       cfg,
		layout:    layout,
		engine:    NewEngine(cfg.Signals, cfg.Hash()),
		writer:    writer,
		tp:        tp,
		processed: make(map[string]bool),
	}
	if writer.SQLite != nil {
		dayStart := time.UnixMilli(tp.NowMs()).UTC().Truncate(24 * time.Hour).UnixMilli()
		seed, err := writer.SQLite.RecentSignalTypes(dayStart)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("dedupe rebuild: %w", err)
		}
		g.engine.SeedDedupe(seed)
		if len(seed) > 0 {
			log.Info().Int("entries", len(seed)).Msg("dedupe set rebuilt from signals.db")
		}
	}
	return g, nil
}

// Run consumes feature files until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	defer g.writer.Close()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := g.scanOnce(); err != nil {
			return err
		}
		g.markReady()
		select {
		case <-ctx.Done():
			return g.writer.Flush()
		case <-ticker.C:
		}
	}
}

// Drain processes everything currently published and returns the number of
// confirmed signals. Used by replay.
func (g *Generator) Drain() (int64, error) {
	var confirmed int64
	for {
		n, err := g.scanOnce()
		if err != nil {
			return confirmed, err
		}
		confirmed += n
		if n == 0 {
			break
		}
	}
	return confirmed, g.writer.Flush()
}

// scanOnce picks up any newly published feature files, in name order so the
// per-symbol event order is preserved.
func (g *Generator) scanOnce() (int64, error) {
	pattern := filepath.Join(g.layout.Root, "ready", "feature", "*", "*.jsonl")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return 0, err
	}
	sort.Strings(files)

	var confirmed int64
	for _, path := range files {
		if g.processed[path] {
			continue
		}
		n, err := g.consumeFile(path)
		if err != nil {
			return confirmed, fmt.Errorf("consume %s: %w", filepath.Base(path), err)
		}
		g.processed[path] = true
		confirmed += n
	}
	return confirmed, nil
}

func (g *Generator) consumeFile(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var confirmed int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		var fr schema.FeatureRow
		if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
			metrics.Default().SinkErrors.WithLabelValues("jsonl", "decode").Inc()
			log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("malformed feature row skipped")
			continue
		}
		rec := g.engine.Decide(&fr)
		if err := g.writer.WriteSignal(rec); err != nil {
			return confirmed, err
		}
		m := metrics.Default()
		m.SignalsEmitted.WithLabelValues(rec.Symbol, string(rec.DecisionCode)).Inc()
		if rec.Confirm {
			confirmed++
			m.SignalsConfirmed.WithLabelValues(rec.Symbol, string(rec.SignalType)).Inc()
		}
	}
	return confirmed, sc.Err()
}

// Decide exposes the engine for in-process callers (replay).
func (g *Generator) Decide(fr *schema.FeatureRow) *schema.SignalRecord {
	return g.engine.Decide(fr)
}

// Writer exposes the sink stack for manifest counts.
func (g *Generator) Writer() *sink.DualSignalWriter { return g.writer }

// markReady writes the sentinel after the first complete scan.
func (g *Generator) markReady() {
	if g.ready {
		return
	}
	g.ready = true
	path := filepath.Join(g.layout.ArtifactsDir(), "signal.ready")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Error().Err(err).Msg("ready sentinel mkdir failed")
		return
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", g.tp.NowMs())), 0644); err != nil {
		log.Error().Err(err).Msg("ready sentinel write failed")
		return
	}
	log.Info().Msg("signal generator ready")
}
