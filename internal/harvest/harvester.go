package harvest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/feature"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

// Harvester ingests exchange streams, normalizes every message into a
// canonical row, runs the DQ gate, persists RAW rows, computes features,
// and publishes feature rows for the signal generator.
type Harvester struct {
	cfg     *config.Config
	adapter exchange.Adapter
	tp      clock.TimeProvider
	rng     *clock.RNG
	layout  sink.Layout

	dq          *DQGate
	raw         *RawWriter
	preview     *RawWriter
	featureSink *sink.JSONLSink

	mu     sync.Mutex
	pipes  map[string]*feature.Pipe
	rowIDs map[string]int64 // per symbol|kind
	seen   map[string]bool  // (symbol, kind) with at least one row
	ready  bool
}

// New builds a harvester over the given adapter.
func New(cfg *config.Config, adapter exchange.Adapter, tp clock.TimeProvider, rng *clock.RNG) *Harvester {
	layout := sink.Layout{Root: cfg.Root}
	h := &Harvester{
		cfg:         cfg,
		adapter:     adapter,
		tp:          tp,
		rng:         rng,
		layout:      layout,
		dq:          NewDQGate(layout, cfg.Harvest.ClockSkewBoundMs, cfg.Harvest.MaxFailRate),
		raw:         NewRawWriter(layout, false),
		preview:     NewRawWriter(layout, true),
		featureSink: sink.NewJSONLSink(layout, "feature", cfg.Sink, tp),
		pipes:       make(map[string]*feature.Pipe),
		rowIDs:      make(map[string]int64),
		seen:        make(map[string]bool),
	}
	for _, symbol := range cfg.Symbols {
		h.pipes[symbol] = feature.NewPipe(symbol, cfg.Harvest.Depth, cfg.Features)
	}
	return h
}

// Run subscribes and consumes until ctx is cancelled or the stream fails
// past the reconnect budget. Readiness is reported through the sentinel
// file once every (symbol, kind) has produced a row, or immediately in
// replay mode.
func (h *Harvester) Run(ctx context.Context) error {
	kinds := []schema.RowKind{schema.KindOrderbook, schema.KindTrade}

	if h.cfg.Harvest.ReplayMode {
		h.markReady()
	}

	var attempt int
	for {
		err := h.consume(ctx, kinds)
		if ctx.Err() != nil {
			return h.shutdown()
		}
		attempt++
		if attempt > h.cfg.Harvest.ReconnectMax {
			h.shutdown()
			return fmt.Errorf("harvester: stream failed after %d reconnects: %w", attempt-1, err)
		}
		// Jittered exponential backoff before reconnecting.
		backoff := time.Duration(h.cfg.Harvest.ReconnectBaseMs) * time.Millisecond << uint(min(attempt-1, 6))
		backoff += h.rng.Jitter(backoff / 2)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("harvester reconnecting")
		select {
		case <-ctx.Done():
			return h.shutdown()
		case <-time.After(backoff):
		}
	}
}

func (h *Harvester) consume(ctx context.Context, kinds []schema.RowKind) error {
	stream, err := h.adapter.Subscribe(ctx, h.cfg.Symbols, kinds)
	if err != nil {
		return err
	}
	for msg := range stream {
		if err := h.OnMessage(&msg); err != nil {
			log.Debug().Err(err).Str("symbol", msg.Symbol).Msg("row rejected")
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("stream closed")
}

// OnMessage normalizes one stream message and pushes it through the
// pipeline. Exposed for replay mode and tests.
func (h *Harvester) OnMessage(msg *exchange.StreamMessage) error {
	row := h.normalize(msg)
	if err := h.dq.Check(row); err != nil {
		return err
	}
	if err := h.raw.Write(row); err != nil {
		return fmt.Errorf("raw write: %w", err)
	}
	metrics.Default().RowsIngested.WithLabelValues(row.Symbol, string(row.Kind)).Inc()
	h.noteSeen(row.Symbol, row.Kind)

	pipe := h.pipes[row.Symbol]
	if pipe == nil {
		return nil
	}
	fr := pipe.OnRow(row)
	if fr == nil {
		return nil
	}
	return h.emitFeature(fr)
}

func (h *Harvester) normalize(msg *exchange.StreamMessage) *schema.CanonicalRow {
	recv := msg.RecvTsMs
	if recv == 0 {
		recv = h.tp.NowMs()
	}
	return &schema.CanonicalRow{
		TsMs:          msg.TsMs,
		RecvTsMs:      recv,
		Symbol:        msg.Symbol,
		Kind:          msg.Kind,
		RowID:         h.nextRowID(msg.Symbol, msg.Kind),
		SchemaVersion: schema.SchemaVersion,
		Bids:          msg.Bids,
		Asks:          msg.Asks,
		Price:         msg.Price,
		Qty:           msg.Qty,
		Side:          msg.Side,
		IsMaker:       msg.IsMaker,
	}
}

func (h *Harvester) emitFeature(fr *schema.FeatureRow) error {
	row := &schema.CanonicalRow{
		TsMs:          fr.TsMs,
		RecvTsMs:      h.tp.NowMs(),
		Symbol:        fr.Symbol,
		Kind:          schema.KindFeature,
		RowID:         h.nextRowID(fr.Symbol, schema.KindFeature),
		SchemaVersion: schema.SchemaVersion,
		Feature:       fr,
	}
	if err := h.preview.Write(row); err != nil {
		return fmt.Errorf("preview write: %w", err)
	}
	if err := h.featureSink.Write(fr.Symbol, fr); err != nil {
		return fmt.Errorf("feature sink: %w", err)
	}
	metrics.Default().FeaturesEmitted.WithLabelValues(fr.Symbol).Inc()
	return nil
}

func (h *Harvester) nextRowID(symbol string, kind schema.RowKind) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := symbol + "|" + string(kind)
	h.rowIDs[key]++
	return h.rowIDs[key]
}

// noteSeen flips readiness once every (symbol, kind) pair has arrived.
func (h *Harvester) noteSeen(symbol string, kind schema.RowKind) {
	h.mu.Lock()
	if h.ready {
		h.mu.Unlock()
		return
	}
	h.seen[symbol+"|"+string(kind)] = true
	want := len(h.cfg.Symbols) * 2 // orderbook + trade
	complete := len(h.seen) >= want
	h.mu.Unlock()
	if complete {
		h.markReady()
	}
}

// markReady writes the sentinel file the orchestrator's ready probe watches.
func (h *Harvester) markReady() {
	h.mu.Lock()
	if h.ready {
		h.mu.Unlock()
		return
	}
	h.ready = true
	h.mu.Unlock()

	path := filepath.Join(h.layout.ArtifactsDir(), "harvest.ready")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Error().Err(err).Msg("ready sentinel mkdir failed")
		return
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", h.tp.NowMs())), 0644); err != nil {
		log.Error().Err(err).Msg("ready sentinel write failed")
		return
	}
	log.Info().Msg("harvester ready")
}

// Flush drains buffers and publishes all in-flight files.
func (h *Harvester) Flush() error {
	var firstErr error
	for _, err := range []error{h.raw.Flush(), h.preview.Flush(), h.featureSink.Flush()} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DQSummary exposes gate counters for the run manifest.
func (h *Harvester) DQSummary() schema.DQSummary {
	return h.dq.Summary()
}

func (h *Harvester) shutdown() error {
	if err := h.Flush(); err != nil {
		log.Error().Err(err).Msg("harvester flush on shutdown failed")
	}
	hour := time.UnixMilli(h.tp.NowMs()).UTC().Format("2006010215")
	if err := h.dq.WriteHourlyManifest(hour); err != nil {
		log.Error().Err(err).Msg("dq manifest write failed")
	}
	return h.adapter.Close()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
