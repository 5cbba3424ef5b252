package backtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/signal"
	"github.com/v13quant/orderflow/internal/sink"
)

// Trade is one completed round trip.
type Trade struct {
	Symbol      string          `json:"symbol"`
	Side        schema.Side     `json:"side"`
	Qty         float64         `json:"qty"`
	EntryTsMs   int64           `json:"entry_ts_ms"`
	ExitTsMs    int64           `json:"exit_ts_ms"`
	EntryPx     float64         `json:"entry_px"`
	ExitPx      float64         `json:"exit_px"`
	Fees        float64         `json:"fees"`
	PnlNet      float64         `json:"pnl_net"`
	ExitReason  string          `json:"exit_reason"`
	Scenario    schema.Scenario `json:"scenario"`
	SignalRowID string          `json:"signal_row_id"`
}

// DailyPnl aggregates trades by UTC date.
type DailyPnl struct {
	Date   string  `json:"date"`
	Trades int     `json:"trades"`
	PnlNet float64 `json:"pnl_net"`
	Fees   float64 `json:"fees"`
}

// Metrics is the replay scorecard written to metrics.json. Keys are the
// canonical scoring names; legacy config aliases are mapped at parse time.
type Metrics struct {
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	PnlNet         float64 `json:"pnl_net"`
	AvgPnlPerTrade float64 `json:"avg_pnl_per_trade"`
	WinRateTrades  float64 `json:"win_rate_trades"`
	Score          float64 `json:"score"`
	Confirmed      int64   `json:"confirmed_signals"`
	ConfigHash     string  `json:"config_hash"`
	Seed           int64   `json:"seed"`
}

type openPosition struct {
	side        schema.Side
	qty         float64
	entryPx     float64
	entryFee    float64
	entryTsMs   int64
	scenario    schema.Scenario
	signalRowID string
}

// pendingLimit is a resting entry order waiting for the mid to cross it.
type pendingLimit struct {
	side        schema.Side
	qty         float64
	limit       float64
	scenario    schema.Scenario
	signalRowID string
}

// Replayer drives historical feature rows through the same decision engine
// the live generator runs, simulates fills, and scores the result. Identical
// input, config and seed produce bit-identical outputs.
type Replayer struct {
	cfg    *config.Config
	tp     *clock.Simulated
	rng    *clock.RNG
	engine *signal.Engine
	writer *sink.DualSignalWriter
	fill   *FillModel
	layout sink.Layout

	open      map[string]*openPosition
	pending   map[string]*pendingLimit
	trades    []Trade
	confirmed int64
}

// NewReplayer wires the replay pipeline over the configured output root.
func NewReplayer(cfg *config.Config) (*Replayer, error) {
	layout := sink.Layout{Root: cfg.Root}
	tp := clock.NewSimulated(time.Unix(0, 0))
	writer, err := sink.NewSignalWriter(layout, cfg.Sink, tp)
	if err != nil {
		return nil, fmt.Errorf("signal writer: %w", err)
	}
	rng := clock.NewRNG(cfg.Backtest.Seed)
	return &Replayer{
		cfg:     cfg,
		tp:      tp,
		rng:     rng,
		engine:  signal.NewEngine(cfg.Signals, cfg.Hash()),
		writer:  writer,
		fill:    NewFillModel(cfg.Backtest, rng),
		layout:  layout,
		open:    make(map[string]*openPosition),
		pending: make(map[string]*pendingLimit),
	}, nil
}

// Run replays every feature row under inputDir in event-time order and
// writes trades.jsonl, pnl_daily.jsonl and metrics.json to the artifacts
// directory.
func (r *Replayer) Run(inputDir string) (*Metrics, error) {
	defer r.writer.Close()

	rows, err := loadFeatureRows(inputDir)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no feature rows under %s", inputDir)
	}
	log.Info().Int("rows", len(rows)).Str("input", inputDir).Msg("replay starting")

	for i := range rows {
		fr := &rows[i]
		r.tp.AdvanceMs(fr.TsMs)
		r.checkPending(fr)
		r.checkExit(fr)

		rec := r.engine.Decide(fr)
		if err := r.writer.WriteSignal(rec); err != nil {
			return nil, fmt.Errorf("write signal: %w", err)
		}
		if rec.Confirm {
			r.confirmed++
			r.onSignal(fr, rec)
		}
	}
	r.closeAll(rows[len(rows)-1].TsMs)

	m := r.score()
	if err := r.writeArtifacts(m); err != nil {
		return nil, err
	}
	if err := r.writer.Flush(); err != nil {
		return nil, err
	}
	return m, nil
}

// checkExit closes the symbol's position when take-profit, stop-loss or the
// max hold time is hit at this row's mid.
func (r *Replayer) checkExit(fr *schema.FeatureRow) {
	pos := r.open[fr.Symbol]
	if pos == nil || fr.Mid <= 0 {
		return
	}
	pnlBps := pos.side.Sign() * (fr.Mid - pos.entryPx) / pos.entryPx * 1e4
	switch {
	case pnlBps >= r.cfg.Backtest.TakeProfitBps:
		r.exit(fr.Symbol, fr.TsMs, fr.Mid, "take_profit")
	case pnlBps <= -r.cfg.Backtest.StopLossBps:
		r.exit(fr.Symbol, fr.TsMs, fr.Mid, "stop_loss")
	case fr.TsMs-pos.entryTsMs >= r.cfg.Backtest.MaxHoldTimeSec*1000:
		r.exit(fr.Symbol, fr.TsMs, fr.Mid, "max_hold")
	}
}

// checkPending fills a resting limit entry when this row's mid crosses it.
func (r *Replayer) checkPending(fr *schema.FeatureRow) {
	p := r.pending[fr.Symbol]
	if p == nil || fr.Mid <= 0 {
		return
	}
	px, fee, crossed := r.fill.FillLimit(p.side, p.qty, p.limit, fr.Mid)
	if !crossed {
		return
	}
	delete(r.pending, fr.Symbol)
	r.open[fr.Symbol] = &openPosition{
		side:        p.side,
		qty:         p.qty,
		entryPx:     px,
		entryFee:    fee,
		entryTsMs:   fr.TsMs,
		scenario:    p.scenario,
		signalRowID: p.signalRowID,
	}
}

// onSignal opens a position on a confirmed signal, reversing first when one
// is open in the opposite direction. With limit entries configured the order
// rests inside the spread instead of filling at the marketable price.
func (r *Replayer) onSignal(fr *schema.FeatureRow, rec *schema.SignalRecord) {
	if fr.Mid <= 0 {
		return
	}
	if pos := r.open[fr.Symbol]; pos != nil {
		if pos.side == rec.Side {
			return
		}
		r.exit(fr.Symbol, fr.TsMs, fr.Mid, "reverse")
	}
	if r.cfg.Exec.OrderType == "limit" {
		// Price improvement of half the slippage: buys rest below the mid,
		// sells above. A newer signal replaces the resting order.
		half := r.cfg.Backtest.SlippageBps / 2 / 1e4
		r.pending[fr.Symbol] = &pendingLimit{
			side:        rec.Side,
			qty:         r.cfg.Exec.DefaultQty,
			limit:       fr.Mid * (1 - rec.Side.Sign()*half),
			scenario:    fr.Scenario,
			signalRowID: rec.SignalRowID,
		}
		return
	}
	px, fee, _ := r.fill.Fill(rec.Side, r.cfg.Exec.DefaultQty, fr.Mid, fr.Scenario)
	r.open[fr.Symbol] = &openPosition{
		side:        rec.Side,
		qty:         r.cfg.Exec.DefaultQty,
		entryPx:     px,
		entryFee:    fee,
		entryTsMs:   fr.TsMs,
		scenario:    fr.Scenario,
		signalRowID: rec.SignalRowID,
	}
}

func (r *Replayer) exit(symbol string, tsMs int64, mid float64, reason string) {
	pos := r.open[symbol]
	if pos == nil {
		return
	}
	delete(r.open, symbol)

	px, fee, _ := r.fill.Fill(pos.side.Opposite(), pos.qty, mid, pos.scenario)
	gross := pos.side.Sign() * (px - pos.entryPx) * pos.qty
	fees := pos.entryFee + fee
	r.trades = append(r.trades, Trade{
		Symbol:      symbol,
		Side:        pos.side,
		Qty:         pos.qty,
		EntryTsMs:   pos.entryTsMs,
		ExitTsMs:    tsMs,
		EntryPx:     pos.entryPx,
		ExitPx:      px,
		Fees:        fees,
		PnlNet:      gross - fees,
		ExitReason:  reason,
		Scenario:    pos.scenario,
		SignalRowID: pos.signalRowID,
	})
	r.engine.NotifyExit(symbol, pos.side, tsMs)
}

// closeAll flattens remaining positions at the last seen price.
func (r *Replayer) closeAll(tsMs int64) {
	symbols := make([]string, 0, len(r.open))
	for s := range r.open {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		r.exit(s, tsMs, r.open[s].entryPx, "end_of_data")
	}
}

func (r *Replayer) score() *Metrics {
	m := &Metrics{
		Trades:     len(r.trades),
		Confirmed:  r.confirmed,
		ConfigHash: r.cfg.Hash(),
		Seed:       r.cfg.Backtest.Seed,
	}
	for _, t := range r.trades {
		m.PnlNet += t.PnlNet
		if t.PnlNet > 0 {
			m.Wins++
		}
	}
	if m.Trades > 0 {
		m.AvgPnlPerTrade = m.PnlNet / float64(m.Trades)
		m.WinRateTrades = float64(m.Wins) / float64(m.Trades)
	}
	w := r.cfg.Backtest.Scoring
	m.Score = w.PnlNet*m.PnlNet + w.AvgPnlPerTrade*m.AvgPnlPerTrade + w.WinRateTrades*m.WinRateTrades
	return m
}

func (r *Replayer) writeArtifacts(m *Metrics) error {
	dir := r.layout.ArtifactsDir()

	var tradeLines []string
	for i := range r.trades {
		b, err := json.Marshal(&r.trades[i])
		if err != nil {
			return err
		}
		tradeLines = append(tradeLines, string(b))
	}
	if err := writeLines(filepath.Join(dir, "trades.jsonl"), tradeLines); err != nil {
		return err
	}

	var dailyLines []string
	for _, d := range r.dailyPnl() {
		b, err := json.Marshal(&d)
		if err != nil {
			return err
		}
		dailyLines = append(dailyLines, string(b))
	}
	if err := writeLines(filepath.Join(dir, "pnl_daily.jsonl"), dailyLines); err != nil {
		return err
	}
	return fsio.WriteJSONAtomic(filepath.Join(dir, "metrics.json"), m)
}

func (r *Replayer) dailyPnl() []DailyPnl {
	byDate := make(map[string]*DailyPnl)
	for _, t := range r.trades {
		date := time.UnixMilli(t.ExitTsMs).UTC().Format("2006-01-02")
		d := byDate[date]
		if d == nil {
			d = &DailyPnl{Date: date}
			byDate[date] = d
		}
		d.Trades++
		d.PnlNet += t.PnlNet
		d.Fees += t.Fees
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	out := make([]DailyPnl, 0, len(dates))
	for _, d := range dates {
		out = append(out, *byDate[d])
	}
	return out
}

// Manifest builds the run manifest for this replay.
func (r *Replayer) Manifest(runID string, m *Metrics, startMs, endMs int64) *schema.RunManifest {
	sinks := map[string]schema.SinkCounts{"signal": r.writer.Counts()}
	return &schema.RunManifest{
		RunID:      runID,
		StartTsMs:  startMs,
		EndTsMs:    endMs,
		Mode:       "backtest",
		Symbols:    r.cfg.Symbols,
		ConfigHash: r.cfg.Hash(),
		Sinks:      sinks,
		NoSignals:  m.Confirmed == 0,
		Components: []schema.ComponentVersion{
			{Name: "backtest", Version: r.cfg.Signals.RulesVer, ConfigHash: r.cfg.Hash()},
		},
	}
}

func writeLines(path string, lines []string) error {
	body := ""
	if len(lines) > 0 {
		body = strings.Join(lines, "\n") + "\n"
	}
	return fsio.WriteFileAtomic(path, []byte(body))
}

// loadFeatureRows reads every .jsonl file under dir (flat or per-symbol) and
// returns the rows sorted by event time, then symbol, preserving file order
// for equal keys.
func loadFeatureRows(dir string) ([]schema.FeatureRow, error) {
	var files []string
	for _, pattern := range []string{
		filepath.Join(dir, "*.jsonl"),
		filepath.Join(dir, "*", "*.jsonl"),
	} {
		matched, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, matched...)
	}
	sort.Strings(files)

	var rows []schema.FeatureRow
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			var fr schema.FeatureRow
			if err := json.Unmarshal(sc.Bytes(), &fr); err != nil {
				log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("malformed feature row skipped")
				continue
			}
			rows = append(rows, fr)
		}
		if err := sc.Err(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TsMs != rows[j].TsMs {
			return rows[i].TsMs < rows[j].TsMs
		}
		return rows[i].Symbol < rows[j].Symbol
	})
	return rows, nil
}
