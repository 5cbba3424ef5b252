package backtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

func loadTestConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	yaml := `
symbols: [BTCUSDT]
root: ` + root + `
sink:
  mode: jsonl
backtest:
  seed: 42
  slippage_bps: 2
  take_profit_bps: 25
  stop_loss_bps: 15
  max_hold_time_sec: 600
  scoring:
    pnl_net: 1.0
    win_rate_trades: 0.5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func replayRow(tsMs int64, mid, score float64) schema.FeatureRow {
	return schema.FeatureRow{
		TsMs:               tsMs,
		Symbol:             "BTCUSDT",
		Mid:                mid,
		SpreadBps:          2,
		FusionScore:        score,
		Consistency:        0.9,
		Scenario:           schema.ScenarioQuietLow,
		Divergence:         schema.DivergenceNone,
		LagMsToTrade:       100,
		TradesPerMin:       30,
		QuoteUpdatesPerSec: 5,
	}
}

func writeInput(t *testing.T, dir string, rows []schema.FeatureRow) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var lines []string
	for i := range rows {
		b, err := json.Marshal(&rows[i])
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	path := filepath.Join(dir, "feature_20260824_1000_0001.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestFillModel_SlippageAndFees(t *testing.T) {
	cfg := config.BacktestConfig{
		SlippageBps: 2, MakerFeeBps: 2, TakerFeeBps: 4,
		MakerFeeRatio: map[string]float64{"A_H": 1.0},
	}
	f := NewFillModel(cfg, clock.NewRNG(1))

	// Buys pay up, sells pay down, half the slippage each way.
	px, fee, maker := f.Fill(schema.SideBuy, 1, 100, schema.ScenarioQuietLow)
	assert.InDelta(t, 100.01, px, 1e-9)
	assert.False(t, maker, "zero maker ratio for unlisted scenario")
	assert.InDelta(t, px*4/1e4, fee, 1e-12)

	px, _, _ = f.Fill(schema.SideSell, 1, 100, schema.ScenarioQuietLow)
	assert.InDelta(t, 99.99, px, 1e-9)

	_, fee, maker = f.Fill(schema.SideBuy, 1, 100, schema.ScenarioActiveHigh)
	assert.True(t, maker, "ratio 1.0 always fills as maker")
	assert.InDelta(t, 100.01*2/1e4, fee, 1e-12)
}

func TestFillModel_LimitCrossesOnly(t *testing.T) {
	f := NewFillModel(config.BacktestConfig{MakerFeeBps: 2}, clock.NewRNG(1))

	_, _, crossed := f.FillLimit(schema.SideBuy, 1, 99, 100)
	assert.False(t, crossed)

	px, fee, crossed := f.FillLimit(schema.SideBuy, 1, 99, 98.5)
	require.True(t, crossed)
	assert.Equal(t, 99.0, px)
	assert.InDelta(t, 99*2/1e4, fee, 1e-12)
}

func TestReplay_TakeProfitRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := loadTestConfig(t, root)
	input := filepath.Join(t.TempDir(), "features")
	writeInput(t, input, []schema.FeatureRow{
		replayRow(1000, 100, 2.0), // confirmed buy, entry at 100.01
		replayRow(2000, 100.1, 0), // +9 bps, holds
		replayRow(3000, 100.3, 0), // +29 bps, take profit
	})

	r, err := NewReplayer(cfg)
	require.NoError(t, err)
	m, err := r.Run(input)
	require.NoError(t, err)

	require.Equal(t, 1, m.Trades)
	assert.Equal(t, 1, m.Wins)
	assert.Greater(t, m.PnlNet, 0.0)
	assert.Equal(t, int64(1), m.Confirmed)
	assert.Equal(t, 1.0, m.WinRateTrades)

	data, err := os.ReadFile(filepath.Join(root, "artifacts", "trades.jsonl"))
	require.NoError(t, err)
	var trade Trade
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &trade))
	assert.Equal(t, "take_profit", trade.ExitReason)
	assert.Equal(t, schema.SideBuy, trade.Side)
	assert.InDelta(t, 100.01, trade.EntryPx, 1e-9)

	_, err = os.Stat(filepath.Join(root, "artifacts", "metrics.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "artifacts", "pnl_daily.jsonl"))
	assert.NoError(t, err)
}

func TestReplay_StopLossAndReverse(t *testing.T) {
	root := t.TempDir()
	cfg := loadTestConfig(t, root)
	cfg.Signals.CooldownAfterExitSec = 0
	input := filepath.Join(t.TempDir(), "features")
	writeInput(t, input, []schema.FeatureRow{
		replayRow(1000, 100, 2.0),   // buy at 100.01
		replayRow(2000, 99.8, 0),    // -21 bps, stop loss
		replayRow(4000, 99.8, -2.0), // confirmed sell opens short
		replayRow(5000, 99.8, 0),
	})

	r, err := NewReplayer(cfg)
	require.NoError(t, err)
	m, err := r.Run(input)
	require.NoError(t, err)

	require.Equal(t, 2, m.Trades)
	data, err := os.ReadFile(filepath.Join(root, "artifacts", "trades.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second Trade
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "stop_loss", first.ExitReason)
	assert.Less(t, first.PnlNet, 0.0)
	assert.Equal(t, schema.SideSell, second.Side)
	assert.Equal(t, "end_of_data", second.ExitReason)
}

func TestReplay_LimitEntryRestsThenCrosses(t *testing.T) {
	root := t.TempDir()
	cfg := loadTestConfig(t, root)
	cfg.Exec.OrderType = "limit"
	input := filepath.Join(t.TempDir(), "features")
	writeInput(t, input, []schema.FeatureRow{
		replayRow(1000, 100, 2.0), // confirmed buy rests at 99.99
		replayRow(2000, 99.98, 0), // mid crosses the limit, maker entry
		replayRow(3000, 100.3, 0), // +31 bps over entry, take profit
	})

	r, err := NewReplayer(cfg)
	require.NoError(t, err)
	m, err := r.Run(input)
	require.NoError(t, err)

	require.Equal(t, 1, m.Trades)
	data, err := os.ReadFile(filepath.Join(root, "artifacts", "trades.jsonl"))
	require.NoError(t, err)
	var trade Trade
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &trade))
	assert.InDelta(t, 99.99, trade.EntryPx, 1e-9, "limit fills at the resting price, not the marketable one")
	assert.Equal(t, int64(2000), trade.EntryTsMs, "entry waits for the crossing row")
	assert.Equal(t, "take_profit", trade.ExitReason)
}

func TestReplay_LimitEntryNeverCrosses(t *testing.T) {
	cfg := loadTestConfig(t, t.TempDir())
	cfg.Exec.OrderType = "limit"
	input := filepath.Join(t.TempDir(), "features")
	writeInput(t, input, []schema.FeatureRow{
		replayRow(1000, 100, 2.0), // buy rests at 99.99
		replayRow(2000, 100.2, 0), // mid runs away, order never fills
	})

	r, err := NewReplayer(cfg)
	require.NoError(t, err)
	m, err := r.Run(input)
	require.NoError(t, err)

	assert.Equal(t, 0, m.Trades, "an uncrossed resting order opens nothing")
	assert.Equal(t, int64(1), m.Confirmed)
}

func TestReplay_Deterministic(t *testing.T) {
	input := filepath.Join(t.TempDir(), "features")
	var rows []schema.FeatureRow
	mids := []float64{100, 100.2, 99.9, 100.4, 99.7, 100.1, 100.6, 99.5}
	scores := []float64{2.0, 0.3, -1.8, 0.1, 2.2, -0.4, -2.1, 0.6}
	for i := range mids {
		rows = append(rows, replayRow(int64(1000+i*30_000), mids[i], scores[i]))
	}
	writeInput(t, input, rows)

	run := func(root string) (*Metrics, string) {
		cfg := loadTestConfig(t, root)
		cfg.Signals.CooldownAfterExitSec = 0
		r, err := NewReplayer(cfg)
		require.NoError(t, err)
		m, err := r.Run(input)
		require.NoError(t, err)
		trades, err := os.ReadFile(filepath.Join(root, "artifacts", "trades.jsonl"))
		require.NoError(t, err)
		return m, string(trades)
	}

	m1, t1 := run(t.TempDir())
	m2, t2 := run(t.TempDir())
	assert.Equal(t, m1, m2)
	assert.Equal(t, t1, t2, "identical seed and input must replay bit-identically")
}

func TestReplay_EmptyInputFails(t *testing.T) {
	cfg := loadTestConfig(t, t.TempDir())
	r, err := NewReplayer(cfg)
	require.NoError(t, err)
	_, err = r.Run(t.TempDir())
	assert.Error(t, err)
}
