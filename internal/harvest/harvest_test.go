package harvest

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("symbols: [BTCUSDT]\nroot: "+t.TempDir()+"\n"), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func validBook(tsMs int64) *schema.CanonicalRow {
	return &schema.CanonicalRow{
		TsMs: tsMs, RecvTsMs: tsMs + 5, Symbol: "BTCUSDT",
		Kind: schema.KindOrderbook, SchemaVersion: schema.SchemaVersion,
		Bids: []schema.BookLevel{{Price: 100, Qty: 1}},
		Asks: []schema.BookLevel{{Price: 100.1, Qty: 1}},
	}
}

func TestDQGate_PassesValidRows(t *testing.T) {
	layout := sink.Layout{Root: t.TempDir()}
	g := NewDQGate(layout, 2000, 0.05)

	require.NoError(t, g.Check(validBook(1000)))
	require.NoError(t, g.Check(validBook(1000))) // equal ts allowed
	require.NoError(t, g.Check(validBook(2000)))

	s := g.Summary()
	assert.Equal(t, int64(3), s.RowsSeen)
	assert.Equal(t, int64(3), s.RowsPassed)
}

func TestDQGate_RejectsByReason(t *testing.T) {
	layout := sink.Layout{Root: t.TempDir()}
	g := NewDQGate(layout, 2000, 0.05)

	crossed := validBook(1000)
	crossed.Bids[0].Price = 100.2
	require.Error(t, g.Check(crossed))

	badVer := validBook(1100)
	badVer.SchemaVersion = "row/v0"
	require.Error(t, g.Check(badVer))

	nonFinite := validBook(1200)
	nonFinite.Asks[0].Qty = math.NaN()
	require.Error(t, g.Check(nonFinite))

	skewed := validBook(1300)
	skewed.RecvTsMs = skewed.TsMs - 10_000
	require.Error(t, g.Check(skewed))

	require.NoError(t, g.Check(validBook(5000)))
	regressed := validBook(4000)
	require.Error(t, g.Check(regressed))

	s := g.Summary()
	assert.Equal(t, int64(1), s.ByReason[dqCrossedBook])
	assert.Equal(t, int64(1), s.ByReason[dqSchemaVersion])
	assert.Equal(t, int64(1), s.ByReason[dqNonFinite])
	assert.Equal(t, int64(1), s.ByReason[dqClockSkew])
	assert.Equal(t, int64(1), s.ByReason[dqTsRegression])
}

func TestDQGate_DeadLetterPastFailRate(t *testing.T) {
	root := t.TempDir()
	layout := sink.Layout{Root: root}
	g := NewDQGate(layout, 2000, 0.10)

	require.NoError(t, g.Check(validBook(1000)))
	// Sustained failures push the rate over 10% and trigger quarantine.
	for i := 0; i < 5; i++ {
		bad := validBook(2000 + int64(i))
		bad.SchemaVersion = "row/v0"
		require.Error(t, g.Check(bad))
	}

	files, err := filepath.Glob(filepath.Join(layout.DeadLetterDir("BTCUSDT"), "*.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, files, "rows past the fail-rate bound must be quarantined")
}

func TestHarvester_EndToEndFeatureEmission(t *testing.T) {
	cfg := testConfig(t)
	tp := clock.NewSimulated(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	mock := exchange.NewMock(tp, nil)
	h := New(cfg, mock, tp, clock.NewRNG(1))

	base := tp.NowMs()
	// Interleave trades and books long enough to fill warmup windows.
	for i := 0; i < 400; i++ {
		ts := base + int64(i)*100
		tp.AdvanceMs(ts)
		require.NoError(t, h.OnMessage(&exchange.StreamMessage{
			Symbol: "BTCUSDT", Kind: schema.KindTrade, TsMs: ts, RecvTsMs: ts + 2,
			Price: 100 + float64(i%7)*0.01, Qty: 0.5, Side: schema.SideBuy,
		}))
		require.NoError(t, h.OnMessage(&exchange.StreamMessage{
			Symbol: "BTCUSDT", Kind: schema.KindOrderbook, TsMs: ts + 50, RecvTsMs: ts + 52,
			Bids: []schema.BookLevel{{Price: 100 + float64(i%7)*0.01, Qty: 5 + float64(i%3)}},
			Asks: []schema.BookLevel{{Price: 100.1 + float64(i%7)*0.01, Qty: 5}},
		}))
	}
	require.NoError(t, h.Flush())

	// Feature rows published for the signal generator.
	features, err := filepath.Glob(filepath.Join(cfg.Root, "ready", "feature", "BTCUSDT", "*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, features)

	// RAW partitions published under the hive layout.
	raw, err := filepath.Glob(filepath.Join(cfg.Root, "raw", "date=*", "hour=*", "symbol=BTCUSDT", "kind=trade", "part-*.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	// Readiness sentinel written once both kinds arrived.
	_, err = os.Stat(filepath.Join(cfg.Root, "artifacts", "harvest.ready"))
	assert.NoError(t, err)

	s := h.DQSummary()
	assert.Equal(t, s.RowsSeen, s.RowsPassed)
}
