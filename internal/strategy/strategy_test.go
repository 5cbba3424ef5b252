package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/exec"
	"github.com/v13quant/orderflow/internal/schema"
)

type memExecWriter struct {
	events []schema.ExecLogEvent
}

func (w *memExecWriter) WriteExecEvent(ev *schema.ExecLogEvent) error {
	w.events = append(w.events, *ev)
	return nil
}
func (w *memExecWriter) Flush() error { return nil }
func (w *memExecWriter) Close() error { return nil }

func writeJSONL(t *testing.T, dir, name string, records ...any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var lines []string
	for _, rec := range records {
		b, err := json.Marshal(rec)
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func confirmedSignal(tsMs int64, side schema.Side, consistency float64) *schema.SignalRecord {
	st := schema.StrengthStrong
	return &schema.SignalRecord{
		TsMs:          tsMs,
		Symbol:        "BTCUSDT",
		SignalRowID:   fmt.Sprintf("BTCUSDT-%d-000001", tsMs),
		Score:         2.0 * side.Sign(),
		Side:          side,
		Strength:      st,
		SignalType:    schema.MakeSignalType(side, st),
		Confirm:       true,
		DecisionCode:  schema.ReasonOK,
		Regime:        schema.RegimeActive,
		Scenario:      schema.ScenarioActiveHigh,
		Consistency:   consistency,
		SchemaVersion: schema.SignalSchemaVersion,
	}
}

func setup(t *testing.T) (*Strategy, *exchange.Mock, *memExecWriter, string) {
	t.Helper()
	root := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "symbols: [BTCUSDT]\nroot: " + root + "\nexec:\n  default_qty: 0.1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	tp := clock.NewSimulated(time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC))
	mock := exchange.NewMock(tp, map[string]exchange.SymbolFilters{
		"BTCUSDT": {TickSize: 0.01, StepSize: 0.001, MinNotional: 5},
	})
	mock.SetMark("BTCUSDT", 100)

	w := &memExecWriter{}
	executor := exec.NewAdapterExecutor(mock, exec.NewOutbox(w), cfg.Exec, tp, clock.NewRNG(1))
	return New(cfg, mock, executor, w, tp), mock, w, root
}

func TestStrategy_DispatchesConfirmedSignal(t *testing.T) {
	s, mock, _, root := setup(t)

	writeJSONL(t, filepath.Join(root, "ready", "feature", "BTCUSDT"),
		"feature_20260824_1400_0001.jsonl",
		&schema.FeatureRow{TsMs: 1000, Symbol: "BTCUSDT", Mid: 100, Scenario: schema.ScenarioActiveHigh})
	writeJSONL(t, filepath.Join(root, "ready", "signal", "BTCUSDT"),
		"signal_20260824_1400_0001.jsonl",
		confirmedSignal(1000, schema.SideBuy, 0.9))

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, 1, mock.SubmitCount())

	pos, err := mock.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 0.1, pos.Qty, 1e-12)
}

func TestStrategy_SkipsUnconfirmedAndUnpriced(t *testing.T) {
	s, mock, _, root := setup(t)

	gated := confirmedSignal(1000, schema.SideBuy, 0.9)
	gated.Confirm = false
	gated.DecisionCode = schema.ReasonSpreadTooWide

	// Confirmed signal for a symbol with no reference price yet.
	orphan := confirmedSignal(1100, schema.SideBuy, 0.9)
	orphan.Symbol = "ETHUSDT"
	orphan.SignalRowID = "ETHUSDT-1100-000001"

	writeJSONL(t, filepath.Join(root, "ready", "signal", "BTCUSDT"),
		"signal_20260824_1400_0001.jsonl", gated, orphan)

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, 0, mock.SubmitCount())
}

func TestStrategy_PrecheckRejectionLogged(t *testing.T) {
	s, mock, w, root := setup(t)

	writeJSONL(t, filepath.Join(root, "ready", "feature", "BTCUSDT"),
		"feature_20260824_1400_0001.jsonl",
		&schema.FeatureRow{TsMs: 1000, Symbol: "BTCUSDT", Mid: 100, Scenario: schema.ScenarioActiveHigh})
	// Consistency below the risk floor: the engine confirmed it under its own
	// threshold, the precheck still rejects.
	writeJSONL(t, filepath.Join(root, "ready", "signal", "BTCUSDT"),
		"signal_20260824_1400_0001.jsonl",
		confirmedSignal(1000, schema.SideBuy, 0.1))

	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, 0, mock.SubmitCount())

	require.NotEmpty(t, w.events)
	last := w.events[len(w.events)-1]
	assert.Equal(t, schema.EventRejected, last.Event)
	assert.Equal(t, schema.ReasonLowConsistency, last.RejectReason)
}

func TestStrategy_ProcessesEachFileOnce(t *testing.T) {
	s, mock, _, root := setup(t)

	writeJSONL(t, filepath.Join(root, "ready", "feature", "BTCUSDT"),
		"feature_20260824_1400_0001.jsonl",
		&schema.FeatureRow{TsMs: 1000, Symbol: "BTCUSDT", Mid: 100, Scenario: schema.ScenarioActiveHigh})
	writeJSONL(t, filepath.Join(root, "ready", "signal", "BTCUSDT"),
		"signal_20260824_1400_0001.jsonl",
		confirmedSignal(1000, schema.SideBuy, 0.9))

	require.NoError(t, s.Drain(context.Background()))
	require.NoError(t, s.Drain(context.Background()))
	assert.Equal(t, 1, mock.SubmitCount(), "a published file is consumed exactly once")
}
