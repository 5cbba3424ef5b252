package harvest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

// DQ violation reasons. Closed set, safe as metric labels.
const (
	dqSchemaVersion = "schema_version"
	dqMissingField  = "missing_field"
	dqTsRegression  = "ts_regression"
	dqClockSkew     = "clock_skew"
	dqCrossedBook   = "crossed_book"
	dqNonFinite     = "non_finite"
)

// DQGate validates every canonical row before it is persisted. Violations
// are counted per reason; when the rolling fail rate exceeds the configured
// bound, failing rows go to the dead-letter directory instead of being
// silently dropped.
type DQGate struct {
	layout      sink.Layout
	clockSkewMs int64
	maxFailRate float64

	mu      sync.Mutex
	lastTs  map[string]int64 // per symbol|kind
	summary schema.DQSummary
}

// NewDQGate creates the gate.
func NewDQGate(layout sink.Layout, clockSkewBoundMs int64, maxFailRate float64) *DQGate {
	return &DQGate{
		layout:      layout,
		clockSkewMs: clockSkewBoundMs,
		maxFailRate: maxFailRate,
		lastTs:      make(map[string]int64),
		summary:     schema.DQSummary{ByReason: make(map[string]int64)},
	}
}

// Check validates one row. It returns nil when the row passes; otherwise the
// violation reason. Monotonicity state advances only for passing rows.
func (g *DQGate) Check(row *schema.CanonicalRow) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.summary.RowsSeen++

	if reason := g.validate(row); reason != "" {
		g.summary.ByReason[reason]++
		metrics.Default().DQViolations.WithLabelValues(reason).Inc()
		g.quarantine(row, reason)
		return fmt.Errorf("dq violation: %s", reason)
	}

	g.lastTs[row.Symbol+"|"+string(row.Kind)] = row.TsMs
	g.summary.RowsPassed++
	return nil
}

func (g *DQGate) validate(row *schema.CanonicalRow) string {
	if row.SchemaVersion != schema.SchemaVersion {
		return dqSchemaVersion
	}
	if row.Symbol == "" || row.Kind == "" || row.TsMs <= 0 {
		return dqMissingField
	}
	if last, ok := g.lastTs[row.Symbol+"|"+string(row.Kind)]; ok && row.TsMs < last {
		return dqTsRegression
	}
	if row.RecvTsMs < row.TsMs-g.clockSkewMs {
		return dqClockSkew
	}
	switch row.Kind {
	case schema.KindOrderbook:
		if len(row.Bids) == 0 || len(row.Asks) == 0 {
			return dqMissingField
		}
		if row.Bids[0].Price >= row.Asks[0].Price {
			return dqCrossedBook
		}
		for _, lvl := range row.Bids {
			if !finite(lvl.Price) || !finite(lvl.Qty) {
				return dqNonFinite
			}
		}
		for _, lvl := range row.Asks {
			if !finite(lvl.Price) || !finite(lvl.Qty) {
				return dqNonFinite
			}
		}
	case schema.KindTrade:
		if row.Price <= 0 || row.Qty <= 0 {
			return dqMissingField
		}
		if !finite(row.Price) || !finite(row.Qty) {
			return dqNonFinite
		}
		if row.Side != schema.SideBuy && row.Side != schema.SideSell {
			return dqMissingField
		}
	}
	return ""
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// quarantine writes a failing row to the dead-letter directory when the
// rolling fail rate is past the bound; below the bound rows are dropped and
// only counted.
func (g *DQGate) quarantine(row *schema.CanonicalRow, reason string) {
	failed := g.summary.RowsSeen - g.summary.RowsPassed
	rate := float64(failed) / float64(g.summary.RowsSeen)
	if rate <= g.maxFailRate {
		g.summary.RowsDropped++
		return
	}
	g.summary.RowsDeadLetter++
	dir := g.layout.DeadLetterDir(row.Symbol)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Msg("dead-letter mkdir failed")
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("dl_%d_%s.json", row.TsMs, reason))
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Error().Err(err).Msg("dead-letter write failed")
	}
}

// Summary snapshots the counters for manifests.
func (g *DQGate) Summary() schema.DQSummary {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := g.summary
	cp.ByReason = make(map[string]int64, len(g.summary.ByReason))
	for k, v := range g.summary.ByReason {
		cp.ByReason[k] = v
	}
	return cp
}

// WriteHourlyManifest publishes the DQ summary artifact for the hour.
func (g *DQGate) WriteHourlyManifest(hour string) error {
	s := g.Summary()
	path := filepath.Join(g.layout.ArtifactsDir(), "dq", fmt.Sprintf("dq_%s.json", hour))
	return fsio.WriteJSONAtomic(path, &s)
}
