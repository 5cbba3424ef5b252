package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

// MinuteCounters aggregates the core per-minute counters both sinks must
// agree on.
type MinuteCounters struct {
	Total      int64            `json:"total"`
	BuyCount   int64            `json:"buy_count"`
	SellCount  int64            `json:"sell_count"`
	StrongBuy  int64            `json:"strong_buy"`
	StrongSell int64            `json:"strong_sell"`
	Gating     map[string]int64 `json:"gating_breakdown"`
}

func newMinuteCounters() *MinuteCounters {
	return &MinuteCounters{Gating: make(map[string]int64)}
}

func (m *MinuteCounters) add(sigType schema.SignalType, gating bool, code string) {
	m.Total++
	switch sigType {
	case schema.SignalBuy:
		m.BuyCount++
	case schema.SignalStrongBuy:
		m.BuyCount++
		m.StrongBuy++
	case schema.SignalSell:
		m.SellCount++
	case schema.SignalStrongSell:
		m.SellCount++
		m.StrongSell++
	}
	if gating {
		m.Gating[code]++
	}
}

// MetricDiff is the per-counter comparison over the overlap window.
type MetricDiff struct {
	Metric string  `json:"metric"`
	JSONL  int64   `json:"jsonl"`
	SQLite int64   `json:"sqlite"`
	Diff   float64 `json:"diff"` // |a-b| / max(a,b)
	Limit  float64 `json:"limit"`
	Passed bool    `json:"passed"`
}

// MinuteDiff records one differing minute for the report's top-N list.
type MinuteDiff struct {
	Minute string  `json:"minute"`
	JSONL  int64   `json:"jsonl_total"`
	SQLite int64   `json:"sqlite_total"`
	Diff   float64 `json:"diff"`
}

// ParityReport is the artifact written to parity_diff_<ts>.json.
type ParityReport struct {
	GeneratedAt    time.Time    `json:"generated_at"`
	OverlapStart   string       `json:"overlap_start"`
	OverlapEnd     string       `json:"overlap_end"`
	OverlapMinutes int          `json:"overlap_minutes"`
	Metrics        []MetricDiff `json:"metrics"`
	TopDiffMinutes []MinuteDiff `json:"top_diff_minutes"`
	OverallPassed  bool         `json:"overall_passed"`
}

// coreLimit and ratioLimit are the agreement bounds: 5% on core counters,
// 10% on derived ratios.
const (
	coreLimit  = 0.05
	ratioLimit = 0.10
)

// ParityChecker diffs the JSONL signal directory against signals.db.
type ParityChecker struct {
	layout Layout
}

// NewParityChecker builds a checker over one output root.
func NewParityChecker(layout Layout) *ParityChecker {
	return &ParityChecker{layout: layout}
}

// Run aggregates both sinks per minute, diffs the overlap window, and writes
// the report artifact.
func (p *ParityChecker) Run(now time.Time) (*ParityReport, error) {
	jsonlMinutes, err := p.aggregateJSONL()
	if err != nil {
		return nil, fmt.Errorf("aggregate jsonl: %w", err)
	}
	sqliteMinutes, err := p.aggregateSQLite()
	if err != nil {
		return nil, fmt.Errorf("aggregate sqlite: %w", err)
	}

	report := diffMinutes(jsonlMinutes, sqliteMinutes, now)
	if err := fsio.WriteJSONAtomic(p.layout.ParityDiffPath(now), report); err != nil {
		return nil, fmt.Errorf("write parity report: %w", err)
	}
	return report, nil
}

func minuteKey(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02T15:04")
}

func (p *ParityChecker) aggregateJSONL() (map[string]*MinuteCounters, error) {
	out := make(map[string]*MinuteCounters)
	files, err := filepath.Glob(filepath.Join(p.layout.Root, "ready", "signal", "*", "*.jsonl"))
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		for scanner.Scan() {
			var rec schema.SignalRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				metrics.Default().SinkErrors.WithLabelValues("jsonl", "corrupt_line").Inc()
				continue
			}
			key := minuteKey(rec.TsMs)
			if out[key] == nil {
				out[key] = newMinuteCounters()
			}
			out[key].add(rec.SignalType, rec.Gating, string(rec.DecisionCode))
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *ParityChecker) aggregateSQLite() (map[string]*MinuteCounters, error) {
	path := p.layout.SignalsDB()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]*MinuteCounters{}, nil
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT ts_ms, signal_type, gating, decision_code FROM signals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*MinuteCounters)
	for rows.Next() {
		var tsMs int64
		var sigType, code string
		var gating bool
		if err := rows.Scan(&tsMs, &sigType, &gating, &code); err != nil {
			return nil, err
		}
		key := minuteKey(tsMs)
		if out[key] == nil {
			out[key] = newMinuteCounters()
		}
		out[key].add(schema.SignalType(sigType), gating, code)
	}
	return out, rows.Err()
}

func relDiff(a, b int64) float64 {
	if a == b {
		return 0
	}
	max := math.Max(float64(a), float64(b))
	if max == 0 {
		return 0
	}
	return math.Abs(float64(a)-float64(b)) / max
}

// diffMinutes compares the two aggregations over their overlapping minutes.
func diffMinutes(jsonl, sqlite map[string]*MinuteCounters, now time.Time) *ParityReport {
	var overlap []string
	for k := range jsonl {
		if _, ok := sqlite[k]; ok {
			overlap = append(overlap, k)
		}
	}
	sort.Strings(overlap)

	report := &ParityReport{GeneratedAt: now.UTC(), OverallPassed: true}
	if len(overlap) == 0 {
		// No overlap means nothing to certify; fail closed unless both empty.
		report.OverallPassed = len(jsonl) == 0 && len(sqlite) == 0
		return report
	}
	report.OverlapStart = overlap[0]
	report.OverlapEnd = overlap[len(overlap)-1]
	report.OverlapMinutes = len(overlap)

	var aj, as MinuteCounters
	aj.Gating = make(map[string]int64)
	as.Gating = make(map[string]int64)
	var minuteDiffs []MinuteDiff
	for _, k := range overlap {
		j, s := jsonl[k], sqlite[k]
		aj.Total += j.Total
		aj.BuyCount += j.BuyCount
		aj.SellCount += j.SellCount
		aj.StrongBuy += j.StrongBuy
		aj.StrongSell += j.StrongSell
		as.Total += s.Total
		as.BuyCount += s.BuyCount
		as.SellCount += s.SellCount
		as.StrongBuy += s.StrongBuy
		as.StrongSell += s.StrongSell
		for code, n := range j.Gating {
			aj.Gating[code] += n
		}
		for code, n := range s.Gating {
			as.Gating[code] += n
		}
		if d := relDiff(j.Total, s.Total); d > 0 {
			minuteDiffs = append(minuteDiffs, MinuteDiff{Minute: k, JSONL: j.Total, SQLite: s.Total, Diff: d})
		}
	}

	core := []struct {
		name string
		j, s int64
	}{
		{"total", aj.Total, as.Total},
		{"buy_count", aj.BuyCount, as.BuyCount},
		{"sell_count", aj.SellCount, as.SellCount},
		{"strong_buy", aj.StrongBuy, as.StrongBuy},
		{"strong_sell", aj.StrongSell, as.StrongSell},
	}
	for _, c := range core {
		d := relDiff(c.j, c.s)
		md := MetricDiff{Metric: c.name, JSONL: c.j, SQLite: c.s, Diff: d, Limit: coreLimit, Passed: d <= coreLimit}
		if !md.Passed {
			report.OverallPassed = false
		}
		report.Metrics = append(report.Metrics, md)
	}

	// Gating breakdown is diffed as a ratio metric per decision code.
	codes := make(map[string]bool)
	for code := range aj.Gating {
		codes[code] = true
	}
	for code := range as.Gating {
		codes[code] = true
	}
	var codeList []string
	for code := range codes {
		codeList = append(codeList, code)
	}
	sort.Strings(codeList)
	for _, code := range codeList {
		d := relDiff(aj.Gating[code], as.Gating[code])
		md := MetricDiff{Metric: "gating." + code, JSONL: aj.Gating[code], SQLite: as.Gating[code], Diff: d, Limit: ratioLimit, Passed: d <= ratioLimit}
		if !md.Passed {
			report.OverallPassed = false
		}
		report.Metrics = append(report.Metrics, md)
	}

	sort.Slice(minuteDiffs, func(i, j int) bool { return minuteDiffs[i].Diff > minuteDiffs[j].Diff })
	if len(minuteDiffs) > 10 {
		minuteDiffs = minuteDiffs[:10]
	}
	report.TopDiffMinutes = minuteDiffs
	return report
}
