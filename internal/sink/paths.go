package sink

import (
	"fmt"
	"path/filepath"
	"time"
)

// Layout resolves every output path of the pipeline relative to one root.
type Layout struct {
	Root string
}

// SpoolDir is the writer-exclusive staging directory for a record type.
func (l Layout) SpoolDir(recordType, symbol string) string {
	return filepath.Join(l.Root, "spool", recordType, symbol)
}

// ReadyDir is the reader-visible directory for a record type.
func (l Layout) ReadyDir(recordType, symbol string) string {
	return filepath.Join(l.Root, "ready", recordType, symbol)
}

// FileName renders <record_type>_<YYYYMMDD>_<HHMM>_<seq>.jsonl.
func FileName(recordType string, ts time.Time, seq int) string {
	return fmt.Sprintf("%s_%s_%s_%04d.jsonl", recordType, ts.Format("20060102"), ts.Format("1504"), seq)
}

// SignalsDB is the SQLite store path for signal records.
func (l Layout) SignalsDB() string {
	return filepath.Join(l.Root, "signals.db")
}

// ExecEventsDB is the SQLite store path for exec events.
func (l Layout) ExecEventsDB() string {
	return filepath.Join(l.Root, "exec_events.db")
}

// ArtifactsDir holds manifests and parity reports.
func (l Layout) ArtifactsDir() string {
	return filepath.Join(l.Root, "artifacts")
}

// RunManifestPath renders artifacts/run_logs/run_manifest_<run_id>.json.
func (l Layout) RunManifestPath(runID string) string {
	return filepath.Join(l.ArtifactsDir(), "run_logs", fmt.Sprintf("run_manifest_%s.json", runID))
}

// ParityDiffPath renders artifacts/parity_diff_<ts>.json.
func (l Layout) ParityDiffPath(ts time.Time) string {
	return filepath.Join(l.ArtifactsDir(), fmt.Sprintf("parity_diff_%s.json", ts.Format("20060102T150405")))
}

// RawDir renders the hive-partitioned raw path for one hour.
func (l Layout) RawDir(ts time.Time, symbol, kind string) string {
	return filepath.Join(l.Root, "raw",
		"date="+ts.Format("2006-01-02"),
		"hour="+ts.Format("15"),
		"symbol="+symbol,
		"kind="+kind)
}

// PreviewDir mirrors RawDir for derived analysis rows.
func (l Layout) PreviewDir(ts time.Time, symbol, kind string) string {
	return filepath.Join(l.Root, "preview",
		"date="+ts.Format("2006-01-02"),
		"hour="+ts.Format("15"),
		"symbol="+symbol,
		"kind="+kind)
}

// DeadLetterDir quarantines rows that fail the DQ gate.
func (l Layout) DeadLetterDir(symbol string) string {
	return filepath.Join(l.Root, "dead_letter", symbol)
}
