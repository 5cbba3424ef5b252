package schema

// DQSummary aggregates data-quality gate counters for a run or an hour.
type DQSummary struct {
	RowsSeen       int64            `json:"rows_seen"`
	RowsPassed     int64            `json:"rows_passed"`
	RowsDropped    int64            `json:"rows_dropped"`
	RowsDeadLetter int64            `json:"rows_dead_letter"`
	ByReason       map[string]int64 `json:"by_reason"`
}

// SinkCounts records how many rows each sink published.
type SinkCounts struct {
	JSONLRows     int64 `json:"jsonl_rows"`
	JSONLFiles    int64 `json:"jsonl_files"`
	SQLiteRows    int64 `json:"sqlite_rows"`
	SQLiteBatches int64 `json:"sqlite_batches"`
}

// ComponentVersion pins one worker's version and config digest into the manifest.
type ComponentVersion struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	ConfigHash string `json:"config_hash"`
}

// RunManifest is the per-run metadata artifact, created at start and
// finalized on shutdown.
type RunManifest struct {
	RunID      string             `json:"run_id"`
	StartTsMs  int64              `json:"start_ts_ms"`
	EndTsMs    int64              `json:"end_ts_ms,omitempty"`
	Mode       string             `json:"mode"` // live|testnet|backtest
	Symbols    []string           `json:"symbols"`
	Components []ComponentVersion `json:"components"`
	ConfigHash string             `json:"config_hash"`
	GitHash    string             `json:"git_hash,omitempty"`
	Env        map[string]string  `json:"env,omitempty"`

	DQ           *DQSummary            `json:"dq,omitempty"`
	Sinks        map[string]SinkCounts `json:"sinks,omitempty"`
	ParityPassed *bool                 `json:"parity_passed,omitempty"`
	NoSignals    bool                  `json:"no_signals,omitempty"`
	ExitCode     int                   `json:"exit_code"`
	Notes        []string              `json:"notes,omitempty"`
}
