package sink

import (
	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

// SignalWriter is the single interface the signal generator writes through,
// regardless of which sinks are behind it.
type SignalWriter interface {
	WriteSignal(rec *schema.SignalRecord) error
	Flush() error
	Close() error
}

// ExecWriter is the outbox interface for the executor layer.
type ExecWriter interface {
	WriteExecEvent(ev *schema.ExecLogEvent) error
	Flush() error
	Close() error
}

// DualSignalWriter fans signal records out to JSONL and SQLite. Either side
// may be nil when sink mode is jsonl-only or sqlite-only.
type DualSignalWriter struct {
	JSONL  *JSONLSink
	SQLite *SQLiteSignalStore
}

// NewSignalWriter builds the writer stack for the configured sink mode.
func NewSignalWriter(layout Layout, cfg config.SinkConfig, tp clock.TimeProvider) (*DualSignalWriter, error) {
	w := &DualSignalWriter{}
	if cfg.Mode == "jsonl" || cfg.Mode == "dual" {
		w.JSONL = NewJSONLSink(layout, "signal", cfg, tp)
	}
	if cfg.Mode == "sqlite" || cfg.Mode == "dual" {
		store, err := NewSQLiteSignalStore(layout.SignalsDB(), cfg)
		if err != nil {
			return nil, err
		}
		w.SQLite = store
	}
	return w, nil
}

func (w *DualSignalWriter) WriteSignal(rec *schema.SignalRecord) error {
	if w.JSONL != nil {
		if err := w.JSONL.Write(rec.Symbol, rec); err != nil {
			return err
		}
	}
	if w.SQLite != nil {
		if err := w.SQLite.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func (w *DualSignalWriter) Flush() error {
	var firstErr error
	if w.JSONL != nil {
		if err := w.JSONL.Flush(); err != nil {
			firstErr = err
		}
	}
	if w.SQLite != nil {
		if err := w.SQLite.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *DualSignalWriter) Close() error {
	var firstErr error
	if w.JSONL != nil {
		if err := w.JSONL.Close(); err != nil {
			firstErr = err
		}
	}
	if w.SQLite != nil {
		if err := w.SQLite.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Counts summarizes both sides for the run manifest.
func (w *DualSignalWriter) Counts() schema.SinkCounts {
	var c schema.SinkCounts
	if w.JSONL != nil {
		c.JSONLRows, c.JSONLFiles = w.JSONL.Counts()
	}
	if w.SQLite != nil {
		c.SQLiteRows, c.SQLiteBatches = w.SQLite.Counts()
	}
	return c
}

// DualExecWriter fans exec events out to the execlog JSONL outbox and
// exec_events.db with the same discipline as signals.
type DualExecWriter struct {
	JSONL  *JSONLSink
	SQLite *SQLiteExecStore
}

// NewExecWriter builds the outbox stack for the configured sink mode.
func NewExecWriter(layout Layout, cfg config.SinkConfig, tp clock.TimeProvider) (*DualExecWriter, error) {
	w := &DualExecWriter{}
	if cfg.Mode == "jsonl" || cfg.Mode == "dual" {
		w.JSONL = NewJSONLSink(layout, "execlog", cfg, tp)
	}
	if cfg.Mode == "sqlite" || cfg.Mode == "dual" {
		store, err := NewSQLiteExecStore(layout.ExecEventsDB(), cfg)
		if err != nil {
			return nil, err
		}
		w.SQLite = store
	}
	return w, nil
}

func (w *DualExecWriter) WriteExecEvent(ev *schema.ExecLogEvent) error {
	if w.JSONL != nil {
		if err := w.JSONL.Write(ev.Symbol, ev); err != nil {
			return err
		}
	}
	if w.SQLite != nil {
		if err := w.SQLite.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

func (w *DualExecWriter) Flush() error {
	var firstErr error
	if w.JSONL != nil {
		if err := w.JSONL.Flush(); err != nil {
			firstErr = err
		}
	}
	if w.SQLite != nil {
		if err := w.SQLite.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *DualExecWriter) Close() error {
	var firstErr error
	if w.JSONL != nil {
		if err := w.JSONL.Close(); err != nil {
			firstErr = err
		}
	}
	if w.SQLite != nil {
		if err := w.SQLite.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Counts summarizes both sides for the run manifest.
func (w *DualExecWriter) Counts() schema.SinkCounts {
	var c schema.SinkCounts
	if w.JSONL != nil {
		c.JSONLRows, c.JSONLFiles = w.JSONL.Counts()
	}
	if w.SQLite != nil {
		c.SQLiteRows, c.SQLiteBatches = w.SQLite.Counts()
	}
	return c
}
