package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

const signalsSchema = `
CREATE TABLE IF NOT EXISTS signals (
	ts_ms INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	signal_row_id TEXT PRIMARY KEY,
	score REAL NOT NULL,
	side TEXT NOT NULL,
	strength TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	confirm INTEGER NOT NULL,
	gating INTEGER NOT NULL,
	decision_code TEXT NOT NULL,
	guard_reason TEXT,
	regime TEXT NOT NULL,
	scenario TEXT NOT NULL,
	consistency REAL NOT NULL,
	warmup INTEGER NOT NULL,
	weak_signal_throttle INTEGER NOT NULL,
	config_hash TEXT NOT NULL,
	rules_ver TEXT NOT NULL,
	features_ver TEXT NOT NULL,
	_feature_data TEXT
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts ON signals(symbol, ts_ms);
`

const execEventsSchema = `
CREATE TABLE IF NOT EXISTS exec_events (
	ts_ms INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	event TEXT NOT NULL,
	status TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	exchange_order_id TEXT,
	reject_reason TEXT,
	side TEXT,
	qty REAL,
	px_intent REAL,
	px_sent REAL,
	px_fill REAL,
	fee REAL,
	latency_ms INTEGER,
	slippage_bps REAL
);
CREATE INDEX IF NOT EXISTS idx_exec_events_symbol_ts ON exec_events(symbol, ts_ms);
`

// openSQLite opens one database in WAL mode with a busy timeout so the
// single writer never blocks readers.
func openSQLite(path string, busyTimeoutMs int64) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", path, busyTimeoutMs)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// All writers live in one process; serialize on a single connection.
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteSignalStore batches signal records into signals.db.
type SQLiteSignalStore struct {
	db  *sqlx.DB
	cfg config.SinkConfig

	mu        sync.Mutex
	pending   []schema.SignalRecord
	lastFlush time.Time
	rows      int64
	batches   int64
	closed    bool
	done      chan struct{}
}

// NewSQLiteSignalStore opens (or creates) signals.db and starts the
// background flush ticker.
func NewSQLiteSignalStore(path string, cfg config.SinkConfig) (*SQLiteSignalStore, error) {
	db, err := openSQLite(path, cfg.BusyTimeoutMs)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(signalsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create signals schema: %w", err)
	}
	s := &SQLiteSignalStore{
		db:        db,
		cfg:       cfg,
		lastFlush: time.Now(),
		done:      make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

func (s *SQLiteSignalStore) flushLoop() {
	interval := time.Duration(s.cfg.SQLiteFlushMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Msg("sqlite signal flush failed")
				metrics.Default().SinkErrors.WithLabelValues("sqlite", "flush").Inc()
			}
		case <-s.done:
			return
		}
	}
}

// Write buffers one record; a full batch flushes inline.
func (s *SQLiteSignalStore) Write(rec *schema.SignalRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("signal store closed")
	}
	s.pending = append(s.pending, *rec)
	full := len(s.pending) >= s.cfg.SQLiteBatchN
	s.mu.Unlock()
	if full {
		return s.Flush()
	}
	return nil
}

// Flush writes all pending records in one transaction.
func (s *SQLiteSignalStore) Flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.lastFlush = time.Now()
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin signals tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamed(`
		INSERT OR IGNORE INTO signals (
			ts_ms, symbol, signal_row_id, score, side, strength, signal_type,
			confirm, gating, decision_code, guard_reason, regime, scenario,
			consistency, warmup, weak_signal_throttle, config_hash, rules_ver, features_ver
		) VALUES (
			:ts_ms, :symbol, :signal_row_id, :score, :side, :strength, :signal_type,
			:confirm, :gating, :decision_code, :guard_reason, :regime, :scenario,
			:consistency, :warmup, :weak_signal_throttle, :config_hash, :rules_ver, :features_ver
		)`)
	if err != nil {
		return fmt.Errorf("prepare signals insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		if _, err := stmt.Exec(&batch[i]); err != nil {
			return fmt.Errorf("insert signal %s: %w", batch[i].SignalRowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit signals batch: %w", err)
	}

	s.mu.Lock()
	s.rows += int64(len(batch))
	s.batches++
	s.mu.Unlock()
	metrics.Default().SinkRowsWritten.WithLabelValues("sqlite", "signal").Add(float64(len(batch)))
	return nil
}

// RecentSignalTypes returns dedupe-set seed data: the latest ts_ms per
// (symbol, signal_type) within the lookback. Used to rebuild the dedupe set
// after restart.
func (s *SQLiteSignalStore) RecentSignalTypes(sinceTsMs int64) (map[string]int64, error) {
	rows, err := s.db.Query(
		`SELECT symbol, signal_type, MAX(ts_ms) FROM signals WHERE ts_ms >= ? AND confirm = 1 GROUP BY symbol, signal_type`,
		sinceTsMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var symbol, sigType string
		var ts int64
		if err := rows.Scan(&symbol, &sigType, &ts); err != nil {
			return nil, err
		}
		out[symbol+"|"+sigType] = ts
	}
	return out, rows.Err()
}

// Close flushes and shuts down the store.
func (s *SQLiteSignalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	if err := s.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

// Counts reports written totals for the run manifest.
func (s *SQLiteSignalStore) Counts() (rows, batches int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.batches
}

// DB exposes the handle for read-side queries (strategy, parity).
func (s *SQLiteSignalStore) DB() *sqlx.DB { return s.db }

// SQLiteExecStore batches exec log events into exec_events.db.
type SQLiteExecStore struct {
	db  *sqlx.DB
	cfg config.SinkConfig

	mu      sync.Mutex
	pending []schema.ExecLogEvent
	rows    int64
	batches int64
	closed  bool
	done    chan struct{}
}

// NewSQLiteExecStore opens (or creates) exec_events.db.
func NewSQLiteExecStore(path string, cfg config.SinkConfig) (*SQLiteExecStore, error) {
	db, err := openSQLite(path, cfg.BusyTimeoutMs)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(execEventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create exec_events schema: %w", err)
	}
	s := &SQLiteExecStore{db: db, cfg: cfg, done: make(chan struct{})}
	go s.flushLoop()
	return s, nil
}

func (s *SQLiteExecStore) flushLoop() {
	ticker := time.NewTicker(time.Duration(s.cfg.SQLiteFlushMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Msg("sqlite exec flush failed")
				metrics.Default().SinkErrors.WithLabelValues("sqlite", "flush").Inc()
			}
		case <-s.done:
			return
		}
	}
}

// Write buffers one event; a full batch flushes inline.
func (s *SQLiteExecStore) Write(ev *schema.ExecLogEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("exec store closed")
	}
	s.pending = append(s.pending, *ev)
	full := len(s.pending) >= s.cfg.SQLiteBatchN
	s.mu.Unlock()
	if full {
		return s.Flush()
	}
	return nil
}

// Flush writes all pending events in one transaction.
func (s *SQLiteExecStore) Flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin exec tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamed(`
		INSERT INTO exec_events (
			ts_ms, symbol, event, status, client_order_id, exchange_order_id,
			reject_reason, side, qty, px_intent, px_sent, px_fill, fee, latency_ms, slippage_bps
		) VALUES (
			:ts_ms, :symbol, :event, :status, :client_order_id, :exchange_order_id,
			:reject_reason, :side, :qty, :px_intent, :px_sent, :px_fill, :fee, :latency_ms, :slippage_bps
		)`)
	if err != nil {
		return fmt.Errorf("prepare exec insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		if _, err := stmt.Exec(&batch[i]); err != nil {
			return fmt.Errorf("insert exec event %s: %w", batch[i].ClientOrderID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exec batch: %w", err)
	}

	s.mu.Lock()
	s.rows += int64(len(batch))
	s.batches++
	s.mu.Unlock()
	metrics.Default().SinkRowsWritten.WithLabelValues("sqlite", "execlog").Add(float64(len(batch)))
	return nil
}

// Close flushes and shuts down the store.
func (s *SQLiteExecStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	if err := s.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

// Counts reports written totals for the run manifest.
func (s *SQLiteExecStore) Counts() (rows, batches int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.batches
}

// DB exposes the handle for read-side queries.
func (s *SQLiteExecStore) DB() *sqlx.DB { return s.db }
