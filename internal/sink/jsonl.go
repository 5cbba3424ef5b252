package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/metrics"
)

// JSONLSink writes one record per line through a spool/.part file and
// publishes to ready/ by atomic rename. Rotation triggers on row cap, byte
// cap, or minute boundary; fsync runs every N writes and at rotation.
type JSONLSink struct {
	layout     Layout
	recordType string
	cfg        config.SinkConfig
	tp         clock.TimeProvider

	mu      sync.Mutex
	writers map[string]*partWriter // by symbol

	rowsPublished  int64
	filesPublished int64
}

type partWriter struct {
	file      *os.File
	buf       *bufio.Writer
	path      string
	openedAt  time.Time
	openedMin int // minute-of-day the file was opened in
	rows      int
	bytes     int64
	unsynced  int
	seq       int
}

// NewJSONLSink creates a sink for one record type under the layout root.
// Orphaned spool files from a previous run are recovered before first write.
func NewJSONLSink(layout Layout, recordType string, cfg config.SinkConfig, tp clock.TimeProvider) *JSONLSink {
	s := &JSONLSink{
		layout:     layout,
		recordType: recordType,
		cfg:        cfg,
		tp:         tp,
		writers:    make(map[string]*partWriter),
	}
	s.recoverSpool()
	return s
}

// recoverSpool publishes any fully written .part files left behind by a
// crashed writer so their rows are not lost.
func (s *JSONLSink) recoverSpool() {
	root := filepath.Join(s.layout.Root, "spool", s.recordType)
	entries, err := filepath.Glob(filepath.Join(root, "*", "*.part"))
	if err != nil || len(entries) == 0 {
		return
	}
	for _, part := range entries {
		symbol := filepath.Base(filepath.Dir(part))
		name := strings.TrimSuffix(filepath.Base(part), ".part")
		ready := filepath.Join(s.layout.ReadyDir(s.recordType, symbol), name)
		if err := fsio.Publish(part, ready); err != nil {
			log.Warn().Err(err).Str("part", part).Msg("spool recovery failed, quarantining")
			_ = os.Rename(part, part+".orphan")
			continue
		}
		log.Info().Str("file", ready).Msg("recovered orphaned spool file")
	}
}

// Write appends one record for the symbol, rotating first if due.
func (s *JSONLSink) Write(symbol string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", s.recordType, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tp.Now()
	w, err := s.writerFor(symbol, now, int64(len(line))+1)
	if err != nil {
		return err
	}

	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.rows++
	w.bytes += int64(len(line)) + 1
	w.unsynced++

	if s.cfg.FsyncEveryN > 0 && w.unsynced >= s.cfg.FsyncEveryN {
		if err := s.syncLocked(w); err != nil {
			return err
		}
	}
	metrics.Default().SinkRowsWritten.WithLabelValues("jsonl", s.recordType).Inc()
	return nil
}

// writerFor returns the open part writer for symbol, rotating when a row,
// byte, or minute boundary has been crossed.
func (s *JSONLSink) writerFor(symbol string, now time.Time, incoming int64) (*partWriter, error) {
	w := s.writers[symbol]
	if w != nil {
		minute := now.Hour()*60 + now.Minute()
		due := w.rows >= s.cfg.RotateRows ||
			w.bytes+incoming > s.cfg.RotateBytes ||
			minute != w.openedMin ||
			now.Sub(w.openedAt) >= s.cfg.RotatePeriod()
		if due {
			if err := s.publishLocked(symbol, w); err != nil {
				return nil, err
			}
			w = nil
		}
	}
	if w == nil {
		var err error
		w, err = s.openWriter(symbol, now)
		if err != nil {
			return nil, err
		}
		s.writers[symbol] = w
	}
	return w, nil
}

func (s *JSONLSink) openWriter(symbol string, now time.Time) (*partWriter, error) {
	dir := s.layout.SpoolDir(s.recordType, symbol)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	seq := s.nextSeq(symbol, now)
	name := FileName(s.recordType, now, seq)
	path := filepath.Join(dir, name+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &partWriter{
		file:      f,
		buf:       bufio.NewWriterSize(f, 64<<10),
		path:      path,
		openedAt:  now,
		openedMin: now.Hour()*60 + now.Minute(),
		seq:       seq,
	}, nil
}

// nextSeq picks the first unused sequence number for the minute so early
// size-cap rotations within one minute do not collide.
func (s *JSONLSink) nextSeq(symbol string, now time.Time) int {
	ready := s.layout.ReadyDir(s.recordType, symbol)
	for seq := 0; ; seq++ {
		name := FileName(s.recordType, now, seq)
		if _, err := os.Stat(filepath.Join(ready, name)); os.IsNotExist(err) {
			return seq
		}
	}
}

func (s *JSONLSink) syncLocked(w *partWriter) error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.unsynced = 0
	return nil
}

// publishLocked finalizes the part file and moves it to ready/.
func (s *JSONLSink) publishLocked(symbol string, w *partWriter) error {
	if err := s.syncLocked(w); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if w.rows == 0 {
		// Nothing written: discard instead of publishing an empty file.
		return os.Remove(w.path)
	}
	name := strings.TrimSuffix(filepath.Base(w.path), ".part")
	ready := filepath.Join(s.layout.ReadyDir(s.recordType, symbol), name)
	if err := fsio.Publish(w.path, ready); err != nil {
		metrics.Default().SinkErrors.WithLabelValues("jsonl", "io_rotate_conflict").Inc()
		return err
	}
	_ = fsio.SyncDir(filepath.Dir(ready))
	s.rowsPublished += int64(w.rows)
	s.filesPublished++
	metrics.Default().SinkRotations.WithLabelValues("jsonl", s.recordType).Inc()
	log.Debug().Str("file", ready).Int("rows", w.rows).Msg("published jsonl segment")
	return nil
}

// Flush publishes every open part file.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for symbol, w := range s.writers {
		if err := s.publishLocked(symbol, w); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.writers, symbol)
	}
	return firstErr
}

// Close flushes and releases the sink.
func (s *JSONLSink) Close() error {
	return s.Flush()
}

// Counts reports published totals for the run manifest.
func (s *JSONLSink) Counts() (rows, files int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowsPublished, s.filesPublished
}
