package harvest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	fsio "github.com/v13quant/orderflow/internal/io"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

// RawWriter persists canonical rows into the hive-partitioned RAW store
// (date=/hour=/symbol=/kind=), one part file per partition, published
// atomically on hour change or flush. PREVIEW derived rows use the same
// writer over the preview root.
type RawWriter struct {
	layout  sink.Layout
	preview bool

	mu    sync.Mutex
	parts map[string]*rawPart // by partition key
}

type rawPart struct {
	file *os.File
	buf  *bufio.Writer
	path string
	dir  string
	rows int
}

// NewRawWriter creates a writer over the raw (or preview) store.
func NewRawWriter(layout sink.Layout, preview bool) *RawWriter {
	return &RawWriter{layout: layout, preview: preview, parts: make(map[string]*rawPart)}
}

// Write appends one row to its hour partition.
func (w *RawWriter) Write(row *schema.CanonicalRow) error {
	ts := time.UnixMilli(row.TsMs).UTC()
	var dir string
	if w.preview {
		dir = w.layout.PreviewDir(ts, row.Symbol, string(row.Kind))
	} else {
		dir = w.layout.RawDir(ts, row.Symbol, string(row.Kind))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	part := w.parts[dir]
	if part == nil {
		// Hour rolled over: publish any part for the same symbol+kind in a
		// previous hour before opening the new one.
		for key, old := range w.parts {
			if old.dir != dir && filepath.Base(old.dir) == "kind="+string(row.Kind) &&
				filepath.Base(filepath.Dir(old.dir)) == "symbol="+row.Symbol {
				if err := w.publishLocked(old); err != nil {
					return err
				}
				delete(w.parts, key)
			}
		}
		var err error
		part, err = w.openPart(dir, row.TsMs)
		if err != nil {
			return err
		}
		w.parts[dir] = part
	}

	line, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if _, err := part.buf.Write(line); err != nil {
		return err
	}
	if err := part.buf.WriteByte('\n'); err != nil {
		return err
	}
	part.rows++
	return nil
}

func (w *RawWriter) openPart(dir string, tsMs int64) (*rawPart, error) {
	spoolDir := filepath.Join(dir, "spool")
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("part-%d-%s.jsonl", tsMs, uuid.NewString())
	path := filepath.Join(spoolDir, name+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &rawPart{file: f, buf: bufio.NewWriterSize(f, 64<<10), path: path, dir: dir}, nil
}

func (w *RawWriter) publishLocked(part *rawPart) error {
	if err := part.buf.Flush(); err != nil {
		part.file.Close()
		return err
	}
	if err := part.file.Sync(); err != nil {
		part.file.Close()
		return err
	}
	if err := part.file.Close(); err != nil {
		return err
	}
	if part.rows == 0 {
		return os.Remove(part.path)
	}
	name := filepath.Base(part.path)
	ready := filepath.Join(part.dir, name[:len(name)-len(".part")])
	return fsio.Publish(part.path, ready)
}

// Flush publishes all open partitions.
func (w *RawWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for key, part := range w.parts {
		if err := w.publishLocked(part); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.parts, key)
	}
	return firstErr
}

// Close flushes and releases the writer.
func (w *RawWriter) Close() error { return w.Flush() }
