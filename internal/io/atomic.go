package io

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// publishRetries bounds the remove-then-rename fallback used where
// rename-over-existing is disallowed (Windows).
const publishRetries = 5

// WriteJSONAtomic writes JSON to file atomically using temp file + fsync + rename.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to file atomically. The temp file is fsynced
// before the rename so a published file is never partially written.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return Publish(tmpPath, path)
}

// Publish atomically moves a fully written spool file to its ready path.
// On platforms where rename-over-existing fails, it falls back to
// remove-then-rename with capped exponential backoff.
func Publish(spoolPath, readyPath string) error {
	if err := os.MkdirAll(filepath.Dir(readyPath), 0755); err != nil {
		return err
	}

	err := os.Rename(spoolPath, readyPath)
	if err == nil {
		return nil
	}
	if runtime.GOOS != "windows" && !os.IsExist(err) {
		return fmt.Errorf("io_rotate_conflict: rename %s: %w", readyPath, err)
	}

	backoff := 10 * time.Millisecond
	for i := 0; i < publishRetries; i++ {
		_ = os.Remove(readyPath)
		if err = os.Rename(spoolPath, readyPath); err == nil {
			return nil
		}
		time.Sleep(backoff)
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
	return fmt.Errorf("io_rotate_conflict: publish %s after %d retries: %w", readyPath, publishRetries, err)
}

// SyncDir fsyncs a directory so a completed rename survives power loss.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Directory fsync is not supported everywhere; a failed sync after a
	// successful rename is not fatal on windows.
	if err := d.Sync(); err != nil && runtime.GOOS != "windows" {
		return err
	}
	return nil
}
