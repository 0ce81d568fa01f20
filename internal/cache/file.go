package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const entryExt = ".json.zst"

// FileStore keeps one zstd-compressed JSON file per key under a directory
type FileStore struct {
	dataDir string
	logger  *slog.Logger
}

// NewFileStore creates a file store, creating dataDir if needed
func NewFileStore(dataDir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dataDir: dataDir, logger: logger}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.dataDir, key.Digest()+entryExt)
}

// Load reads the entry for key. A missing file is a miss, not an error.
func (s *FileStore) Load(ctx context.Context, key Key) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to open cache entry: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var entry Entry
	if err := json.NewDecoder(zr).Decode(&entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}

	// digest collision or a stale file from another key
	if entry.Key != key {
		s.logger.Warn("Cache entry key mismatch", "want", key.String(), "got", entry.Key.String())
		return nil, false, nil
	}

	s.logger.Debug("Cache entry loaded", "key", key.String(), "threats", len(entry.Threats))
	return &entry, true, nil
}

// Save writes the entry through a temp file and renames it into place, so
// readers never observe a partial entry
func (s *FileStore) Save(ctx context.Context, key Key, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dataDir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeEntry(tmp, key, entry); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		return fmt.Errorf("failed to rename cache entry: %w", err)
	}

	s.logger.Debug("Cache entry saved", "key", key.String(), "threats", len(entry.Threats))
	return nil
}

func writeEntry(f *os.File, key Key, entry *Entry) error {
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}

	stored := *entry
	stored.Key = key
	if err := json.NewEncoder(zw).Encode(&stored); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush zstd writer: %w", err)
	}
	return nil
}

// Purge removes every stored entry
func (s *FileStore) Purge() error {
	matches, err := filepath.Glob(filepath.Join(s.dataDir, "*"+entryExt))
	if err != nil {
		return fmt.Errorf("failed to list cache entries: %w", err)
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", m, err)
		}
	}
	return nil
}
