package offline

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// fileFormat is the on-disk layout: {"offline":[...]}.
type fileFormat struct {
	Offline []*Entry `json:"offline"`
}

// Save replaces the backing file with the current entries. The data is
// written to a temporary file in the same directory and renamed over the
// target, so a crash never leaves a truncated file behind.
func (s *Store) Save() error {
	s.mu.Lock()
	doc := fileFormat{Offline: make([]*Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		c := e.clone()
		doc.Offline = append(doc.Offline, &c)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode offline data: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".offline-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary offline file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set offline file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write offline file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync offline file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close offline file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace offline file: %w", err)
	}

	slog.Debug("saved offline data", "path", s.path, "entries", len(doc.Offline))
	return nil
}

// Load replaces the in-memory entries with the content of the backing file.
// A missing or empty file leaves the store untouched and returns
// ErrFileNotExist or ErrFileEmpty, which callers usually treat as "no data".
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrFileNotExist
		}
		return fmt.Errorf("failed to read offline file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return ErrFileEmpty
	}

	var doc struct {
		Offline json.RawMessage `json:"offline"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}

	var entries []*Entry
	if isArray(doc.Offline) {
		var elements []json.RawMessage
		if err := json.Unmarshal(doc.Offline, &elements); err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		for i, raw := range elements {
			e, err := decodeEntry(raw)
			if err != nil {
				return fmt.Errorf("%w: offline[%d]: %v", ErrParse, i, err)
			}
			entries = append(entries, e)
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	slog.Debug("loaded offline data", "path", s.path, "entries", len(entries))
	return nil
}
