// Package filestore holds the JSON and markdown files that make up the
// operational state of a workspace: the idea status map, the pipeline queue,
// action items, the activity feed and the append-only journals.
//
// Writes go through a temp file and a rename so readers never observe a
// partial document. Writers in one process are serialized per path; writers
// in different processes are detected through the revision counter carried
// by the queue, action-item and feed documents.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrConflict is returned when the on-disk revision kept moving under an
// update for every attempt.
var ErrConflict = errors.New("concurrent modification; retry")

const maxAttempts = 3

var locks sync.Map

func lockFor(path string) *sync.Mutex {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	mu, _ := locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// writeJSON replaces path with the indented encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// readJSON decodes path into v. A missing or empty file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// document is a revision-carrying JSON file.
type document interface {
	revision() int64
	setRevision(int64)
	normalize()
}

type loader func(path string, v any) error

// update runs fn against the current document and writes the result with a
// bumped revision. fn may run more than once when another writer gets in
// between the read and the write, so it must not have outside side effects.
func update[T any, PT interface {
	*T
	document
}](path string, load loader, fn func(PT) error) (T, error) {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	var zero T
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var doc T
		if err := load(path, PT(&doc)); err != nil {
			return zero, err
		}
		PT(&doc).normalize()
		base := PT(&doc).revision()
		if err := fn(PT(&doc)); err != nil {
			return zero, err
		}
		var current T
		if err := load(path, PT(&current)); err != nil {
			return zero, err
		}
		if PT(&current).revision() != base {
			continue
		}
		PT(&doc).setRevision(base + 1)
		if err := writeJSON(path, PT(&doc)); err != nil {
			return zero, err
		}
		return doc, nil
	}
	return zero, ErrConflict
}

func load[T any, PT interface {
	*T
	document
}](path string, l loader) (T, error) {
	var doc T
	if err := l(path, PT(&doc)); err != nil {
		return doc, err
	}
	PT(&doc).normalize()
	return doc, nil
}
