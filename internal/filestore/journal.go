package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// AppendText appends text to a markdown journal, creating it if needed.
func AppendText(path, text string) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// AppendRecord appends rec to a JSON array file. An unreadable array is
// started over.
func AppendRecord(path string, rec any) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	var records []json.RawMessage
	if err := readJSON(path, &records); err != nil {
		records = nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	records = append(records, data)
	return writeJSON(path, records)
}

// WriteJSON atomically replaces path with the indented encoding of v.
func WriteJSON(path string, v any) error {
	mu := lockFor(path)
	mu.Lock()
	defer mu.Unlock()
	return writeJSON(path, v)
}
