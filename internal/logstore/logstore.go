// Package logstore provides append-only logs of JSON values, one value per
// line, behind a small interface so the storage medium can be swapped.
package logstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrStop can be returned from a Fold callback to end the scan early
// without reporting an error.
var ErrStop = errors.New("stop scan")

// Log is an append-only sequence of JSON lines.
type Log interface {
	// Append encodes v as one line and writes it atomically.
	Append(v any) error
	// ScanFromEnd calls fn for each line, newest first, until fn returns false.
	ScanFromEnd(fn func(line []byte) bool) error
	// Fold calls fn for each line, oldest first.
	Fold(fn func(line []byte) error) error
	// Reset discards all lines.
	Reset() error
}

// Opener opens named logs.
type Opener interface {
	OpenLog(name string) (Log, error)
}

// FileLog stores a log as a JSON-lines file. Lines that are not valid JSON
// are skipped when reading.
type FileLog struct {
	path string
	mu   sync.Mutex
}

// NewFileLog returns a log backed by the file at path. The file and its
// directory are created on first append.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path}
}

// Path returns the backing file path.
func (l *FileLog) Path() string {
	return l.path
}

func (l *FileLog) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding log line: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("appending log line: %w", err)
	}
	return f.Close()
}

func (l *FileLog) ScanFromEnd(fn func(line []byte) bool) error {
	lines, err := l.lines()
	if err != nil {
		return err
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if !fn(lines[i]) {
			return nil
		}
	}
	return nil
}

func (l *FileLog) Fold(fn func(line []byte) error) error {
	lines, err := l.lines()
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := fn(line); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (l *FileLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	if err := os.WriteFile(l.path, nil, 0o644); err != nil {
		return fmt.Errorf("resetting log: %w", err)
	}
	return nil
}

func (l *FileLog) lines() ([][]byte, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	var out [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// Dir opens file logs named <name>.jsonl inside a directory.
type Dir string

func (d Dir) OpenLog(name string) (Log, error) {
	if name == "" {
		return nil, errors.New("log name is required")
	}
	return NewFileLog(filepath.Join(string(d), name+".jsonl")), nil
}
