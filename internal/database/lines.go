package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TobiSchelling/ActionRAG/internal/logstore"
)

// LineLog is a logstore.Log kept in the log_lines table, one row per line.
type LineLog struct {
	db     *DB
	stream string
}

// OpenLog returns the log for the named stream.
func (db *DB) OpenLog(name string) (logstore.Log, error) {
	if name == "" {
		return nil, errors.New("log name is required")
	}
	return &LineLog{db: db, stream: name}, nil
}

func (l *LineLog) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding log line: %w", err)
	}
	_, err = l.db.conn.Exec("INSERT INTO log_lines (stream, body) VALUES (?, ?)", l.stream, string(data))
	if err != nil {
		return fmt.Errorf("appending to %s: %w", l.stream, err)
	}
	return nil
}

func (l *LineLog) ScanFromEnd(fn func(line []byte) bool) error {
	lines, err := l.read("DESC")
	if err != nil {
		return err
	}
	for _, line := range lines {
		if !fn(line) {
			return nil
		}
	}
	return nil
}

func (l *LineLog) Fold(fn func(line []byte) error) error {
	lines, err := l.read("ASC")
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := fn(line); err != nil {
			if errors.Is(err, logstore.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (l *LineLog) Reset() error {
	if _, err := l.db.conn.Exec("DELETE FROM log_lines WHERE stream = ?", l.stream); err != nil {
		return fmt.Errorf("resetting %s: %w", l.stream, err)
	}
	return nil
}

// read loads the stream's valid JSON lines before any callback runs, so
// callbacks may write to the database.
func (l *LineLog) read(order string) ([][]byte, error) {
	rows, err := l.db.conn.Query("SELECT body FROM log_lines WHERE stream = ? ORDER BY seq "+order, l.stream)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", l.stream, err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", l.stream, err)
		}
		if json.Valid([]byte(body)) {
			lines = append(lines, []byte(body))
		}
	}
	return lines, rows.Err()
}

// ImportLog copies every line of src into the named stream when that stream
// is still empty. It returns the number of lines copied. This lets the
// sqlite backend take over history written by the jsonl backend. src must
// not be a stream of db itself.
func (db *DB) ImportLog(name string, src logstore.Log) (int, error) {
	var existing int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM log_lines WHERE stream = ?", name).Scan(&existing); err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, err)
	}
	if existing > 0 {
		return 0, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin import of %s: %w", name, err)
	}
	n := 0
	err = src.Fold(func(line []byte) error {
		if _, err := tx.Exec("INSERT INTO log_lines (stream, body) VALUES (?, ?)", name, string(line)); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("importing %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import of %s: %w", name, err)
	}
	return n, nil
}
