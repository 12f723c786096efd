// Package checkpoint persists the per-dataset incremental watermark used to
// bound date-windowed queries between runs.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// dateLayout is the calendar-day resolution the watermark is stored at.
const dateLayout = "2006-01-02"

// Date is a calendar day serialized as "2006-01-02".
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day in UTC.
func NewDate(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a "2006-01-02" string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid checkpoint date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Entry is one dataset's persisted watermark.
type Entry struct {
	LastSeenMaxDate Date `json:"last_seen_max_date"`
	BufferDays      int  `json:"buffer_days"`
}

// Store holds the watermarks for all datasets, backed by a single JSON file.
// It is not safe for concurrent use; each run owns its datasets exclusively.
type Store struct {
	path    string
	entries map[string]Entry
}

// Open loads the checkpoint file at path. A missing file yields an empty
// store (first run); an unreadable or corrupt file is an error, because
// guessing a watermark risks re-ingesting the full history or losing the
// incremental window.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]Entry{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parsing checkpoint file %s: %w", path, err)
	}
	return s, nil
}

// Get returns the entry for a dataset, reporting whether one exists.
func (s *Store) Get(dataset string) (Entry, bool) {
	e, ok := s.entries[dataset]
	return e, ok
}

// LowerBound computes the query lower bound for a dataset run. With an
// existing watermark it is last_seen_max_date minus bufferDays, so a small
// trailing window is re-requested every run to catch late-published records.
// Without one it is today minus lookbackDays. The bound never lies in the
// future.
func (s *Store) LowerBound(dataset string, bufferDays, lookbackDays int, today Date) Date {
	var bound Date
	if e, ok := s.entries[dataset]; ok && !e.LastSeenMaxDate.IsZero() {
		bound = Date{e.LastSeenMaxDate.AddDate(0, 0, -bufferDays)}
	} else {
		bound = Date{today.AddDate(0, 0, -lookbackDays)}
	}
	if bound.After(today.Time) {
		bound = today
	}
	return bound
}

// Advance raises a dataset's watermark to seen if it is newer than the
// stored value. The watermark never moves backwards.
func (s *Store) Advance(dataset string, seen Date, bufferDays int) {
	e := s.entries[dataset]
	e.BufferDays = bufferDays
	if seen.After(e.LastSeenMaxDate.Time) {
		e.LastSeenMaxDate = seen
	}
	s.entries[dataset] = e
}

// Save writes the full store atomically: marshal to a temp file in the same
// directory, then rename over the target. A crash mid-save never leaves a
// partially written checkpoint.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing checkpoint file %s: %w", s.path, err)
	}
	return nil
}
