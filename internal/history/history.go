// Package history keeps a CSV log of finished transfers and renders it as
// a table.
package history

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/gonzalop/ftpsession"
)

// header is written once, when the file is created.
var header = []string{"ID", "Finished", "Session", "Peer", "Direction", "Path", "Bytes", "ElapsedMs", "Aborted"}

// Entry is one stored transfer.
type Entry struct {
	ID uuid.UUID
	ftpsession.HistoryRecord
}

// Store appends transfer records to a CSV file. It implements
// ftpsession.HistorySink.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a store backed by path. The directory is created if needed;
// the file itself is created on the first record.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return &Store{path: path}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// RecordTransfer appends one record.
func (s *Store) RecordTransfer(rec ftpsession.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fileExists := true
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		fileExists = false
	}

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if !fileExists {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	finished := rec.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	row := []string{
		uuid.NewString(),
		finished.UTC().Format(time.RFC3339),
		rec.SessionID,
		rec.Peer,
		rec.Direction.String(),
		rec.Path,
		strconv.FormatInt(rec.BytesMoved, 10),
		strconv.FormatInt(rec.Elapsed.Milliseconds(), 10),
		strconv.FormatBool(rec.Aborted),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush history file: %w", err)
	}
	return file.Sync()
}

// Load reads every stored record, oldest first. A missing file yields no
// records.
func (s *Store) Load() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = len(header)

	var entries []Entry
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		if line == 1 && row[0] == header[0] {
			continue
		}
		e, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
}

func parseRow(row []string) (Entry, error) {
	var e Entry
	var err error
	if e.ID, err = uuid.Parse(row[0]); err != nil {
		return e, fmt.Errorf("bad id: %w", err)
	}
	if e.Finished, err = time.Parse(time.RFC3339, row[1]); err != nil {
		return e, fmt.Errorf("bad time: %w", err)
	}
	e.SessionID = row[2]
	e.Peer = row[3]
	switch row[4] {
	case ftpsession.Upload.String():
		e.Direction = ftpsession.Upload
	case ftpsession.Download.String():
		e.Direction = ftpsession.Download
	default:
		return e, fmt.Errorf("bad direction %q", row[4])
	}
	e.Path = row[5]
	if e.BytesMoved, err = strconv.ParseInt(row[6], 10, 64); err != nil {
		return e, fmt.Errorf("bad byte count: %w", err)
	}
	ms, err := strconv.ParseInt(row[7], 10, 64)
	if err != nil {
		return e, fmt.Errorf("bad elapsed time: %w", err)
	}
	e.Elapsed = time.Duration(ms) * time.Millisecond
	if e.Aborted, err = strconv.ParseBool(row[8]); err != nil {
		return e, fmt.Errorf("bad aborted flag: %w", err)
	}
	return e, nil
}

// Render writes entries as a table.
func Render(w io.Writer, entries []Entry) error {
	table := tablewriter.NewWriter(w)
	table.Header("Finished", "Peer", "Direction", "Path", "Size", "Time", "Rate", "Status")
	for _, e := range entries {
		status := "ok"
		if e.Aborted {
			status = "aborted"
		}
		table.Append([]string{
			e.Finished.Local().Format("2006-01-02 15:04:05"),
			e.Peer,
			e.Direction.String(),
			e.Path,
			FormatBytes(e.BytesMoved),
			e.Elapsed.Round(time.Millisecond).String(),
			FormatRate(e.BytesMoved, e.Elapsed),
			status,
		})
	}
	return table.Render()
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatRate renders the average rate of n bytes over d.
func FormatRate(n int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return FormatBytes(int64(float64(n)/d.Seconds())) + "/s"
}
