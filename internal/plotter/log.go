package plotter

import (
	"encoding/csv"
	"io"
	"sync"
	"time"
)

// LogBuffer is the append-only host-side session log. It grows until an
// observer explicitly clears it.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Append records one entry and returns it (timestamped).
func (l *LogBuffer) Append(kind LogKind, text string) LogEntry {
	e := LogEntry{Kind: kind, Text: text, Timestamp: time.Now()}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return e
}

// Snapshot returns a copy of all entries.
func (l *LogBuffer) Snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the entry count.
func (l *LogBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear discards all entries.
func (l *LogBuffer) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

var csvHeader = []string{"timestamp", "kind", "text"}

// WriteCSV exports the session log as CSV.
func (l *LogBuffer) WriteCSV(w io.Writer) error {
	entries := l.Snapshot()
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		row := []string{e.Timestamp.Format(time.RFC3339Nano), string(e.Kind), e.Text}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
