// Package audit keeps an append-only journal of launches and teardowns.
//
// Every launch stage, soft timeout, failure and teardown is recorded to
// ~/.ondemand/launches.log as newline-delimited JSON, so that an instance
// left behind by a crashed session can still be found and deleted by hand.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionLaunch         Action = "launch"
	ActionStage          Action = "stage"
	ActionSoftTimeout    Action = "soft_timeout"
	ActionLaunchFailed   Action = "launch_failed"
	ActionTeardown       Action = "teardown"
	ActionTeardownFailed Action = "teardown_failed"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Launch    string    `json:"launch,omitempty"` // run id shared by all entries of one launch
	Instance  string    `json:"instance,omitempty"`
	Project   string    `json:"project,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Port      int       `json:"port,omitempty"`
	URL       string    `json:"url,omitempty"`
	Elapsed   string    `json:"elapsed,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Logger writes journal entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens a journal file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening launch journal: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the journal location.
func (l *Logger) Path() string { return l.path }

// Log writes a journal entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// ReadAll parses a journal file. A missing file yields no entries; lines
// that are not valid JSON are skipped.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening launch journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("reading launch journal: %w", err)
	}
	return entries, nil
}

// Outstanding returns instances whose last journal entry is not a completed
// teardown, in order of first appearance.
func Outstanding(entries []Entry) []string {
	var order []string
	open := make(map[string]bool)
	for _, e := range entries {
		if e.Instance == "" {
			continue
		}
		switch e.Action {
		case ActionLaunch:
			if _, seen := open[e.Instance]; !seen {
				order = append(order, e.Instance)
			}
			open[e.Instance] = true
		case ActionTeardown:
			open[e.Instance] = false
		}
	}

	var out []string
	for _, id := range order {
		if open[id] {
			out = append(out, id)
		}
	}
	return out
}
