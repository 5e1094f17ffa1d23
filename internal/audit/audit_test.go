package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launches.log")
	l, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	l.Log(Entry{Action: ActionLaunch, Launch: "run-1", Instance: "sdp-slicer-on-demand-42", Port: 6122})
	l.Log(Entry{Action: ActionStage, Launch: "run-1", Instance: "sdp-slicer-on-demand-42", Stage: "running"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var e1 Entry
	if err := json.Unmarshal([]byte(lines[0]), &e1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e1.Action != ActionLaunch || e1.Port != 6122 {
		t.Errorf("unexpected first entry %+v", e1)
	}

	var e2 Entry
	json.Unmarshal([]byte(lines[1]), &e2)
	if e2.Stage != "running" {
		t.Errorf("expected running stage, got %q", e2.Stage)
	}
	if strings.Contains(lines[1], `"error"`) {
		t.Error("empty error should be omitted")
	}
}

func TestLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launches.log")

	l1, _ := NewLogger(path)
	l1.Log(Entry{Action: ActionLaunch, Instance: "first"})
	l1.Close()

	l2, _ := NewLogger(path)
	l2.Log(Entry{Action: ActionTeardown, Instance: "first"})
	l2.Close()

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestLoggerDefaultTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launches.log")
	l, _ := NewLogger(path)
	defer l.Close()

	before := time.Now().UTC()
	l.Log(Entry{Action: ActionLaunch, Instance: "x"})
	after := time.Now().UTC()

	entries, _ := ReadAll(path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ts := entries[0].Timestamp
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp %v not between %v and %v", ts, before, after)
	}
}

func TestLoggerFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launches.log")
	l, _ := NewLogger(path)
	l.Close()

	info, _ := os.Stat(path)
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	entries, err := ReadAll(filepath.Join(t.TempDir(), "nope.log"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestReadAllSkipsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launches.log")
	content := `{"action":"launch","instance":"a"}
not json
{"action":"teardown","instance":"a"}
`
	os.WriteFile(path, []byte(content), 0600)

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 valid entries, got %d", len(entries))
	}
}

func TestOutstanding(t *testing.T) {
	entries := []Entry{
		{Action: ActionLaunch, Instance: "a"},
		{Action: ActionLaunch, Instance: "b"},
		{Action: ActionStage, Instance: "b", Stage: "running"},
		{Action: ActionTeardown, Instance: "a"},
		{Action: ActionLaunch, Instance: "c"},
		{Action: ActionLaunchFailed, Instance: "c", Error: "boom"},
		{Action: ActionTeardownFailed, Instance: "b", Error: "delete failed"},
	}

	got := Outstanding(entries)
	want := []string{"b", "c"}
	if !slices.Equal(got, want) {
		t.Errorf("Outstanding = %v, want %v", got, want)
	}
}

func TestOutstandingRelaunchAfterTeardown(t *testing.T) {
	entries := []Entry{
		{Action: ActionLaunch, Instance: "a"},
		{Action: ActionTeardown, Instance: "a"},
		{Action: ActionLaunch, Instance: "a"},
	}
	if got := Outstanding(entries); !slices.Equal(got, []string{"a"}) {
		t.Errorf("Outstanding = %v, want [a]", got)
	}
}
