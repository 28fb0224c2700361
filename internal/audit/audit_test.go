package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(EventRecordingStarted, "s-1", map[string]any{"key": "value"})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
	if l.Path() != "" {
		t.Fatal("nil Path() should be empty")
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventRecordingStarted, "s-1", map[string]any{"target": "monitor:1"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != EventRecordingStarted || e.SessionID != "s-1" {
		t.Fatalf("entry = %+v", e)
	}
	if e.PrevHash != genesisHash || e.EntryHash == "" {
		t.Fatalf("prevHash=%q entryHash=%q", e.PrevHash, e.EntryHash)
	}
	if l.DroppedCount() != 0 {
		t.Fatalf("DroppedCount() = %d", l.DroppedCount())
	}
}

func TestHashChainLinkingAndVerify(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventRecordingStarted, "s-1", nil)
	l.Log(EventSegmentFinalized, "s-1", map[string]any{"frames": 120, "path": "a.mp4"})
	l.Log(EventRecordingStopped, "s-1", map[string]any{"durationMs": 2000})
	l.Close()

	entries := readEntries(t, l.filePath)
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}

	res, err := VerifyFile(l.filePath)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if res.Entries != 3 || res.FirstPrevHash != genesisHash || res.LastHash != entries[2].EntryHash {
		t.Fatalf("result = %+v", res)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventRecordingStarted, "s-1", nil)
	l.Log(EventSegmentFinalized, "s-1", map[string]any{"path": "a.mp4"})
	l.Close()

	data, _ := os.ReadFile(l.filePath)
	tampered := strings.Replace(string(data), "a.mp4", "b.mp4", 1)
	if _, err := Verify(strings.NewReader(tampered)); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected hash mismatch on line 2, got %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	swapped := lines[1] + "\n" + lines[0] + "\n"
	if _, err := Verify(strings.NewReader(swapped)); err == nil || !strings.Contains(err.Error(), "chain broken") {
		t.Fatalf("expected chain break, got %v", err)
	}
}

func TestNewLoggerContinuesExistingChain(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(EventRecordingStarted, "s-1", nil)
	l.Close()

	l2, err := NewLogger(dir, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	l2.Log(EventRecordingStarted, "s-2", nil)
	l2.Close()

	res, err := VerifyFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("chain across reopen: %v", err)
	}
	if res.Entries != 2 {
		t.Fatalf("entries = %d", res.Entries)
	}
}

func TestRotationSentinelCrossFileHashChain(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 300

	for i := 0; i < 10; i++ {
		l.Log(EventSegmentFinalized, "s-x", map[string]any{"i": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 || entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry after rotation = %+v", entries)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev != FileName+".1" {
		t.Fatalf("sentinel previousFile = %q", prev)
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatal("sentinel does not link to last entry of the backup")
	}
	if _, err := VerifyFile(l.filePath); err != nil {
		t.Fatalf("current file does not verify: %v", err)
	}
	if _, err := os.Stat(l.filePath + ".3"); !os.IsNotExist(err) {
		t.Fatalf("more backups kept than maxBackups: %v", err)
	}
}

func TestCriticalEvents(t *testing.T) {
	for _, e := range []string{EventRecordingStarted, EventRecordingStopped, EventConfigWritten} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be critical", e)
		}
	}
	for _, e := range []string{EventSegmentFinalized, EventSegmentArchived} {
		if criticalEvents[e] {
			t.Errorf("event %q should not be critical", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)
	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventSegmentFinalized, "s-1", nil)
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != genesisHash {
		t.Fatal("chain advanced after failed write")
	}
	l.file.Close()
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l := &Logger{
		filePath:   filepath.Join(t.TempDir(), FileName),
		maxSize:    50 * 1024 * 1024,
		maxBackups: 2,
		prevHash:   genesisHash,
	}
	if err := l.openFile(); err != nil {
		t.Fatalf("openFile: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entries []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
