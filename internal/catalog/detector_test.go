package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDetectorIgnoresTouchWithoutContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LocalStateFileName)
	if err := os.WriteFile(path, []byte(`{"version": 1}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	d := NewDetector(path, "")
	if err := d.Capture(StoreLocal); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}
	changes, err := d.Check()
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if changes.Any() {
		t.Fatalf("expected no change after touch, got %+v", changes)
	}
}

func TestDetectorReportsContentChangeAndRemoval(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, LocalStateFileName)
	snapshot := filepath.Join(dir, SnapshotFileName)
	if err := os.WriteFile(local, []byte("one"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	d := NewDetector(local, snapshot)
	if err := d.Capture(StoreLocal); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if err := d.Capture(StoreSnapshot); err != nil {
		t.Fatalf("capture missing snapshot failed: %v", err)
	}

	if err := os.WriteFile(local, []byte("two!"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	changes, err := d.Check()
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !changes.Local || changes.Snapshot {
		t.Fatalf("expected only local change, got %+v", changes)
	}

	if err := d.Capture(StoreLocal); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if err := os.Remove(local); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := os.WriteFile(snapshot, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	changes, err = d.Check()
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !changes.Local || !changes.Snapshot {
		t.Fatalf("expected removal and creation to be reported, got %+v", changes)
	}
}

func TestDetectorWithoutPathsNeverReports(t *testing.T) {
	d := NewDetector("", "")
	if err := d.Capture(StoreLocal); err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	changes, err := d.Check()
	if err != nil || changes.Any() {
		t.Fatalf("expected no changes, got %+v %v", changes, err)
	}
}

func TestWatcherNotifiesOnceForBurst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LocalStateFileName)
	notified := make(chan struct{}, 8)
	w, err := WatchFiles([]string{path}, 50*time.Millisecond, func() { notified <- struct{}{} }, nil)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if err := WriteFileAtomic(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	select {
	case <-notified:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a notification")
	}
	select {
	case <-notified:
		t.Fatalf("expected the burst to collapse into one notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	notified := make(chan struct{}, 1)
	w, err := WatchFiles([]string{filepath.Join(dir, LocalStateFileName)}, 20*time.Millisecond, func() { notified <- struct{}{} }, nil)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer w.Close()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case <-notified:
		t.Fatalf("unrelated file must not notify")
	case <-time.After(200 * time.Millisecond):
	}
}
