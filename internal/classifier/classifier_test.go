package classifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"cmdtrace/internal/archive"
	"cmdtrace/internal/config"
	"cmdtrace/internal/model"
)

func TestInsertWrite_DedupesOnPathMtimeSize(t *testing.T) {
	c := New(config.DefaultSettings(), nil)

	mtime := time.Unix(10, 0)
	c.InsertWrite(model.RawEvent{Path: "/tmp/a", Size: 5, Mtime: mtime})
	c.InsertWrite(model.RawEvent{Path: "/tmp/a", Size: 5, Mtime: mtime})

	_, writes := c.Snapshot()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
}

func TestInsertWrite_DistinctMtimeIsNotDeduped(t *testing.T) {
	c := New(config.DefaultSettings(), nil)

	c.InsertWrite(model.RawEvent{Path: "/tmp/a", Size: 5, Mtime: time.Unix(10, 0)})
	c.InsertWrite(model.RawEvent{Path: "/tmp/a", Size: 5, Mtime: time.Unix(11, 0)})

	_, writes := c.Snapshot()
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(writes))
	}
}

func TestInsertRead_RetainsFirstLinesUpToLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	settings := config.DefaultSettings()
	settings.MaxRFileLines = 2
	settings.Hash = false
	c := New(settings, nil)

	c.InsertRead(model.RawEvent{Path: path, Size: 4, Mtime: time.Unix(1, 0)})

	reads, _ := c.Snapshot()
	if len(reads) != 1 {
		t.Fatalf("got %d reads, want 1", len(reads))
	}
	got := string(reads[0].Bytes)
	want := "one\ntwo\n"
	if got != want {
		t.Errorf("retained bytes = %q, want %q", got, want)
	}
}

func TestInsertWrite_HashAndArchiveWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := []byte("payload")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ar, err := archive.Open(t.TempDir())
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}

	settings := config.DefaultSettings()
	settings.Hash = true
	settings.Archive = true
	c := New(settings, ar)

	c.InsertWrite(model.RawEvent{Path: path, Size: int64(len(content)), Mtime: time.Unix(1, 0)})

	_, writes := c.Snapshot()
	if len(writes) != 1 || !writes[0].HasHash {
		t.Fatalf("expected one hashed write, got %+v", writes)
	}
	if !ar.Has(writes[0].Hash) {
		t.Error("expected content to be archived")
	}
}

func TestShouldFlush_WriteCountThreshold(t *testing.T) {
	settings := config.DefaultSettings()
	settings.WriteFlushCount = 1
	c := New(settings, nil)

	c.InsertWrite(model.RawEvent{Path: "/tmp/a", Size: 1, Mtime: time.Unix(1, 0)})
	if c.ShouldFlush() {
		t.Error("should not flush at exactly the threshold count")
	}
	c.InsertWrite(model.RawEvent{Path: "/tmp/b", Size: 1, Mtime: time.Unix(2, 0)})
	if !c.ShouldFlush() {
		t.Error("expected flush once write count exceeds threshold")
	}
}

func TestClear_EmptiesBothSets(t *testing.T) {
	c := New(config.DefaultSettings(), nil)
	c.InsertWrite(model.RawEvent{Path: "/tmp/a", Size: 1, Mtime: time.Unix(1, 0)})
	c.InsertRead(model.RawEvent{Path: "/tmp/b", Size: 1, Mtime: time.Unix(2, 0)})

	c.Clear()

	reads, writes := c.Snapshot()
	if len(reads) != 0 || len(writes) != 0 {
		t.Errorf("expected empty cache after Clear, got reads=%d writes=%d", len(reads), len(writes))
	}
}
