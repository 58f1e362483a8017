package database

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/victor/modelvault/internal/hashindex"
	"github.com/victor/modelvault/internal/models"
)

func setupTestDB(t *testing.T) (*DB, string) {
	tmpDir := t.TempDir()
	dbPath := SnapshotPath(tmpDir, "lora")

	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db, dbPath
}

func sampleSnapshot() *Snapshot {
	mod := time.Date(2024, 3, 9, 12, 30, 15, 123456789, time.UTC)
	records := []*models.ModelRecord{
		{
			FilePath: "/l/b.safetensors", FileName: "b", ModelName: "Bee", Size: 10, Modified: mod,
			SHA256: "aa", Folder: "", BaseModel: "SDXL", Tags: []string{"style", "style"},
			PreviewURL: "/l/b.webp", PreviewNSFWLevel: 1, RemoteMetadata: json.RawMessage(`{"id":1}`),
		},
		{
			FilePath: "/l/sub/a.pt", FileName: "a", ModelName: "a", Size: 20, Modified: mod.Add(time.Hour),
			SHA256: "aa", Folder: "sub", Tags: []string{},
		},
		{
			FilePath: "/l/sub/c.pt", FileName: "c", ModelName: "c", Size: 30, Modified: mod,
			SHA256: "cc", Folder: "sub",
		},
	}
	idx := hashindex.Build(records)
	return &Snapshot{
		ModelType:  "lora",
		CapturedAt: mod,
		Records:    records,
		Index:      idx.State(),
		TagCounts:  map[string]int{"style": 2},
		Excluded:   []string{"/l/hidden.pt"},
		DirMtimes:  map[string]int64{"/l": 1, "/l/sub": 2},
	}
}

func TestNewDB(t *testing.T) {
	db, path := setupTestDB(t)
	if db == nil {
		t.Fatal("Expected non-nil database")
	}
	if db.Path() != path {
		t.Errorf("Expected path %s, got %s", path, db.Path())
	}
}

func TestLoadSnapshot_Empty(t *testing.T) {
	db, _ := setupTestDB(t)

	_, err := db.LoadSnapshot("lora")
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Expected ErrNoSnapshot, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db, _ := setupTestDB(t)
	want := sampleSnapshot()

	if err := db.SaveSnapshot(want); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	got, err := db.LoadSnapshot("lora")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}

	if got.FormatVersion != FormatVersion {
		t.Errorf("Expected version %d, got %d", FormatVersion, got.FormatVersion)
	}
	if !got.CapturedAt.Equal(want.CapturedAt) {
		t.Errorf("CapturedAt mismatch: %v vs %v", got.CapturedAt, want.CapturedAt)
	}
	if len(got.Records) != len(want.Records) {
		t.Fatalf("Expected %d records, got %d", len(want.Records), len(got.Records))
	}
	for i := range want.Records {
		w, g := want.Records[i], got.Records[i]
		if !g.Modified.Equal(w.Modified) {
			t.Errorf("Record %d modified mismatch: %v vs %v", i, g.Modified, w.Modified)
		}
		wc, gc := *w, *g
		wc.Modified, gc.Modified = time.Time{}, time.Time{}
		if !reflect.DeepEqual(wc, gc) {
			t.Errorf("Record %d mismatch:\nwant %+v\ngot  %+v", i, wc, gc)
		}
	}
	if !reflect.DeepEqual(got.Index, want.Index) {
		t.Errorf("Index mismatch:\nwant %+v\ngot  %+v", want.Index, got.Index)
	}
	if !reflect.DeepEqual(got.TagCounts, want.TagCounts) {
		t.Errorf("Tag counts mismatch: %v", got.TagCounts)
	}
	if !reflect.DeepEqual(got.Excluded, want.Excluded) {
		t.Errorf("Excluded mismatch: %v", got.Excluded)
	}
	if !reflect.DeepEqual(got.DirMtimes, want.DirMtimes) {
		t.Errorf("Dir mtimes mismatch: %v", got.DirMtimes)
	}
}

func TestSaveSnapshot_Replaces(t *testing.T) {
	db, _ := setupTestDB(t)
	first := sampleSnapshot()
	if err := db.SaveSnapshot(first); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	second := &Snapshot{ModelType: "lora", Records: first.Records[:1]}
	if err := db.SaveSnapshot(second); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err := db.LoadSnapshot("lora")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if len(got.Records) != 1 {
		t.Errorf("Expected 1 record after replace, got %d", len(got.Records))
	}
	if len(got.Excluded) != 0 || len(got.TagCounts) != 0 {
		t.Error("Old tables should be cleared")
	}
}

func TestLoadSnapshot_VersionMismatch(t *testing.T) {
	db, _ := setupTestDB(t)
	if err := db.SaveSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	for _, version := range []int{FormatVersion - 1, FormatVersion + 1} {
		if err := db.WriteHeader(version, "lora"); err != nil {
			t.Fatalf("WriteHeader failed: %v", err)
		}
		if _, err := db.LoadSnapshot("lora"); !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("Version %d: expected ErrVersionMismatch, got %v", version, err)
		}
	}
}

func TestLoadSnapshot_ModelTypeMismatch(t *testing.T) {
	db, _ := setupTestDB(t)
	if err := db.SaveSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	if _, err := db.LoadSnapshot("checkpoint"); !errors.Is(err, ErrModelTypeMismatch) {
		t.Errorf("Expected ErrModelTypeMismatch, got %v", err)
	}
}

func TestGetInfo(t *testing.T) {
	db, path := setupTestDB(t)
	if _, err := db.GetInfo(); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("Expected ErrNoSnapshot before first save, got %v", err)
	}

	if err := db.SaveSnapshot(sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	info, err := db.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Path != path || info.ModelType != "lora" {
		t.Errorf("Unexpected header: %+v", info)
	}
	if info.Records != 3 || info.Hashes != 2 || info.Duplicates != 1 || info.Excluded != 1 {
		t.Errorf("Unexpected counts: %+v", info)
	}
	if info.FileSize == 0 {
		t.Error("Expected non-zero file size")
	}
}

func TestSnapshotLocked(t *testing.T) {
	db, path := setupTestDB(t)

	other, err := NewDB(path)
	if err != nil {
		t.Fatalf("Failed to open second handle: %v", err)
	}
	defer other.Close()

	locked, err := other.lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("Failed to take lock: %v", err)
	}
	defer other.lock.Unlock()

	old := LockTimeout
	LockTimeout = 100 * time.Millisecond
	defer func() { LockTimeout = old }()

	if err := db.SaveSnapshot(sampleSnapshot()); !errors.Is(err, ErrSnapshotLocked) {
		t.Errorf("Expected ErrSnapshotLocked, got %v", err)
	}
}

func TestSnapshotPath(t *testing.T) {
	if got := SnapshotPath("/cache", "checkpoint"); got != filepath.Join("/cache", "checkpoint.db") {
		t.Errorf("Unexpected snapshot path %s", got)
	}
}
