package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/victor/modelvault/internal/models"
)

func writeModel(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
	return models.NormalizePath(p)
}

type countingHasher struct{ calls int }

func (c *countingHasher) hash(p string) (string, error) {
	c.calls++
	return models.CalculateChecksum(p)
}

type fakeRemote struct {
	info  *RemoteInfo
	err   error
	calls int
}

func (f *fakeRemote) FetchByHash(_ context.Context, _ string) (*RemoteInfo, error) {
	f.calls++
	return f.info, f.err
}

func TestSidecarPath(t *testing.T) {
	if got := SidecarPath("/l/sub/model.safetensors"); got != "/l/sub/model.metadata.json" {
		t.Errorf("Unexpected sidecar path %s", got)
	}
}

func TestLoadRecord_DerivesAndWritesSidecar(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "sub/style.safetensors", "hello world")
	h := &countingHasher{}
	l := &Loader{Hash: h.hash}

	rec, err := l.LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}

	if rec.SHA256 != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("Unexpected hash %s", rec.SHA256)
	}
	if rec.FileName != "style" || rec.ModelName != "style" {
		t.Errorf("Unexpected names %q / %q", rec.FileName, rec.ModelName)
	}
	if rec.Folder != "sub" {
		t.Errorf("Expected folder 'sub', got %q", rec.Folder)
	}
	if rec.Size != 11 {
		t.Errorf("Expected size 11, got %d", rec.Size)
	}

	onDisk, err := Load(modelPath)
	if err != nil {
		t.Fatalf("Expected sidecar to be written: %v", err)
	}
	if onDisk.SHA256 != rec.SHA256 {
		t.Error("Sidecar hash mismatch")
	}

	// Second load trusts the sidecar.
	if _, err := l.LoadRecord(context.Background(), modelPath, root); err != nil {
		t.Fatalf("Second LoadRecord failed: %v", err)
	}
	if h.calls != 1 {
		t.Errorf("Expected a single hash computation, got %d", h.calls)
	}
}

func TestLoadRecord_SizeMismatchRehashes(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.pt", "one")
	h := &countingHasher{}
	l := &Loader{Hash: h.hash}

	first, err := l.LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	writeModel(t, root, "m.pt", "three")

	second, err := l.LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if h.calls != 2 {
		t.Errorf("Expected rehash after size change, got %d hash calls", h.calls)
	}
	if first.SHA256 == second.SHA256 {
		t.Error("Hash should change with content")
	}
}

func TestLoadRecord_KeepsSidecarFields(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.pt", "x")
	sidecar := &models.ModelRecord{
		FilePath:  modelPath,
		SHA256:    "abc",
		Size:      1,
		ModelName: "Pretty Name",
		BaseModel: "SDXL",
		Tags:      []string{"style"},
	}
	if err := Save(sidecar); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec, err := (&Loader{}).LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if rec.SHA256 != "abc" || rec.ModelName != "Pretty Name" || rec.BaseModel != "SDXL" {
		t.Errorf("Sidecar fields not preserved: %+v", rec)
	}
}

func TestLoadRecord_CorruptSidecar(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.pt", "x")
	os.WriteFile(SidecarPath(modelPath), []byte("{not json"), 0644)

	if _, err := (&Loader{}).LoadRecord(context.Background(), modelPath, root); err == nil {
		t.Error("Expected error for corrupt sidecar")
	}
}

func TestLoadRecord_MissingFile(t *testing.T) {
	_, err := (&Loader{}).LoadRecord(context.Background(), filepath.Join(t.TempDir(), "gone.pt"), "")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected fs.ErrNotExist, got %v", err)
	}
}

func TestLoadRecord_PreviewDiscovery(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.safetensors", "x")
	preview := writeModel(t, root, "m.preview.png", "img")

	rec, err := (&Loader{}).LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if rec.PreviewURL != preview {
		t.Errorf("Expected preview %s, got %s", preview, rec.PreviewURL)
	}

	related := RelatedFiles(modelPath)
	if len(related) != 2 {
		t.Errorf("Expected sidecar and preview, got %v", related)
	}
}

func TestLoadRecord_RemoteBackfill(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.pt", "x")
	remote := &fakeRemote{info: &RemoteInfo{
		ModelName: "Remote Name",
		BaseModel: "SD 1.5",
		Tags:      []string{"character"},
		Metadata:  json.RawMessage(`{"id":42}`),
	}}
	l := &Loader{Remote: remote}

	rec, err := l.LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("LoadRecord failed: %v", err)
	}
	if rec.ModelName != "Remote Name" || len(rec.Tags) != 1 || string(rec.RemoteMetadata) != `{"id":42}` {
		t.Errorf("Backfill not applied: %+v", rec)
	}

	// Tags are now present, so no further lookups.
	l.LoadRecord(context.Background(), modelPath, root)
	if remote.calls != 1 {
		t.Errorf("Expected 1 remote call, got %d", remote.calls)
	}
}

func TestLoadRecord_RemoteFailureLeavesRecord(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.pt", "x")
	l := &Loader{Remote: &fakeRemote{err: errors.New("offline")}}

	rec, err := l.LoadRecord(context.Background(), modelPath, root)
	if err != nil {
		t.Fatalf("Remote failure must not fail the load: %v", err)
	}
	if rec.ModelName != "m" || len(rec.Tags) != 0 {
		t.Errorf("Record should be unchanged: %+v", rec)
	}
}

func TestSetExclude(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.pt", "x")
	l := &Loader{}

	rec, err := l.SetExclude(context.Background(), modelPath, root, true)
	if err != nil {
		t.Fatalf("SetExclude failed: %v", err)
	}
	if !rec.Exclude {
		t.Error("Expected exclude flag")
	}
	onDisk, _ := Load(modelPath)
	if !onDisk.Exclude {
		t.Error("Exclude flag should be persisted")
	}
}

func TestMoveFiles(t *testing.T) {
	root := t.TempDir()
	modelPath := writeModel(t, root, "m.safetensors", "x")
	writeModel(t, root, "m.metadata.json", "{}")
	writeModel(t, root, "m.preview.png", "img")
	writeModel(t, root, "other.safetensors", "y")

	target := models.NormalizePath(filepath.Join(root, "sub", "n.safetensors"))
	moved, err := MoveFiles(modelPath, target)
	if err != nil {
		t.Fatalf("MoveFiles failed: %v", err)
	}
	if len(moved) != 3 || moved[0] != target {
		t.Errorf("Expected model plus two companions, got %v", moved)
	}
	for _, name := range []string{"n.safetensors", "n.metadata.json", "n.preview.png"} {
		if _, err := os.Stat(filepath.Join(root, "sub", name)); err != nil {
			t.Errorf("Expected %s at the target: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "other.safetensors")); err != nil {
		t.Errorf("Unrelated file should stay: %v", err)
	}

	other := models.NormalizePath(filepath.Join(root, "other.safetensors"))
	if _, err := MoveFiles(other, target); !errors.Is(err, fs.ErrExist) {
		t.Errorf("Expected fs.ErrExist for an occupied target, got %v", err)
	}
}
