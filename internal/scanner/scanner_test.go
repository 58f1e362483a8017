package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/victor/modelvault/internal/database"
	"github.com/victor/modelvault/internal/metadata"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/reconcile"
)

type hashCounter struct {
	calls atomic.Int64
}

func (h *hashCounter) loader() *metadata.Loader {
	return &metadata.Loader{Hash: func(p string) (string, error) {
		h.calls.Add(1)
		return models.CalculateChecksum(p)
	}}
}

func writeModel(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write model: %v", err)
	}
	return models.NormalizePath(p)
}

func setupStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.SnapshotPath(t.TempDir(), "lora"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestScanner(t *testing.T, root string, loader *metadata.Loader, store *database.DB) *Scanner {
	t.Helper()
	s := New(Options{
		ModelType: models.TypeLora,
		Roots:     []string{root},
		Loader:    loader,
		Store:     store,
		Workers:   2,
		SaveDelay: time.Hour,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func cachedPaths(s *Scanner) []string {
	p := s.Cache().Paths()
	sort.Strings(p)
	return p
}

func TestInitialize_FullScan(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "a.safetensors", "same")
	b := writeModel(t, root, "sub/b.safetensors", "same")
	c := writeModel(t, root, "sub/c.pt", "other")
	writeModel(t, root, "notes.txt", "ignored")
	hidden := writeModel(t, root, "skip.pt", "hidden")
	if err := metadata.Save(&models.ModelRecord{FilePath: hidden, SHA256: "ff", Size: 6, Exclude: true}); err != nil {
		t.Fatalf("Failed to write sidecar: %v", err)
	}

	s := newTestScanner(t, root, nil, setupStore(t))
	if s.State() != Uninitialized {
		t.Fatalf("Expected Uninitialized, got %s", s.State())
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if s.State() != Ready {
		t.Errorf("Expected Ready, got %s", s.State())
	}
	if got := cachedPaths(s); !reflect.DeepEqual(got, []string{a, b, c}) {
		t.Errorf("Unexpected cached paths: %v", got)
	}
	if got := s.ExcludedPaths(); !reflect.DeepEqual(got, []string{hidden}) {
		t.Errorf("Expected excluded %s, got %v", hidden, got)
	}

	hash, ok := s.GetHashByPath(a)
	if !ok || !s.HasHash(hash) {
		t.Fatal("Expected hash lookups to work")
	}
	if p, _ := s.GetPathByHash(hash); p != a && p != b {
		t.Errorf("Unexpected canonical path %s", p)
	}
	if dups := s.DuplicateHashes()[hash]; len(dups) != 2 {
		t.Errorf("Expected duplicate tracking for identical files, got %v", dups)
	}
	if got := s.Cache().Folders(); !reflect.DeepEqual(got, []string{"", "sub"}) {
		t.Errorf("Unexpected folders: %v", got)
	}
	if s.Cache().Stale() {
		t.Error("Cache should be resorted after a full scan")
	}
}

func TestAddModel_Idempotent(t *testing.T) {
	root := t.TempDir()
	s := newTestScanner(t, root, nil, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	p := writeModel(t, root, "new.safetensors", "x")
	for i := 0; i < 2; i++ {
		added, err := s.AddModel(context.Background(), p)
		if err != nil {
			t.Fatalf("AddModel failed: %v", err)
		}
		if added != (i == 0) {
			t.Errorf("Call %d: added = %v", i, added)
		}
	}
	if s.Cache().Len() != 1 {
		t.Errorf("Expected exactly one record, got %d", s.Cache().Len())
	}
	if len(s.Cache().SortedByName()) != 1 || len(s.Cache().SortedByDate()) != 1 {
		t.Error("Sorted views should hold exactly one record")
	}
}

func TestReconcile_Delta(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "A.pt", "a")
	b := writeModel(t, root, "B.pt", "b")
	c := writeModel(t, root, "C.pt", "c")

	h := &hashCounter{}
	s := newTestScanner(t, root, h.loader(), nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	beforeB, _ := s.Cache().Get(b)
	beforeC, _ := s.Cache().Get(c)
	gen := s.Cache().Generation()
	hashes := h.calls.Load()

	os.Remove(a)
	d := writeModel(t, root, "D.pt", "d")

	cache, err := s.GetCachedData(context.Background(), true, false)
	if err != nil {
		t.Fatalf("GetCachedData failed: %v", err)
	}

	if got := cachedPaths(s); !reflect.DeepEqual(got, []string{b, c, d}) {
		t.Errorf("Expected {B, C, D}, got %v", got)
	}
	if cache.Generation() != gen+1 {
		t.Errorf("Expected exactly one resort, generation went %d -> %d", gen, cache.Generation())
	}
	if got := h.calls.Load() - hashes; got != 1 {
		t.Errorf("Expected only D to be hashed, got %d hash calls", got)
	}
	afterB, _ := s.Cache().Get(b)
	afterC, _ := s.Cache().Get(c)
	if !reflect.DeepEqual(beforeB, afterB) || !reflect.DeepEqual(beforeC, afterC) {
		t.Error("Unchanged records should be left untouched")
	}
}

func TestReconcile_NoChangeIsNoop(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")
	store := setupStore(t)
	s := newTestScanner(t, root, nil, store)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	info, err := store.GetInfo()
	if err != nil {
		t.Fatalf("Expected snapshot after full scan: %v", err)
	}
	gen := s.Cache().Generation()

	delta, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Expected empty delta, got %+v", delta)
	}
	if s.Cache().Generation() != gen {
		t.Error("Unchanged reconciliation must not resort")
	}
	after, _ := store.GetInfo()
	if !after.CapturedAt.Equal(info.CapturedAt) {
		t.Error("Unchanged reconciliation must not rewrite the snapshot")
	}
}

func TestReconcile_CaseInsensitivePolicy(t *testing.T) {
	root := t.TempDir()
	p := writeModel(t, root, "Model.pt", "m")

	s := New(Options{ModelType: models.TypeLora, Roots: []string{root}, Policy: reconcile.Policy{CaseInsensitive: true}})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Simulate a cache entry recorded with different letter case.
	rec, _ := s.Cache().Get(p)
	lower := filepath.ToSlash(filepath.Join(filepath.Dir(p), "model.pt"))
	if _, err := s.UpdateSingleModelCache(p, lower, rec); err != nil {
		t.Fatalf("UpdateSingleModelCache failed: %v", err)
	}

	delta, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Case-only difference should be the same file, got %+v", delta)
	}
}

func TestWarmStart(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")
	writeModel(t, root, "sub/b.pt", "b")
	store := setupStore(t)

	first := newTestScanner(t, root, nil, store)
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	h := &hashCounter{}
	second := newTestScanner(t, root, h.loader(), store)
	res, err := second.refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if res.Kind != PassWarmStart {
		t.Errorf("Expected warm start, got %s", res.Kind)
	}
	if h.calls.Load() != 0 {
		t.Errorf("Warm start must not hash, got %d calls", h.calls.Load())
	}
	if !reflect.DeepEqual(cachedPaths(first), cachedPaths(second)) {
		t.Error("Warm-started cache differs from the scanned one")
	}
	if !reflect.DeepEqual(first.Cache().Folders(), second.Cache().Folders()) {
		t.Error("Folder index differs after warm start")
	}
	if !reflect.DeepEqual(first.DuplicateHashes(), second.DuplicateHashes()) {
		t.Error("Hash index differs after warm start")
	}
}

func TestVersionMismatchFallsBackToFullScan(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")
	store := setupStore(t)

	first := newTestScanner(t, root, nil, store)
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := store.WriteHeader(database.FormatVersion-1, "lora"); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	second := newTestScanner(t, root, nil, store)
	res, err := second.refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if res.Kind != PassFull {
		t.Errorf("Expected full scan after version mismatch, got %s", res.Kind)
	}
	if second.Cache().Len() != 1 {
		t.Errorf("Expected 1 record, got %d", second.Cache().Len())
	}

	// The rescan rewrote the snapshot with the current version.
	info, err := store.GetInfo()
	if err != nil || info.FormatVersion != database.FormatVersion {
		t.Errorf("Expected snapshot rewritten at version %d, got %+v (%v)", database.FormatVersion, info, err)
	}
}

func TestWarmStart_FreshnessHintTriggersReconcile(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")
	store := setupStore(t)

	first := newTestScanner(t, root, nil, store)
	if err := first.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Make the root mtime differ from the snapshot.
	added := writeModel(t, root, "b.pt", "b")
	future := time.Now().Add(time.Hour)
	os.Chtimes(root, future, future)

	second := newTestScanner(t, root, nil, store)
	if err := second.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !second.Cache().Contains(added) {
		if time.Now().After(deadline) {
			t.Fatal("Background reconciliation did not pick up the new file")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConcurrentRefreshCollapse(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")

	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	loader := &metadata.Loader{Hash: func(p string) (string, error) {
		entered <- struct{}{}
		<-release
		return models.CalculateChecksum(p)
	}}
	s := newTestScanner(t, root, loader, nil)

	var wg sync.WaitGroup
	results := make([]int, 2)
	call := func(i int) {
		defer wg.Done()
		c, err := s.GetCachedData(context.Background(), true, false)
		if err != nil {
			t.Errorf("Caller %d failed: %v", i, err)
			return
		}
		results[i] = c.Len()
	}

	wg.Add(2)
	go call(0)
	<-entered
	go call(1)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := s.passes.Load(); n != 1 {
		t.Errorf("Expected a single pass, got %d", n)
	}
	if results[0] != 1 || results[1] != 1 {
		t.Errorf("Both callers should observe the pass result, got %v", results)
	}
}

func TestRefresh_CallerCancellation(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")

	release := make(chan struct{})
	loader := &metadata.Loader{Hash: func(p string) (string, error) {
		<-release
		return models.CalculateChecksum(p)
	}}
	s := newTestScanner(t, root, loader, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.GetCachedData(ctx, true, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
	close(release)

	// The pass keeps running for everyone else.
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if s.Cache().Len() != 1 {
		t.Errorf("Expected the detached pass to finish, got %d records", s.Cache().Len())
	}
}

func TestGetCachedData_NonBlocking(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "a.pt", "a")

	release := make(chan struct{})
	loader := &metadata.Loader{Hash: func(p string) (string, error) {
		<-release
		return models.CalculateChecksum(p)
	}}
	s := newTestScanner(t, root, loader, nil)

	c, err := s.GetCachedData(context.Background(), false, false)
	if err != nil {
		t.Fatalf("GetCachedData failed: %v", err)
	}
	if c.Len() != 0 {
		t.Error("Expected an empty cache while initializing")
	}
	if !s.IsInitializing() {
		t.Error("Expected the scanner to report initialization")
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != Ready {
		if time.Now().After(deadline) {
			t.Fatal("Background initialization did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 record after initialization, got %d", c.Len())
	}
}

func TestRemoveModel_PrunesTagsAndIndex(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "a.pt", "a")
	b := writeModel(t, root, "b.pt", "b")
	metadata.Save(&models.ModelRecord{FilePath: a, Tags: []string{"style", "anime"}})
	metadata.Save(&models.ModelRecord{FilePath: b, Tags: []string{"style"}})

	s := newTestScanner(t, root, nil, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	want := []TagCount{{"style", 2}, {"anime", 1}}
	if got := s.TopTags(0); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	hash, _ := s.GetHashByPath(a)
	if !s.RemoveModel(a) {
		t.Fatal("Expected RemoveModel to report removal")
	}
	if got := s.TopTags(0); !reflect.DeepEqual(got, []TagCount{{"style", 1}}) {
		t.Errorf("Tag counts not pruned: %v", got)
	}
	if s.HasHash(hash) {
		t.Error("Hash should be removed with the model")
	}
	if s.RemoveModel(a) {
		t.Error("Removing twice should report false")
	}
	if got := s.TopTags(1); len(got) != 1 {
		t.Errorf("Limit not applied: %v", got)
	}
}

func TestScanSingleModel_Skips(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	s := newTestScanner(t, root, nil, nil)

	tests := []struct {
		name string
		path string
	}{
		{"vanished", filepath.Join(root, "gone.pt")},
		{"unknown extension", writeModel(t, root, "readme.md", "x")},
		{"outside roots", writeModel(t, outside, "m.pt", "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.ScanSingleModel(context.Background(), tt.path)
			if rec != nil || err != nil {
				t.Errorf("Expected (nil, nil), got (%v, %v)", rec, err)
			}
		})
	}
}

func TestUpdateSingleModelCache(t *testing.T) {
	root := t.TempDir()
	old := writeModel(t, root, "old.pt", "x")
	s := newTestScanner(t, root, nil, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := s.UpdateSingleModelCache("", "x", nil); !errors.Is(err, ErrEmptyPath) {
		t.Errorf("Expected ErrEmptyPath, got %v", err)
	}

	rec, _ := s.Cache().Get(old)
	moved := models.NormalizePath(filepath.Join(root, "nested", "new.pt"))
	changed, err := s.UpdateSingleModelCache(old, moved, rec)
	if err != nil || !changed {
		t.Fatalf("UpdateSingleModelCache = %v, %v", changed, err)
	}

	if s.Cache().Contains(old) {
		t.Error("Old path should be gone")
	}
	got, ok := s.Cache().Get(moved)
	if !ok {
		t.Fatal("New path should be cached")
	}
	if got.Folder != "nested" || got.FileName != "new" {
		t.Errorf("Derived fields not updated: %+v", got)
	}
	if p, _ := s.GetPathByHash(rec.SHA256); p != moved {
		t.Errorf("Hash index should follow the move, got %s", p)
	}
}

func TestMoveModel(t *testing.T) {
	root := t.TempDir()
	old := writeModel(t, root, "old.pt", "weights")
	oldPreview := writeModel(t, root, "old.webp", "img")
	h := &hashCounter{}
	s := newTestScanner(t, root, h.loader(), nil)
	ctx := context.Background()
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	hashed := h.calls.Load()

	target := models.NormalizePath(filepath.Join(root, "styles", "renamed.pt"))
	rec, err := s.MoveModel(ctx, old, target)
	if err != nil {
		t.Fatalf("MoveModel failed: %v", err)
	}
	if rec.Folder != "styles" || rec.FileName != "renamed" || rec.ModelName != "renamed" {
		t.Errorf("Derived fields not updated: %+v", rec)
	}
	if want := models.NormalizePath(filepath.Join(root, "styles", "renamed.webp")); rec.PreviewURL != want {
		t.Errorf("Expected preview %s, got %s", want, rec.PreviewURL)
	}
	for _, p := range []string{old, metadata.SidecarPath(old), oldPreview} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected %s to be moved away, got %v", p, err)
		}
	}
	side, err := metadata.Load(target)
	if err != nil || side.FilePath != target {
		t.Errorf("Expected sidecar to follow the model, got %+v (%v)", side, err)
	}
	if s.Cache().Contains(old) || !s.Cache().Contains(target) {
		t.Errorf("Cache not updated: %v", cachedPaths(s))
	}
	if h.calls.Load() != hashed {
		t.Error("Move should not rehash")
	}

	delta, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Expected no delta after move, got %+v", delta)
	}

	if _, err := s.MoveModel(ctx, target, filepath.Join(t.TempDir(), "x.pt")); !errors.Is(err, ErrOutsideLibrary) {
		t.Errorf("Expected ErrOutsideLibrary, got %v", err)
	}
	if _, err := s.MoveModel(ctx, old, filepath.Join(root, "y.pt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist for an uncached source, got %v", err)
	}
}

func TestBulkDeleteModels(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "a.pt", "a")
	b := writeModel(t, root, "b.pt", "b")
	preview := writeModel(t, root, "a.webp", "img")
	s := newTestScanner(t, root, nil, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := s.BulkDeleteModels(context.Background(), nil); !errors.Is(err, ErrNoPaths) {
		t.Errorf("Expected ErrNoPaths, got %v", err)
	}

	gen := s.Cache().Generation()
	report, err := s.BulkDeleteModels(context.Background(), []string{a, b})
	if err != nil {
		t.Fatalf("BulkDeleteModels failed: %v", err)
	}
	if !reflect.DeepEqual(report.Deleted, []string{a, b}) {
		t.Errorf("Unexpected deleted list %v", report.Deleted)
	}
	for _, p := range []string{a, b, preview, metadata.SidecarPath(a), metadata.SidecarPath(b)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected %s to be deleted", p)
		}
	}
	if s.Cache().Len() != 0 {
		t.Errorf("Expected empty cache, got %d", s.Cache().Len())
	}
	if s.Cache().Generation() != gen+1 {
		t.Error("Bulk delete should resort exactly once")
	}
}

func TestExcludeAndUnexclude(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "a.pt", "a")
	s := newTestScanner(t, root, nil, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := s.ExcludeModel(context.Background(), a); err != nil {
		t.Fatalf("ExcludeModel failed: %v", err)
	}
	if s.Cache().Contains(a) {
		t.Error("Excluded model should leave the active set")
	}
	if !reflect.DeepEqual(s.ExcludedPaths(), []string{a}) {
		t.Errorf("Expected %s excluded, got %v", a, s.ExcludedPaths())
	}

	// A reconciliation must not bring it back.
	if _, err := s.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if s.Cache().Contains(a) {
		t.Error("Reconciliation re-added an excluded model")
	}

	if err := s.UnexcludeModel(context.Background(), a); err != nil {
		t.Fatalf("UnexcludeModel failed: %v", err)
	}
	if !s.Cache().Contains(a) || len(s.ExcludedPaths()) != 0 {
		t.Error("Unexclude should restore the model")
	}
}

func TestRemoveModelsUnder(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "keep.pt", "k")
	writeModel(t, root, "dir/a.pt", "a")
	writeModel(t, root, "dir/deep/b.pt", "b")
	writeModel(t, root, "dirx/c.pt", "c")
	s := newTestScanner(t, root, nil, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if n := s.RemoveModelsUnder(filepath.Join(root, "dir")); n != 2 {
		t.Errorf("Expected 2 removals, got %d", n)
	}
	if s.Cache().Len() != 2 {
		t.Errorf("Expected 2 remaining records, got %d", s.Cache().Len())
	}
}

func TestScheduleSave_Coalesces(t *testing.T) {
	root := t.TempDir()
	store := setupStore(t)
	s := New(Options{ModelType: models.TypeLora, Roots: []string{root}, Store: store, SaveDelay: 200 * time.Millisecond})
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.AddModel(context.Background(), writeModel(t, root, filepath.Join("m", string(rune('a'+i))+".pt"), "x"))
	}
	if !s.SavePending() {
		t.Fatal("Expected a pending save")
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.SavePending() {
		if time.Now().After(deadline) {
			t.Fatal("Coalesced save never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Let the timer callback finish writing.
	time.Sleep(100 * time.Millisecond)

	info, err := store.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Records != 3 {
		t.Errorf("Expected 3 persisted records, got %d", info.Records)
	}
}

func TestClose_FlushesUnsavedChanges(t *testing.T) {
	root := t.TempDir()
	store := setupStore(t)
	s := New(Options{ModelType: models.TypeLora, Roots: []string{root}, Store: store, SaveDelay: time.Hour})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := s.AddModel(context.Background(), writeModel(t, root, "late.pt", "x")); err != nil {
		t.Fatalf("AddModel failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.SavePending() {
		t.Error("Close should cancel the scheduled save")
	}
	info, err := store.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if info.Records != 1 {
		t.Errorf("Expected the added model to be flushed, got %d records", info.Records)
	}
}

func TestFullScan_KeepsChangesMadeDuringScan(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "a.safetensors", "a")
	gone := writeModel(t, root, "gone.safetensors", "g")
	late := models.NormalizePath(filepath.Join(root, "late.safetensors"))

	var s *Scanner
	var fired atomic.Bool
	loader := &metadata.Loader{Hash: func(p string) (string, error) {
		if models.NormalizePath(p) == a && fired.CompareAndSwap(false, true) {
			if err := os.WriteFile(late, []byte("late"), 0644); err != nil {
				t.Errorf("Failed to write model: %v", err)
			}
			if added, err := s.AddModel(context.Background(), late); !added || err != nil {
				t.Errorf("Expected AddModel to add %s, got added=%v err=%v", late, added, err)
			}
			os.Remove(gone)
			os.Remove(metadata.SidecarPath(gone))
			s.RemoveModel(gone)
		}
		return models.CalculateChecksum(p)
	}}
	s = newTestScanner(t, root, loader, nil)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !fired.Load() {
		t.Fatal("Hash hook never ran")
	}
	if got := cachedPaths(s); !reflect.DeepEqual(got, []string{a, late}) {
		t.Errorf("Expected {a, late}, got %v", got)
	}
	if _, ok := s.GetHashByPath(late); !ok {
		t.Error("Expected the hash index to know the late model")
	}
	if _, ok := s.GetHashByPath(gone); ok {
		t.Error("Expected the removed model to be gone from the hash index")
	}

	delta, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !delta.Empty() {
		t.Errorf("Expected the cache to match the disk, got %+v", delta)
	}
}

func TestRebuild_KeepsDirectoryRemovalDuringScan(t *testing.T) {
	root := t.TempDir()
	a := writeModel(t, root, "a.pt", "a")
	writeModel(t, root, "old/b.pt", "b")
	writeModel(t, root, "old/c.pt", "c")

	var s *Scanner
	var armed, fired atomic.Bool
	loader := &metadata.Loader{Hash: func(p string) (string, error) {
		if armed.Load() && fired.CompareAndSwap(false, true) {
			os.RemoveAll(filepath.Join(root, "old"))
			s.RemoveModelsUnder(filepath.Join(root, "old"))
		}
		return models.CalculateChecksum(p)
	}}
	s = newTestScanner(t, root, loader, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	// Force rehashing so the hook runs during the rebuild.
	for _, p := range s.Cache().Paths() {
		os.Remove(metadata.SidecarPath(p))
	}

	armed.Store(true)
	if _, err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if !fired.Load() {
		t.Fatal("Hash hook never ran")
	}
	if got := cachedPaths(s); !reflect.DeepEqual(got, []string{a}) {
		t.Errorf("Expected only %s, got %v", a, got)
	}
}

func TestReconcile_KeepsChangesMadeDuringPass(t *testing.T) {
	root := t.TempDir()
	b := writeModel(t, root, "b.pt", "b")
	c := writeModel(t, root, "c.pt", "c")
	d := models.NormalizePath(filepath.Join(root, "d.pt"))
	e := models.NormalizePath(filepath.Join(root, "e.pt"))

	var s *Scanner
	var fired atomic.Bool
	loader := &metadata.Loader{Hash: func(p string) (string, error) {
		sum, err := models.CalculateChecksum(p)
		if models.NormalizePath(p) == d && fired.CompareAndSwap(false, true) {
			os.Remove(d)
			os.Remove(metadata.SidecarPath(d))
			s.RemoveModel(d)
			if err := os.WriteFile(e, []byte("e"), 0644); err != nil {
				t.Errorf("Failed to write model: %v", err)
			}
			if _, err := s.AddModel(context.Background(), e); err != nil {
				t.Errorf("AddModel failed: %v", err)
			}
		}
		return sum, err
	}}
	s = newTestScanner(t, root, loader, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	writeModel(t, root, "d.pt", "d")
	writeModel(t, root, "c.pt", "c changed")

	delta, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !fired.Load() {
		t.Fatal("Hash hook never ran")
	}
	if _, err := os.Stat(d); !os.IsNotExist(err) {
		t.Fatalf("Expected %s to be deleted, got %v", d, err)
	}
	if got := cachedPaths(s); !reflect.DeepEqual(got, []string{b, c, e}) {
		t.Errorf("Expected {b, c, e}, got %v", got)
	}
	if len(delta.Added) != 0 {
		t.Errorf("Expected no added paths to be reported, got %v", delta.Added)
	}
	if !reflect.DeepEqual(delta.Changed, []string{c}) {
		t.Errorf("Expected %s to be reported as changed, got %v", c, delta.Changed)
	}
	if rec, _ := s.Cache().Get(c); rec == nil || rec.Size != int64(len("c changed")) {
		t.Errorf("Expected the changed record to be reloaded, got %+v", rec)
	}

	again, err := s.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !again.Empty() {
		t.Errorf("Expected no further changes, got %+v", again)
	}
}
