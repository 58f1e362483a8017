package scanner

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victor/modelvault/internal/cache"
	"github.com/victor/modelvault/internal/database"
	"github.com/victor/modelvault/internal/hashindex"
	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/metrics"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/reconcile"
	"github.com/victor/modelvault/internal/walker"
)

// refreshKey is shared by initialization, rebuild and reconciliation, so at
// most one pass runs per scanner and late callers join it.
const refreshKey = "refresh"

// Pass kinds reported in metrics and results.
const (
	PassFull      = "full"
	PassReconcile = "reconcile"
	PassWarmStart = "warm_start"
)

// PassResult describes one completed refresh pass.
type PassResult struct {
	Kind     string
	Delta    reconcile.Delta
	Records  int
	Duration time.Duration
}

// GetCachedData is the read and refresh entry point. Without forceRefresh it
// returns the live cache immediately, starting background initialization if
// nothing has been loaded yet. With forceRefresh it runs (or joins) a pass:
// a full scan when rebuildCache is set or the scanner is uninitialized,
// otherwise a reconciliation.
func (s *Scanner) GetCachedData(ctx context.Context, forceRefresh, rebuildCache bool) (*cache.Cache, error) {
	if !forceRefresh {
		if s.State() == Uninitialized {
			s.InitializeInBackground()
		}
		return s.cache, nil
	}
	if _, err := s.refresh(ctx, rebuildCache); err != nil {
		return s.cache, err
	}
	return s.cache, nil
}

// Initialize loads the cache from the snapshot, or scans the roots when no
// usable snapshot exists. It returns immediately once the scanner is ready.
func (s *Scanner) Initialize(ctx context.Context) error {
	if st := s.State(); st == Ready || st == Reconciling {
		return nil
	}
	_, err := s.refresh(ctx, false)
	return err
}

// InitializeInBackground starts Initialize on its own goroutine unless
// initialization already started.
func (s *Scanner) InitializeInBackground() {
	if !s.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
		return
	}
	metrics.ScannerInitializing.WithLabelValues(string(s.modelType)).Set(1)
	go func() {
		if _, err := s.refresh(context.Background(), false); err != nil {
			logging.Error("Background initialization failed", logging.ModelType(string(s.modelType)), logging.Err(err))
		}
	}()
}

// Reconcile brings the cache in line with the disk without rehashing
// unchanged files. An uninitialized scanner is initialized first.
func (s *Scanner) Reconcile(ctx context.Context) (reconcile.Delta, error) {
	if err := s.Initialize(ctx); err != nil {
		return reconcile.Delta{}, err
	}
	res, err := s.refresh(ctx, false)
	if err != nil {
		return reconcile.Delta{}, err
	}
	return res.Delta, nil
}

// Refresh runs or joins one pass: a warm start or full scan when nothing is
// loaded yet, a reconciliation otherwise.
func (s *Scanner) Refresh(ctx context.Context) (PassResult, error) {
	return s.refresh(ctx, false)
}

// Rebuild discards the cache contents and rescans every file.
func (s *Scanner) Rebuild(ctx context.Context) (PassResult, error) {
	return s.refresh(ctx, true)
}

// refresh runs one pass or waits for the one in flight. The pass itself is
// detached from ctx so an impatient caller does not abort it for the others.
func (s *Scanner) refresh(ctx context.Context, rebuild bool) (PassResult, error) {
	passCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(refreshKey, func() (interface{}, error) {
		return s.runPass(passCtx, rebuild)
	})

	select {
	case <-ctx.Done():
		return PassResult{}, ctx.Err()
	case r := <-ch:
		if s.staleHint.CompareAndSwap(true, false) {
			go func() {
				if _, err := s.refresh(context.Background(), false); err != nil {
					logging.Warn("Freshness reconciliation failed", logging.ModelType(string(s.modelType)), logging.Err(err))
				}
			}()
		}
		res, _ := r.Val.(PassResult)
		return res, r.Err
	}
}

func (s *Scanner) runPass(ctx context.Context, rebuild bool) (PassResult, error) {
	s.passes.Add(1)
	start := time.Now()
	s.beginPass()
	defer func() {
		s.mu.Lock()
		s.journal = nil
		s.mu.Unlock()
	}()
	mt := string(s.modelType)

	var res PassResult
	var err error
	switch st := s.State(); {
	case st == Ready || st == Reconciling:
		s.setState(Reconciling)
		if rebuild {
			res.Kind = PassFull
			res.Records, err = s.fullScan(ctx)
		} else {
			res.Kind = PassReconcile
			res.Delta, err = s.reconcile(ctx)
			res.Records = s.cache.Len()
		}
	default:
		s.setState(Initializing)
		if !rebuild && s.warmStart() {
			res.Kind = PassWarmStart
			res.Records = s.cache.Len()
		} else {
			res.Kind = PassFull
			res.Records, err = s.fullScan(ctx)
		}
	}
	s.setState(Ready)

	res.Duration = time.Since(start)
	s.lastPassAt.Store(time.Now().UnixNano())
	metrics.ScansTotal.WithLabelValues(mt, res.Kind).Inc()
	metrics.ScanDuration.WithLabelValues(mt, res.Kind).Observe(res.Duration.Seconds())
	logging.Info("Scan pass complete",
		logging.ModelType(mt),
		logging.String("kind", res.Kind),
		logging.Int("records", res.Records),
		logging.Duration("duration", res.Duration),
	)
	return res, err
}

// loadRecords builds records for files on the bounded worker pool. Failed
// files are logged and left nil.
func (s *Scanner) loadRecords(ctx context.Context, files []walker.File, stage string) []*models.ModelRecord {
	mt := string(s.modelType)
	out := make([]*models.ModelRecord, len(files))
	reporter := s.progress.NewReporter(mt, stage, len(files))
	var done atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, f := range files {
		g.Go(func() error {
			rec, err := s.loader.LoadRecord(ctx, f.Path, f.Root)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					logging.Warn("Skipping model file", logging.Path(f.Path), logging.ModelType(mt), logging.Err(err))
					metrics.FileErrors.WithLabelValues(mt).Inc()
				}
			} else {
				out[i] = rec
			}
			reporter.Report(int(done.Add(1)))
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fullScan walks every root, loads all records and replaces the cache.
func (s *Scanner) fullScan(ctx context.Context) (int, error) {
	mt := string(s.modelType)
	logging.Info("Starting full scan", logging.ModelType(mt), logging.Int("roots", len(s.roots)))

	walk := walker.Walk(s.roots, walker.Options{Extensions: s.extensions, ModelType: mt})
	loaded := s.loadRecords(ctx, walk.Files, "scanning")

	active := make([]*models.ModelRecord, 0, len(loaded))
	excluded := make(map[string]struct{})
	for _, rec := range loaded {
		switch {
		case rec == nil:
		case rec.Exclude:
			excluded[rec.FilePath] = struct{}{}
		default:
			active = append(active, rec)
		}
	}

	index := hashindex.Build(active)
	tags := countTags(active)
	dirs := restatDirs(walk.DirMtimes)

	s.mu.Lock()
	j := s.endPassLocked()
	live := s.liveLocked(j)
	s.cache.Replace(active)
	s.index = index
	s.tagCounts = tags
	s.excluded = excluded
	s.dirMtimes = dirs
	s.replayLocked(j, live)
	s.cache.Resort()
	s.updateGaugesLocked()
	n := s.cache.Len()
	s.mu.Unlock()

	if len(live) > 0 || len(j.dirs) > 0 {
		logging.Debug("Replayed changes made during scan", logging.ModelType(mt), logging.Int("paths", len(live)), logging.Int("dirs", len(j.dirs)))
	}
	s.persist()
	return n, nil
}

// reconcile diffs cached paths against the disk and applies only the delta.
// Excluded paths count as known so they are not reloaded. The cached set is
// captured before the walk; paths a single-file operation touched while the
// pass ran keep their live state.
func (s *Scanner) reconcile(ctx context.Context) (reconcile.Delta, error) {
	mt := string(s.modelType)

	s.mu.Lock()
	cached := make([]reconcile.Entry, 0, s.cache.Len()+len(s.excluded))
	for _, r := range s.cache.RawData() {
		cached = append(cached, reconcile.Entry{Path: r.FilePath, Size: r.Size, ModTime: r.Modified.UnixNano()})
	}
	excludedPaths := make([]string, 0, len(s.excluded))
	for p := range s.excluded {
		excludedPaths = append(excludedPaths, p)
	}
	s.mu.Unlock()
	cached = append(cached, reconcile.Paths(excludedPaths)...)

	walk := walker.Walk(s.roots, walker.Options{Extensions: s.extensions, ModelType: mt})
	disk := make([]reconcile.Entry, len(walk.Files))
	byKey := make(map[string]walker.File, len(walk.Files))
	for i, f := range walk.Files {
		disk[i] = reconcile.Entry{Path: f.Path, Size: f.Size, ModTime: f.ModTime}
		byKey[s.policy.Key(f.Path)] = f
	}

	delta := reconcile.Diff(cached, disk, s.policy)
	if delta.Empty() {
		s.mu.Lock()
		s.endPassLocked()
		s.dirMtimes = walk.DirMtimes
		s.mu.Unlock()
		return delta, nil
	}

	var toLoad []walker.File
	for _, p := range delta.Added {
		toLoad = append(toLoad, byKey[s.policy.Key(p)])
	}
	for _, p := range delta.Changed {
		if f, ok := byKey[s.policy.Key(p)]; ok {
			toLoad = append(toLoad, f)
		}
	}
	loaded := s.loadRecords(ctx, toLoad, "reconciling")
	dirs := restatDirs(walk.DirMtimes)

	applied := reconcile.Delta{Unchanged: delta.Unchanged}
	s.mu.Lock()
	j := s.endPassLocked()
	for _, p := range delta.Removed {
		if j.touched(p) {
			continue
		}
		if _, ok := s.excluded[p]; ok {
			delete(s.excluded, p)
		} else {
			s.removeLocked(p)
		}
		applied.Removed = append(applied.Removed, p)
	}
	for _, p := range delta.Changed {
		if j.touched(p) {
			continue
		}
		s.removeLocked(p)
		applied.Changed = append(applied.Changed, p)
	}
	changed := make(map[string]bool, len(applied.Changed))
	for _, p := range applied.Changed {
		changed[s.policy.Key(p)] = true
	}
	for _, rec := range loaded {
		if rec == nil || j.touched(rec.FilePath) {
			continue
		}
		// The file may have vanished after it was loaded.
		if _, err := os.Stat(rec.FilePath); err != nil {
			continue
		}
		if !changed[s.policy.Key(rec.FilePath)] {
			applied.Added = append(applied.Added, rec.FilePath)
		}
		if rec.Exclude {
			s.removeLocked(rec.FilePath)
			s.excluded[rec.FilePath] = struct{}{}
			continue
		}
		s.addLocked(rec)
	}
	s.dirMtimes = dirs
	s.cache.Resort()
	s.updateGaugesLocked()
	s.mu.Unlock()

	sort.Strings(applied.Added)
	logging.Info("Reconciled cache",
		logging.ModelType(mt),
		logging.Int("added", len(applied.Added)),
		logging.Int("removed", len(applied.Removed)),
		logging.Int("changed", len(applied.Changed)),
		logging.Int("skipped", len(delta.Added)+len(delta.Removed)+len(delta.Changed)-len(applied.Added)-len(applied.Removed)-len(applied.Changed)),
	)
	s.persist()
	return applied, nil
}

// warmStart installs the stored snapshot. Any load failure, including a
// format or model type mismatch, returns false and the caller scans.
func (s *Scanner) warmStart() bool {
	if s.store == nil {
		return false
	}
	mt := string(s.modelType)

	snap, err := s.store.LoadSnapshot(mt)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrNoSnapshot):
		metrics.SnapshotLoads.WithLabelValues(mt, "miss").Inc()
		return false
	case errors.Is(err, database.ErrVersionMismatch), errors.Is(err, database.ErrModelTypeMismatch):
		metrics.SnapshotLoads.WithLabelValues(mt, "version_mismatch").Inc()
		logging.Info("Ignoring incompatible snapshot", logging.ModelType(mt), logging.Err(err))
		return false
	default:
		metrics.SnapshotLoads.WithLabelValues(mt, "error").Inc()
		logging.Warn("Failed to load snapshot", logging.ModelType(mt), logging.Err(err))
		return false
	}

	excluded := make(map[string]struct{}, len(snap.Excluded))
	for _, p := range snap.Excluded {
		excluded[p] = struct{}{}
	}
	tags := snap.TagCounts
	if tags == nil {
		tags = make(map[string]int)
	}

	s.mu.Lock()
	j := s.endPassLocked()
	live := s.liveLocked(j)
	s.cache.Replace(snap.Records)
	s.index = hashindex.FromState(snap.Index)
	s.tagCounts = tags
	s.excluded = excluded
	s.dirMtimes = snap.DirMtimes
	s.replayLocked(j, live)
	s.cache.Resort()
	s.updateGaugesLocked()
	s.mu.Unlock()

	metrics.SnapshotLoads.WithLabelValues(mt, "hit").Inc()
	logging.Info("Loaded snapshot",
		logging.ModelType(mt),
		logging.Int("records", len(snap.Records)),
		logging.String("captured_at", snap.CapturedAt.Format(time.RFC3339)),
	)

	if dirsChanged(snap.DirMtimes) {
		logging.Info("Library changed since snapshot, scheduling reconciliation", logging.ModelType(mt))
		s.staleHint.Store(true)
	}
	return true
}

// restatDirs refreshes directory mtimes after sidecar writes touched them.
func restatDirs(mtimes map[string]int64) map[string]int64 {
	for dir := range mtimes {
		if info, err := os.Stat(dir); err == nil {
			mtimes[dir] = info.ModTime().UnixNano()
		}
	}
	return mtimes
}

// dirsChanged reports whether any recorded directory is gone or has a
// different modification time.
func dirsChanged(mtimes map[string]int64) bool {
	for dir, mtime := range mtimes {
		info, err := os.Stat(dir)
		if err != nil || info.ModTime().UnixNano() != mtime {
			return true
		}
	}
	return false
}
