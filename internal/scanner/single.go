package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/metadata"
	"github.com/victor/modelvault/internal/models"
)

// ScanSingleModel builds the record for one file. It returns (nil, nil) when
// the file vanished, has an unrecognized extension or lies outside every
// library root.
func (s *Scanner) ScanSingleModel(ctx context.Context, path string) (*models.ModelRecord, error) {
	path = models.NormalizePath(path)
	if path == "" {
		return nil, ErrEmptyPath
	}
	if !models.HasExtension(path, s.extensions) {
		return nil, nil
	}
	root, ok := s.RootFor(path)
	if !ok {
		return nil, nil
	}

	rec, err := s.loader.LoadRecord(ctx, path, root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// AddModel scans path and inserts it. Adding a path that is already cached
// is a no-op, which makes duplicate create events harmless.
func (s *Scanner) AddModel(ctx context.Context, path string) (bool, error) {
	path = models.NormalizePath(path)
	if s.cache.Contains(path) {
		return false, nil
	}
	rec, err := s.ScanSingleModel(ctx, path)
	if err != nil || rec == nil {
		return false, err
	}

	s.mu.Lock()
	s.touchLocked(rec.FilePath)
	if rec.Exclude {
		s.excluded[rec.FilePath] = struct{}{}
		s.mu.Unlock()
		return false, nil
	}
	// The scan ran unlocked; another update may have inserted the path.
	added := s.addLocked(rec)
	if added {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if added {
		logging.Debug("Added model", logging.Path(path), logging.ModelType(string(s.modelType)))
		s.ScheduleSave()
	}
	return added, nil
}

// RemoveModel drops path from the cache and the excluded set.
func (s *Scanner) RemoveModel(path string) bool {
	path = models.NormalizePath(path)

	s.mu.Lock()
	s.touchLocked(path)
	_, wasExcluded := s.excluded[path]
	delete(s.excluded, path)
	removed := s.removeLocked(path)
	if removed {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if removed || wasExcluded {
		logging.Debug("Removed model", logging.Path(path), logging.ModelType(string(s.modelType)))
		s.ScheduleSave()
	}
	return removed
}

// RefreshModel rescans a file whose contents changed. A file that no longer
// qualifies is removed.
func (s *Scanner) RefreshModel(ctx context.Context, path string) error {
	path = models.NormalizePath(path)
	rec, err := s.ScanSingleModel(ctx, path)
	if err != nil {
		return err
	}
	if rec == nil {
		s.RemoveModel(path)
		return nil
	}

	s.mu.Lock()
	s.touchLocked(path)
	s.removeLocked(path)
	if rec.Exclude {
		s.excluded[path] = struct{}{}
	} else {
		s.addLocked(rec)
	}
	s.cache.Resort()
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.ScheduleSave()
	return nil
}

// RemoveModelsUnder drops every cached or excluded path below dir and
// returns how many cached records were removed.
func (s *Scanner) RemoveModelsUnder(dir string) int {
	prefix := strings.TrimSuffix(models.NormalizePath(dir), "/") + "/"

	s.mu.Lock()
	s.touchDirLocked(prefix)
	n := 0
	for _, p := range s.cache.Paths() {
		if strings.HasPrefix(p, prefix) && s.removeLocked(p) {
			n++
		}
	}
	ex := 0
	for p := range s.excluded {
		if strings.HasPrefix(p, prefix) {
			delete(s.excluded, p)
			ex++
		}
	}
	if n > 0 {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if n > 0 || ex > 0 {
		logging.Info("Removed models under directory", logging.Path(dir), logging.ModelType(string(s.modelType)), logging.Int("count", n))
		s.ScheduleSave()
	}
	return n
}

// UpdateSingleModelCache replaces the record at oldPath with rec stored at
// newPath. A nil rec only removes. An empty newPath keeps oldPath. It
// reports whether the cache changed.
func (s *Scanner) UpdateSingleModelCache(oldPath, newPath string, rec *models.ModelRecord) (bool, error) {
	if oldPath == "" {
		return false, ErrEmptyPath
	}
	oldPath = models.NormalizePath(oldPath)
	if newPath == "" {
		newPath = oldPath
	}
	newPath = models.NormalizePath(newPath)

	var r *models.ModelRecord
	if rec != nil {
		r = rec.Clone()
		r.FilePath = newPath
		r.FileName = models.BaseName(newPath)
		if r.ModelName == "" {
			r.ModelName = r.FileName
		}
		if root, ok := s.RootFor(newPath); ok {
			r.Folder = models.FolderFor(root, newPath)
		}
	}

	s.mu.Lock()
	s.touchLocked(oldPath, newPath)
	changed := s.removeLocked(oldPath)
	delete(s.excluded, oldPath)
	if r != nil {
		if newPath != oldPath {
			s.removeLocked(newPath)
		}
		if r.Exclude {
			s.excluded[newPath] = struct{}{}
			changed = true
		} else if s.addLocked(r) {
			changed = true
		}
	}
	if changed {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if changed {
		s.ScheduleSave()
	}
	return changed, nil
}

// MoveModel renames a cached model together with its sidecar and previews
// and moves its record to newPath without rehashing.
func (s *Scanner) MoveModel(ctx context.Context, oldPath, newPath string) (*models.ModelRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	oldPath = models.NormalizePath(oldPath)
	newPath = models.NormalizePath(newPath)
	if oldPath == "" || newPath == "" {
		return nil, ErrEmptyPath
	}
	if _, ok := s.RootFor(newPath); !ok {
		return nil, fmt.Errorf("%s: %w", newPath, ErrOutsideLibrary)
	}
	if !models.HasExtension(newPath, s.extensions) {
		return nil, fmt.Errorf("%s: unsupported extension for %s models", newPath, s.modelType)
	}
	rec, ok := s.cache.Get(oldPath)
	if !ok {
		return nil, fmt.Errorf("%s: %w", oldPath, fs.ErrNotExist)
	}

	if _, err := metadata.MoveFiles(oldPath, newPath); err != nil {
		return nil, fmt.Errorf("move %s: %w", oldPath, err)
	}

	oldName := rec.FileName
	rec.FilePath = newPath
	rec.FileName = models.BaseName(newPath)
	if rec.ModelName == oldName {
		rec.ModelName = rec.FileName
	}
	if preview := metadata.FindPreview(newPath); preview != "" {
		rec.PreviewURL = preview
	}
	if root, ok := s.RootFor(newPath); ok {
		rec.Folder = models.FolderFor(root, newPath)
	}
	if err := metadata.Save(rec); err != nil {
		logging.Warn("Failed to write sidecar", logging.Path(newPath), logging.ModelType(string(s.modelType)), logging.Err(err))
	}

	if _, err := s.UpdateSingleModelCache(oldPath, newPath, rec); err != nil {
		return nil, err
	}
	logging.Info("Moved model", logging.Path(newPath), logging.String("from", oldPath), logging.ModelType(string(s.modelType)))
	return rec, nil
}

// UpdatePreviewURL patches a record's preview in place.
func (s *Scanner) UpdatePreviewURL(path, url string, nsfwLevel int) bool {
	path = models.NormalizePath(path)
	s.mu.Lock()
	ok := s.cache.UpdatePreviewURL(path, url, nsfwLevel)
	if ok {
		s.touchLocked(path)
	}
	s.mu.Unlock()
	if ok {
		s.ScheduleSave()
	}
	return ok
}

// DeleteReport is the outcome of BulkDeleteModels.
type DeleteReport struct {
	Deleted []string          `json:"deleted"`
	Files   []string          `json:"files"`
	Failed  map[string]string `json:"failed"`
}

// BulkDeleteModels deletes model files together with their sidecars and
// previews, then drops them from the cache with a single resort.
func (s *Scanner) BulkDeleteModels(ctx context.Context, paths []string) (*DeleteReport, error) {
	if len(paths) == 0 {
		return nil, ErrNoPaths
	}

	report := &DeleteReport{Failed: make(map[string]string)}
	var gone []string
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			report.Failed[p] = err.Error()
			continue
		}
		p = models.NormalizePath(p)
		if p == "" {
			report.Failed[p] = ErrEmptyPath.Error()
			continue
		}

		related := metadata.RelatedFiles(p)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			report.Failed[p] = err.Error()
			logging.Warn("Failed to delete model", logging.Path(p), logging.ModelType(string(s.modelType)), logging.Err(err))
			continue
		}
		report.Files = append(report.Files, p)
		for _, f := range related {
			if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logging.Warn("Failed to delete model companion file", logging.Path(f), logging.Err(err))
				continue
			}
			report.Files = append(report.Files, f)
		}
		report.Deleted = append(report.Deleted, p)
		gone = append(gone, p)
	}

	s.mu.Lock()
	changed := false
	s.touchLocked(gone...)
	for _, p := range gone {
		if s.removeLocked(p) {
			changed = true
		}
		if _, ok := s.excluded[p]; ok {
			delete(s.excluded, p)
			changed = true
		}
	}
	if changed {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	if changed {
		s.ScheduleSave()
	}
	return report, nil
}

// ExcludeModel flags the model as excluded in its sidecar and removes it from
// the active set. The path stays known so it can be restored later.
func (s *Scanner) ExcludeModel(ctx context.Context, path string) error {
	path = models.NormalizePath(path)
	root, ok := s.RootFor(path)
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrOutsideLibrary)
	}
	if _, err := s.loader.SetExclude(ctx, path, root, true); err != nil {
		return fmt.Errorf("exclude %s: %w", path, err)
	}

	s.mu.Lock()
	s.touchLocked(path)
	removed := s.removeLocked(path)
	s.excluded[path] = struct{}{}
	if removed {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	s.ScheduleSave()
	return nil
}

// UnexcludeModel clears the exclude flag and returns the model to the
// active set.
func (s *Scanner) UnexcludeModel(ctx context.Context, path string) error {
	path = models.NormalizePath(path)
	root, ok := s.RootFor(path)
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrOutsideLibrary)
	}
	rec, err := s.loader.SetExclude(ctx, path, root, false)
	if err != nil {
		return fmt.Errorf("unexclude %s: %w", path, err)
	}

	s.mu.Lock()
	s.touchLocked(path)
	delete(s.excluded, path)
	if s.addLocked(rec) {
		s.cache.Resort()
		s.updateGaugesLocked()
	}
	s.mu.Unlock()

	s.ScheduleSave()
	return nil
}
