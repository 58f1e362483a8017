// Package metadata reads and writes the JSON sidecar stored next to every
// model file and turns a model path into a complete ModelRecord.
package metadata

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/models"
)

// SidecarSuffix is appended to the model's base name.
const SidecarSuffix = ".metadata.json"

// previewSuffixes are tried in order when looking for a preview image.
var previewSuffixes = []string{
	".webp",
	".preview.webp",
	".preview.png",
	".preview.jpeg",
	".preview.jpg",
	".preview.mp4",
	".png",
	".jpeg",
	".jpg",
	".mp4",
}

func stem(modelPath string) string {
	p := models.NormalizePath(modelPath)
	return strings.TrimSuffix(p, path.Ext(p))
}

// SidecarPath returns the metadata file for modelPath.
func SidecarPath(modelPath string) string {
	return stem(modelPath) + SidecarSuffix
}

// Load reads the sidecar for modelPath. A missing sidecar yields an error
// satisfying errors.Is(err, fs.ErrNotExist).
func Load(modelPath string) (*models.ModelRecord, error) {
	data, err := os.ReadFile(SidecarPath(modelPath))
	if err != nil {
		return nil, err
	}
	rec := &models.ModelRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", SidecarPath(modelPath), err)
	}
	return rec, nil
}

// Save writes rec to its sidecar through a temp file and rename, so readers
// never observe a partial document.
func Save(rec *models.ModelRecord) error {
	target := SidecarPath(rec.FilePath)
	dir := filepath.Dir(target)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar for %s: %w", rec.FilePath, err)
	}

	tmp, err := os.CreateTemp(dir, ".modelvault-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", target, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", target, err)
	}
	return nil
}

// FindPreview returns the first preview file that exists next to modelPath,
// or "".
func FindPreview(modelPath string) string {
	s := stem(modelPath)
	for _, suffix := range previewSuffixes {
		candidate := s + suffix
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return ""
}

// RelatedFiles lists the existing sidecar and preview files of modelPath.
func RelatedFiles(modelPath string) []string {
	s := stem(modelPath)
	var out []string
	for _, suffix := range append([]string{SidecarSuffix}, previewSuffixes...) {
		candidate := s + suffix
		if _, err := os.Lstat(candidate); err == nil {
			out = append(out, candidate)
		}
	}
	return out
}

// MoveFiles renames modelPath to newPath and carries its sidecar and
// previews along, keeping each file's suffix. A companion that fails to move
// is logged and left behind. It returns the destination paths.
func MoveFiles(modelPath, newPath string) ([]string, error) {
	modelPath = models.NormalizePath(modelPath)
	newPath = models.NormalizePath(newPath)
	if _, err := os.Lstat(newPath); err == nil {
		return nil, fmt.Errorf("%s: %w", newPath, fs.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", filepath.Dir(newPath), err)
	}

	related := RelatedFiles(modelPath)
	if err := os.Rename(modelPath, newPath); err != nil {
		return nil, err
	}

	moved := []string{newPath}
	oldStem, newStem := stem(modelPath), stem(newPath)
	for _, f := range related {
		dst := newStem + strings.TrimPrefix(f, oldStem)
		if err := os.Rename(f, dst); err != nil {
			logging.Warn("Failed to move model companion file", logging.Path(f), logging.Err(err))
			continue
		}
		moved = append(moved, dst)
	}
	return moved, nil
}
