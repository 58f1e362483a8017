package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/models"
)

// RemoteInfo is what a remote metadata service knows about a model.
type RemoteInfo struct {
	ModelName   string
	BaseModel   string
	Tags        []string
	Description string
	Metadata    json.RawMessage
}

// RemoteProvider looks models up by content hash. It is optional.
type RemoteProvider interface {
	FetchByHash(ctx context.Context, sha256 string) (*RemoteInfo, error)
}

// Loader builds records from model files and their sidecars.
type Loader struct {
	ModelType string
	Remote    RemoteProvider

	// Hash computes the content hash. Defaults to models.CalculateChecksum.
	Hash func(path string) (string, error)
}

func (l *Loader) hash(p string) (string, error) {
	if l.Hash != nil {
		return l.Hash(p)
	}
	return models.CalculateChecksum(p)
}

// LoadRecord returns the record for the model at modelPath below root.
//
// The sidecar is the source of truth when present. Missing or stale fields
// are filled in and written back; a size that no longer matches the file
// forces a rehash. Without a sidecar the file is hashed and a default record
// is derived. The error satisfies errors.Is(err, fs.ErrNotExist) when the
// model file itself is gone.
func (l *Loader) LoadRecord(ctx context.Context, modelPath, root string) (*models.ModelRecord, error) {
	modelPath = models.NormalizePath(modelPath)
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", modelPath)
	}

	dirty := false
	rec, err := Load(modelPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		rec = &models.ModelRecord{}
		dirty = true
	default:
		return nil, err
	}

	if rec.SHA256 == "" || (rec.Size != 0 && rec.Size != info.Size()) {
		sum, err := l.hash(modelPath)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", modelPath, err)
		}
		if sum != rec.SHA256 {
			rec.SHA256 = sum
			dirty = true
		}
	}

	if rec.FilePath != modelPath {
		rec.FilePath = modelPath
		dirty = true
	}
	if name := models.BaseName(modelPath); rec.FileName != name {
		rec.FileName = name
		dirty = true
	}
	if rec.ModelName == "" {
		rec.ModelName = rec.FileName
		dirty = true
	}
	if rec.Size != info.Size() {
		rec.Size = info.Size()
		dirty = true
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	if rec.PreviewURL == "" {
		if preview := FindPreview(modelPath); preview != "" {
			rec.PreviewURL = preview
			dirty = true
		}
	}
	rec.Modified = info.ModTime()
	rec.Folder = models.FolderFor(root, modelPath)

	if l.Remote != nil && rec.SHA256 != "" && len(rec.Tags) == 0 && len(rec.RemoteMetadata) == 0 {
		if l.backfill(ctx, rec) {
			dirty = true
		}
	}

	if dirty {
		if err := Save(rec); err != nil {
			logging.Warn("Failed to write sidecar", logging.Path(modelPath), logging.ModelType(l.ModelType), logging.Err(err))
		}
	}
	return rec, nil
}

func (l *Loader) backfill(ctx context.Context, rec *models.ModelRecord) bool {
	info, err := l.Remote.FetchByHash(ctx, rec.SHA256)
	if err != nil {
		logging.Warn("Remote metadata lookup failed", logging.Path(rec.FilePath), logging.ModelType(l.ModelType), logging.Err(err))
		return false
	}
	if info == nil {
		return false
	}
	if info.ModelName != "" {
		rec.ModelName = info.ModelName
	}
	if info.BaseModel != "" {
		rec.BaseModel = info.BaseModel
	}
	if len(info.Tags) > 0 {
		rec.Tags = append([]string(nil), info.Tags...)
	}
	if info.Description != "" && rec.Description == "" {
		rec.Description = info.Description
	}
	if len(info.Metadata) > 0 {
		rec.RemoteMetadata = append(json.RawMessage(nil), info.Metadata...)
	}
	return true
}

// SetExclude loads the record at modelPath, sets its exclude flag and
// persists the sidecar.
func (l *Loader) SetExclude(ctx context.Context, modelPath, root string, exclude bool) (*models.ModelRecord, error) {
	rec, err := l.LoadRecord(ctx, modelPath, root)
	if err != nil {
		return nil, err
	}
	if rec.Exclude == exclude {
		return rec, nil
	}
	rec.Exclude = exclude
	if err := Save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
