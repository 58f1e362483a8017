package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ModelRecord is the cached metadata for one model file. It is also the
// on-disk schema of the metadata sidecar written next to the model.
type ModelRecord struct {
	FilePath         string          `json:"file_path"` // Canonical forward-slash path, unique key
	FileName         string          `json:"file_name"` // Base name without extension
	ModelName        string          `json:"model_name"`
	Size             int64           `json:"size"`
	Modified         time.Time       `json:"modified"`
	SHA256           string          `json:"sha256"`
	Folder           string          `json:"folder"` // Directory relative to the library root
	BaseModel        string          `json:"base_model"`
	Tags             []string        `json:"tags"`
	Description      string          `json:"description,omitempty"`
	PreviewURL       string          `json:"preview_url"`
	PreviewNSFWLevel int             `json:"preview_nsfw_level"`
	RemoteMetadata   json.RawMessage `json:"remote_metadata,omitempty"`
	Exclude          bool            `json:"exclude"`
}

// Clone returns a copy that shares no slices with r.
func (r *ModelRecord) Clone() *ModelRecord {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.RemoteMetadata != nil {
		c.RemoteMetadata = append(json.RawMessage(nil), r.RemoteMetadata...)
	}
	return &c
}

// DisplayName is the name used for name ordering.
func (r *ModelRecord) DisplayName() string {
	if r.ModelName != "" {
		return r.ModelName
	}
	return r.FileName
}

// NormalizePath cleans p and converts it to forward slashes.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// BaseName returns the file name of p without its extension.
func BaseName(p string) string {
	base := path.Base(NormalizePath(p))
	return strings.TrimSuffix(base, path.Ext(base))
}

// FolderFor returns the forward-slash directory of filePath relative to root,
// or "" when the file sits directly in root.
func FolderFor(root, filePath string) string {
	root = NormalizePath(root)
	dir := path.Dir(NormalizePath(filePath))
	if dir == root {
		return ""
	}
	rel := strings.TrimPrefix(dir, strings.TrimSuffix(root, "/")+"/")
	if rel == dir {
		return ""
	}
	return rel
}

// CalculateChecksum computes the lowercase hex SHA256 of the file contents.
func CalculateChecksum(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ModelType names one independently cached model library.
type ModelType string

const (
	TypeLora       ModelType = "lora"
	TypeCheckpoint ModelType = "checkpoint"
	TypeEmbedding  ModelType = "embedding"
)

// ModelTypes lists every supported library type.
var ModelTypes = []ModelType{TypeLora, TypeCheckpoint, TypeEmbedding}

// Valid reports whether t is a supported library type.
func (t ModelType) Valid() bool {
	for _, known := range ModelTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultExtensions returns the recognized file extensions for a model type.
func DefaultExtensions(t ModelType) []string {
	switch t {
	case TypeCheckpoint:
		return []string{".safetensors", ".ckpt", ".pt", ".pth", ".sft", ".gguf"}
	default:
		return []string{".safetensors", ".pt", ".bin"}
	}
}

// HasExtension reports whether p ends in one of exts (case-insensitive).
func HasExtension(p string, exts []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
