// Package scanner owns the cache of one model library. It builds the cache
// from disk or from a snapshot, keeps it current through reconciliation and
// single-file updates, and persists it.
//
// Every mutation of the cache, the hash index, the tag counts and the
// excluded set happens under Scanner.mu, so the four always agree.
package scanner

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/victor/modelvault/internal/cache"
	"github.com/victor/modelvault/internal/database"
	"github.com/victor/modelvault/internal/hashindex"
	"github.com/victor/modelvault/internal/metadata"
	"github.com/victor/modelvault/internal/metrics"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/progress"
	"github.com/victor/modelvault/internal/reconcile"
	"github.com/victor/modelvault/internal/workers"
)

var (
	ErrNoPaths        = errors.New("no paths given")
	ErrEmptyPath      = errors.New("path must not be empty")
	ErrOutsideLibrary = errors.New("path is outside the library")
)

// State is the lifecycle stage of a scanner.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Reconciling
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Reconciling:
		return "reconciling"
	}
	return "unknown"
}

// Options configures a Scanner.
type Options struct {
	ModelType  models.ModelType
	Roots      []string
	Extensions []string

	// Store persists snapshots. Nil disables persistence.
	Store *database.DB

	// Loader builds records. A default loader is used when nil.
	Loader *metadata.Loader

	Progress *progress.Broadcaster

	// Workers bounds the hashing pool; 0 picks a size from the CPU count.
	Workers int

	Policy reconcile.Policy

	// SaveDelay coalesces snapshot writes after single-file updates.
	SaveDelay time.Duration
}

// Scanner maintains one model library.
type Scanner struct {
	modelType  models.ModelType
	roots      []string
	extensions []string
	store      *database.DB
	loader     *metadata.Loader
	progress   *progress.Broadcaster
	workers    int
	policy     reconcile.Policy
	saveDelay  time.Duration

	mu        sync.Mutex
	cache     *cache.Cache
	index     *hashindex.Index
	tagCounts map[string]int
	excluded  map[string]struct{}
	dirMtimes map[string]int64

	// journal is non-nil while a pass runs.
	journal *journal

	state      atomic.Int32
	group      singleflight.Group
	passes     atomic.Int64
	staleHint  atomic.Bool
	lastPassAt atomic.Int64

	saveMu    sync.Mutex
	saveTimer *time.Timer
	dirty     atomic.Bool
}

// New creates a scanner in the Uninitialized state with an empty cache.
func New(opts Options) *Scanner {
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		if r = models.NormalizePath(r); r != "" {
			roots = append(roots, r)
		}
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = models.DefaultExtensions(opts.ModelType)
	}
	loader := opts.Loader
	if loader == nil {
		loader = &metadata.Loader{}
	}
	if loader.ModelType == "" {
		loader.ModelType = string(opts.ModelType)
	}
	n := opts.Workers
	if n <= 0 {
		n = workers.ForIO(0)
	}
	delay := opts.SaveDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	return &Scanner{
		modelType:  opts.ModelType,
		roots:      roots,
		extensions: exts,
		store:      opts.Store,
		loader:     loader,
		progress:   opts.Progress,
		workers:    n,
		policy:     opts.Policy,
		saveDelay:  delay,
		cache:      cache.New(),
		index:      hashindex.New(),
		tagCounts:  make(map[string]int),
		excluded:   make(map[string]struct{}),
		dirMtimes:  make(map[string]int64),
	}
}

// ModelType returns the library this scanner serves.
func (s *Scanner) ModelType() models.ModelType { return s.modelType }

// Roots returns the normalized library roots.
func (s *Scanner) Roots() []string { return append([]string(nil), s.roots...) }

// Extensions returns the recognized model file extensions.
func (s *Scanner) Extensions() []string { return append([]string(nil), s.extensions...) }

// State returns the current lifecycle state.
func (s *Scanner) State() State { return State(s.state.Load()) }

func (s *Scanner) setState(st State) {
	s.state.Store(int32(st))
	v := 0.0
	if st == Initializing {
		v = 1
	}
	metrics.ScannerInitializing.WithLabelValues(string(s.modelType)).Set(v)
}

// IsInitializing reports whether the first load is still running. Readers
// should serve whatever the cache holds instead of waiting.
func (s *Scanner) IsInitializing() bool {
	st := s.State()
	return st == Uninitialized || st == Initializing
}

// Cache returns the live cache. Its accessors are safe for concurrent use.
func (s *Scanner) Cache() *cache.Cache { return s.cache }

// RootFor returns the library root containing path.
func (s *Scanner) RootFor(path string) (string, bool) {
	path = models.NormalizePath(path)
	best := ""
	for _, r := range s.roots {
		prefix := strings.TrimSuffix(r, "/") + "/"
		if strings.HasPrefix(path, prefix) && len(r) > len(best) {
			best = r
		}
	}
	return best, best != ""
}

// HasHash reports whether any cached model has the given content hash.
func (s *Scanner) HasHash(sha256 string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.HasHash(sha256)
}

// GetPathByHash returns the canonical path for a content hash.
func (s *Scanner) GetPathByHash(sha256 string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.GetPath(sha256)
}

// GetHashByPath returns the content hash of a cached model.
func (s *Scanner) GetHashByPath(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.GetHash(path)
}

// GetHashByFilename returns the hash registered for a base file name.
func (s *Scanner) GetHashByFilename(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.GetHashByFilename(name)
}

// DuplicateHashes returns hashes claimed by more than one path.
func (s *Scanner) DuplicateHashes() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.DuplicateHashes()
}

// DuplicateFilenames returns base names shared by models with different hashes.
func (s *Scanner) DuplicateFilenames() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.DuplicateFilenames()
}

// ExcludedPaths returns the sorted paths of excluded models.
func (s *Scanner) ExcludedPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.excluded))
	for p := range s.excluded {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TagCount is one row of the tag frequency table.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// TopTags returns tags by descending frequency. A limit of 0 returns all.
func (s *Scanner) TopTags(limit int) []TagCount {
	s.mu.Lock()
	out := make([]TagCount, 0, len(s.tagCounts))
	for tag, n := range s.tagCounts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats is a point-in-time summary for status reporting.
type Stats struct {
	ModelType  string    `json:"model_type"`
	State      string    `json:"state"`
	Records    int       `json:"records"`
	Hashes     int       `json:"hashes"`
	Duplicates int       `json:"duplicates"`
	Excluded   int       `json:"excluded"`
	Folders    int       `json:"folders"`
	Generation uint64    `json:"generation"`
	LastPass   time.Time `json:"last_pass,omitempty"`
}

// Stats summarizes the scanner.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ModelType:  string(s.modelType),
		State:      s.State().String(),
		Records:    s.cache.Len(),
		Hashes:     s.index.Len(),
		Duplicates: len(s.index.DuplicateHashes()),
		Excluded:   len(s.excluded),
	}
	s.mu.Unlock()
	st.Folders = len(s.cache.Folders())
	st.Generation = s.cache.Generation()
	if n := s.lastPassAt.Load(); n > 0 {
		st.LastPass = time.Unix(0, n)
	}
	return st
}

// addLocked inserts rec into the cache, index and tag counts. It reports
// false when the path is already cached.
func (s *Scanner) addLocked(rec *models.ModelRecord) bool {
	if !s.cache.Append(rec) {
		return false
	}
	if rec.SHA256 != "" {
		s.index.AddEntry(rec.SHA256, rec.FilePath)
	}
	for _, t := range rec.Tags {
		s.tagCounts[t]++
	}
	delete(s.excluded, rec.FilePath)
	return true
}

// removeLocked drops path from the cache, index and tag counts.
func (s *Scanner) removeLocked(path string) bool {
	rec, ok := s.cache.Remove(path)
	if !ok {
		return false
	}
	for _, t := range rec.Tags {
		if s.tagCounts[t] <= 1 {
			delete(s.tagCounts, t)
		} else {
			s.tagCounts[t]--
		}
	}
	s.index.RemoveByPath(path)
	return true
}

// updateGaugesLocked refreshes the cache size metrics.
func (s *Scanner) updateGaugesLocked() {
	mt := string(s.modelType)
	metrics.CacheRecords.WithLabelValues(mt).Set(float64(s.cache.Len()))
	metrics.DuplicateHashes.WithLabelValues(mt).Set(float64(len(s.index.DuplicateHashes())))
}

func countTags(records []*models.ModelRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		for _, t := range r.Tags {
			counts[t]++
		}
	}
	return counts
}
