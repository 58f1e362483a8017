// Package cache holds the in-memory record set of one model library along
// with its derived name and date orderings and the folder index.
package cache

import (
	"sort"
	"strings"
	"sync"

	"github.com/victor/modelvault/internal/models"
)

// Cache is the authoritative record list plus views derived from it by Resort.
// Mutations mark the views stale until the next Resort.
type Cache struct {
	mu sync.RWMutex

	raw    []*models.ModelRecord
	byPath map[string]*models.ModelRecord

	byName  []*models.ModelRecord
	byDate  []*models.ModelRecord
	folders []string

	generation uint64
	stale      bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{byPath: make(map[string]*models.ModelRecord)}
}

// Replace swaps the whole record set. Later records win on duplicate paths.
func (c *Cache) Replace(records []*models.ModelRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byPath = make(map[string]*models.ModelRecord, len(records))
	c.raw = make([]*models.ModelRecord, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if _, dup := c.byPath[r.FilePath]; dup {
			c.removeLocked(r.FilePath)
		}
		c.byPath[r.FilePath] = r
		c.raw = append(c.raw, r)
	}
	c.stale = true
}

// Append adds rec unless a record with the same path is already present.
func (c *Cache) Append(rec *models.ModelRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byPath[rec.FilePath]; ok {
		return false
	}
	c.byPath[rec.FilePath] = rec
	c.raw = append(c.raw, rec)
	c.stale = true
	return true
}

// Remove drops the record at path and returns it.
func (c *Cache) Remove(path string) (*models.ModelRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(path)
}

func (c *Cache) removeLocked(path string) (*models.ModelRecord, bool) {
	rec, ok := c.byPath[path]
	if !ok {
		return nil, false
	}
	delete(c.byPath, path)
	for i, r := range c.raw {
		if r.FilePath == path {
			c.raw = append(c.raw[:i], c.raw[i+1:]...)
			break
		}
	}
	c.stale = true
	return rec, true
}

// Contains reports whether a record exists for path.
func (c *Cache) Contains(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byPath[path]
	return ok
}

// Get returns a copy of the record at path.
func (c *Cache) Get(path string) (*models.ModelRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byPath[path]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Update applies fn to the record at path in place. It reports whether the
// record was found. Callers that change the name or modification time must
// Resort afterwards.
func (c *Cache) Update(path string, fn func(*models.ModelRecord)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byPath[path]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// UpdatePreviewURL patches the preview of one record. Ordering keys are not
// touched, so no Resort is needed.
func (c *Cache) UpdatePreviewURL(path, url string, nsfwLevel int) bool {
	return c.Update(path, func(r *models.ModelRecord) {
		r.PreviewURL = url
		r.PreviewNSFWLevel = nsfwLevel
	})
}

// Paths returns every cached path in raw order.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.raw))
	for i, r := range c.raw {
		out[i] = r.FilePath
	}
	return out
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.raw)
}

// Resort rebuilds both orderings and the folder index from the raw list.
func (c *Cache) Resort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	byName := append([]*models.ModelRecord(nil), c.raw...)
	sort.SliceStable(byName, func(i, j int) bool {
		a, b := strings.ToLower(byName[i].DisplayName()), strings.ToLower(byName[j].DisplayName())
		if a != b {
			return a < b
		}
		return byName[i].FilePath < byName[j].FilePath
	})

	byDate := append([]*models.ModelRecord(nil), c.raw...)
	sort.SliceStable(byDate, func(i, j int) bool {
		a, b := byDate[i].Modified, byDate[j].Modified
		if !a.Equal(b) {
			return a.After(b)
		}
		return byDate[i].FilePath < byDate[j].FilePath
	})

	seen := make(map[string]struct{})
	folders := make([]string, 0)
	for _, r := range c.raw {
		if _, ok := seen[r.Folder]; ok {
			continue
		}
		seen[r.Folder] = struct{}{}
		folders = append(folders, r.Folder)
	}
	sort.Strings(folders)

	c.byName = byName
	c.byDate = byDate
	c.folders = folders
	c.generation++
	c.stale = false
}

// Generation counts completed Resort calls.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Stale reports whether the raw list changed since the last Resort.
func (c *Cache) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// RawData returns copies of all records in raw order.
func (c *Cache) RawData() []*models.ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.raw)
}

// SortedByName returns copies of the records ordered by display name.
func (c *Cache) SortedByName() []*models.ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.byName)
}

// SortedByDate returns copies of the records, newest first.
func (c *Cache) SortedByDate() []*models.ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.byDate)
}

// Folders returns the sorted distinct folder values.
func (c *Cache) Folders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.folders...)
}

func cloneAll(in []*models.ModelRecord) []*models.ModelRecord {
	out := make([]*models.ModelRecord, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
