// Package reconcile compares the cached path set of a library with what is
// currently on disk.
package reconcile

import (
	"sort"
	"strings"
)

// Policy decides when two paths name the same file.
type Policy struct {
	// CaseInsensitive treats paths that differ only in letter case as the
	// same file. The cached spelling is kept.
	CaseInsensitive bool
}

// Key returns the comparison key of path under p.
func (p Policy) Key(path string) string {
	if p.CaseInsensitive {
		return strings.ToLower(path)
	}
	return path
}

// Entry is one path with the attributes used to detect in-place changes.
// A negative Size disables change detection for the entry.
type Entry struct {
	Path    string
	Size    int64
	ModTime int64 // Unix nanoseconds
}

// Delta is the difference between the cache and the disk.
type Delta struct {
	Added     []string // on disk, not cached
	Removed   []string // cached, gone from disk
	Changed   []string // cached path whose size or mtime moved
	Unchanged int
}

// Empty reports whether the cache already matches the disk.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff computes the delta between cached and onDisk under p. Result lists
// are sorted.
func Diff(cached, onDisk []Entry, p Policy) Delta {
	cachedMap := make(map[string]Entry, len(cached))
	for _, e := range cached {
		cachedMap[p.Key(e.Path)] = e
	}

	var d Delta
	seen := make(map[string]bool, len(onDisk))
	for _, e := range onDisk {
		k := p.Key(e.Path)
		if seen[k] {
			continue
		}
		seen[k] = true

		existing, ok := cachedMap[k]
		if !ok {
			d.Added = append(d.Added, e.Path)
			continue
		}
		if modified(existing, e) {
			d.Changed = append(d.Changed, existing.Path)
		} else {
			d.Unchanged++
		}
	}

	for k, e := range cachedMap {
		if !seen[k] {
			d.Removed = append(d.Removed, e.Path)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Mtimes are compared at one second resolution; copies across filesystems
// often lose sub-second precision.
func modified(cached, disk Entry) bool {
	if cached.Size < 0 || disk.Size < 0 {
		return false
	}
	if cached.Size != disk.Size {
		return true
	}
	return cached.ModTime/1e9 != disk.ModTime/1e9
}

// Paths wraps bare paths as entries without change detection.
func Paths(paths []string) []Entry {
	out := make([]Entry, len(paths))
	for i, p := range paths {
		out[i] = Entry{Path: p, Size: -1}
	}
	return out
}
