// Package hashindex maps content hashes to canonical model paths and keeps
// track of hashes and file names claimed by more than one path.
//
// The index has no locking of its own. Its owner (the scanner) serializes
// every mutation together with the matching cache mutation.
package hashindex

import (
	"sort"
	"strings"

	"github.com/victor/modelvault/internal/models"
)

// Index is a bidirectional hash <-> path map with duplicate bookkeeping.
type Index struct {
	hashToPath         map[string]string
	pathToHash         map[string]string
	filenameToHash     map[string]string
	duplicateHashes    map[string][]string
	duplicateFilenames map[string][]string
}

// State is the serializable form of an Index.
type State struct {
	HashToPath         map[string]string
	PathToHash         map[string]string
	FilenameToHash     map[string]string
	DuplicateHashes    map[string][]string
	DuplicateFilenames map[string][]string
}

// New returns an empty index.
func New() *Index {
	return &Index{
		hashToPath:         make(map[string]string),
		pathToHash:         make(map[string]string),
		filenameToHash:     make(map[string]string),
		duplicateHashes:    make(map[string][]string),
		duplicateFilenames: make(map[string][]string),
	}
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// AddEntry binds hash to path. If the hash already belongs to a different
// path, both paths are tracked as duplicates; the same goes for two paths
// whose base file names collide under different hashes.
func (idx *Index) AddEntry(hash, path string) {
	hash = normalizeHash(hash)
	path = models.NormalizePath(path)
	if hash == "" || path == "" {
		return
	}

	// Re-adding a path under a new hash drops its old binding first.
	if old, ok := idx.pathToHash[path]; ok && old != hash {
		idx.RemoveByPath(path)
	}

	filename := models.BaseName(path)

	if oldPath, ok := idx.hashToPath[hash]; ok && oldPath != path {
		dups := idx.duplicateHashes[hash]
		if len(dups) == 0 {
			dups = []string{oldPath}
		}
		idx.duplicateHashes[hash] = appendUnique(dups, path)
	}

	if oldHash, ok := idx.filenameToHash[filename]; ok && oldHash != hash {
		if oldPath := idx.pathForFilename(filename, oldHash); oldPath != "" && oldPath != path {
			dups := idx.duplicateFilenames[filename]
			if len(dups) == 0 {
				dups = []string{oldPath}
			}
			idx.duplicateFilenames[filename] = appendUnique(dups, path)
		}
	}

	idx.hashToPath[hash] = path
	idx.pathToHash[path] = hash
	idx.filenameToHash[filename] = hash
}

// pathForFilename finds the path currently registered under hash whose base
// name is filename.
func (idx *Index) pathForFilename(filename, hash string) string {
	if p, ok := idx.hashToPath[hash]; ok && models.BaseName(p) == filename {
		return p
	}
	for _, p := range idx.duplicateHashes[hash] {
		if models.BaseName(p) == filename {
			return p
		}
	}
	return ""
}

// RemoveByPath drops every binding of path and prunes duplicate lists that
// would be left with fewer than two entries.
func (idx *Index) RemoveByPath(path string) {
	path = models.NormalizePath(path)
	hash, ok := idx.pathToHash[path]
	if !ok {
		return
	}
	delete(idx.pathToHash, path)

	if dups, ok := idx.duplicateHashes[hash]; ok {
		remaining := without(dups, path)
		if idx.hashToPath[hash] == path && len(remaining) > 0 {
			idx.hashToPath[hash] = remaining[0]
		}
		if len(remaining) <= 1 {
			delete(idx.duplicateHashes, hash)
		} else {
			idx.duplicateHashes[hash] = remaining
		}
	} else if idx.hashToPath[hash] == path {
		delete(idx.hashToPath, hash)
	}

	filename := models.BaseName(path)
	if dups, ok := idx.duplicateFilenames[filename]; ok {
		remaining := without(dups, path)
		if len(remaining) <= 1 {
			delete(idx.duplicateFilenames, filename)
		} else {
			idx.duplicateFilenames[filename] = remaining
		}
		if idx.filenameToHash[filename] == hash && len(remaining) > 0 {
			if h, ok := idx.pathToHash[remaining[len(remaining)-1]]; ok {
				idx.filenameToHash[filename] = h
			}
		}
	}
	if idx.filenameToHash[filename] == hash && !idx.filenameStillClaimed(filename, hash) {
		delete(idx.filenameToHash, filename)
	}
}

func (idx *Index) filenameStillClaimed(filename, hash string) bool {
	return idx.pathForFilename(filename, hash) != ""
}

// HasHash reports whether any path is bound to hash.
func (idx *Index) HasHash(hash string) bool {
	_, ok := idx.hashToPath[normalizeHash(hash)]
	return ok
}

// GetPath returns the canonical path for hash.
func (idx *Index) GetPath(hash string) (string, bool) {
	p, ok := idx.hashToPath[normalizeHash(hash)]
	return p, ok
}

// GetHash returns the hash bound to path.
func (idx *Index) GetHash(path string) (string, bool) {
	h, ok := idx.pathToHash[models.NormalizePath(path)]
	return h, ok
}

// GetHashByFilename looks a hash up by base file name. A trailing extension
// is stripped when the name is not found as given.
func (idx *Index) GetHashByFilename(filename string) (string, bool) {
	if h, ok := idx.filenameToHash[filename]; ok {
		return h, true
	}
	h, ok := idx.filenameToHash[models.BaseName(filename)]
	return h, ok
}

// Len returns the number of distinct hashes.
func (idx *Index) Len() int {
	return len(idx.hashToPath)
}

// DuplicateHashes returns a copy of the hash -> competing paths table.
func (idx *Index) DuplicateHashes() map[string][]string {
	return copyLists(idx.duplicateHashes, true)
}

// DuplicateFilenames returns a copy of the file name -> competing paths table.
func (idx *Index) DuplicateFilenames() map[string][]string {
	return copyLists(idx.duplicateFilenames, true)
}

// State exports the index for persistence.
func (idx *Index) State() State {
	return State{
		HashToPath:         copyMap(idx.hashToPath),
		PathToHash:         copyMap(idx.pathToHash),
		FilenameToHash:     copyMap(idx.filenameToHash),
		DuplicateHashes:    copyLists(idx.duplicateHashes, false),
		DuplicateFilenames: copyLists(idx.duplicateFilenames, false),
	}
}

// FromState rebuilds an index from persisted maps.
func FromState(s State) *Index {
	idx := New()
	for k, v := range s.HashToPath {
		idx.hashToPath[k] = v
	}
	for k, v := range s.PathToHash {
		idx.pathToHash[k] = v
	}
	if len(s.PathToHash) == 0 {
		for h, p := range s.HashToPath {
			idx.pathToHash[p] = h
		}
		for h, paths := range s.DuplicateHashes {
			for _, p := range paths {
				idx.pathToHash[p] = h
			}
		}
	}
	for k, v := range s.FilenameToHash {
		idx.filenameToHash[k] = v
	}
	for k, v := range s.DuplicateHashes {
		if len(v) >= 2 {
			idx.duplicateHashes[k] = append([]string(nil), v...)
		}
	}
	for k, v := range s.DuplicateFilenames {
		if len(v) >= 2 {
			idx.duplicateFilenames[k] = append([]string(nil), v...)
		}
	}
	return idx
}

// Build creates an index from a full record set in one pass.
func Build(records []*models.ModelRecord) *Index {
	idx := New()
	for _, r := range records {
		if r.SHA256 != "" {
			idx.AddEntry(r.SHA256, r.FilePath)
		}
	}
	return idx
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyLists(m map[string][]string, sorted bool) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		l := append([]string(nil), v...)
		if sorted {
			sort.Strings(l)
		}
		out[k] = l
	}
	return out
}
