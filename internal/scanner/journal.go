package scanner

import (
	"strings"

	"github.com/victor/modelvault/internal/models"
)

// journal records the paths single-file operations touched while a pass ran
// unlocked. The live state of a touched path is newer than anything the
// pass collected for it.
type journal struct {
	paths map[string]struct{}
	dirs  []string
}

func newJournal() *journal {
	return &journal{paths: make(map[string]struct{})}
}

// touched reports whether path was changed by a single-file operation or
// lies under a directory removed during the pass.
func (j *journal) touched(path string) bool {
	if _, ok := j.paths[path]; ok {
		return true
	}
	for _, prefix := range j.dirs {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// liveEntry is the state of one touched path when the pass finished.
type liveEntry struct {
	path     string
	rec      *models.ModelRecord
	excluded bool
}

// beginPass starts journaling. Only one pass runs at a time.
func (s *Scanner) beginPass() {
	s.mu.Lock()
	s.journal = newJournal()
	s.mu.Unlock()
}

// endPassLocked stops journaling and returns what was recorded.
func (s *Scanner) endPassLocked() *journal {
	j := s.journal
	s.journal = nil
	if j == nil {
		j = newJournal()
	}
	return j
}

// touchLocked marks paths as changed outside the running pass.
func (s *Scanner) touchLocked(paths ...string) {
	if s.journal == nil {
		return
	}
	for _, p := range paths {
		s.journal.paths[p] = struct{}{}
	}
}

// touchDirLocked marks everything below dir as changed outside the pass.
func (s *Scanner) touchDirLocked(dir string) {
	if s.journal == nil {
		return
	}
	s.journal.dirs = append(s.journal.dirs, strings.TrimSuffix(dir, "/")+"/")
}

// liveLocked captures the current state of every journaled path before the
// cache is replaced wholesale.
func (s *Scanner) liveLocked(j *journal) []liveEntry {
	out := make([]liveEntry, 0, len(j.paths))
	for p := range j.paths {
		e := liveEntry{path: p}
		if rec, ok := s.cache.Get(p); ok {
			e.rec = rec
		}
		_, e.excluded = s.excluded[p]
		out = append(out, e)
	}
	return out
}

// replayLocked reapplies journaled changes on top of a freshly installed
// cache. Removed directories are dropped first, then each touched path gets
// its live state back.
func (s *Scanner) replayLocked(j *journal, live []liveEntry) {
	for _, prefix := range j.dirs {
		for _, p := range s.cache.Paths() {
			if strings.HasPrefix(p, prefix) {
				s.removeLocked(p)
			}
		}
		for p := range s.excluded {
			if strings.HasPrefix(p, prefix) {
				delete(s.excluded, p)
			}
		}
	}
	for _, e := range live {
		s.removeLocked(e.path)
		delete(s.excluded, e.path)
		switch {
		case e.rec != nil:
			s.addLocked(e.rec)
		case e.excluded:
			s.excluded[e.path] = struct{}{}
		}
	}
}
