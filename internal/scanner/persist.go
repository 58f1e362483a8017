package scanner

import (
	"sort"
	"time"

	"github.com/victor/modelvault/internal/database"
	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/metrics"
)

// snapshotLocked captures the current state. Callers hold s.mu.
func (s *Scanner) snapshotLocked() *database.Snapshot {
	excluded := make([]string, 0, len(s.excluded))
	for p := range s.excluded {
		excluded = append(excluded, p)
	}
	sort.Strings(excluded)

	tags := make(map[string]int, len(s.tagCounts))
	for k, v := range s.tagCounts {
		tags[k] = v
	}
	dirs := make(map[string]int64, len(s.dirMtimes))
	for k, v := range s.dirMtimes {
		dirs[k] = v
	}

	return &database.Snapshot{
		ModelType:  string(s.modelType),
		CapturedAt: time.Now(),
		Records:    s.cache.RawData(),
		Index:      s.index.State(),
		TagCounts:  tags,
		Excluded:   excluded,
		DirMtimes:  dirs,
	}
}

// SaveSnapshot writes the current state to the store right away. It is a
// no-op without a store and while the first load is still running, since a
// partial cache must never become a warm-start source.
func (s *Scanner) SaveSnapshot() error {
	if s.IsInitializing() {
		return nil
	}
	return s.save()
}

func (s *Scanner) save() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	s.dirty.Store(false)
	if s.cache.Stale() {
		s.cache.Resort()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	mt := string(s.modelType)
	start := time.Now()
	if err := s.store.SaveSnapshot(snap); err != nil {
		s.dirty.Store(true)
		metrics.SnapshotSaveErrors.WithLabelValues(mt).Inc()
		return err
	}
	metrics.SnapshotSaveDuration.WithLabelValues(mt).Observe(time.Since(start).Seconds())
	logging.Debug("Saved snapshot",
		logging.ModelType(mt),
		logging.Int("records", len(snap.Records)),
		logging.Duration("duration", time.Since(start)),
	)
	return nil
}

// persist saves and only logs failures; a scanner without a snapshot is
// slower to start but still correct.
func (s *Scanner) persist() {
	s.cancelScheduledSave()
	if err := s.save(); err != nil {
		logging.Warn("Failed to save snapshot", logging.ModelType(string(s.modelType)), logging.Err(err))
	}
}

// ScheduleSave coalesces snapshot writes: the first call arms a timer and
// later calls before it fires are absorbed.
func (s *Scanner) ScheduleSave() {
	if s.store == nil {
		return
	}
	s.dirty.Store(true)
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDelay, func() {
		s.saveMu.Lock()
		s.saveTimer = nil
		s.saveMu.Unlock()
		if err := s.SaveSnapshot(); err != nil {
			logging.Warn("Failed to save snapshot", logging.ModelType(string(s.modelType)), logging.Err(err))
		}
	})
}

// SavePending reports whether a coalesced save is armed.
func (s *Scanner) SavePending() bool {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.saveTimer != nil
}

func (s *Scanner) cancelScheduledSave() bool {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.saveTimer == nil {
		return false
	}
	stopped := s.saveTimer.Stop()
	s.saveTimer = nil
	return stopped
}

// Close cancels a pending coalesced save and writes a final snapshot when
// the cache holds unsaved changes.
func (s *Scanner) Close() error {
	s.cancelScheduledSave()
	if s.State() != Ready || !s.dirty.Load() {
		return nil
	}
	return s.save()
}
