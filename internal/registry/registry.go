// Package registry wires scanners, their snapshot stores and the watcher
// together. One Registry is built at startup and handed to whatever needs a
// scanner; scanners are constructed on first use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/victor/modelvault/internal/config"
	"github.com/victor/modelvault/internal/database"
	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/metadata"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/progress"
	"github.com/victor/modelvault/internal/reconcile"
	"github.com/victor/modelvault/internal/scanner"
	"github.com/victor/modelvault/internal/watcher"
)

var ErrUnknownModelType = errors.New("unknown model type")

// Options carries optional collaborators.
type Options struct {
	Progress *progress.Broadcaster
	Remote   metadata.RemoteProvider

	// NoSnapshots disables persistence, e.g. for one-off CLI queries.
	NoSnapshots bool
}

type Registry struct {
	cfg  *config.Config
	opts Options

	mu       sync.Mutex
	scanners map[models.ModelType]*scanner.Scanner
	stores   map[models.ModelType]*database.DB
	watcher  *watcher.Watcher
}

func New(cfg *config.Config, opts Options) *Registry {
	if opts.Progress == nil {
		opts.Progress = progress.NewBroadcaster()
	}
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		scanners: make(map[models.ModelType]*scanner.Scanner),
		stores:   make(map[models.ModelType]*database.DB),
	}
}

// Config returns the configuration the registry was built from.
func (r *Registry) Config() *config.Config { return r.cfg }

// Progress returns the broadcaster all scanners report to.
func (r *Registry) Progress() *progress.Broadcaster { return r.opts.Progress }

// ModelTypes returns the configured model types.
func (r *Registry) ModelTypes() []models.ModelType {
	names := r.cfg.ModelTypes()
	out := make([]models.ModelType, len(names))
	for i, n := range names {
		out[i] = models.ModelType(n)
	}
	return out
}

// Scanner returns the scanner for modelType, constructing it on first use.
func (r *Registry) Scanner(modelType models.ModelType) (*scanner.Scanner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.scanners[modelType]; ok {
		return s, nil
	}
	lib, ok := r.cfg.Library(string(modelType))
	if !ok || !modelType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModelType, modelType)
	}

	var store *database.DB
	if !r.opts.NoSnapshots {
		path := database.SnapshotPath(r.cfg.SnapshotDir, string(modelType))
		db, err := database.NewDB(path)
		if err != nil {
			// Without a store the scanner still works, it just starts cold.
			logging.Warn("Snapshot store unavailable", logging.ModelType(string(modelType)), logging.Path(path), logging.Err(err))
		} else {
			store = db
			r.stores[modelType] = db
		}
	}

	s := scanner.New(scanner.Options{
		ModelType:  modelType,
		Roots:      lib.Roots,
		Extensions: lib.Extensions,
		Store:      store,
		Loader:     &metadata.Loader{ModelType: string(modelType), Remote: r.opts.Remote},
		Progress:   r.opts.Progress,
		Workers:    r.cfg.ScanWorkers,
		Policy:     reconcile.Policy{CaseInsensitive: r.cfg.CaseInsensitivePaths},
		SaveDelay:  r.cfg.Snapshot.SaveDelay,
	})
	r.scanners[modelType] = s

	if r.watcher != nil {
		r.watcher.AddTarget(targetFor(s))
	}
	return s, nil
}

// All returns a scanner for every configured model type.
func (r *Registry) All() ([]*scanner.Scanner, error) {
	var out []*scanner.Scanner
	for _, mt := range r.ModelTypes() {
		s, err := r.Scanner(mt)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Store returns the snapshot store of a constructed scanner.
func (r *Registry) Store(modelType models.ModelType) (*database.DB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	db, ok := r.stores[modelType]
	return db, ok
}

func targetFor(s *scanner.Scanner) watcher.Target {
	return watcher.Target{
		Name:       string(s.ModelType()),
		Roots:      s.Roots(),
		Extensions: s.Extensions(),
		Sink:       s,
	}
}

// StartWatcher creates the watcher for every scanner built so far; scanners
// built later are added as they appear. Calling it twice returns the same
// watcher.
func (r *Registry) StartWatcher(ctx context.Context) (*watcher.Watcher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return r.watcher, nil
	}

	mts := make([]string, 0, len(r.scanners))
	for mt := range r.scanners {
		mts = append(mts, string(mt))
	}
	sort.Strings(mts)
	targets := make([]watcher.Target, 0, len(mts))
	for _, mt := range mts {
		targets = append(targets, targetFor(r.scanners[models.ModelType(mt)]))
	}

	wc := r.cfg.Watcher
	w, err := watcher.New(targets, watcher.Options{
		Debounce:      wc.Debounce,
		CreateWindow:  wc.CreateSuppressWindow,
		IgnoreTimeout: wc.IgnoreTimeout,
		Buffer:        wc.EventBuffer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}
	w.Start(ctx)
	r.watcher = w
	return w, nil
}

// Watcher returns the running watcher, or nil.
func (r *Registry) Watcher() *watcher.Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watcher
}

// Close stops the watcher, flushes unsaved scanner state and closes the
// stores.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
		r.watcher = nil
	}
	for mt, s := range r.scanners {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mt, err))
		}
	}
	for mt, db := range r.stores {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mt, err))
		}
	}
	r.scanners = make(map[models.ModelType]*scanner.Scanner)
	r.stores = make(map[models.ModelType]*database.DB)
	return errors.Join(errs...)
}
