// Package watcher turns filesystem notifications into cache updates.
//
// Events from fsnotify are translated on the event goroutine into Change
// values and pushed onto a bounded channel. A single consumer goroutine
// applies them to the owning library through its Sink, so the event
// goroutine never touches scanner state.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/metrics"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/walker"
)

// Defaults used when Options leave a field zero.
const (
	DefaultDebounce      = 2 * time.Second
	DefaultCreateWindow  = 5 * time.Second
	DefaultIgnoreTimeout = 30 * time.Second
	DefaultBuffer        = 1024

	maxIgnoreTimeout     = 15 * time.Minute
	ignoreBytesPerSecond = 50 << 20
)

// Kind says what a Change asks the library to do.
type Kind int

const (
	ChangeAdd Kind = iota
	ChangeRefresh
	ChangeRemove
	ChangeRemoveDir
)

func (k Kind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeRefresh:
		return "refresh"
	case ChangeRemove:
		return "remove"
	case ChangeRemoveDir:
		return "remove_dir"
	}
	return "unknown"
}

// Change is an immutable instruction derived from one or more events. Path
// is the logical, normalized path below a library root.
type Change struct {
	Kind Kind
	Path string
}

// Sink receives changes for one library. *scanner.Scanner implements it.
type Sink interface {
	AddModel(ctx context.Context, path string) (bool, error)
	RemoveModel(path string) bool
	RefreshModel(ctx context.Context, path string) error
	RemoveModelsUnder(dir string) int
}

// Target is one library the watcher serves.
type Target struct {
	Name       string
	Roots      []string
	Extensions []string
	Sink       Sink
}

// Options tunes event handling.
type Options struct {
	// Debounce is the quiet period after the last write before a file is
	// refreshed.
	Debounce time.Duration

	// CreateWindow is how long writes to a freshly created file are dropped.
	CreateWindow time.Duration

	// IgnoreTimeout is the base lifetime of an ignore-set entry.
	IgnoreTimeout time.Duration

	// Buffer is the capacity of the change channel.
	Buffer int
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.CreateWindow <= 0 {
		o.CreateWindow = DefaultCreateWindow
	}
	if o.IgnoreTimeout <= 0 {
		o.IgnoreTimeout = DefaultIgnoreTimeout
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
}

// Watcher bridges fsnotify into library updates.
type Watcher struct {
	opts Options
	fs   *fsnotify.Watcher

	targetsMu sync.RWMutex
	targets   []Target

	mu      sync.Mutex
	dirs    map[string]string // real directory -> logical path
	logical map[string]string // logical directory -> real path
	ignore  map[string]*time.Timer
	timers  map[string]*time.Timer
	created map[string]time.Time

	changes   chan Change
	done      chan struct{}
	stopped   <-chan struct{} // ctx.Done() of Start
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a watcher subscribed to every directory of targets. Call
// Start to begin processing.
func New(targets []Target, opts Options) (*Watcher, error) {
	opts.setDefaults()
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		opts:    opts,
		fs:      fw,
		dirs:    make(map[string]string),
		logical: make(map[string]string),
		ignore:  make(map[string]*time.Timer),
		timers:  make(map[string]*time.Timer),
		created: make(map[string]time.Time),
		changes: make(chan Change, opts.Buffer),
		done:    make(chan struct{}),
	}
	for _, t := range targets {
		w.AddTarget(t)
	}
	return w, nil
}

// AddTarget registers another library and watches its directories.
func (w *Watcher) AddTarget(t Target) {
	norm := make([]string, 0, len(t.Roots))
	for _, r := range t.Roots {
		if r = models.NormalizePath(r); r != "" {
			norm = append(norm, r)
		}
	}
	t.Roots = norm

	w.targetsMu.Lock()
	w.targets = append(w.targets, t)
	w.targetsMu.Unlock()

	n := w.watchTree(walker.Directories(t.Roots))
	logging.Info("Watching library",
		logging.String("library", t.Name),
		logging.Int("roots", len(t.Roots)),
		logging.Int("directories", n),
	)
}

// watchTree subscribes to every real directory of res and returns how many
// were newly added.
func (w *Watcher) watchTree(res *walker.Result) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	added := 0
	for real, logical := range res.Dirs {
		real = filepath.Clean(real)
		if _, ok := w.dirs[real]; ok {
			continue
		}
		if err := w.fs.Add(real); err != nil {
			logging.Warn("Failed to watch directory", logging.Path(logical), logging.Err(err))
			continue
		}
		w.dirs[real] = logical
		w.logical[logical] = real
		added++
	}
	metrics.WatchedDirectories.Set(float64(len(w.dirs)))
	return added
}

// unwatchTree drops every watched directory at or below the logical dir.
func (w *Watcher) unwatchTree(dir string) {
	prefix := dir + "/"
	w.mu.Lock()
	defer w.mu.Unlock()
	for logical, real := range w.logical {
		if logical != dir && !strings.HasPrefix(logical, prefix) {
			continue
		}
		// The kernel drops watches of deleted directories on its own.
		_ = w.fs.Remove(real)
		delete(w.logical, logical)
		delete(w.dirs, real)
	}
	metrics.WatchedDirectories.Set(float64(len(w.dirs)))
}

// Changes exposes the change channel. It is drained by the consumer started
// in Start; callers that do not call Start may read it themselves.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Start launches the event and consumer goroutines. They stop when ctx is
// cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.stopped = ctx.Done()
		w.wg.Add(2)
		go w.eventLoop(ctx)
		go w.consume(ctx)
	})
}

// Close stops the goroutines, pending timers and the fsnotify watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()

		w.mu.Lock()
		for p, t := range w.timers {
			t.Stop()
			delete(w.timers, p)
		}
		for p, t := range w.ignore {
			t.Stop()
			delete(w.ignore, p)
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Warn("Watcher error", logging.Err(err))
		}
	}
}

func (w *Watcher) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case c := <-w.changes:
			w.apply(ctx, c)
		}
	}
}

// apply hands one change to the library that owns its path.
func (w *Watcher) apply(ctx context.Context, c Change) {
	if c.Kind == ChangeRemoveDir {
		w.targetsMu.RLock()
		targets := append([]Target(nil), w.targets...)
		w.targetsMu.RUnlock()
		for _, t := range targets {
			t.Sink.RemoveModelsUnder(c.Path)
		}
		return
	}

	t, ok := w.route(c.Path)
	if !ok {
		metrics.WatcherSuppressed.WithLabelValues("unrouted").Inc()
		return
	}

	var err error
	switch c.Kind {
	case ChangeAdd:
		_, err = t.Sink.AddModel(ctx, c.Path)
	case ChangeRefresh:
		err = t.Sink.RefreshModel(ctx, c.Path)
	case ChangeRemove:
		t.Sink.RemoveModel(c.Path)
	}
	if err != nil {
		logging.Warn("Failed to apply file change",
			logging.Path(c.Path),
			logging.String("library", t.Name),
			logging.String("change", c.Kind.String()),
			logging.Err(err),
		)
	}
}

// route picks the target with the longest root containing path whose
// extensions include the file's.
func (w *Watcher) route(path string) (Target, bool) {
	w.targetsMu.RLock()
	defer w.targetsMu.RUnlock()

	var best Target
	bestLen := -1
	for _, t := range w.targets {
		if !models.HasExtension(path, t.Extensions) {
			continue
		}
		for _, r := range t.Roots {
			if strings.HasPrefix(path, strings.TrimSuffix(r, "/")+"/") && len(r) > bestLen {
				best, bestLen = t, len(r)
			}
		}
	}
	return best, bestLen >= 0
}

// isModel reports whether any target recognizes the extension of path.
func (w *Watcher) isModel(path string) bool {
	w.targetsMu.RLock()
	defer w.targetsMu.RUnlock()
	for _, t := range w.targets {
		if models.HasExtension(path, t.Extensions) {
			return true
		}
	}
	return false
}

func (w *Watcher) extensions() []string {
	w.targetsMu.RLock()
	defer w.targetsMu.RUnlock()
	var out []string
	for _, t := range w.targets {
		out = append(out, t.Extensions...)
	}
	return out
}

func (w *Watcher) emit(c Change) {
	select {
	case w.changes <- c:
		metrics.WatcherChanges.WithLabelValues(c.Kind.String()).Inc()
	case <-w.done:
	case <-w.stopped:
	}
}

// IgnoreTimeout is how long an ignore entry for a file of expectedSize
// lives: the base plus one second per 50 MiB, capped at 15 minutes.
func IgnoreTimeout(base time.Duration, expectedSize int64) time.Duration {
	d := base
	if expectedSize > 0 {
		d += time.Duration(expectedSize/ignoreBytesPerSecond) * time.Second
	}
	if d > maxIgnoreTimeout {
		d = maxIgnoreTimeout
	}
	return d
}

// AddIgnorePath suppresses events for path until the entry expires. Call it
// before writing or moving a file the cache already accounts for.
func (w *Watcher) AddIgnorePath(path string, expectedSize int64) {
	key := realPath(path)
	timeout := IgnoreTimeout(w.opts.IgnoreTimeout, expectedSize)

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.ignore[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		if w.ignore[key] == timer {
			delete(w.ignore, key)
		}
		w.mu.Unlock()
	})
	w.ignore[key] = timer
	logging.Debug("Ignoring path", logging.Path(path), logging.Duration("timeout", timeout))
}

// IsIgnored reports whether events for path are currently suppressed.
func (w *Watcher) IsIgnored(path string) bool {
	key := realPath(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ignore[key]
	return ok
}

// realPath resolves the directory of path so the key matches the real
// directory names fsnotify reports. The file itself may not exist yet.
func realPath(path string) string {
	path = filepath.Clean(path)
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return path
	}
	return filepath.Join(dir, filepath.Base(path))
}

func opName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	case op&fsnotify.Chmod != 0:
		return "chmod"
	}
	return "unknown"
}

// handleEvent translates one fsnotify event. It runs on the event goroutine.
func (w *Watcher) handleEvent(ev fsnotify.Event) {
	metrics.WatcherEvents.WithLabelValues(opName(ev.Op)).Inc()
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		metrics.WatcherSuppressed.WithLabelValues("hidden").Inc()
		return
	}

	key := filepath.Clean(ev.Name)
	w.mu.Lock()
	_, ignored := w.ignore[key]
	parent, routed := w.dirs[filepath.Dir(key)]
	w.mu.Unlock()
	if ignored {
		metrics.WatcherSuppressed.WithLabelValues("ignored").Inc()
		return
	}
	if !routed {
		metrics.WatcherSuppressed.WithLabelValues("unrouted").Inc()
		return
	}
	logical := parent + "/" + name

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.handleRemove(logical)
	case ev.Op&fsnotify.Create != 0:
		w.handleCreate(key, logical)
	case ev.Op&fsnotify.Write != 0:
		w.handleWrite(logical)
	}
}

func (w *Watcher) handleRemove(logical string) {
	w.mu.Lock()
	_, isDir := w.logical[logical]
	if t, ok := w.timers[logical]; ok {
		t.Stop()
		delete(w.timers, logical)
	}
	delete(w.created, logical)
	w.mu.Unlock()

	if isDir {
		w.unwatchTree(logical)
		w.emit(Change{Kind: ChangeRemoveDir, Path: logical})
		return
	}
	if !w.isModel(logical) {
		metrics.WatcherSuppressed.WithLabelValues("extension").Inc()
		return
	}
	w.emit(Change{Kind: ChangeRemove, Path: logical})
}

func (w *Watcher) handleCreate(real, logical string) {
	if info, err := os.Stat(real); err == nil && info.IsDir() {
		// A directory created or moved in may already hold models.
		res := walker.Walk([]string{logical}, walker.Options{Extensions: w.extensions()})
		w.watchTree(res)
		for _, p := range res.Paths() {
			w.emit(Change{Kind: ChangeAdd, Path: p})
		}
		return
	}
	if !w.isModel(logical) {
		metrics.WatcherSuppressed.WithLabelValues("extension").Inc()
		return
	}

	w.mu.Lock()
	w.created[logical] = time.Now()
	if t, ok := w.timers[logical]; ok {
		t.Stop()
		delete(w.timers, logical)
	}
	w.mu.Unlock()

	w.emit(Change{Kind: ChangeAdd, Path: logical})
}

func (w *Watcher) handleWrite(logical string) {
	if !w.isModel(logical) {
		metrics.WatcherSuppressed.WithLabelValues("extension").Inc()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if at, ok := w.created[logical]; ok {
		if time.Since(at) < w.opts.CreateWindow {
			metrics.WatcherSuppressed.WithLabelValues("create_window").Inc()
			return
		}
		delete(w.created, logical)
	}

	if t, ok := w.timers[logical]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		current := w.timers[logical] == timer
		if current {
			delete(w.timers, logical)
		}
		w.mu.Unlock()
		if current {
			w.emit(Change{Kind: ChangeRefresh, Path: logical})
		}
	})
	w.timers[logical] = timer
}
