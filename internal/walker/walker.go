// Package walker enumerates model files below a set of library roots.
//
// Symbolic links to directories are followed. Every directory is identified
// by its resolved real path, and a real path is never walked twice, which
// keeps link cycles finite. The walk uses an explicit stack so its depth does
// not depend on the depth of the tree.
package walker

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/models"
)

// File is one model file found during a walk.
type File struct {
	Path    string // Logical, normalized path below Root
	Root    string
	Size    int64
	ModTime int64 // Unix nanoseconds
}

// Result collects everything a walk discovered.
type Result struct {
	Files []File

	// Dirs maps each walked real directory to the logical path it was
	// reached through.
	Dirs map[string]string

	// DirMtimes holds the modification time of each logical directory in
	// Unix nanoseconds.
	DirMtimes map[string]int64

	Errors int
}

// Options controls a walk.
type Options struct {
	Extensions []string
	DirsOnly   bool
	ModelType  string
}

type workItem struct {
	logical string
	real    string
	root    string
}

// Walk visits every root and returns the files whose extension is in
// opts.Extensions. Unreadable entries are logged and counted, never fatal.
func Walk(roots []string, opts Options) *Result {
	res := &Result{
		Dirs:      make(map[string]string),
		DirMtimes: make(map[string]int64),
	}
	visited := make(map[string]bool)

	var stack []workItem
	for i := len(roots) - 1; i >= 0; i-- {
		root := models.NormalizePath(roots[i])
		real, err := filepath.EvalSymlinks(root)
		if err != nil {
			logging.Warn("Library root not accessible", logging.Path(root), logging.ModelType(opts.ModelType), logging.Err(err))
			res.Errors++
			continue
		}
		stack = append(stack, workItem{logical: root, real: real, root: root})
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[item.real] {
			continue
		}
		visited[item.real] = true

		info, err := os.Stat(item.real)
		if err != nil || !info.IsDir() {
			res.Errors++
			continue
		}
		res.Dirs[item.real] = item.logical
		res.DirMtimes[item.logical] = info.ModTime().UnixNano()

		entries, err := os.ReadDir(item.real)
		if err != nil {
			logging.Warn("Failed to read directory", logging.Path(item.logical), logging.ModelType(opts.ModelType), logging.Err(err))
			res.Errors++
			continue
		}

		// Reverse order so the stack pops entries alphabetically.
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			name := entry.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			logical := item.logical + "/" + name
			real := filepath.Join(item.real, name)

			if entry.Type()&os.ModeSymlink != 0 {
				target, err := filepath.EvalSymlinks(real)
				if err != nil {
					logging.Debug("Skipping broken symlink", logging.Path(logical), logging.Err(err))
					res.Errors++
					continue
				}
				tinfo, err := os.Stat(target)
				if err != nil {
					res.Errors++
					continue
				}
				if tinfo.IsDir() {
					stack = append(stack, workItem{logical: logical, real: target, root: item.root})
					continue
				}
				res.addFile(logical, item.root, tinfo, opts)
				continue
			}

			if entry.IsDir() {
				stack = append(stack, workItem{logical: logical, real: real, root: item.root})
				continue
			}

			if opts.DirsOnly || !models.HasExtension(name, opts.Extensions) {
				continue
			}
			finfo, err := entry.Info()
			if err != nil {
				// Vanished between ReadDir and Info.
				res.Errors++
				continue
			}
			res.addFile(logical, item.root, finfo, opts)
		}
	}

	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Path < res.Files[j].Path })
	return res
}

func (r *Result) addFile(logical, root string, info os.FileInfo, opts Options) {
	if opts.DirsOnly || !info.Mode().IsRegular() || !models.HasExtension(logical, opts.Extensions) {
		return
	}
	r.Files = append(r.Files, File{
		Path:    logical,
		Root:    root,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	})
}

// Paths returns the logical paths of all files in the result.
func (r *Result) Paths() []string {
	out := make([]string, len(r.Files))
	for i, f := range r.Files {
		out[i] = f.Path
	}
	return out
}

// Directories walks roots collecting only the directory maps. The watcher
// uses it to find every real directory it has to subscribe to.
func Directories(roots []string) *Result {
	return Walk(roots, Options{DirsOnly: true})
}
