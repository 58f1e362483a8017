// Package server exposes library status, read-only listings and metrics
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/victor/modelvault/internal/cache"
	"github.com/victor/modelvault/internal/logging"
	"github.com/victor/modelvault/internal/models"
	"github.com/victor/modelvault/internal/registry"
	"github.com/victor/modelvault/internal/scanner"
)

const (
	statusHealthy  = "healthy"
	statusStarting = "starting"
)

type Server struct {
	reg     *registry.Registry
	router  *mux.Router
	started time.Time
}

func New(reg *registry.Registry) *Server {
	s := &Server{reg: reg, started: time.Now()}
	s.router = s.setupRouter()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.HealthCheck).Methods("GET")
	r.HandleFunc("/readyz", s.ReadinessCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/libraries", s.ListLibraries).Methods("GET")
	api.HandleFunc("/progress", s.GetProgress).Methods("GET")
	api.HandleFunc("/{type}/models", s.ListModels).Methods("GET")
	api.HandleFunc("/{type}/hash/{sha256}", s.GetByHash).Methods("GET")
	api.HandleFunc("/{type}/folders", s.ListFolders).Methods("GET")
	api.HandleFunc("/{type}/tags", s.ListTags).Methods("GET")
	api.HandleFunc("/{type}/duplicates", s.ListDuplicates).Methods("GET")
	api.HandleFunc("/{type}/refresh", s.TriggerRefresh).Methods("POST")
	api.HandleFunc("/{type}/delete", s.DeleteModels).Methods("POST")
	api.HandleFunc("/{type}/move", s.MoveModel).Methods("POST")

	return r
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status    string            `json:"status"`
	Ready     bool              `json:"ready"`
	Uptime    string            `json:"uptime"`
	Libraries map[string]string `json:"libraries"`
}

func (s *Server) health() HealthResponse {
	resp := HealthResponse{
		Ready:     true,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Libraries: make(map[string]string),
	}
	for _, mt := range s.reg.ModelTypes() {
		sc, err := s.reg.Scanner(mt)
		if err != nil {
			continue
		}
		st := sc.State()
		resp.Libraries[string(mt)] = st.String()
		if st != scanner.Ready && st != scanner.Reconciling {
			resp.Ready = false
		}
	}
	resp.Status = statusHealthy
	if !resp.Ready {
		resp.Status = statusStarting
	}
	return resp
}

// HealthCheck always answers 200 while the process is up.
func (s *Server) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

// ReadinessCheck answers 503 until every library finished loading.
func (s *Server) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	resp := s.health()
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) ListLibraries(w http.ResponseWriter, _ *http.Request) {
	out := []scanner.Stats{}
	for _, mt := range s.reg.ModelTypes() {
		sc, err := s.reg.Scanner(mt)
		if err != nil {
			continue
		}
		out = append(out, sc.Stats())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Progress().Last())
}

// ModelsResponse is a page of models plus the loading state. While the
// library initializes the page reflects whatever is loaded so far.
type ModelsResponse struct {
	cache.Page
	Initializing bool `json:"initializing"`
}

func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	opts := cache.QueryOptions{
		SortBy:     q.Get("sort"),
		Folder:     q.Get("folder"),
		BaseModels: q["base_model"],
		Tags:       q["tag"],
		Search:     q.Get("search"),
	}
	if opts.SortBy == "" {
		opts.SortBy = cache.SortByName
	}
	if opts.SortBy != cache.SortByName && opts.SortBy != cache.SortByDate {
		writeJSONError(w, "sort must be name or date", http.StatusBadRequest)
		return
	}
	var err error
	if opts.Recursive, err = boolParam(q.Get("recursive")); err != nil {
		writeJSONError(w, "invalid recursive", http.StatusBadRequest)
		return
	}
	if opts.Page, err = intParam(q.Get("page"), 1); err != nil {
		writeJSONError(w, "invalid page", http.StatusBadRequest)
		return
	}
	if opts.PageSize, err = intParam(q.Get("page_size"), 20); err != nil {
		writeJSONError(w, "invalid page_size", http.StatusBadRequest)
		return
	}

	c, err := sc.GetCachedData(r.Context(), false, false)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Page:         c.Query(opts),
		Initializing: sc.IsInitializing(),
	})
}

func (s *Server) GetByHash(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	path, ok := sc.GetPathByHash(mux.Vars(r)["sha256"])
	if !ok {
		writeJSONError(w, "hash not found", http.StatusNotFound)
		return
	}
	rec, ok := sc.Cache().Get(path)
	if !ok {
		writeJSONError(w, "hash not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) ListFolders(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sc.Cache().Folders())
}

func (s *Server) ListTags(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeJSONError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sc.TopTags(limit))
}

// DuplicatesResponse groups paths by shared hash and by shared file name.
type DuplicatesResponse struct {
	Hashes    map[string][]string `json:"hashes"`
	Filenames map[string][]string `json:"filenames"`
}

func (s *Server) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, DuplicatesResponse{
		Hashes:    sc.DuplicateHashes(),
		Filenames: sc.DuplicateFilenames(),
	})
}

// RefreshResponse reports a finished pass.
type RefreshResponse struct {
	Kind      string   `json:"kind"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Changed   []string `json:"changed"`
	Unchanged int      `json:"unchanged"`
	Records   int      `json:"records"`
}

// TriggerRefresh starts a reconciliation, or a full rescan with
// rebuild=true. With wait=true the response carries the pass result;
// otherwise it returns 202 immediately.
func (s *Server) TriggerRefresh(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	rebuild, err := boolParam(q.Get("rebuild"))
	if err != nil {
		writeJSONError(w, "invalid rebuild", http.StatusBadRequest)
		return
	}
	wait, err := boolParam(q.Get("wait"))
	if err != nil {
		writeJSONError(w, "invalid wait", http.StatusBadRequest)
		return
	}

	run := func(ctx context.Context) (scanner.PassResult, error) {
		if rebuild {
			return sc.Rebuild(ctx)
		}
		return sc.Refresh(ctx)
	}

	if !wait {
		go func() {
			if _, err := run(context.Background()); err != nil {
				logging.Error("Refresh failed", logging.ModelType(string(sc.ModelType())), logging.Err(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}

	res, err := run(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{
		Kind:      res.Kind,
		Added:     nonNil(res.Delta.Added),
		Removed:   nonNil(res.Delta.Removed),
		Changed:   nonNil(res.Delta.Changed),
		Unchanged: res.Delta.Unchanged,
		Records:   res.Records,
	})
}

// DeleteRequest lists the model files to delete.
type DeleteRequest struct {
	Paths []string `json:"paths"`
}

// DeleteModels removes model files with their sidecars and previews. The
// watcher is told to ignore the paths first so the deletions are not
// processed twice.
func (s *Server) DeleteModels(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	for _, p := range req.Paths {
		s.ignore(sc, p)
	}
	report, err := sc.BulkDeleteModels(r.Context(), req.Paths)
	if err != nil {
		if errors.Is(err, scanner.ErrNoPaths) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// MoveRequest renames one model inside its library.
type MoveRequest struct {
	FilePath   string `json:"file_path"`
	TargetPath string `json:"target_path"`
}

func (s *Server) MoveModel(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.scannerFor(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s.ignore(sc, req.FilePath)
	s.ignore(sc, req.TargetPath)
	rec, err := sc.MoveModel(r.Context(), req.FilePath, req.TargetPath)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, scanner.ErrEmptyPath), errors.Is(err, scanner.ErrOutsideLibrary):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, fs.ErrNotExist):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, fs.ErrExist):
		writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// ignore registers path with the running watcher, sized by the cached
// record when there is one.
func (s *Server) ignore(sc *scanner.Scanner, path string) {
	wt := s.reg.Watcher()
	if wt == nil || path == "" {
		return
	}
	var size int64
	if rec, ok := sc.Cache().Get(models.NormalizePath(path)); ok {
		size = rec.Size
	}
	wt.AddIgnorePath(path, size)
}

// scannerFor resolves the {type} route variable, writing a 404 when no
// library is configured for it.
func (s *Server) scannerFor(w http.ResponseWriter, r *http.Request) (*scanner.Scanner, bool) {
	mt := models.ModelType(mux.Vars(r)["type"])
	sc, err := s.reg.Scanner(mt)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownModelType) {
			writeJSONError(w, err.Error(), http.StatusNotFound)
			return nil, false
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return sc, true
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func boolParam(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// writeJSON encodes v with the given status code. Encoding errors are only
// logged since the header is already sent.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode JSON response", logging.Err(err))
	}
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
