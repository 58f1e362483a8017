package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/victor/modelvault/internal/hashindex"
	"github.com/victor/modelvault/internal/models"
)

// FormatVersion tags every snapshot. A snapshot written with any other
// version is rejected as a whole.
const FormatVersion = 3

var (
	ErrNoSnapshot        = errors.New("no snapshot stored")
	ErrVersionMismatch   = errors.New("snapshot format version mismatch")
	ErrModelTypeMismatch = errors.New("snapshot model type mismatch")
	ErrSnapshotLocked    = errors.New("snapshot is locked by another process")
)

// LockTimeout bounds how long a snapshot read or write waits for the file lock.
var LockTimeout = 5 * time.Second

// Snapshot is the persisted state of one scanner.
type Snapshot struct {
	FormatVersion int
	ModelType     string
	CapturedAt    time.Time
	Records       []*models.ModelRecord
	Index         hashindex.State
	TagCounts     map[string]int
	Excluded      []string
	DirMtimes     map[string]int64
}

// Info summarizes a stored snapshot without loading its records.
type Info struct {
	Path          string
	FormatVersion int
	ModelType     string
	CapturedAt    time.Time
	Records       int
	Hashes        int
	Duplicates    int
	Excluded      int
	FileSize      int64
}

type DB struct {
	conn *sql.DB
	path string

	// mu serializes snapshot operations within the process; lock does the
	// same across processes.
	mu   sync.Mutex
	lock *flock.Flock
}

// SnapshotPath returns the snapshot file used for modelType inside dir.
func SnapshotPath(dir, modelType string) string {
	return filepath.Join(dir, modelType+".db")
}

// NewDB opens (or creates) the snapshot file at dbPath
func NewDB(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: dbPath, lock: flock.New(dbPath + ".lock")}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the snapshot file path.
func (db *DB) Path() string {
	return db.path
}

// initSchema only creates the metadata table. Data tables are recreated on
// every save so their layout always matches FormatVersion.
func (db *DB) initSchema() error {
	_, err := db.conn.Exec(`
	CREATE TABLE IF NOT EXISTS snapshot_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`)
	return err
}

const dataSchema = `
	DROP TABLE IF EXISTS records;
	DROP TABLE IF EXISTS hash_to_path;
	DROP TABLE IF EXISTS path_to_hash;
	DROP TABLE IF EXISTS filename_to_hash;
	DROP TABLE IF EXISTS duplicate_hashes;
	DROP TABLE IF EXISTS duplicate_filenames;
	DROP TABLE IF EXISTS tag_counts;
	DROP TABLE IF EXISTS excluded_paths;
	DROP TABLE IF EXISTS dir_mtimes;

	CREATE TABLE records (
		position INTEGER NOT NULL,
		file_path TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		model_name TEXT NOT NULL,
		size INTEGER NOT NULL,
		modified INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		folder TEXT NOT NULL,
		base_model TEXT NOT NULL,
		tags TEXT NOT NULL,
		description TEXT NOT NULL,
		preview_url TEXT NOT NULL,
		preview_nsfw_level INTEGER NOT NULL,
		remote_metadata BLOB,
		exclude INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE hash_to_path (hash TEXT PRIMARY KEY, path TEXT NOT NULL);
	CREATE TABLE path_to_hash (path TEXT PRIMARY KEY, hash TEXT NOT NULL);
	CREATE TABLE filename_to_hash (filename TEXT PRIMARY KEY, hash TEXT NOT NULL);
	CREATE TABLE duplicate_hashes (
		hash TEXT NOT NULL,
		position INTEGER NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY (hash, position)
	);
	CREATE TABLE duplicate_filenames (
		filename TEXT NOT NULL,
		position INTEGER NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY (filename, position)
	);
	CREATE TABLE tag_counts (tag TEXT PRIMARY KEY, count INTEGER NOT NULL);
	CREATE TABLE excluded_paths (path TEXT PRIMARY KEY);
	CREATE TABLE dir_mtimes (dir TEXT PRIMARY KEY, mtime INTEGER NOT NULL);
	`

// acquire takes the snapshot file lock, shared for reads and exclusive for
// writes, retrying until LockTimeout.
func (db *DB) acquire(exclusive bool) (func(), error) {
	db.mu.Lock()
	deadline := time.Now().Add(LockTimeout)
	for {
		var locked bool
		var err error
		if exclusive {
			locked, err = db.lock.TryLock()
		} else {
			locked, err = db.lock.TryRLock()
		}
		if err != nil {
			db.mu.Unlock()
			return func() {}, fmt.Errorf("cannot acquire snapshot lock: %w", err)
		}
		if locked {
			return func() {
				_ = db.lock.Unlock()
				db.mu.Unlock()
			}, nil
		}
		if time.Now().After(deadline) {
			db.mu.Unlock()
			return func() {}, fmt.Errorf("%w (lock: %s)", ErrSnapshotLocked, db.lock.Path())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// SaveSnapshot replaces the stored snapshot with s in a single transaction.
func (db *DB) SaveSnapshot(s *Snapshot) error {
	release, err := db.acquire(true)
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(dataSchema); err != nil {
		return fmt.Errorf("failed to reset snapshot tables: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM snapshot_meta`); err != nil {
		return fmt.Errorf("failed to clear snapshot meta: %w", err)
	}

	if err := insertRecords(tx, s.Records); err != nil {
		return err
	}
	if err := insertPairs(tx, `INSERT INTO hash_to_path (hash, path) VALUES (?, ?)`, s.Index.HashToPath); err != nil {
		return err
	}
	if err := insertPairs(tx, `INSERT INTO path_to_hash (path, hash) VALUES (?, ?)`, s.Index.PathToHash); err != nil {
		return err
	}
	if err := insertPairs(tx, `INSERT INTO filename_to_hash (filename, hash) VALUES (?, ?)`, s.Index.FilenameToHash); err != nil {
		return err
	}
	if err := insertLists(tx, `INSERT INTO duplicate_hashes (hash, position, path) VALUES (?, ?, ?)`, s.Index.DuplicateHashes); err != nil {
		return err
	}
	if err := insertLists(tx, `INSERT INTO duplicate_filenames (filename, position, path) VALUES (?, ?, ?)`, s.Index.DuplicateFilenames); err != nil {
		return err
	}

	tagStmt, err := tx.Prepare(`INSERT INTO tag_counts (tag, count) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer tagStmt.Close()
	for tag, count := range s.TagCounts {
		if _, err := tagStmt.Exec(tag, count); err != nil {
			return fmt.Errorf("failed to insert tag %s: %w", tag, err)
		}
	}

	exclStmt, err := tx.Prepare(`INSERT OR IGNORE INTO excluded_paths (path) VALUES (?)`)
	if err != nil {
		return err
	}
	defer exclStmt.Close()
	for _, p := range s.Excluded {
		if _, err := exclStmt.Exec(p); err != nil {
			return fmt.Errorf("failed to insert excluded path %s: %w", p, err)
		}
	}

	dirStmt, err := tx.Prepare(`INSERT INTO dir_mtimes (dir, mtime) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer dirStmt.Close()
	for dir, mtime := range s.DirMtimes {
		if _, err := dirStmt.Exec(dir, mtime); err != nil {
			return fmt.Errorf("failed to insert dir mtime %s: %w", dir, err)
		}
	}

	captured := s.CapturedAt
	if captured.IsZero() {
		captured = time.Now()
	}
	meta := map[string]string{
		"format_version": strconv.Itoa(FormatVersion),
		"model_type":     s.ModelType,
		"captured_at":    strconv.FormatInt(captured.UnixNano(), 10),
	}
	if err := insertPairs(tx, `INSERT INTO snapshot_meta (key, value) VALUES (?, ?)`, meta); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func insertRecords(tx *sql.Tx, records []*models.ModelRecord) error {
	stmt, err := tx.Prepare(`
	INSERT INTO records (position, file_path, file_name, model_name, size, modified, sha256, folder,
		base_model, tags, description, preview_url, preview_nsfw_level, remote_metadata, exclude)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags for %s: %w", r.FilePath, err)
		}
		var remote interface{}
		if r.RemoteMetadata != nil {
			remote = []byte(r.RemoteMetadata)
		}
		_, err = stmt.Exec(i, r.FilePath, r.FileName, r.ModelName, r.Size, r.Modified.UnixNano(), r.SHA256,
			r.Folder, r.BaseModel, string(tags), r.Description, r.PreviewURL, r.PreviewNSFWLevel, remote, r.Exclude)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.FilePath, err)
		}
	}
	return nil
}

func insertPairs(tx *sql.Tx, query string, m map[string]string) error {
	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, v := range m {
		if _, err := stmt.Exec(k, v); err != nil {
			return fmt.Errorf("failed to insert %s: %w", k, err)
		}
	}
	return nil
}

func insertLists(tx *sql.Tx, query string, m map[string][]string) error {
	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for k, list := range m {
		for i, v := range list {
			if _, err := stmt.Exec(k, i, v); err != nil {
				return fmt.Errorf("failed to insert %s: %w", k, err)
			}
		}
	}
	return nil
}

func (db *DB) readMeta() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT key, value FROM snapshot_meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// checkHeader validates the meta table and returns the parsed version,
// model type and capture time.
func checkHeader(meta map[string]string, modelType string) (int, time.Time, error) {
	raw, ok := meta["format_version"]
	if !ok {
		return 0, time.Time{}, ErrNoSnapshot
	}
	version, err := strconv.Atoi(raw)
	if err != nil || version != FormatVersion {
		return version, time.Time{}, fmt.Errorf("%w: stored %q, want %d", ErrVersionMismatch, raw, FormatVersion)
	}
	if modelType != "" && meta["model_type"] != modelType {
		return version, time.Time{}, fmt.Errorf("%w: stored %q, want %q", ErrModelTypeMismatch, meta["model_type"], modelType)
	}
	var captured time.Time
	if n, err := strconv.ParseInt(meta["captured_at"], 10, 64); err == nil {
		captured = time.Unix(0, n)
	}
	return version, captured, nil
}

// LoadSnapshot reads the stored snapshot. It fails with ErrNoSnapshot when
// nothing was saved yet, and with ErrVersionMismatch or ErrModelTypeMismatch
// when the stored header does not match exactly.
func (db *DB) LoadSnapshot(modelType string) (*Snapshot, error) {
	release, err := db.acquire(false)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err := db.readMeta()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot meta: %w", err)
	}
	version, captured, err := checkHeader(meta, modelType)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		FormatVersion: version,
		ModelType:     meta["model_type"],
		CapturedAt:    captured,
		TagCounts:     make(map[string]int),
		DirMtimes:     make(map[string]int64),
	}

	if s.Records, err = db.loadRecords(); err != nil {
		return nil, err
	}
	if s.Index.HashToPath, err = db.loadPairs(`SELECT hash, path FROM hash_to_path`); err != nil {
		return nil, err
	}
	if s.Index.PathToHash, err = db.loadPairs(`SELECT path, hash FROM path_to_hash`); err != nil {
		return nil, err
	}
	if s.Index.FilenameToHash, err = db.loadPairs(`SELECT filename, hash FROM filename_to_hash`); err != nil {
		return nil, err
	}
	if s.Index.DuplicateHashes, err = db.loadLists(`SELECT hash, path FROM duplicate_hashes ORDER BY hash, position`); err != nil {
		return nil, err
	}
	if s.Index.DuplicateFilenames, err = db.loadLists(`SELECT filename, path FROM duplicate_filenames ORDER BY filename, position`); err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(`SELECT tag, count FROM tag_counts`)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag counts: %w", err)
	}
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			rows.Close()
			return nil, err
		}
		s.TagCounts[tag] = count
	}
	rows.Close()

	rows, err = db.conn.Query(`SELECT path FROM excluded_paths ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("failed to read excluded paths: %w", err)
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		s.Excluded = append(s.Excluded, p)
	}
	rows.Close()

	rows, err = db.conn.Query(`SELECT dir, mtime FROM dir_mtimes`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dir mtimes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dir string
		var mtime int64
		if err := rows.Scan(&dir, &mtime); err != nil {
			return nil, err
		}
		s.DirMtimes[dir] = mtime
	}
	return s, rows.Err()
}

func (db *DB) loadRecords() ([]*models.ModelRecord, error) {
	rows, err := db.conn.Query(`
	SELECT file_path, file_name, model_name, size, modified, sha256, folder, base_model,
		tags, description, preview_url, preview_nsfw_level, remote_metadata, exclude
	FROM records
	ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	defer rows.Close()

	var records []*models.ModelRecord
	for rows.Next() {
		r := &models.ModelRecord{}
		var modified int64
		var tags string
		var remote []byte
		if err := rows.Scan(&r.FilePath, &r.FileName, &r.ModelName, &r.Size, &modified, &r.SHA256,
			&r.Folder, &r.BaseModel, &tags, &r.Description, &r.PreviewURL, &r.PreviewNSFWLevel,
			&remote, &r.Exclude); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Modified = time.Unix(0, modified)
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", r.FilePath, err)
		}
		if remote != nil {
			r.RemoteMetadata = remote
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) loadPairs(query string) (map[string]string, error) {
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (db *DB) loadLists(query string) (map[string][]string, error) {
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to read duplicates: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = append(out[k], v)
	}
	return out, rows.Err()
}

// GetInfo reports the snapshot header and table sizes. The version is
// reported even when it does not match FormatVersion.
func (db *DB) GetInfo() (*Info, error) {
	meta, err := db.readMeta()
	if err != nil {
		return nil, err
	}
	if _, ok := meta["format_version"]; !ok {
		return nil, ErrNoSnapshot
	}

	info := &Info{Path: db.path, ModelType: meta["model_type"]}
	info.FormatVersion, _ = strconv.Atoi(meta["format_version"])
	if n, err := strconv.ParseInt(meta["captured_at"], 10, 64); err == nil {
		info.CapturedAt = time.Unix(0, n)
	}
	if st, err := os.Stat(db.path); err == nil {
		info.FileSize = st.Size()
	}
	if info.FormatVersion != FormatVersion {
		return info, nil
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM records`, &info.Records},
		{`SELECT COUNT(*) FROM hash_to_path`, &info.Hashes},
		{`SELECT COUNT(DISTINCT hash) FROM duplicate_hashes`, &info.Duplicates},
		{`SELECT COUNT(*) FROM excluded_paths`, &info.Excluded},
	}
	for _, c := range counts {
		if err := db.conn.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count: %w", err)
		}
	}
	return info, nil
}

// WriteHeader overwrites the stored header fields. It exists for tooling
// that needs to invalidate a snapshot without deleting the file.
func (db *DB) WriteHeader(version int, modelType string) error {
	release, err := db.acquire(true)
	if err != nil {
		return err
	}
	defer release()

	_, err = db.conn.Exec(`INSERT OR REPLACE INTO snapshot_meta (key, value) VALUES ('format_version', ?), ('model_type', ?)`,
		strconv.Itoa(version), modelType)
	return err
}
