// Package session persists the mapping from conversation keys to
// backend session ids, so a restart of the relay resumes agent
// conversations instead of starting cold. Writes are debounced: the
// hot path touches only an in-memory cache, and a short timer batches
// the upserts into one transaction.
package session

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	// flushDelay is how long a dirty record may sit in memory before
	// being written out.
	flushDelay = 500 * time.Millisecond

	// retention is how long an untouched session mapping survives.
	// Backend sessions older than this are not resumable anyway.
	retention = 30 * 24 * time.Hour
)

// Record is one conversation's routing state.
type Record struct {
	Key              string
	BackendSessionID string
	WorkingDir       string
	Project          string
	UpdatedAt        time.Time
}

// Store is the session mapping store. All methods are safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu     sync.Mutex
	cache  map[string]Record
	dirty  map[string]struct{}
	timer  *time.Timer
	closed bool
}

// Open opens (or creates) the store at path, runs migrations, prunes
// stale mappings, and loads the survivors into the cache. Use
// ":memory:" for an in-memory store in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:    db,
		log:   slog.Default().With("component", "session"),
		cache: make(map[string]Record),
		dirty: make(map[string]struct{}),
	}
	if err := s.pruneStale(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadAll(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) pruneStale() error {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.Exec("DELETE FROM sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("prune stale sessions: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("pruned stale session mappings", "count", n)
	}
	return nil
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query("SELECT key, backend_session_id, working_dir, project, updated_at FROM sessions")
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Record
		var updated int64
		if err := rows.Scan(&r.Key, &r.BackendSessionID, &r.WorkingDir, &r.Project, &updated); err != nil {
			return fmt.Errorf("scan session row: %w", err)
		}
		r.UpdatedAt = time.Unix(updated, 0)
		s.cache[r.Key] = r
	}
	return rows.Err()
}

// Get returns the record for key, or a zero record carrying only the
// key when none is stored.
func (s *Store) Get(key string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.cache[key]; ok {
		return r
	}
	return Record{Key: key}
}

// BindSession records the backend session id the conversation should
// resume on its next turn.
func (s *Store) BindSession(key, backendSessionID string) {
	s.update(key, func(r *Record) { r.BackendSessionID = backendSessionID })
}

// SetProject records the active project for the conversation.
func (s *Store) SetProject(key, project string) {
	s.update(key, func(r *Record) { r.Project = project })
}

// SetWorkingDir records the working directory for the conversation.
func (s *Store) SetWorkingDir(key, dir string) {
	s.update(key, func(r *Record) { r.WorkingDir = dir })
}

// Clear drops the backend session binding so the next turn starts a
// fresh agent conversation. Project and working directory survive.
func (s *Store) Clear(key string) {
	s.update(key, func(r *Record) { r.BackendSessionID = "" })
}

func (s *Store) update(key string, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	r := s.cache[key]
	r.Key = key
	fn(&r)
	r.UpdatedAt = time.Now()
	s.cache[key] = r
	s.dirty[key] = struct{}{}
	if s.timer == nil {
		s.timer = time.AfterFunc(flushDelay, s.flushDirty)
	}
}

// flushDirty writes all dirty records in one transaction. Fired by the
// debounce timer; failures are logged and the records stay dirty for
// the next flush.
func (s *Store) flushDirty() {
	s.mu.Lock()
	s.timer = nil
	if len(s.dirty) == 0 || s.closed {
		s.mu.Unlock()
		return
	}
	batch := make([]Record, 0, len(s.dirty))
	for key := range s.dirty {
		batch = append(batch, s.cache[key])
	}
	s.mu.Unlock()

	if err := s.writeBatch(batch); err != nil {
		s.log.Error("session flush failed", "error", err)
		// Keep the records dirty and re-arm the timer so they are not
		// stranded until some unrelated update or Close.
		s.mu.Lock()
		if s.timer == nil && !s.closed {
			s.timer = time.AfterFunc(flushDelay, s.flushDirty)
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	for _, r := range batch {
		// A record touched again since the snapshot stays dirty.
		if s.cache[r.Key].UpdatedAt.Equal(r.UpdatedAt) {
			delete(s.dirty, r.Key)
		}
	}
	if len(s.dirty) > 0 && s.timer == nil && !s.closed {
		s.timer = time.AfterFunc(flushDelay, s.flushDirty)
	}
	s.mu.Unlock()
}

func (s *Store) writeBatch(batch []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO sessions (key, backend_session_id, working_dir, project, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			backend_session_id = excluded.backend_session_id,
			working_dir        = excluded.working_dir,
			project            = excluded.project,
			updated_at         = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.Exec(r.Key, r.BackendSessionID, r.WorkingDir, r.Project, r.UpdatedAt.Unix()); err != nil {
			return fmt.Errorf("upsert session %q: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

// Flush forces any pending writes out. Mainly for shutdown and tests.
func (s *Store) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.flushDirty()
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.Flush()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
