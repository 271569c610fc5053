package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/quarryhq/gristmill/pkg/apperrors"
	"github.com/quarryhq/gristmill/pkg/config"
)

func init() {
	Register(config.BackendSQLite, func(cfg config.CacheConfig, logger *zap.Logger) (Store, error) {
		if logger == nil {
			logger = zap.NewNop()
		}
		store, err := NewSQLite(cfg.Path(defaultDir()), cfg.MaxEntries, logger)
		if err == nil || cfg.Dir == "" {
			return store, err
		}
		// The configured directory is unusable; try the fixed default
		// location before giving up on durability entirely.
		logger.Warn("configured cache path unusable, retrying at default location",
			zap.String("dir", cfg.Dir),
			zap.Error(err))
		return NewSQLite(filepath.Join(defaultDir(), cfg.Filename), cfg.MaxEntries, logger)
	})
}

// defaultDir is the durable cache file's location when no cachepath is
// configured, and the retry location when the configured one is unusable.
// Falls back to the working directory when the platform reports no user
// cache dir. Swappable for tests.
var defaultDir = func() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "gristmill")
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	ns         TEXT NOT NULL,
	id         TEXT NOT NULL,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	PRIMARY KEY (ns, id)
);
CREATE INDEX IF NOT EXISTS cache_entries_by_seq ON cache_entries (ns, seq);
`

// SQLite is the durable Store. Entries live in a single file shared by both
// namespaces; the seq column preserves insertion order for eviction. Writes
// are single-statement upserts so concurrent callers never observe a
// half-applied refresh, and the busy timeout rides in the DSN so every
// pooled connection waits out contention instead of failing.
type SQLite struct {
	db         *sql.DB
	maxEntries int
	logger     *zap.Logger
	seq        atomic.Int64

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64

	now func() time.Time // test hook
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the cache file at path. Returns a
// CacheError when the directory or file cannot be prepared, so the caller
// can degrade to another backend.
func NewSQLite(path string, maxEntries int, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, apperrors.NewCacheError("open", path, err)
	}
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.NewCacheError("open", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, apperrors.NewCacheError("open", path, err)
	}

	s := &SQLite{db: db, maxEntries: maxEntries, logger: logger, now: time.Now}

	// Resume the insertion sequence where the previous process left off.
	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM cache_entries`).Scan(&maxSeq); err == nil && maxSeq.Valid {
		s.seq.Store(maxSeq.Int64)
	}
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE ns = ? AND id = ?`,
		string(key.Namespace), key.ID(),
	).Scan(&value, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		s.count(&s.misses)
		return nil, false, nil
	case err != nil:
		// An unreadable row is a miss, not a query failure.
		s.logger.Warn("cache read failed, treating as miss",
			zap.String("namespace", string(key.Namespace)),
			zap.Error(err))
		s.count(&s.misses)
		return nil, false, nil
	}
	now := s.now().Unix()
	if now >= expiresAt {
		// The expires_at guard keeps this from deleting an entry a
		// concurrent Put just refreshed.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE ns = ? AND id = ? AND expires_at <= ?`,
			string(key.Namespace), key.ID(), now)
		s.count(&s.misses)
		return nil, false, nil
	}
	s.count(&s.hits)
	return value, true, nil
}

func (s *SQLite) Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expiresAt := s.now().Add(ttl).Unix()
	// A refreshed entry takes a new seq and thus counts as the newest
	// insertion for eviction purposes.
	seq := s.seq.Add(1)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (ns, id, value, expires_at, seq) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ns, id) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			seq = excluded.seq`,
		string(key.Namespace), key.ID(), value, expiresAt, seq); err != nil {
		return apperrors.NewCacheError("put", "", err)
	}
	return s.evict(ctx, key.Namespace)
}

// evict trims the namespace down to maxEntries, oldest insertions first.
func (s *SQLite) evict(ctx context.Context, ns Namespace) error {
	if s.maxEntries <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE ns = ? AND seq IN (
			SELECT seq FROM cache_entries WHERE ns = ?
			ORDER BY seq DESC LIMIT -1 OFFSET ?
		)`, string(ns), string(ns), s.maxEntries)
	if err != nil {
		return apperrors.NewCacheError("evict", "", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.count2(&s.evictions, n)
	}
	return nil
}

func (s *SQLite) Invalidate(ctx context.Context, ns Namespace, addressPrefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE ns = ? AND id LIKE ? || '%'`,
		string(ns), addressPrefix)
	if err != nil {
		return apperrors.NewCacheError("invalidate", "", err)
	}
	return nil
}

func (s *SQLite) Stats() Stats {
	var entries int64
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&entries)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Hits: s.hits, Misses: s.misses, Evictions: s.evictions, Entries: entries}
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return apperrors.NewCacheError("close", "", err)
	}
	return nil
}

func (s *SQLite) count(counter *int64) { s.count2(counter, 1) }

func (s *SQLite) count2(counter *int64, n int64) {
	s.mu.Lock()
	*counter += n
	s.mu.Unlock()
}

// String implements fmt.Stringer for log output.
func (s *SQLite) String() string {
	return fmt.Sprintf("sqlite cache (max %d entries)", s.maxEntries)
}
