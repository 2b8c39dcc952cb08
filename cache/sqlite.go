package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db     *sql.DB
	cfg    storeConfig
	once   sync.Once
	closed error
}

var _ DurableStore = (*sqliteStore)(nil)

// NewSQLiteStore returns a DurableStore backed by SQLite. If dbPath is empty
// or ":memory:", an in-memory database is used, which gives the store session
// lifetime. A file path survives process restarts.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...StoreOption) (DurableStore, error) {
	cfg := applyStoreOptions(opts)
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open sqlite %s", dbPath)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: sqlite wal")
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		record BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: sqlite schema")
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: sqlite index")
	}

	return &sqliteStore{db: db, cfg: cfg}, nil
}

func (s *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var data []byte
	err := s.db.QueryRowContext(qctx, `SELECT record FROM cache_entries WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "cache: sqlite get")
	}
	return data, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, data []byte, expiresAt time.Time) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO cache_entries (key, record, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET record = excluded.record, expires_at = excluded.expires_at`,
		key, data, expiresAt.UnixMilli(),
	)
	return errors.Wrap(err, "cache: sqlite put")
}

func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, errors.Wrap(err, "cache: sqlite delete")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "cache: sqlite delete")
	}
	return rows > 0, nil
}

func (s *sqliteStore) Clear(ctx context.Context) (int, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	result, err := s.db.ExecContext(qctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, errors.Wrap(err, "cache: sqlite clear")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "cache: sqlite clear")
	}
	return int(rows), nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, `SELECT key FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "cache: sqlite keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "cache: sqlite keys")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "cache: sqlite keys")
}

func (s *sqliteStore) Close() error {
	s.once.Do(func() {
		if s.cfg.clearOnClose {
			_, _ = s.Clear(context.Background())
		}
		s.closed = s.db.Close()
	})
	return s.closed
}
