package cache

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqlitePageSize is SQLite's default page size, used to turn a byte quota
// into a max_page_count.
const sqlitePageSize = 4096

// sqliteMinPages leaves room for the schema and its index under tiny quotas.
const sqliteMinPages = 8

type sqliteDurable struct {
	db   *sql.DB
	once sync.Once
}

var _ Durable = (*sqliteDurable)(nil)

// NewSQLite returns a Durable tier backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
// WithQuota caps the database size; writes past it fail with ErrQuotaExceeded.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Durable, error) {
	cfg := applyOptions(opts)
	db, err := sql.Open("sqlite", sqliteDSN(dbPath, cfg.quota))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps ":memory:" databases and per-connection
	// pragmas consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create entries table")
	}
	return &sqliteDurable{db: db}, nil
}

func sqliteDSN(dbPath string, quota int64) string {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	if dbPath != ":memory:" {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	if quota > 0 {
		pages := quota / sqlitePageSize
		if pages < sqliteMinPages {
			pages = sqliteMinPages
		}
		params.Add("_pragma", fmt.Sprintf("max_page_count(%d)", pages))
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + params.Encode()
}

func isFullError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL
}

func (c *sqliteDurable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %q", key)
	}
	return data, true, nil
}

func (c *sqliteDurable) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO entries (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err == nil {
		return nil
	}
	if isFullError(err) {
		return errors.Mark(errors.Wrapf(err, "write %q", key), ErrQuotaExceeded)
	}
	return errors.Wrapf(err, "write %q", key)
}

func (c *sqliteDurable) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	return nil
}

func (c *sqliteDurable) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key FROM entries ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "scan key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteDurable) Close() error {
	var dbErr error
	c.once.Do(func() {
		dbErr = c.db.Close()
	})
	return dbErr
}
