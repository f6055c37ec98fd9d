// Package sqlite provides a SQL record.Backend.
//
// Each collection is one table of (key, doc) rows. The package registers the
// pure-Go modernc.org/sqlite driver, but any database/sql handle that speaks
// the SQLite dialect works.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"regexp"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/meigma/fastpull/record"
)

// DriverName is the database/sql driver name registered by modernc.org/sqlite.
const DriverName = "sqlite"

const defaultPageSize = 256

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Backend implements record.Backend over a SQL table.
type Backend struct {
	db       *sql.DB
	table    string
	pageSize int
	ownsDB   bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithPageSize sets how many rows Scan fetches per query.
func WithPageSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// Open opens the SQLite database at dsn and returns a backend for table.
// The returned backend closes the database on Close.
func Open(ctx context.Context, dsn, table string, opts ...Option) (*Backend, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	b, err := New(ctx, db, table, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.ownsDB = true
	return b, nil
}

// New returns a backend storing documents in table, creating it if needed.
// The caller retains ownership of db.
func New(ctx context.Context, db *sql.DB, table string, opts ...Option) (*Backend, error) {
	if db == nil {
		return nil, errors.New("sqlite: db is nil")
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", table)
	}
	b := &Backend{db: db, table: table, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.migrate(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + b.table + ` (
		key TEXT PRIMARY KEY,
		doc BLOB NOT NULL
	)`
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", b.table, err)
	}
	return nil
}

// Put implements record.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	query := `INSERT INTO ` + b.table + ` (key, doc) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`
	if _, err := b.db.ExecContext(ctx, query, key, data); err != nil {
		return fmt.Errorf("sqlite: put %s: %w", key, err)
	}
	return nil
}

// Get implements record.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT doc FROM `+b.table+` WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	return data, nil
}

// Delete implements record.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM `+b.table+` WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", key, err)
	}
	return nil
}

// Scan implements record.Backend. Rows are read in key order, one page at a
// time, so no connection is held while the caller processes a document.
func (b *Backend) Scan(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		after := ""
		for {
			page, last, err := b.page(ctx, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, data := range page {
				if !yield(data, nil) {
					return
				}
			}
			if len(page) < b.pageSize {
				return
			}
			after = last
		}
	}
}

func (b *Backend) page(ctx context.Context, after string) ([][]byte, string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, doc FROM `+b.table+` WHERE key > ? ORDER BY key LIMIT ?`, after, b.pageSize)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite: scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		page [][]byte
		last string
	)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&last, &data); err != nil {
			return nil, "", fmt.Errorf("sqlite: scan: %w", err)
		}
		page = append(page, data)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("sqlite: scan: %w", err)
	}
	return page, last, nil
}

// Close implements record.Backend. It closes the database only if the
// backend opened it.
func (b *Backend) Close() error {
	if b.ownsDB {
		return b.db.Close()
	}
	return nil
}
