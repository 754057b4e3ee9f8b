package store

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	payroll "github.com/payrollrelay/payroll/pkg"

	_ "github.com/mattn/go-sqlite3"
)

var SETUP_SQL string = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT NOT NULL PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

// interface guard ensures SQLite implements payroll.Store
var _ payroll.Store = SQLite{}

type SQLite struct {
	db *sql.DB
}

// NewSQLite returns a payroll.Store implementor that uses sqlite
func NewSQLite(fileName string) (SQLite, error) {
	db, err := sql.Open("sqlite3", fileName)
	if err != nil {
		return SQLite{}, errors.Wrap(err, "opening database")
	}
	// one connection: ":memory:" databases are per connection
	db.SetMaxOpenConns(1)
	// init tables / indexes
	if _, err = db.Exec(SETUP_SQL); err != nil {
		db.Close()
		return SQLite{}, errors.Wrap(err, "creating database schema")
	}
	return SQLite{db}, nil
}

// Defer this until shutdown
func (s SQLite) Close() error {
	return s.db.Close()
}

func (s SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key)
	var value []byte
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return nil, payroll.NewErr(payroll.NotFound, "key not found: %s", key)
	}
	if err != nil {
		return nil, dbErr(err, "Get: row.Scan")
	}
	return value, nil
}

func (s SQLite) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%s','now')) ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value)
	if err != nil {
		return dbErr(err, "Set: upsert")
	}
	return nil
}

func (s SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return dbErr(err, "Delete")
	}
	return nil
}

func dbErr(err error, where string) error {
	return payroll.NewErr(payroll.NotAvailable, "store error: %s: %v", where, err)
}
