// Package pgkv is a persist.KV backed by a PostgreSQL table.
package pgkv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS asxwatch_kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// KV implements persist.KV.
type KV struct {
	db *sql.DB
}

// New opens dsn, pings the server and creates the table if it does not exist.
func New(dsn string) (*KV, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &KV{db: db}, nil
}

// Get implements persist.KV.
func (k *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := k.db.QueryRowContext(ctx, `SELECT value FROM asxwatch_kv WHERE key = $1`, key).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return v, true, nil
}

// Set implements persist.KV.
func (k *KV) Set(ctx context.Context, key, val string) error {
	_, err := k.db.ExecContext(
		ctx,
		`INSERT INTO asxwatch_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, val,
	)
	return err
}

// Remove implements persist.KV.
func (k *KV) Remove(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, `DELETE FROM asxwatch_kv WHERE key = $1`, key)
	return err
}

// Close closes the database.
func (k *KV) Close() error {
	return k.db.Close()
}
