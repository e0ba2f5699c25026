package kv

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a single state.db holding one bucket per logical store.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kv: mkdir for %s: %w", path, err)
	}

	// WAL for concurrent readers, busy timeout for the single writer
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&n)
	slog.Info("state db opened", "path", path, "entries", n)

	return &SQLite{db: db, path: path}, nil
}

// Bucket returns the Store for one logical store. Closing a bucket is a
// no-op; close the SQLite itself when done.
func (s *SQLite) Bucket(name string) Store {
	return &sqliteBucket{db: s.db, bucket: name}
}

func (s *SQLite) Close() error { return s.db.Close() }

type sqliteBucket struct {
	db     *sql.DB
	bucket string
}

func (b *sqliteBucket) Get(key string, v any) (bool, error) {
	var value string
	err := b.db.QueryRow("SELECT value FROM kv WHERE bucket = ? AND key = ?", b.bucket, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s/%s: %w", b.bucket, key, err)
	}
	return true, decode(key, []byte(value), v)
}

func (b *sqliteBucket) Put(key string, v any) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format("2006-01-02 15:04:05")
	_, err = b.db.Exec(
		`INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		b.bucket, key, string(raw), now,
	)
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *sqliteBucket) Delete(key string) error {
	_, err := b.db.Exec("DELETE FROM kv WHERE bucket = ? AND key = ?", b.bucket, key)
	if err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *sqliteBucket) Keys() ([]string, error) {
	rows, err := b.db.Query("SELECT key FROM kv WHERE bucket = ? ORDER BY key", b.bucket)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", b.bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *sqliteBucket) Close() error { return nil }
