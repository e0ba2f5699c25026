package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgOpTimeout = 10 * time.Second

// Postgres keeps every bucket in one wenbnb_kv table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to pgURL and creates the table if missing.
func OpenPostgres(ctx context.Context, pgURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS wenbnb_kv (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bucket, key)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Bucket returns the Store for one logical store.
func (p *Postgres) Bucket(name string) Store {
	return &pgBucket{pool: p.pool, bucket: name}
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgBucket struct {
	pool   *pgxpool.Pool
	bucket string
}

func (b *pgBucket) Get(key string, v any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pgOpTimeout)
	defer cancel()

	var raw []byte
	err := b.pool.QueryRow(ctx, "SELECT value FROM wenbnb_kv WHERE bucket = $1 AND key = $2", b.bucket, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s/%s: %w", b.bucket, key, err)
	}
	return true, decode(key, raw, v)
}

func (b *pgBucket) Put(key string, v any) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgOpTimeout)
	defer cancel()

	_, err = b.pool.Exec(ctx, `
		INSERT INTO wenbnb_kv (bucket, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (bucket, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, b.bucket, key, string(raw))
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *pgBucket) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pgOpTimeout)
	defer cancel()
	_, err := b.pool.Exec(ctx, "DELETE FROM wenbnb_kv WHERE bucket = $1 AND key = $2", b.bucket, key)
	if err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *pgBucket) Keys() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pgOpTimeout)
	defer cancel()

	rows, err := b.pool.Query(ctx, "SELECT key FROM wenbnb_kv WHERE bucket = $1 ORDER BY key", b.bucket)
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

func (b *pgBucket) Close() error { return nil }
