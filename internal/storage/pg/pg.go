// Package pg provides a PostgreSQL storage backend: one row per object.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	key              TEXT PRIMARY KEY,
	data             BYTEA NOT NULL,
	content_type     TEXT NOT NULL DEFAULT '',
	content_encoding TEXT NOT NULL DEFAULT '',
	attributes       JSONB NOT NULL DEFAULT '{}',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Config holds PostgreSQL backend settings.
type Config struct {
	DatabaseURL string `json:"database_url"`
}

// Backend implements storage.Backend on a PostgreSQL table.
type Backend struct {
	db *sql.DB
}

// New opens the database and creates the objects table if needed.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	return New(ctx, cfg)
}

// Exists checks if a row exists for key.
func (b *Backend) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "exists", start, err) }(time.Now())

	err = b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM objects WHERE key = $1)`, key).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return ok, nil
}

// Get reads one row.
func (b *Backend) Get(ctx context.Context, key string) (obj *storage.Object, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "get", start, err) }(time.Now())

	var attrs []byte
	obj = &storage.Object{}
	err = b.db.QueryRowContext(ctx,
		`SELECT data, content_type, content_encoding, attributes, updated_at FROM objects WHERE key = $1`, key,
	).Scan(&obj.Data, &obj.ContentType, &obj.ContentEncoding, &attrs, &obj.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if obj.Attributes, err = decodeAttributes(attrs); err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

func decodeAttributes(raw []byte) (map[string]string, error) {
	var attrs map[string]string
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

// Put upserts one row.
func (b *Backend) Put(ctx context.Context, key string, obj *storage.Object) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "put", start, err) }(time.Now())

	attrs := obj.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	data := obj.Data
	if data == nil {
		data = []byte{}
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO objects (key, data, content_type, content_encoding, attributes, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			content_type = EXCLUDED.content_type,
			content_encoding = EXCLUDED.content_encoding,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at`,
		key, data, obj.ContentType, obj.ContentEncoding, string(raw))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes one row.
func (b *Backend) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "delete", start, err) }(time.Now())

	if _, err = b.db.ExecContext(ctx, `DELETE FROM objects WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// List selects the keys under prefix after the token. Sub-folders are
// collapsed in Go; a recursive listing pushes the limit into SQL.
func (b *Backend) List(ctx context.Context, prefix string, opts storage.ListOptions) (page *storage.Page, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "list", start, err) }(time.Now())

	query := `SELECT key, length(data), content_type, attributes, updated_at
		FROM objects WHERE key LIKE $1 ESCAPE '\' AND key > $2 ORDER BY key`
	args := []any{likeEscaper.Replace(prefix) + "%", opts.Token}
	if opts.Recursive && opts.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, opts.Limit+1)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var leaves []storage.Entry
	for rows.Next() {
		var e storage.Entry
		var attrs []byte
		if err := rows.Scan(&e.Key, &e.Size, &e.ContentType, &attrs, &e.LastModified); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		if e.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, err
		}
		leaves = append(leaves, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return storage.Paginate(leaves, prefix, opts), nil
}

// Copy duplicates a row inside the database.
func (b *Backend) Copy(ctx context.Context, srcKey, dstKey string) (ok bool, err error) {
	defer func(start time.Time) { storage.Observe(b.Type(), "copy", start, err) }(time.Now())

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO objects (key, data, content_type, content_encoding, attributes, updated_at)
		SELECT $2, data, content_type, content_encoding, attributes, now() FROM objects WHERE key = $1
		ON CONFLICT (key) DO UPDATE SET
			data = EXCLUDED.data,
			content_type = EXCLUDED.content_type,
			content_encoding = EXCLUDED.content_encoding,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at`,
		srcKey, dstKey)
	if err != nil {
		return false, fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Type returns "postgres".
func (b *Backend) Type() string { return "postgres" }

// Close closes the database connection.
func (b *Backend) Close() error { return b.db.Close() }
