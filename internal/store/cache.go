package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/papergrader/internal/cache"
)

// CacheBackend stores the result cache tables in sqlite. Times are unix
// nanoseconds so expiry comparisons stay in SQL.
type CacheBackend struct {
	s *Store
}

// Cache returns the store as a cache backend.
func (s *Store) Cache() *CacheBackend {
	return &CacheBackend{s: s}
}

func cacheTable(t cache.TableName) (string, error) {
	switch t {
	case cache.TableQuestions, cache.TableModelAnswers, cache.TableGrading:
		return string(t), nil
	}
	return "", fmt.Errorf("unknown cache table %q", t)
}

func (c *CacheBackend) Get(ctx context.Context, table cache.TableName, key string) (cache.Entry, bool, error) {
	name, err := cacheTable(table)
	if err != nil {
		return cache.Entry{}, false, err
	}
	var e cache.Entry
	var cachedAt, expiresAt int64
	err = c.s.db.QueryRowContext(ctx,
		`SELECT cache_key, value, cached_at, expires_at FROM `+name+` WHERE cache_key = ?`, key,
	).Scan(&e.Key, &e.Value, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, err
	}
	e.CachedAt = time.Unix(0, cachedAt).UTC()
	e.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return e, true, nil
}

func (c *CacheBackend) Put(ctx context.Context, table cache.TableName, e cache.Entry) error {
	name, err := cacheTable(table)
	if err != nil {
		return err
	}
	_, err = c.s.db.ExecContext(ctx,
		`INSERT INTO `+name+` (cache_key, value, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value,
			cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		e.Key, e.Value, e.CachedAt.UnixNano(), e.ExpiresAt.UnixNano(),
	)
	return err
}

// Purge deletes expired rows from every cache table and records the run.
func (c *CacheBackend) Purge(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, t := range cache.Tables {
		res, err := c.s.db.ExecContext(ctx, `DELETE FROM `+string(t)+` WHERE expires_at <= ?`, now.UnixNano())
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", t, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := c.s.SetMetadata(ctx, MetaLastCachePurge, now.UTC().Format(time.RFC3339)); err != nil {
		return total, err
	}
	return total, nil
}

// Count returns the number of rows in a cache table, expired or not.
func (c *CacheBackend) Count(ctx context.Context, table cache.TableName) (int, error) {
	name, err := cacheTable(table)
	if err != nil {
		return 0, err
	}
	var n int
	err = c.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+name).Scan(&n)
	return n, err
}
