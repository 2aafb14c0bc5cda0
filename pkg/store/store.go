// Package store provides the layered response cache used by the HTTP client:
// an in-memory LRU tier in front of an optional SQLite tier.
package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"wbmigrate/pkg/db"
)

// Cacher handles generic key-value response caching.
type Cacher interface {
	GetCache(ctx context.Context, key string) ([]byte, bool)
	SetCache(ctx context.Context, key string, val []byte) error
}

// NullCache caches nothing. Used when caching is disabled.
type NullCache struct{}

func (NullCache) GetCache(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (NullCache) SetCache(ctx context.Context, key string, val []byte) error {
	return nil
}

// MemoryCache is a bounded in-memory cache tier.
type MemoryCache struct {
	lru *lru.Cache[string, []byte]
}

// NewMemoryCache creates a memory cache holding up to size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c}, nil
}

func (m *MemoryCache) GetCache(ctx context.Context, key string) ([]byte, bool) {
	return m.lru.Get(key)
}

func (m *MemoryCache) SetCache(ctx context.Context, key string, val []byte) error {
	m.lru.Add(key, val)
	return nil
}

// SQLiteCache implements Cacher on the cache table, gzip-compressing values.
type SQLiteCache struct {
	db *db.DB
}

// NewSQLiteCache creates a persistent cache on the given database.
func NewSQLiteCache(d *db.DB) *SQLiteCache {
	return &SQLiteCache{db: d}
}

func (s *SQLiteCache) GetCache(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cache WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		// Treat storage errors as a miss.
		return nil, false
	}

	// Transparent decompression: gzip magic bytes.
	if len(val) > 2 && val[0] == 0x1f && val[1] == 0x8b {
		decompressed, err := decompress(val)
		if err == nil {
			return decompressed, true
		}
	}

	return val, true
}

func (s *SQLiteCache) SetCache(ctx context.Context, key string, val []byte) error {
	compressed, err := compress(val)
	if err == nil {
		val = compressed
	}

	query := `INSERT OR REPLACE INTO cache (key, value, created_at) VALUES (?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, key, val, time.Now())
	return err
}

// Layered reads through a front tier into a back tier, writing through both.
type Layered struct {
	front Cacher
	back  Cacher
}

// NewLayered stacks front over back.
func NewLayered(front, back Cacher) *Layered {
	return &Layered{front: front, back: back}
}

func (l *Layered) GetCache(ctx context.Context, key string) ([]byte, bool) {
	if val, ok := l.front.GetCache(ctx, key); ok {
		return val, true
	}
	val, ok := l.back.GetCache(ctx, key)
	if ok {
		_ = l.front.SetCache(ctx, key, val)
	}
	return val, ok
}

func (l *Layered) SetCache(ctx context.Context, key string, val []byte) error {
	_ = l.front.SetCache(ctx, key, val)
	return l.back.SetCache(ctx, key, val)
}

var (
	bufferPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}
	// Pool for gzip writers to reuse flate state
	gzipWriterPool = sync.Pool{
		New: func() any {
			return gzip.NewWriter(io.Discard)
		},
	}
)

func compress(data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	w := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	// Must copy because buf is returned to pool
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
