// Package cache keeps file metadata in memory while prompts are assembled.
// Several extracts of one evaluation usually come from the same handful of
// files.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/knoguchi/scout/internal/repository"
)

// FileGetter loads file metadata.
type FileGetter interface {
	GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error)
}

// FileCache is a read-through cache in front of a FileGetter. Lookup errors,
// including repository.ErrNotFound, are not cached.
type FileCache struct {
	next  FileGetter
	cache *gocache.Cache
}

// NewFileCache creates a cache whose entries live for ttl.
func NewFileCache(next FileGetter, ttl time.Duration) *FileCache {
	return &FileCache{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// GetFile returns the cached file or loads it.
func (c *FileCache) GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error) {
	key := id.String()
	if val, found := c.cache.Get(key); found {
		return val.(*repository.File), nil
	}

	f, err := c.next.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, f)
	return f, nil
}

// Len returns the number of cached entries, expired ones included.
func (c *FileCache) Len() int {
	return c.cache.ItemCount()
}
