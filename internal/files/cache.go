package files

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hearth/backend/internal/models"
)

const defaultCacheTTL = 30 * time.Second

// CachedMetadataStore keeps recent hash lookups in an LRU. Every local delete
// purges the affected hashes; entries also expire after a TTL so deletes made
// by other instances are observed.
type CachedMetadataStore struct {
	MetadataStore
	byHash *expirable.LRU[string, models.FileRecord]
}

// NewCachedMetadataStore wraps base with a cache of the given size and TTL.
func NewCachedMetadataStore(base MetadataStore, size int, ttl time.Duration) *CachedMetadataStore {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedMetadataStore{
		MetadataStore: base,
		byHash:        expirable.NewLRU[string, models.FileRecord](size, nil, ttl),
	}
}

// Create stores rec and drops any cached entry for its hash, since the newest
// record for that hash may now differ.
func (c *CachedMetadataStore) Create(ctx context.Context, rec models.FileRecord) error {
	if err := c.MetadataStore.Create(ctx, rec); err != nil {
		return err
	}
	c.byHash.Remove(rec.ContentHash)
	return nil
}

func (c *CachedMetadataStore) FindByHash(ctx context.Context, hash string) (models.FileRecord, error) {
	if rec, ok := c.byHash.Get(hash); ok {
		return rec, nil
	}
	rec, err := c.MetadataStore.FindByHash(ctx, hash)
	if err != nil {
		return models.FileRecord{}, err
	}
	c.byHash.Add(hash, rec)
	return rec, nil
}

func (c *CachedMetadataStore) DeleteByID(ctx context.Context, id string) error {
	err := c.MetadataStore.DeleteByID(ctx, id)
	for _, hash := range c.byHash.Keys() {
		if rec, ok := c.byHash.Peek(hash); ok && rec.ID == id {
			c.byHash.Remove(hash)
		}
	}
	return err
}

func (c *CachedMetadataStore) DeleteByHash(ctx context.Context, hash string) (int64, error) {
	n, err := c.MetadataStore.DeleteByHash(ctx, hash)
	c.byHash.Remove(hash)
	return n, err
}
