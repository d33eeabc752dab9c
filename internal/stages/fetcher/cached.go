package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

// Cache is the byte cache a Cached fetcher stores documents in.
// Get returns nil for a miss.
type Cache interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// Cached serves repeated fetches of the same URL and options from a cache
type Cached struct {
	next  stages.Fetcher
	cache Cache
}

var _ stages.Fetcher = (*Cached)(nil)

func NewCached(next stages.Fetcher, cache Cache) *Cached {
	return &Cached{next: next, cache: cache}
}

func cacheKey(url string, opts models.FetchOptions) string {
	return fmt.Sprintf("fetch:%t:%t:%s", opts.ExtractImages, opts.ExtractLinks, url)
}

func (c *Cached) Fetch(ctx context.Context, url string, opts models.FetchOptions) (*models.Document, error) {
	key := cacheKey(url, opts)

	data, err := c.cache.Get(key)
	if err != nil {
		slog.Warn("fetch cache read failed", "url", url, "error", err)
	}
	if data != nil {
		var doc models.Document
		if err := json.Unmarshal(data, &doc); err == nil {
			slog.Debug("fetch cache hit", "url", url)
			return &doc, nil
		}
	}

	doc, err := c.next.Fetch(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(doc); err == nil {
		if err := c.cache.Put(key, data); err != nil {
			slog.Warn("fetch cache write failed", "url", url, "error", err)
		}
	}
	return doc, nil
}
