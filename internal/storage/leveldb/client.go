// internal/storage/leveldb/client.go
package leveldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	cachePrefix = "cache:"
	taskPrefix  = "task:"
)

type CacheEntry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client owns the LevelDB database. Cache entries and task records live
// under separate key prefixes of the same database.
type Client struct {
	db              *leveldb.DB
	ttl             time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
	closeErr        error
}

func NewClient(cfg config.LevelDBConfig) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = config.DefaultFetchCacheTTL
	}

	client := &Client{
		db:              db,
		ttl:             ttl,
		cleanupInterval: ttl,
		stopCleanup:     make(chan struct{}),
	}

	go client.startCleanupRoutine()

	return client, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

// Put stores value under key until the cache TTL elapses
func (c *Client) Put(key string, value []byte) error {
	entry := CacheEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	return c.db.Put([]byte(cachePrefix+key), data, nil)
}

// Get returns the cached value, or nil when it is missing or expired
func (c *Client) Get(key string) ([]byte, error) {
	data, err := c.db.Get([]byte(cachePrefix+key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if time.Now().After(entry.ExpiresAt) {
		c.db.Delete([]byte(cachePrefix+key), nil)
		return nil, nil
	}

	return entry.Value, nil
}

func (c *Client) Delete(key string) error {
	return c.db.Delete([]byte(cachePrefix+key), nil)
}

func (c *Client) startCleanupRoutine() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup drops expired cache entries; task records are never touched
func (c *Client) cleanup() int {
	iter := c.db.NewIterator(util.BytesPrefix([]byte(cachePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	now := time.Now()
	for iter.Next() {
		var entry CacheEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		if now.After(entry.ExpiresAt) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}

	if batch.Len() == 0 {
		return 0
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0
	}
	return batch.Len()
}
