package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// SearchCache stores search result pages. Entries are namespaced by a
// per-dataset generation counter, so bumping the counter invalidates every
// cached page that could include the dataset without scanning keys.
type SearchCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewSearchCache(client *redisv9.Client, ttl time.Duration) *SearchCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &SearchCache{client: client, ttl: ttl}
}

// Get loads the page cached for queryKey into dest. datasetID 0 means the
// query spans all datasets.
func (c *SearchCache) Get(ctx context.Context, datasetID uint, queryKey string, dest any) (bool, error) {
	key, err := c.pageKey(ctx, datasetID, queryKey)
	if err != nil {
		return false, err
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get search page failed: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("unmarshal cached search page failed: %w", err)
	}
	return true, nil
}

func (c *SearchCache) Set(ctx context.Context, datasetID uint, queryKey string, page any) error {
	key, err := c.pageKey(ctx, datasetID, queryKey)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal search page failed: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set search page failed: %w", err)
	}
	return nil
}

// Invalidate drops every cached page that may contain documents of datasetID.
func (c *SearchCache) Invalidate(ctx context.Context, datasetID uint) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, c.genKey(datasetID))
	pipe.Incr(ctx, c.genKey(0))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bump search generation failed: %w", err)
	}
	return nil
}

func (c *SearchCache) pageKey(ctx context.Context, datasetID uint, queryKey string) (string, error) {
	gen, err := c.client.Get(ctx, c.genKey(datasetID)).Int64()
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return "", fmt.Errorf("redis get search generation failed: %w", err)
	}
	sum := blake2b.Sum256([]byte(queryKey))
	return fmt.Sprintf("search:page:%s:%d:%s", scope(datasetID), gen, hex.EncodeToString(sum[:16])), nil
}

func (c *SearchCache) genKey(datasetID uint) string {
	return "search:gen:" + scope(datasetID)
}

func scope(datasetID uint) string {
	if datasetID == 0 {
		return "all"
	}
	return fmt.Sprintf("ds:%d", datasetID)
}
