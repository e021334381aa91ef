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

	"datacuration/internal/classifier"
)

// ClassificationCache memoizes classifier results in Redis so that every
// process serving the same model version returns the same label for a text.
type ClassificationCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewClassificationCache(client *redisv9.Client, ttl time.Duration) *ClassificationCache {
	return &ClassificationCache{client: client, ttl: ttl}
}

func (c *ClassificationCache) Get(ctx context.Context, modelVersion, text string) (classifier.Result, bool, error) {
	raw, err := c.client.Get(ctx, c.key(modelVersion, text)).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return classifier.Result{}, false, nil
	}
	if err != nil {
		return classifier.Result{}, false, fmt.Errorf("redis get classification failed: %w", err)
	}
	var r classifier.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return classifier.Result{}, false, fmt.Errorf("unmarshal cached classification failed: %w", err)
	}
	return r, true, nil
}

func (c *ClassificationCache) Set(ctx context.Context, modelVersion, text string, r classifier.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal classification failed: %w", err)
	}
	if err := c.client.Set(ctx, c.key(modelVersion, text), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set classification failed: %w", err)
	}
	return nil
}

func (c *ClassificationCache) key(modelVersion, text string) string {
	sum := blake2b.Sum256([]byte(text))
	return fmt.Sprintf("classifier:%s:%s", modelVersion, hex.EncodeToString(sum[:]))
}
