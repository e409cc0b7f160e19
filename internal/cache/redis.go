package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kalambet/mealsense/internal/fingerprint"
	"github.com/kalambet/mealsense/internal/storage"
)

const defaultKeyPrefix = "mealsense:cache"

// AnalysisReader loads stored analyses. Implemented by storage.Store.
type AnalysisReader interface {
	GetAnalysis(id string) (storage.Analysis, error)
}

// RedisCache shares cache entries between server instances. Entries expire
// on their own after the freshness window.
type RedisCache struct {
	rdb       goredis.Cmdable
	analyses  AnalysisReader
	clock     Clock
	freshness time.Duration
	prefix    string
}

// NewRedisCache dials addr and verifies the connection. A non-positive
// freshness uses DefaultFreshness.
func NewRedisCache(ctx context.Context, addr string, analyses AnalysisReader, freshness time.Duration) (*RedisCache, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCacheWithClient(rdb, analyses, realClock{}, freshness), nil
}

// NewRedisCacheWithClient wraps an existing client (for testing).
func NewRedisCacheWithClient(rdb goredis.Cmdable, analyses AnalysisReader, clock Clock, freshness time.Duration) *RedisCache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &RedisCache{
		rdb:       rdb,
		analyses:  analyses,
		clock:     clock,
		freshness: freshness,
		prefix:    defaultKeyPrefix,
	}
}

// userScope is the user's key segment. User IDs are hashed so that glob
// characters or colons in an ID cannot widen a purge to other users.
func (c *RedisCache) userScope(userID string) string {
	return c.prefix + ":" + fingerprint.Of([]byte(userID))
}

func (c *RedisCache) key(userID, imageHash string, note *string) string {
	noteKey := "-"
	if n := NormalizeNote(note); n != nil {
		noteKey = fingerprint.Of([]byte(*n))
	}
	return fmt.Sprintf("%s:%s:%s", c.userScope(userID), imageHash, noteKey)
}

// purgePattern matches every key of one user.
func (c *RedisCache) purgePattern(userID string) string {
	return c.userScope(userID) + ":*"
}

func (c *RedisCache) Lookup(ctx context.Context, userID, imageHash string, note *string) (CachedAnalysis, bool, error) {
	if imageHash == "" {
		return CachedAnalysis{}, false, nil
	}
	raw, err := c.rdb.Get(ctx, c.key(userID, imageHash, note)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return CachedAnalysis{}, false, nil
	}
	if err != nil {
		return CachedAnalysis{}, false, fmt.Errorf("redis get: %w", err)
	}

	var entry CachedAnalysis
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedAnalysis{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	if c.clock.Now().Sub(entry.CachedAt) > c.freshness {
		return CachedAnalysis{}, false, nil
	}
	return entry, true, nil
}

func (c *RedisCache) Store(ctx context.Context, userID, imageHash, analysisID string) error {
	a, err := c.analyses.GetAnalysis(analysisID)
	if err != nil {
		return fmt.Errorf("loading analysis %s: %w", analysisID, err)
	}
	if a.UserID != userID {
		return fmt.Errorf("analysis %s does not belong to user %s", analysisID, userID)
	}
	entry := CachedAnalysis{
		AnalysisID:        a.ID,
		ImageHash:         imageHash,
		UserNote:          NormalizeNote(a.UserNote),
		ParsedOutput:      a.Items,
		OverallConfidence: a.OverallConfidence,
		CachedAt:          c.clock.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return c.rdb.Set(ctx, c.key(userID, imageHash, entry.UserNote), raw, c.freshness).Err()
}

func (c *RedisCache) PurgeOlderThan(ctx context.Context, userID string, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must be non-negative, got %d", days)
	}
	cutoff := c.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	pattern := c.purgePattern(userID)

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}
		for _, k := range keys {
			raw, err := c.rdb.Get(ctx, k).Bytes()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return deleted, fmt.Errorf("redis get %s: %w", k, err)
			}
			var entry CachedAnalysis
			if json.Unmarshal(raw, &entry) == nil && !entry.CachedAt.Before(cutoff) {
				continue
			}
			n, err := c.rdb.Del(ctx, k).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del %s: %w", k, err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
