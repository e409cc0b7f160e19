// Package cache stores previous oracle results keyed by image fingerprint
// and user note. The cache is advisory: every caller must behave the same
// when it misses or is unavailable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/mealsense/internal/nutrition"
	"github.com/kalambet/mealsense/internal/storage"
)

// DefaultFreshness is how long a cached analysis is served.
const DefaultFreshness = 7 * 24 * time.Hour

// CachedAnalysis is a previously computed oracle result.
type CachedAnalysis struct {
	AnalysisID        string                       `json:"analysis_id"`
	ImageHash         string                       `json:"image_hash"`
	UserNote          *string                      `json:"user_note"`
	ParsedOutput      []nutrition.DetectedFoodItem `json:"parsed_output"`
	OverallConfidence float64                      `json:"overall_confidence"`
	CachedAt          time.Time                    `json:"cached_at"`
}

// AnalysisCache is implemented by SQLiteCache and RedisCache.
type AnalysisCache interface {
	// Lookup returns the newest fresh entry for (userID, imageHash, note).
	// The bool is false on a miss.
	Lookup(ctx context.Context, userID, imageHash string, note *string) (CachedAnalysis, bool, error)
	// Store associates imageHash with a stored analysis for future lookups.
	Store(ctx context.Context, userID, imageHash, analysisID string) error
	// PurgeOlderThan deletes a user's entries older than days and returns
	// how many were removed.
	PurgeOlderThan(ctx context.Context, userID string, days int) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NormalizeNote maps blank notes to nil so that an empty text box and no
// note share a cache entry. Non-blank notes are compared exactly.
func NormalizeNote(note *string) *string {
	if note == nil || strings.TrimSpace(*note) == "" {
		return nil
	}
	return note
}

// CacheStore defines the storage operations SQLiteCache needs.
// Implemented by storage.Store.
type CacheStore interface {
	GetAnalysis(id string) (storage.Analysis, error)
	SaveCacheEntry(e storage.CacheEntry) error
	FindCacheEntry(userID, imageHash string, note *string, freshSince time.Time) (storage.CacheHit, error)
	DeleteCacheEntriesBefore(userID string, cutoff time.Time) (int, error)
}

// SQLiteCache keeps cache entries in the primary SQLite database.
type SQLiteCache struct {
	store     CacheStore
	clock     Clock
	freshness time.Duration
}

// NewSQLiteCache creates a cache serving entries for DefaultFreshness.
func NewSQLiteCache(store CacheStore) *SQLiteCache {
	return NewSQLiteCacheWithClock(store, realClock{}, DefaultFreshness)
}

// NewSQLiteCacheWithClock creates a cache with a custom clock and window (for testing).
func NewSQLiteCacheWithClock(store CacheStore, clock Clock, freshness time.Duration) *SQLiteCache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &SQLiteCache{store: store, clock: clock, freshness: freshness}
}

func (c *SQLiteCache) Lookup(_ context.Context, userID, imageHash string, note *string) (CachedAnalysis, bool, error) {
	if imageHash == "" {
		return CachedAnalysis{}, false, nil
	}
	since := c.clock.Now().Add(-c.freshness)
	hit, err := c.store.FindCacheEntry(userID, imageHash, NormalizeNote(note), since)
	if errors.Is(err, storage.ErrNotFound) {
		return CachedAnalysis{}, false, nil
	}
	if err != nil {
		return CachedAnalysis{}, false, fmt.Errorf("looking up cache entry: %w", err)
	}
	return CachedAnalysis{
		AnalysisID:        hit.AnalysisID,
		ImageHash:         hit.ImageHash,
		UserNote:          hit.UserNote,
		ParsedOutput:      hit.Items,
		OverallConfidence: hit.OverallConfidence,
		CachedAt:          hit.CachedAt,
	}, true, nil
}

func (c *SQLiteCache) Store(_ context.Context, userID, imageHash, analysisID string) error {
	a, err := c.store.GetAnalysis(analysisID)
	if err != nil {
		return fmt.Errorf("loading analysis %s: %w", analysisID, err)
	}
	if a.UserID != userID {
		return fmt.Errorf("analysis %s does not belong to user %s", analysisID, userID)
	}
	return c.store.SaveCacheEntry(storage.CacheEntry{
		UserID:     userID,
		ImageHash:  imageHash,
		UserNote:   NormalizeNote(a.UserNote),
		AnalysisID: analysisID,
		CachedAt:   c.clock.Now(),
	})
}

func (c *SQLiteCache) PurgeOlderThan(_ context.Context, userID string, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must be non-negative, got %d", days)
	}
	cutoff := c.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	return c.store.DeleteCacheEntriesBefore(userID, cutoff)
}
