// Package profile stores and validates per-user inference preferences.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/mealsense/internal/storage"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	SetUserProfile(userID, payload string) error
	GetUserProfile(userID string) (string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cachedPrefs struct {
	prefs Preferences
	at    time.Time
}

// Manager provides cached, validated access to user preferences.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cachedPrefs
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cachedPrefs),
	}
}

// Get returns the user's preferences. A user without stored preferences
// gets the zero value. A stored payload that no longer validates is
// ignored rather than trusted.
func (m *Manager) Get(userID string) (Preferences, error) {
	m.mu.RLock()
	if c, ok := m.cache[userID]; ok && m.clock.Now().Before(c.at.Add(m.ttl)) {
		m.mu.RUnlock()
		return c.prefs.clone(), nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, ok := m.cache[userID]; ok && m.clock.Now().Before(c.at.Add(m.ttl)) {
		return c.prefs.clone(), nil
	}

	var prefs Preferences
	raw, err := m.store.GetUserProfile(userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return Preferences{}, fmt.Errorf("loading preferences for %s: %w", userID, err)
	default:
		if prefs, err = ParsePreferences([]byte(raw)); err != nil {
			slog.Warn("stored preferences rejected, using defaults", "user_id", userID, "error", err)
			prefs = Preferences{}
		}
	}

	m.cache[userID] = cachedPrefs{prefs: prefs, at: m.clock.Now()}
	return prefs.clone(), nil
}

// Set validates raw, stores the normalized form and invalidates the cache.
// Rejected payloads are never stored.
func (m *Manager) Set(userID string, raw []byte) (Preferences, error) {
	prefs, err := ParsePreferences(raw)
	if err != nil {
		return Preferences{}, err
	}
	b, err := json.Marshal(prefs)
	if err != nil {
		return Preferences{}, fmt.Errorf("marshalling preferences: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetUserProfile(userID, string(b)); err != nil {
		return Preferences{}, fmt.Errorf("storing preferences for %s: %w", userID, err)
	}
	delete(m.cache, userID)
	return prefs.clone(), nil
}
