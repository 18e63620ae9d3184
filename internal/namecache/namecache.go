// Package namecache is a read-mostly, warm-on-miss cache for game and
// category display names, used by the poller to log human-readable names
// for pairs that gained new runs (SPEC_FULL.md supplemented feature 3).
package namecache

import (
	"context"
	"sync"
)

// NameLookup resolves a game or category id to its display name against
// the tracked service.
type NameLookup interface {
	GetGameName(ctx context.Context, gameID string) (string, error)
	GetCategoryName(ctx context.Context, categoryID string) (string, error)
}

// Cache warms its entries lazily: the first lookup for an id pays the HTTP
// round trip, every subsequent one is a map read.
type Cache struct {
	client     NameLookup
	mu         sync.RWMutex
	games      map[string]string
	categories map[string]string
}

// New wraps client with a name cache.
func New(client NameLookup) *Cache {
	return &Cache{
		client:     client,
		games:      make(map[string]string),
		categories: make(map[string]string),
	}
}

// GameName returns the cached display name, falling back to gameID itself
// if the lookup fails (a failed name lookup must never block a status
// notification).
func (c *Cache) GameName(ctx context.Context, gameID string) string {
	if name, ok := c.get(c.games, gameID); ok {
		return name
	}
	name, err := c.client.GetGameName(ctx, gameID)
	if err != nil {
		return gameID
	}
	c.put(c.games, gameID, name)
	return name
}

// CategoryName returns the cached display name, falling back to
// categoryID itself if the lookup fails.
func (c *Cache) CategoryName(ctx context.Context, categoryID string) string {
	if name, ok := c.get(c.categories, categoryID); ok {
		return name
	}
	name, err := c.client.GetCategoryName(ctx, categoryID)
	if err != nil {
		return categoryID
	}
	c.put(c.categories, categoryID, name)
	return name
}

func (c *Cache) get(m map[string]string, key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := m[key]
	return name, ok
}

func (c *Cache) put(m map[string]string, key, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[key] = name
}
