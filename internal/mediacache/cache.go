// Package mediacache implements the media URL cache (C9): a bounded,
// opportunistically-evicted map from media id to a signed, expiring
// download URL, backed by the shared Redis cache (spec §4.9).
package mediacache

import (
    "context"
    "sync"
    "time"

    "github.com/nourikan/commgateway/internal/cache"
    "github.com/nourikan/commgateway/pkg/errors"
)

const defaultTTL = time.Hour

// entry is one cached signed URL.
type entry struct {
    url       string
    expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
    return now.After(e.expiresAt)
}

// Fetcher mints a fresh signed URL for a media id, e.g. by calling a
// provider's media-download endpoint.
type Fetcher func(ctx context.Context, mediaID string) (url string, ttl time.Duration, err error)

// Cache is a bounded in-process cache optionally fronted by a shared
// Redis layer so multiple gateway instances reuse the same signed URL.
type Cache struct {
    mu      sync.Mutex
    entries map[string]entry
    ttl     time.Duration
    fetch   Fetcher
    shared  *cache.Cache
}

func New(fetch Fetcher, shared *cache.Cache) *Cache {
    return &Cache{
        entries: make(map[string]entry),
        ttl:     defaultTTL,
        fetch:   fetch,
        shared:  shared,
    }
}

// GetOrFetch returns a cached URL if present and unexpired, otherwise
// calls the Fetcher, caches the result, and returns it (spec §4.9).
func (c *Cache) GetOrFetch(ctx context.Context, mediaID string) (string, error) {
    now := time.Now()

    c.mu.Lock()
    if e, ok := c.entries[mediaID]; ok && !e.expired(now) {
        c.mu.Unlock()
        return e.url, nil
    }
    c.mu.Unlock()

    if c.shared != nil {
        var cached string
        if err := c.shared.Get(ctx, sharedKey(mediaID), &cached); err == nil && cached != "" {
            c.mu.Lock()
            c.entries[mediaID] = entry{url: cached, expiresAt: now.Add(c.ttl)}
            c.mu.Unlock()
            return cached, nil
        }
    }

    if c.fetch == nil {
        return "", errors.New(errors.ErrUnavailable, "no media fetcher configured")
    }

    url, ttl, err := c.fetch(ctx, mediaID)
    if err != nil {
        return "", errors.Wrap(err, errors.ErrUnavailable, "fetch signed media url")
    }
    if ttl <= 0 {
        ttl = c.ttl
    }

    c.mu.Lock()
    c.entries[mediaID] = entry{url: url, expiresAt: now.Add(ttl)}
    c.evictExpiredLocked(now)
    c.mu.Unlock()

    if c.shared != nil {
        _ = c.shared.Set(ctx, sharedKey(mediaID), url, ttl)
    }
    return url, nil
}

// Delete removes one entry, e.g. when a provider reports the media was
// recalled or deleted.
func (c *Cache) Delete(ctx context.Context, mediaID string) {
    c.mu.Lock()
    delete(c.entries, mediaID)
    c.mu.Unlock()

    if c.shared != nil {
        _ = c.shared.Delete(ctx, sharedKey(mediaID))
    }
}

// evictExpiredLocked drops every expired entry. Called opportunistically
// from GetOrFetch rather than on a dedicated ticker, matching the
// cache's bounded-but-lazy sizing (spec §4.9). Caller holds mu.
func (c *Cache) evictExpiredLocked(now time.Time) {
    for id, e := range c.entries {
        if e.expired(now) {
            delete(c.entries, id)
        }
    }
}

func sharedKey(mediaID string) string {
    return "media:" + mediaID
}
