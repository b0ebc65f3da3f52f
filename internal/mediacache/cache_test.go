package mediacache

import (
    "context"
    "testing"
    "time"
)

func TestGetOrFetchCachesAcrossCalls(t *testing.T) {
    calls := 0
    c := New(func(ctx context.Context, mediaID string) (string, time.Duration, error) {
        calls++
        return "https://cdn.example/" + mediaID, time.Hour, nil
    }, nil)

    url1, err := c.GetOrFetch(context.Background(), "m1")
    if err != nil {
        t.Fatalf("fetch: %v", err)
    }
    url2, err := c.GetOrFetch(context.Background(), "m1")
    if err != nil {
        t.Fatalf("fetch again: %v", err)
    }
    if url1 != url2 {
        t.Fatalf("expected cached url to be reused, got %q then %q", url1, url2)
    }
    if calls != 1 {
        t.Fatalf("expected fetcher to be called exactly once, got %d", calls)
    }
}

func TestGetOrFetchRefetchesAfterExpiry(t *testing.T) {
    calls := 0
    c := New(func(ctx context.Context, mediaID string) (string, time.Duration, error) {
        calls++
        return "https://cdn.example/v" + string(rune('0'+calls)), time.Millisecond, nil
    }, nil)
    c.ttl = time.Millisecond

    if _, err := c.GetOrFetch(context.Background(), "m1"); err != nil {
        t.Fatalf("fetch: %v", err)
    }
    time.Sleep(10 * time.Millisecond)

    if _, err := c.GetOrFetch(context.Background(), "m1"); err != nil {
        t.Fatalf("refetch: %v", err)
    }
    if calls != 2 {
        t.Fatalf("expected expiry to trigger a second fetch, got %d calls", calls)
    }
}

func TestDeleteRemovesEntry(t *testing.T) {
    calls := 0
    c := New(func(ctx context.Context, mediaID string) (string, time.Duration, error) {
        calls++
        return "url", time.Hour, nil
    }, nil)

    ctx := context.Background()
    if _, err := c.GetOrFetch(ctx, "m1"); err != nil {
        t.Fatalf("fetch: %v", err)
    }
    c.Delete(ctx, "m1")
    if _, err := c.GetOrFetch(ctx, "m1"); err != nil {
        t.Fatalf("refetch: %v", err)
    }
    if calls != 2 {
        t.Fatalf("expected delete to force a refetch, got %d calls", calls)
    }
}

func TestGetOrFetchReturnsErrorWithNoFetcherConfigured(t *testing.T) {
    c := New(nil, nil)
    if _, err := c.GetOrFetch(context.Background(), "m1"); err == nil {
        t.Fatalf("expected an error when no fetcher is configured and cache is empty")
    }
}
