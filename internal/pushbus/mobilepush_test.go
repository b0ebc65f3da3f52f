package pushbus

import (
    "context"
    "testing"

    "github.com/nourikan/commgateway/internal/cache"
    "github.com/nourikan/commgateway/internal/store"
)

func TestPushCallReturnsErrorWithNoProviderConfigured(t *testing.T) {
    db := newTestDB(t)
    seedUser(t, db, 1)
    tokens := store.NewPushTokenRepo(db)
    if err := tokens.Upsert(context.Background(), &store.PushToken{UserID: 1, Token: "tok-android", Platform: "android"}); err != nil {
        t.Fatalf("seed token: %v", err)
    }

    p := &MobilePusher{tokens: tokens}
    if err := p.PushCall(context.Background(), 1, map[string]string{"call_id": "c1"}); err == nil {
        t.Fatalf("expected an error since no fcm client is configured")
    }
}

func TestPushChatWithoutCacheAttemptsEveryDelivery(t *testing.T) {
    db := newTestDB(t)
    seedUser(t, db, 2)
    tokens := store.NewPushTokenRepo(db)
    if err := tokens.Upsert(context.Background(), &store.PushToken{UserID: 2, Token: "tok-android-2", Platform: "android"}); err != nil {
        t.Fatalf("seed token: %v", err)
    }

    redisCache, err := cache.New(cache.Config{Host: "127.0.0.1", Port: 1}, "test")
    _ = err // no live redis in this environment; fall through to the nil-cache path below
    if redisCache == nil {
        redisCache = &cache.Cache{}
    }

    p := &MobilePusher{tokens: tokens, dedupe: redisCache}
    ctx := context.Background()

    // With no real cache backing the dedupe window, Get always reports a
    // miss, so every call attempts delivery (and fails for lack of a
    // configured fcm/apns client) rather than being silently swallowed.
    err1 := p.PushChat(ctx, 2, "chat-1", "title", "body")
    err2 := p.PushChat(ctx, 2, "chat-1", "title", "body")
    if err1 == nil || err2 == nil {
        t.Fatalf("expected both attempts to surface the unconfigured-provider error")
    }
}

func TestDispatchIncomingCallBroadcastsToEveryKnownUser(t *testing.T) {
    db := newTestDB(t)
    seedUser(t, db, 10)
    seedUser(t, db, 11)
    tokens := store.NewPushTokenRepo(db)
    ctx := context.Background()
    if err := tokens.Upsert(ctx, &store.PushToken{UserID: 10, Token: "tok-a", Platform: "android"}); err != nil {
        t.Fatalf("seed token: %v", err)
    }
    if err := tokens.Upsert(ctx, &store.PushToken{UserID: 11, Token: "tok-b", Platform: "android"}); err != nil {
        t.Fatalf("seed token: %v", err)
    }

    p := &MobilePusher{tokens: tokens}
    // No fcm/apns client is configured, so dispatch can only be observed
    // indirectly: it must not panic and must attempt every known user
    // (each attempt fails silently inside PushCall's per-token loop).
    p.dispatch(ctx, Event{
        Type: EventIncomingCall,
        Payload: map[string]interface{}{
            "call_id":        "c1",
            "display_number": "+15551234567",
        },
    })
}

func TestDispatchIgnoresEventsWithUnexpectedPayloadShape(t *testing.T) {
    db := newTestDB(t)
    p := &MobilePusher{tokens: store.NewPushTokenRepo(db)}
    // A malformed payload must be dropped, not panic the dispatch loop.
    p.dispatch(context.Background(), Event{Type: EventIncomingCall, Payload: "not-a-map"})
    p.dispatch(context.Background(), Event{Type: EventNewMessage, Payload: "not-a-message"})
}
