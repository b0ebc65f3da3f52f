package reflector

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/nourikan/commgateway/internal/store"
)

func TestFetchConversationIndexFiltersGroupsAndStatus(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path != "/chats" {
            t.Fatalf("unexpected path: %s", r.URL.Path)
        }
        json.NewEncoder(w).Encode([]conversationIndexEntry{
            {ID: "33600000000@c.us", IsStatus: false, IsGroup: false},
            {ID: "status@broadcast", IsStatus: true, IsGroup: false},
            {ID: "123456-group@g.us", IsStatus: false, IsGroup: true},
        })
    }))
    defer srv.Close()

    c := NewBridgeClient(srv.URL)
    convs, err := c.FetchConversationIndex(context.Background())
    if err != nil {
        t.Fatalf("fetch conversation index: %v", err)
    }
    if len(convs) != 1 {
        t.Fatalf("expected only the direct conversation to survive filtering, got %+v", convs)
    }
    if convs[0].ID != "33600000000@c.us" || convs[0].Provider != store.ProviderWhatsApp {
        t.Fatalf("unexpected conversation: %+v", convs[0])
    }
}

func TestFetchRecentMessagesMapsAckAndType(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        json.NewEncoder(w).Encode([]remoteMessageWire{
            {ID: "m1", Timestamp: 100, FromMe: false, Type: "chat", Body: "hello", Ack: 0},
            {ID: "m2", Timestamp: 101, FromMe: true, Type: "image", Body: "", Ack: 2, MediaURL: "https://x/y.jpg"},
        })
    }))
    defer srv.Close()

    c := NewBridgeClient(srv.URL)
    msgs, err := c.FetchRecentMessages(context.Background(), "33600000000@c.us", 20)
    if err != nil {
        t.Fatalf("fetch recent messages: %v", err)
    }
    if len(msgs) != 2 {
        t.Fatalf("expected 2 messages, got %d", len(msgs))
    }
    if msgs[0].Status != store.StatusReceived {
        t.Fatalf("expected inbound message to be received, got %q", msgs[0].Status)
    }
    if msgs[1].Type != store.MessageImage || msgs[1].Status != store.StatusDelivered {
        t.Fatalf("unexpected outbound message mapping: %+v", msgs[1])
    }
}

func TestSendTextPostsBodyAndReturnsSentMessage(t *testing.T) {
    var gotBody sendTextRequest
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            t.Fatalf("expected POST, got %s", r.Method)
        }
        if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
            t.Fatalf("decode request body: %v", err)
        }
        json.NewEncoder(w).Encode(remoteMessageWire{ID: "sent-1", Timestamp: 200})
    }))
    defer srv.Close()

    c := NewBridgeClient(srv.URL)
    msg, err := c.SendText(context.Background(), "33600000000@c.us", "hi there")
    if err != nil {
        t.Fatalf("send text: %v", err)
    }
    if gotBody.Text != "hi there" {
        t.Fatalf("expected request body to carry the text, got %+v", gotBody)
    }
    if msg.ID != "sent-1" || msg.Status != store.StatusSent || !msg.FromMe {
        t.Fatalf("unexpected sent message: %+v", msg)
    }
}

func TestResolveNumberReturnsBridgeValue(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        json.NewEncoder(w).Encode(resolveNumberResponse{Number: "+33600000000"})
    }))
    defer srv.Close()

    c := NewBridgeClient(srv.URL)
    num, err := c.ResolveNumber(context.Background(), "33600000000@c.us")
    if err != nil {
        t.Fatalf("resolve number: %v", err)
    }
    if num != "+33600000000" {
        t.Fatalf("unexpected number: %q", num)
    }
}

func TestFetchMediaURLReturnsURLAndTTL(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path != "/media/abc123" {
            t.Fatalf("unexpected path: %s", r.URL.Path)
        }
        json.NewEncoder(w).Encode(mediaURLResponse{URL: "https://cdn/abc123", TTLSecond: 3600})
    }))
    defer srv.Close()

    c := NewBridgeClient(srv.URL)
    url, ttl, err := c.FetchMediaURL(context.Background(), "abc123")
    if err != nil {
        t.Fatalf("fetch media url: %v", err)
    }
    if url != "https://cdn/abc123" {
        t.Fatalf("unexpected url: %q", url)
    }
    if ttl != time.Hour {
        t.Fatalf("expected 1h ttl, got %v", ttl)
    }
}

func TestGetJSONReturnsErrorOnNonOKStatus(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusInternalServerError)
    }))
    defer srv.Close()

    c := NewBridgeClient(srv.URL)
    if _, err := c.FetchConversationIndex(context.Background()); err == nil {
        t.Fatalf("expected an error on a 500 response")
    }
}
