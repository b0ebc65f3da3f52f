package reflector

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "time"

    "github.com/nourikan/commgateway/internal/store"
)

// BridgeClient is a Source backed by a plain HTTP JSON bridge (a local
// WhatsApp-web automation process exposing a REST facade). It is the
// one concrete Source this repo ships; other remote backends implement
// the same four-method interface directly.
type BridgeClient struct {
    baseURL    string
    httpClient *http.Client
}

// NewBridgeClient builds a Source against a bridge process listening at
// baseURL (e.g. "http://127.0.0.1:3000").
func NewBridgeClient(baseURL string) *BridgeClient {
    return &BridgeClient{
        baseURL: baseURL,
        httpClient: &http.Client{
            Timeout: 15 * time.Second,
        },
    }
}

type conversationIndexEntry struct {
    ID       string `json:"id"`
    IsStatus bool   `json:"isStatus"`
    IsGroup  bool   `json:"isGroup"`
}

// FetchConversationIndex implements Source.
func (b *BridgeClient) FetchConversationIndex(ctx context.Context) ([]RemoteConversation, error) {
    var entries []conversationIndexEntry
    if err := b.getJSON(ctx, "/chats", &entries); err != nil {
        return nil, fmt.Errorf("fetch conversation index: %w", err)
    }

    convs := make([]RemoteConversation, 0, len(entries))
    for _, e := range entries {
        if e.IsStatus || e.IsGroup {
            continue
        }
        convs = append(convs, RemoteConversation{ID: e.ID, Provider: store.ProviderWhatsApp})
    }
    return convs, nil
}

type remoteMessageWire struct {
    ID        string `json:"id"`
    Timestamp int64  `json:"timestamp"`
    FromMe    bool   `json:"fromMe"`
    Type      string `json:"type"`
    Body      string `json:"body"`
    SenderID  string `json:"senderId"`
    MediaURL  string `json:"mediaUrl,omitempty"`
    Ack       int    `json:"ack"`
}

// FetchRecentMessages implements Source.
func (b *BridgeClient) FetchRecentMessages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error) {
    var wire []remoteMessageWire
    path := fmt.Sprintf("/chats/%s/messages?limit=%d", conversationID, limit)
    if err := b.getJSON(ctx, path, &wire); err != nil {
        return nil, fmt.Errorf("fetch recent messages: %w", err)
    }

    msgs := make([]RemoteMessage, 0, len(wire))
    for _, w := range wire {
        msgs = append(msgs, RemoteMessage{
            ID:        w.ID,
            Timestamp: w.Timestamp,
            FromMe:    w.FromMe,
            Type:      mapMessageType(w.Type),
            Content:   w.Body,
            SenderID:  w.SenderID,
            MediaURL:  w.MediaURL,
            Status:    mapAckToStatus(w.Ack, w.FromMe),
        })
    }
    return msgs, nil
}

type sendTextRequest struct {
    Text string `json:"text"`
}

// SendText implements Source.
func (b *BridgeClient) SendText(ctx context.Context, conversationID, text string) (RemoteMessage, error) {
    body, err := json.Marshal(sendTextRequest{Text: text})
    if err != nil {
        return RemoteMessage{}, fmt.Errorf("encode send request: %w", err)
    }

    var wire remoteMessageWire
    path := fmt.Sprintf("/chats/%s/send", conversationID)
    if err := b.postJSON(ctx, path, body, &wire); err != nil {
        return RemoteMessage{}, fmt.Errorf("send text: %w", err)
    }

    return RemoteMessage{
        ID:        wire.ID,
        Timestamp: wire.Timestamp,
        FromMe:    true,
        Type:      store.MessageText,
        Content:   text,
        Status:    store.StatusSent,
    }, nil
}

type resolveNumberResponse struct {
    Number string `json:"number"`
}

// ResolveNumber implements Source.
func (b *BridgeClient) ResolveNumber(ctx context.Context, conversationID string) (string, error) {
    var resp resolveNumberResponse
    path := fmt.Sprintf("/chats/%s/number", conversationID)
    if err := b.getJSON(ctx, path, &resp); err != nil {
        return "", fmt.Errorf("resolve number: %w", err)
    }
    return resp.Number, nil
}

type mediaURLResponse struct {
    URL       string `json:"url"`
    TTLSecond int    `json:"ttlSeconds"`
}

// FetchMediaURL mints a fresh signed download URL for a media id,
// satisfying mediacache.Fetcher's signature directly so a BridgeClient
// can be used as-is wherever that cache needs an upstream fetcher.
func (b *BridgeClient) FetchMediaURL(ctx context.Context, mediaID string) (string, time.Duration, error) {
    var resp mediaURLResponse
    path := fmt.Sprintf("/media/%s", mediaID)
    if err := b.getJSON(ctx, path, &resp); err != nil {
        return "", 0, fmt.Errorf("fetch media url: %w", err)
    }
    return resp.URL, time.Duration(resp.TTLSecond) * time.Second, nil
}

func mapMessageType(wireType string) store.MessageType {
    switch wireType {
    case "image":
        return store.MessageImage
    case "ptt", "audio":
        return store.MessageAudio
    case "video":
        return store.MessageVideo
    case "document":
        return store.MessageDocument
    case "location":
        return store.MessageLocation
    case "sticker":
        return store.MessageSticker
    default:
        return store.MessageText
    }
}

// mapAckToStatus follows the bridge's ack numbering: -1 error, 0
// pending, 1 sent (server received), 2 delivered, 3 read. Inbound
// messages (fromMe == false) are always reported received.
func mapAckToStatus(ack int, fromMe bool) store.MessageStatus {
    if !fromMe {
        return store.StatusReceived
    }
    switch {
    case ack < 0:
        return store.StatusFailed
    case ack == 0:
        return store.StatusPending
    case ack == 1:
        return store.StatusSent
    case ack == 2:
        return store.StatusDelivered
    default:
        return store.StatusRead
    }
}

func (b *BridgeClient) getJSON(ctx context.Context, path string, out interface{}) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
    if err != nil {
        return fmt.Errorf("create request: %w", err)
    }

    resp, err := b.httpClient.Do(req)
    if err != nil {
        return fmt.Errorf("request failed: %w", err)
    }
    defer resp.Body.Close()

    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("unexpected status: %d", resp.StatusCode)
    }
    return json.NewDecoder(resp.Body).Decode(out)
}

func (b *BridgeClient) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
    if err != nil {
        return fmt.Errorf("create request: %w", err)
    }
    req.Header.Set("Content-Type", "application/json")

    resp, err := b.httpClient.Do(req)
    if err != nil {
        return fmt.Errorf("request failed: %w", err)
    }
    defer resp.Body.Close()

    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("unexpected status: %d", resp.StatusCode)
    }
    return json.NewDecoder(resp.Body).Decode(out)
}
