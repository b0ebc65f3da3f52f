package store

import "time"

// ChatProvider tags which backend a Chat/Message belongs to.
type ChatProvider string

const (
    ProviderWhatsApp ChatProvider = "whatsapp"
    ProviderSMS      ChatProvider = "sms"
)

type MessageType string

const (
    MessageText     MessageType = "text"
    MessageImage    MessageType = "image"
    MessageAudio    MessageType = "audio"
    MessageVideo    MessageType = "video"
    MessageDocument MessageType = "document"
    MessageLocation MessageType = "location"
    MessageSticker  MessageType = "sticker"
)

type MessageStatus string

const (
    StatusPending   MessageStatus = "pending"
    StatusSent      MessageStatus = "sent"
    StatusDelivered MessageStatus = "delivered"
    StatusRead      MessageStatus = "read"
    StatusFailed    MessageStatus = "failed"
    StatusReceived  MessageStatus = "received"
)

// messageStatusRank orders MessageStatus for the monotone-transition check;
// "failed" is reachable from any rank but never left.
var messageStatusRank = map[MessageStatus]int{
    StatusPending:   0,
    StatusSent:      1,
    StatusDelivered: 2,
    StatusRead:      3,
    StatusReceived:  1,
    StatusFailed:    -1,
}

// AllowedTransition reports whether a message may move from 'from' to 'to'.
func AllowedTransition(from, to MessageStatus) bool {
    if to == StatusFailed {
        return true
    }
    fr, ok1 := messageStatusRank[from]
    tr, ok2 := messageStatusRank[to]
    if !ok1 || !ok2 {
        return false
    }
    if fr < 0 {
        return false // failed is terminal
    }
    return tr >= fr
}

type CallDirection string

const (
    DirectionIncoming CallDirection = "incoming"
    DirectionOutgoing CallDirection = "outgoing"
)

type CallStatus string

const (
    CallRinging  CallStatus = "ringing"
    CallAnswered CallStatus = "answered"
    CallMissed   CallStatus = "missed"
    CallBusy     CallStatus = "busy"
    CallFailed   CallStatus = "failed"
    CallRejected CallStatus = "rejected"
)

type Role string

const (
    RoleUser  Role = "user"
    RoleAdmin Role = "admin"
)

type User struct {
    ID           int64     `db:"id"`
    Username     string    `db:"username"`
    PasswordHash string    `db:"password_hash"`
    Role         Role      `db:"role"`
    CreatedAt    time.Time `db:"created_at"`
    UpdatedAt    time.Time `db:"updated_at"`
}

type Session struct {
    Token     string    `db:"token"`
    UserID    int64     `db:"user_id"`
    ExpiresAt time.Time `db:"expires_at"`
}

type Setting struct {
    Key       string    `db:"key"`
    Value     string    `db:"value"` // raw JSON
    UpdatedAt time.Time `db:"updated_at"`
}

type Chat struct {
    ID          string       `db:"id"`
    DisplayName string       `db:"display_name"`
    Provider    ChatProvider `db:"provider"`
    UnreadCount int          `db:"unread_count"`
    Timestamp   int64        `db:"timestamp"` // seconds since epoch
    LineID      string       `db:"line_id"`
    Metadata    string       `db:"metadata"` // raw JSON
}

type Message struct {
    ID         string        `db:"id"`
    ChatID     string        `db:"chat_id"`
    FromMe     bool          `db:"from_me"`
    Type       MessageType   `db:"type"`
    Content    string        `db:"content"`
    SenderID   string        `db:"sender_id"`
    Timestamp  int64         `db:"timestamp"`
    Status     MessageStatus `db:"status"`
    MediaURL   string        `db:"media_url"`
    RawPayload string        `db:"raw_payload"`
}

type AnsweredBy struct {
    UserID    int64  `json:"userId"`
    Username  string `json:"username"`
    Extension string `json:"extension"`
}

type Call struct {
    ID              string        `db:"id"`
    Direction       CallDirection `db:"direction"`
    CallerNumber    string        `db:"caller_number"`
    CalledNumber    string        `db:"called_number"`
    CallerName      string        `db:"caller_name"`
    LineName        string        `db:"line_name"`
    DeviceName      string        `db:"device_name"`
    StartTime       int64         `db:"start_time"`
    AnswerTime      *int64        `db:"answer_time"`
    EndTime         *int64        `db:"end_time"`
    Duration        int64         `db:"duration"`
    Status          CallStatus    `db:"status"`
    AnsweredByID    *int64        `db:"answered_by_id"`
    AnsweredByUser  string        `db:"answered_by_user"`
    AnsweredByExt   string        `db:"answered_by_ext"`
    Source          string        `db:"source"`
    BackendUniqueID string        `db:"backend_unique_id"`
    Seen            bool          `db:"seen"`
    Notes           string        `db:"notes"`
    RecordingURL    string        `db:"recording_url"`
    RawPayload      string        `db:"raw_payload"`
}

// ComputeDuration enforces the invariant: duration = max(0, end-answer)
// when answered, else 0.
func (c *Call) ComputeDuration() {
    if c.Status == CallAnswered && c.AnswerTime != nil && c.EndTime != nil {
        d := *c.EndTime - *c.AnswerTime
        if d < 0 {
            d = 0
        }
        c.Duration = d
        return
    }
    c.Duration = 0
}

type VoIPExtension struct {
    ID           int64     `db:"id"`
    UserID       int64     `db:"user_id"`
    Extension    string    `db:"extension"`
    Secret       string    `db:"secret"`
    DisplayName  string    `db:"display_name"`
    Context      string    `db:"context"`
    Transport    string    `db:"transport"`
    Codecs       string    `db:"codecs"` // comma-separated, in preference order (e.g. "ulaw,alaw")
    Enabled      bool      `db:"enabled"`
    WebRTCEnable bool      `db:"webrtc_enabled"`
    SyncedToPBX  bool      `db:"synced_to_pbx"`
    PBXSyncError string    `db:"pbx_sync_error"`
    CreatedAt    time.Time `db:"created_at"`
    UpdatedAt    time.Time `db:"updated_at"`
}

type PushToken struct {
    ID         int64     `db:"id"`
    UserID     int64     `db:"user_id"`
    Token      string    `db:"token"`
    Platform   string    `db:"platform"` // "android" | "ios"
    DeviceID   string    `db:"device_id"`
    CreatedAt  time.Time `db:"created_at"`
    LastUsedAt time.Time `db:"last_used_at"`
}

type WebPushSubscription struct {
    Endpoint string `db:"endpoint"`
    UserID   int64  `db:"user_id"`
    P256dh   string `db:"p256dh"`
    Auth     string `db:"auth"`
}
