// Package reflector implements the chat reflector (C8): it mirrors a
// polling-only remote conversation store into the local database with
// adaptive backoff (spec §4.8).
package reflector

import (
    "context"
    "sync"
    "time"

    "github.com/nourikan/commgateway/internal/pushbus"
    "github.com/nourikan/commgateway/internal/store"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// RemoteConversation is one entry from the remote conversation index.
type RemoteConversation struct {
    ID       string
    Provider store.ChatProvider
}

// RemoteMessage is one message fetched from a remote conversation.
type RemoteMessage struct {
    ID        string
    Timestamp int64
    FromMe    bool
    Type      store.MessageType
    Content   string
    SenderID  string
    MediaURL  string
    Status    store.MessageStatus
}

// Source is the remote backend being mirrored (e.g. a WhatsApp bridge).
type Source interface {
    FetchConversationIndex(ctx context.Context) ([]RemoteConversation, error)
    FetchRecentMessages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error)
    SendText(ctx context.Context, conversationID, text string) (RemoteMessage, error)
    ResolveNumber(ctx context.Context, conversationID string) (string, error)
}

const (
    defaultSyncLimit    = 20
    startupSyncLimit    = 5000
    logRepeatedAfter    = 3 // log an identical repeated error only this many times before going quiet
)

type Config struct {
    SyncInterval    time.Duration
    MaxSyncInterval time.Duration

    // FullHistory controls the first sync cycle's page size: false (the
    // default) bounds it to the normal per-cycle window like every later
    // cycle, true requests the full startup backfill instead.
    FullHistory bool
}

func (c *Config) setDefaults() {
    if c.SyncInterval == 0 {
        c.SyncInterval = 5 * time.Second
    }
    if c.MaxSyncInterval == 0 {
        c.MaxSyncInterval = 60 * time.Second
    }
}

// Reflector runs the poll loop for one remote source.
type Reflector struct {
    cfg    Config
    source Source
    chats  *store.ChatRepo
    msgs   *store.MessageRepo
    bus    *pushbus.Bus

    shutdown chan struct{}
    wg       sync.WaitGroup

    mu              sync.Mutex
    lastErr         string
    repeatCount     int
    firstCycleDone  bool
}

func New(cfg Config, source Source, chats *store.ChatRepo, msgs *store.MessageRepo, bus *pushbus.Bus) *Reflector {
    cfg.setDefaults()
    return &Reflector{
        cfg:      cfg,
        source:   source,
        chats:    chats,
        msgs:     msgs,
        bus:      bus,
        shutdown: make(chan struct{}),
    }
}

// Run blocks, running the poll loop until Stop is called or ctx is
// cancelled (spec §4.8).
func (r *Reflector) Run(ctx context.Context) {
    r.wg.Add(1)
    defer r.wg.Done()

    backoff := r.cfg.SyncInterval
    for {
        select {
        case <-ctx.Done():
            return
        case <-r.shutdown:
            return
        case <-time.After(backoff):
        }

        if err := r.syncOnce(ctx); err != nil {
            r.logFailure(err)
            backoff *= 2
            if backoff > r.cfg.MaxSyncInterval {
                backoff = r.cfg.MaxSyncInterval
            }
            continue
        }

        r.logRecoveryIfNeeded()
        backoff = r.cfg.SyncInterval
    }
}

func (r *Reflector) Stop() {
    select {
    case <-r.shutdown:
    default:
        close(r.shutdown)
    }
    r.wg.Wait()
}

func (r *Reflector) syncOnce(ctx context.Context) error {
    conversations, err := r.source.FetchConversationIndex(ctx)
    if err != nil {
        return errors.Wrap(err, errors.ErrUnavailable, "fetch conversation index")
    }

    limit := defaultSyncLimit
    r.mu.Lock()
    if !r.firstCycleDone && r.cfg.FullHistory {
        limit = startupSyncLimit
    }
    r.mu.Unlock()

    for _, conv := range conversations {
        if err := r.syncConversation(ctx, conv, limit); err != nil {
            logger.WithError(err).WithField("conversation", conv.ID).Warn("conversation sync failed, continuing with others")
        }
    }

    r.mu.Lock()
    r.firstCycleDone = true
    r.mu.Unlock()
    return nil
}

func (r *Reflector) syncConversation(ctx context.Context, conv RemoteConversation, limit int) error {
    if err := r.chats.Upsert(ctx, &store.Chat{ID: conv.ID, Provider: conv.Provider}); err != nil {
        return err
    }

    messages, err := r.source.FetchRecentMessages(ctx, conv.ID, limit)
    if err != nil {
        return err
    }

    var maxTimestamp int64
    for _, m := range messages {
        if m.Timestamp > maxTimestamp {
            maxTimestamp = m.Timestamp
        }
        stored := &store.Message{
            ChatID:    conv.ID,
            ID:        m.ID,
            FromMe:    m.FromMe,
            Type:      m.Type,
            Content:   m.Content,
            SenderID:  m.SenderID,
            Timestamp: m.Timestamp,
            Status:    m.Status,
            MediaURL:  m.MediaURL,
        }
        inserted, err := r.msgs.Ingest(ctx, stored)
        if err != nil {
            logger.WithError(err).WithField("message", m.ID).Warn("message ingest failed")
            continue
        }
        if inserted && !m.FromMe && r.bus != nil {
            r.bus.Publish(pushbus.Event{Type: pushbus.EventNewMessage, Payload: stored})
        }
    }

    if maxTimestamp > 0 {
        return r.chats.BumpTimestamp(ctx, conv.ID, maxTimestamp)
    }
    return nil
}

// SendText posts the text to the remote source under the chat id as
// given, and on success immediately echoes the sent message locally so
// that the next poll cycle does not cause UI flicker (spec §4.8). It does
// not resolve the chat id to a remote number: Source.ResolveNumber is
// not called here.
func (r *Reflector) SendText(ctx context.Context, chatID, text string) (*store.Message, error) {
    sent, err := r.source.SendText(ctx, chatID, text)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrUnavailable, "send text via remote source")
    }

    msg := &store.Message{
        ChatID:    chatID,
        ID:        sent.ID,
        FromMe:    true,
        Type:      sent.Type,
        Content:   text,
        Timestamp: sent.Timestamp,
        Status:    store.StatusSent,
    }
    if _, err := r.msgs.Ingest(ctx, msg); err != nil {
        logger.WithError(err).Warn("failed to echo locally sent message")
    }
    if err := r.chats.BumpTimestamp(ctx, chatID, sent.Timestamp); err != nil {
        logger.WithError(err).Warn("failed to bump chat timestamp after local echo")
    }

    if r.bus != nil {
        r.bus.Publish(pushbus.Event{Type: pushbus.EventNewMessage, Payload: msg})
    }
    return msg, nil
}

func (r *Reflector) logFailure(err error) {
    r.mu.Lock()
    defer r.mu.Unlock()

    msg := err.Error()
    if msg == r.lastErr {
        r.repeatCount++
        if r.repeatCount > logRepeatedAfter {
            return
        }
    } else {
        r.repeatCount = 0
        r.lastErr = msg
    }
    logger.WithError(err).Warn("chat reflector sync cycle failed")
}

func (r *Reflector) logRecoveryIfNeeded() {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.lastErr != "" {
        logger.Info("chat reflector sync recovered")
        r.lastErr = ""
        r.repeatCount = 0
    }
}
