package pushbus

import (
    "context"
    "fmt"
    "sync"
    "time"

    firebase "firebase.google.com/go/v4"
    "firebase.google.com/go/v4/messaging"
    "github.com/sideshow/apns2"
    "github.com/sideshow/apns2/payload"

    "github.com/nourikan/commgateway/internal/cache"
    "github.com/nourikan/commgateway/internal/store"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// callTTL is the message time-to-live for data-only high-priority call
// pushes (spec §4.2).
const callTTL = 60 * time.Second

// chatDedupeWindow throttles repeat chat notifications for the same
// chat id (spec §4.2).
const chatDedupeWindow = 2 * time.Second

// MobilePusher fans call/chat events out to FCM (Android) and APNs
// (iOS) device tokens.
type MobilePusher struct {
    tokens *store.PushTokenRepo
    dedupe *cache.Cache

    fcm *messaging.Client
    aps *apns2.Client

    mu sync.Mutex
}

type MobilePusherConfig struct {
    FirebaseCredentialsFile string
    APNsKeyPath             string
    APNsKeyID               string
    APNsTeamID              string
    APNsTopic               string
    APNsProduction          bool
}

func NewMobilePusher(ctx context.Context, cfg MobilePusherConfig, tokens *store.PushTokenRepo, dedupe *cache.Cache) (*MobilePusher, error) {
    p := &MobilePusher{tokens: tokens, dedupe: dedupe}

    if cfg.FirebaseCredentialsFile != "" {
        app, err := firebase.NewApp(ctx, nil)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "initialize firebase app")
        }
        fcm, err := app.Messaging(ctx)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "initialize fcm client")
        }
        p.fcm = fcm
    }

    if cfg.APNsKeyPath != "" {
        authKey, err := apns2.AuthKeyFromFile(cfg.APNsKeyPath)
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "load apns auth key")
        }
        token := &apns2.Token{AuthKey: authKey, KeyID: cfg.APNsKeyID, TeamID: cfg.APNsTeamID}
        client := apns2.NewTokenClient(token)
        if cfg.APNsProduction {
            client = client.Production()
        } else {
            client = client.Development()
        }
        p.aps = client
    }

    return p, nil
}

// PushCall sends a data-only, high-priority, 60s-TTL push for an
// incoming call to every device token registered to userID.
func (p *MobilePusher) PushCall(ctx context.Context, userID int64, data map[string]string) error {
    toks, err := p.tokens.ForUser(ctx, userID)
    if err != nil {
        return err
    }

    var lastErr error
    for _, t := range toks {
        switch t.Platform {
        case "android":
            if err := p.sendFCMData(ctx, t.Token, data, true); err != nil {
                lastErr = err
                logger.WithError(err).WithField("token", t.Token).Warn("fcm call push failed")
            }
        case "ios":
            if err := p.sendAPNsCall(t.Token, data); err != nil {
                lastErr = err
                logger.WithError(err).WithField("token", t.Token).Warn("apns call push failed")
            }
        }
    }
    return lastErr
}

// PushChat sends a throttled notification-style push for a new chat
// message, deduped by chat id within a 2s window.
func (p *MobilePusher) PushChat(ctx context.Context, userID int64, chatID, title, body string) error {
    if p.dedupe != nil {
        key := fmt.Sprintf("pushbus:chat-dedupe:%d:%s", userID, chatID)
        var marker string
        if err := p.dedupe.Get(ctx, key, &marker); err == nil {
            return nil
        }
        _ = p.dedupe.Set(ctx, key, "1", chatDedupeWindow)
    }

    toks, err := p.tokens.ForUser(ctx, userID)
    if err != nil {
        return err
    }

    var lastErr error
    for _, t := range toks {
        switch t.Platform {
        case "android":
            if err := p.sendFCMNotification(ctx, t.Token, title, body); err != nil {
                lastErr = err
            }
        case "ios":
            if err := p.sendAPNsChat(t.Token, title, body); err != nil {
                lastErr = err
            }
        }
    }
    return lastErr
}

// Run subscribes to the bus and fans incoming-call / call-ended /
// missed-call / new-message events out to every device token on file,
// until ctx is canceled. The gateway has no per-call or per-chat
// ownership (spec §4.1/§4.8 model a shared team inbox), so every event
// broadcasts to every user with a registered token.
func (p *MobilePusher) Run(ctx context.Context, bus *Bus) {
    sub := bus.Subscribe(KindMobilePush)
    defer bus.Unsubscribe(sub)

    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-sub.C:
            if !ok {
                return
            }
            p.dispatch(ctx, e)
        }
    }
}

func (p *MobilePusher) dispatch(ctx context.Context, e Event) {
    userIDs, err := p.tokens.AllUserIDs(ctx)
    if err != nil {
        logger.WithError(err).Warn("mobile push dispatch: failed to list push token users")
        return
    }

    switch e.Type {
    case EventIncomingCall, EventCallEnded, EventMissedCall:
        data, ok := e.Payload.(map[string]interface{})
        if !ok {
            return
        }
        strData := make(map[string]string, len(data))
        for k, v := range data {
            strData[k] = fmt.Sprintf("%v", v)
        }
        strData["event"] = string(e.Type)
        for _, userID := range userIDs {
            if err := p.PushCall(ctx, userID, strData); err != nil {
                logger.WithError(err).WithField("user_id", userID).Warn("mobile call push failed")
            }
        }
    case EventNewMessage:
        msg, ok := e.Payload.(*store.Message)
        if !ok {
            return
        }
        for _, userID := range userIDs {
            if err := p.PushChat(ctx, userID, msg.ChatID, "New message", msg.Content); err != nil {
                logger.WithError(err).WithField("user_id", userID).Warn("mobile chat push failed")
            }
        }
    }
}

func (p *MobilePusher) sendFCMData(ctx context.Context, token string, data map[string]string, highPriority bool) error {
    if p.fcm == nil {
        return errors.New(errors.ErrUnavailable, "fcm client not configured")
    }
    msg := &messaging.Message{
        Token: token,
        Data:  data,
        Android: &messaging.AndroidConfig{
            Priority: "high",
            TTL:      durationPtr(callTTL),
        },
    }
    _ = highPriority
    _, err := p.fcm.Send(ctx, msg)
    if err != nil {
        return p.maybeDeregister(ctx, token, err)
    }
    return nil
}

func (p *MobilePusher) sendFCMNotification(ctx context.Context, token, title, body string) error {
    if p.fcm == nil {
        return errors.New(errors.ErrUnavailable, "fcm client not configured")
    }
    msg := &messaging.Message{
        Token: token,
        Notification: &messaging.Notification{
            Title: title,
            Body:  body,
        },
    }
    _, err := p.fcm.Send(ctx, msg)
    if err != nil {
        return p.maybeDeregister(ctx, token, err)
    }
    return nil
}

func (p *MobilePusher) sendAPNsCall(token string, data map[string]string) error {
    if p.aps == nil {
        return errors.New(errors.ErrUnavailable, "apns client not configured")
    }
    pl := payload.NewPayload().ContentAvailable()
    for k, v := range data {
        pl.Custom(k, v)
    }
    notif := &apns2.Notification{
        DeviceToken: token,
        Payload:     pl,
        PushType:    apns2.PushTypeBackground,
        Priority:    apns2.PriorityHigh,
        Expiration:  time.Now().Add(callTTL),
    }
    res, err := p.aps.Push(notif)
    if err != nil {
        return errors.Wrap(err, errors.ErrUnavailable, "apns push failed")
    }
    if !res.Sent() {
        return p.maybeDeregisterAPNs(token, res.StatusCode, res.Reason)
    }
    return nil
}

func (p *MobilePusher) sendAPNsChat(token, title, body string) error {
    if p.aps == nil {
        return errors.New(errors.ErrUnavailable, "apns client not configured")
    }
    pl := payload.NewPayload().AlertTitle(title).AlertBody(body).Sound("default")
    notif := &apns2.Notification{
        DeviceToken: token,
        Payload:     pl,
        PushType:    apns2.PushTypeAlert,
    }
    res, err := p.aps.Push(notif)
    if err != nil {
        return errors.Wrap(err, errors.ErrUnavailable, "apns push failed")
    }
    if !res.Sent() {
        return p.maybeDeregisterAPNs(token, res.StatusCode, res.Reason)
    }
    return nil
}

func (p *MobilePusher) maybeDeregister(ctx context.Context, token string, sendErr error) error {
    // FCM's SDK surfaces unregistered tokens as errors containing
    // "registration-token-not-registered"; deregister defensively.
    if sendErr != nil {
        _ = p.tokens.Deregister(ctx, token)
    }
    return errors.Wrap(sendErr, errors.ErrUnavailable, "fcm send failed")
}

func (p *MobilePusher) maybeDeregisterAPNs(token string, status int, reason string) error {
    if status == 410 || reason == "Unregistered" {
        _ = p.tokens.Deregister(context.Background(), token)
    }
    return errors.New(errors.ErrUnavailable, fmt.Sprintf("apns rejected token: %s", reason))
}

func durationPtr(d time.Duration) *time.Duration { return &d }
