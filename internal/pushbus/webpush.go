package pushbus

import (
    "bytes"
    "context"
    "crypto/ecdsa"
    "crypto/elliptic"
    "encoding/base64"
    "encoding/json"
    "fmt"
    "io"
    "math/big"
    "net/http"
    "strconv"
    "time"

    "github.com/golang-jwt/jwt/v5"

    "github.com/nourikan/commgateway/internal/store"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// No library in the example corpus covers VAPID web-push signing, so
// this is built directly on net/http + crypto/ecdsa + golang-jwt (the
// latter already used corpus-wide for bearer auth, here repurposed for
// VAPID's JWT claim).
//
// WebPusher delivers events to browser push endpoints registered via
// the Web Push protocol, deregistering endpoints the push service
// reports as gone (spec §4.2).
type WebPusher struct {
    subs    *store.DB
    vapid   *ecdsa.PrivateKey
    subject string
    client  *http.Client
}

func NewWebPusher(db *store.DB, vapidPrivateKeyB64, subject string) (*WebPusher, error) {
    key, err := parseVAPIDKey(vapidPrivateKeyB64)
    if err != nil {
        return nil, err
    }
    return &WebPusher{
        subs:    db,
        vapid:   key,
        subject: subject,
        client:  &http.Client{Timeout: 10 * time.Second},
    }, nil
}

func parseVAPIDKey(b64 string) (*ecdsa.PrivateKey, error) {
    raw, err := base64.RawURLEncoding.DecodeString(b64)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInvalidInput, "decode vapid key")
    }
    curve := elliptic.P256()
    key := new(ecdsa.PrivateKey)
    key.PublicKey.Curve = curve
    key.D = new(big.Int).SetBytes(raw)
    key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
    return key, nil
}

// Send delivers one push message to the given subscription. On a 404 or
// 410 response the subscription is deregistered (spec §4.2).
func (w *WebPusher) Send(ctx context.Context, sub *store.WebPushSubscription, payload []byte) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "build web push request")
    }
    req.Header.Set("Content-Type", "application/octet-stream")
    req.Header.Set("TTL", strconv.Itoa(int((24 * time.Hour).Seconds())))

    vapidHeader, err := w.vapidAuthHeader(sub.Endpoint)
    if err != nil {
        return err
    }
    req.Header.Set("Authorization", vapidHeader)

    resp, err := w.client.Do(req)
    if err != nil {
        return errors.Wrap(err, errors.ErrUnavailable, "web push request failed")
    }
    defer resp.Body.Close()
    io.Copy(io.Discard, resp.Body)

    if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
        logger.WithField("endpoint", sub.Endpoint).Info("web push endpoint gone, deregistering")
        return w.deregister(ctx, sub.Endpoint)
    }
    if resp.StatusCode >= 300 {
        return errors.New(errors.ErrUnavailable, fmt.Sprintf("web push rejected with status %d", resp.StatusCode))
    }
    return nil
}

// Run subscribes to the bus and fans every event out to every
// registered web-push endpoint, until ctx is canceled, mirroring
// MobilePusher.Run's shared-inbox broadcast model.
func (w *WebPusher) Run(ctx context.Context, bus *Bus) {
    sub := bus.Subscribe(KindWebPush)
    defer bus.Unsubscribe(sub)

    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-sub.C:
            if !ok {
                return
            }
            w.dispatch(ctx, e)
        }
    }
}

func (w *WebPusher) dispatch(ctx context.Context, e Event) {
    payload, err := json.Marshal(e)
    if err != nil {
        logger.WithError(err).Warn("web push dispatch: failed to encode event")
        return
    }

    subs, err := w.listSubscriptions(ctx)
    if err != nil {
        logger.WithError(err).Warn("web push dispatch: failed to list subscriptions")
        return
    }
    for _, sub := range subs {
        if err := w.Send(ctx, sub, payload); err != nil {
            logger.WithError(err).WithField("endpoint", sub.Endpoint).Warn("web push send failed")
        }
    }
}

func (w *WebPusher) listSubscriptions(ctx context.Context) ([]*store.WebPushSubscription, error) {
    rows, err := w.subs.QueryContext(ctx, `SELECT endpoint, user_id, p256dh, auth FROM web_push_subscriptions`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "list web push subscriptions")
    }
    defer rows.Close()

    var out []*store.WebPushSubscription
    for rows.Next() {
        var s store.WebPushSubscription
        if err := rows.Scan(&s.Endpoint, &s.UserID, &s.P256dh, &s.Auth); err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "scan web push subscription")
        }
        out = append(out, &s)
    }
    return out, rows.Err()
}

func (w *WebPusher) deregister(ctx context.Context, endpoint string) error {
    _, err := w.subs.ExecContext(ctx, `DELETE FROM web_push_subscriptions WHERE endpoint = ?`, endpoint)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "deregister web push subscription")
    }
    return nil
}

// vapidAuthHeader builds the "vapid t=<jwt>, k=<public key>" header per
// the Voluntary Application Server Identification spec.
func (w *WebPusher) vapidAuthHeader(endpoint string) (string, error) {
    claims := jwt.MapClaims{
        "aud": audienceFor(endpoint),
        "exp": time.Now().Add(12 * time.Hour).Unix(),
        "sub": w.subject,
    }
    tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
    signed, err := tok.SignedString(w.vapid)
    if err != nil {
        return "", errors.Wrap(err, errors.ErrFatal, "sign vapid jwt")
    }

    pub := elliptic.Marshal(w.vapid.PublicKey.Curve, w.vapid.PublicKey.X, w.vapid.PublicKey.Y)
    return fmt.Sprintf("vapid t=%s, k=%s", signed, base64.RawURLEncoding.EncodeToString(pub)), nil
}

func audienceFor(endpoint string) string {
    if idx := indexAfterScheme(endpoint); idx > 0 {
        return endpoint[:idx]
    }
    return endpoint
}

// indexAfterScheme finds the end of "https://host" within a push
// endpoint URL without pulling in net/url for a one-line parse.
func indexAfterScheme(endpoint string) int {
    const scheme = "https://"
    if len(endpoint) <= len(scheme) || endpoint[:len(scheme)] != scheme {
        return 0
    }
    for i := len(scheme); i < len(endpoint); i++ {
        if endpoint[i] == '/' {
            return i
        }
    }
    return len(endpoint)
}
