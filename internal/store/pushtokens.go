package store

import (
    "context"
    "time"

    "github.com/nourikan/commgateway/pkg/errors"
)

type PushTokenRepo struct{ db *DB }

func NewPushTokenRepo(db *DB) *PushTokenRepo { return &PushTokenRepo{db: db} }

func (r *PushTokenRepo) Upsert(ctx context.Context, t *PushToken) error {
    _, err := r.db.ExecContext(ctx,
        `INSERT INTO push_tokens (user_id, token, platform, device_id, last_used_at)
         VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
         ON CONFLICT(token) DO UPDATE SET last_used_at = excluded.last_used_at, platform = excluded.platform`,
        t.UserID, t.Token, t.Platform, t.DeviceID)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "upsert push token")
    }
    return nil
}

func (r *PushTokenRepo) Deregister(ctx context.Context, token string) error {
    _, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = ?`, token)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "deregister push token")
    }
    return nil
}

func (r *PushTokenRepo) ForUser(ctx context.Context, userID int64) ([]*PushToken, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT id, user_id, token, platform, device_id, created_at, last_used_at FROM push_tokens WHERE user_id = ?`, userID)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "list push tokens")
    }
    defer rows.Close()

    var out []*PushToken
    for rows.Next() {
        var t PushToken
        var created, lastUsed string
        if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.DeviceID, &created, &lastUsed); err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "scan push token")
        }
        t.CreatedAt, _ = time.Parse(time.RFC3339, created)
        t.LastUsedAt, _ = time.Parse(time.RFC3339, lastUsed)
        out = append(out, &t)
    }
    return out, rows.Err()
}

// AllUserIDs returns every distinct user id with at least one
// registered token, for broadcasting call/chat notifications across a
// shared team inbox rather than to a single owner.
func (r *PushTokenRepo) AllUserIDs(ctx context.Context) ([]int64, error) {
    rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM push_tokens`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "list push token user ids")
    }
    defer rows.Close()

    var out []int64
    for rows.Next() {
        var id int64
        if err := rows.Scan(&id); err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "scan push token user id")
        }
        out = append(out, id)
    }
    return out, rows.Err()
}

// PruneStale deletes tokens whose last_used_at predates the given cutoff.
func (r *PushTokenRepo) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
    res, err := r.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE last_used_at < ?`, cutoff.UTC().Format(time.RFC3339))
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrFatal, "prune stale push tokens")
    }
    n, _ := res.RowsAffected()
    return n, nil
}
