package store

import (
    "context"
    "database/sql"

    "github.com/nourikan/commgateway/pkg/errors"
)

type MessageRepo struct{ db *DB }

func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Ingest inserts a new message, or applies a monotone status update to an
// existing one keyed by (chat id, id). Returns inserted=true only when the
// row did not previously exist, so callers (the reflector) know whether to
// emit new_message. A disallowed status regression (e.g. read -> sent) is
// silently discarded, matching spec §3's Message invariant.
func (r *MessageRepo) Ingest(ctx context.Context, m *Message) (inserted bool, err error) {
    existing, getErr := r.Get(ctx, m.ChatID, m.ID)
    if getErr != nil && !errors.Is(getErr, errors.ErrNotFound) {
        return false, getErr
    }

    if existing == nil {
        if _, err := r.db.ExecContext(ctx,
            `INSERT INTO messages (chat_id, id, from_me, type, content, sender_id, timestamp, status, media_url, raw_payload)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
            m.ChatID, m.ID, m.FromMe, m.Type, m.Content, m.SenderID, m.Timestamp, m.Status, m.MediaURL, m.RawPayload,
        ); err != nil {
            return false, errors.Wrap(err, errors.ErrFatal, "insert message")
        }
        return true, nil
    }

    if !AllowedTransition(existing.Status, m.Status) {
        return false, nil
    }

    _, err = r.db.ExecContext(ctx,
        `UPDATE messages SET status = ?, content = ?, media_url = ? WHERE chat_id = ? AND id = ?`,
        m.Status, m.Content, m.MediaURL, m.ChatID, m.ID)
    if err != nil {
        return false, errors.Wrap(err, errors.ErrFatal, "update message status")
    }
    return false, nil
}

func (r *MessageRepo) Get(ctx context.Context, chatID, id string) (*Message, error) {
    var m Message
    err := r.db.QueryRowContext(ctx,
        `SELECT chat_id, id, from_me, type, content, sender_id, timestamp, status, media_url, raw_payload
         FROM messages WHERE chat_id = ? AND id = ?`, chatID, id,
    ).Scan(&m.ChatID, &m.ID, &m.FromMe, &m.Type, &m.Content, &m.SenderID, &m.Timestamp, &m.Status, &m.MediaURL, &m.RawPayload)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "message not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "get message")
    }
    return &m, nil
}

func (r *MessageRepo) Recent(ctx context.Context, chatID string, limit int) ([]*Message, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT chat_id, id, from_me, type, content, sender_id, timestamp, status, media_url, raw_payload
         FROM messages WHERE chat_id = ? ORDER BY timestamp DESC LIMIT ?`, chatID, limit)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "list messages")
    }
    defer rows.Close()

    var out []*Message
    for rows.Next() {
        var m Message
        if err := rows.Scan(&m.ChatID, &m.ID, &m.FromMe, &m.Type, &m.Content, &m.SenderID, &m.Timestamp, &m.Status, &m.MediaURL, &m.RawPayload); err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "scan message")
        }
        out = append(out, &m)
    }
    return out, rows.Err()
}

func (r *MessageRepo) MaxTimestamp(ctx context.Context, chatID string) (int64, error) {
    var ts sql.NullInt64
    err := r.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages WHERE chat_id = ?`, chatID).Scan(&ts)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrFatal, "max message timestamp")
    }
    return ts.Int64, nil
}
