package store

import (
    "context"
    "database/sql"

    "github.com/nourikan/commgateway/pkg/errors"
)

type ChatRepo struct{ db *DB }

func NewChatRepo(db *DB) *ChatRepo { return &ChatRepo{db: db} }

// Upsert inserts a chat row or updates its mutable fields. timestamp is
// never regressed: an upsert with an older timestamp than what is stored
// keeps the stored value (spec §3 Chat invariant: timestamp monotone >=
// max message timestamp).
func (r *ChatRepo) Upsert(ctx context.Context, c *Chat) error {
    _, err := r.db.ExecContext(ctx,
        `INSERT INTO chats (id, display_name, provider, unread_count, timestamp, line_id, metadata)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            display_name = excluded.display_name,
            provider     = excluded.provider,
            line_id      = excluded.line_id,
            metadata     = excluded.metadata,
            timestamp    = MAX(chats.timestamp, excluded.timestamp)`,
        c.ID, c.DisplayName, c.Provider, c.UnreadCount, c.Timestamp, c.LineID, c.Metadata,
    )
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "upsert chat")
    }
    return nil
}

func (r *ChatRepo) Get(ctx context.Context, id string) (*Chat, error) {
    var c Chat
    err := r.db.QueryRowContext(ctx,
        `SELECT id, display_name, provider, unread_count, timestamp, line_id, metadata FROM chats WHERE id = ?`, id,
    ).Scan(&c.ID, &c.DisplayName, &c.Provider, &c.UnreadCount, &c.Timestamp, &c.LineID, &c.Metadata)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "chat not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "get chat")
    }
    return &c, nil
}

// BumpTimestamp raises chats.timestamp to at least ts, never lowering it.
func (r *ChatRepo) BumpTimestamp(ctx context.Context, chatID string, ts int64) error {
    _, err := r.db.ExecContext(ctx,
        `UPDATE chats SET timestamp = MAX(timestamp, ?) WHERE id = ?`, ts, chatID)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "bump chat timestamp")
    }
    return nil
}

func (r *ChatRepo) List(ctx context.Context, provider ChatProvider) ([]*Chat, error) {
    query := `SELECT id, display_name, provider, unread_count, timestamp, line_id, metadata FROM chats`
    args := []interface{}{}
    if provider != "" {
        query += ` WHERE provider = ?`
        args = append(args, provider)
    }
    query += ` ORDER BY timestamp DESC`

    rows, err := r.db.QueryContext(ctx, query, args...)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "list chats")
    }
    defer rows.Close()

    var out []*Chat
    for rows.Next() {
        var c Chat
        if err := rows.Scan(&c.ID, &c.DisplayName, &c.Provider, &c.UnreadCount, &c.Timestamp, &c.LineID, &c.Metadata); err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "scan chat")
        }
        out = append(out, &c)
    }
    return out, rows.Err()
}
