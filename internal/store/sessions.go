package store

import (
    "context"
    "crypto/rand"
    "database/sql"
    "encoding/hex"
    "time"

    "github.com/nourikan/commgateway/pkg/errors"
)

type SessionRepo struct{ db *DB }

func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

func NewSessionToken() (string, error) {
    buf := make([]byte, 32)
    if _, err := rand.Read(buf); err != nil {
        return "", errors.Wrap(err, errors.ErrFatal, "generate session token")
    }
    return hex.EncodeToString(buf), nil
}

func (r *SessionRepo) Create(ctx context.Context, s *Session) error {
    _, err := r.db.ExecContext(ctx,
        `INSERT INTO sessions (token, user_id, expires_at) VALUES (?, ?, ?)`,
        s.Token, s.UserID, s.ExpiresAt.UTC().Format(time.RFC3339))
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "create session")
    }
    return nil
}

func (r *SessionRepo) Get(ctx context.Context, token string) (*Session, error) {
    var s Session
    var expires string
    err := r.db.QueryRowContext(ctx,
        `SELECT token, user_id, expires_at FROM sessions WHERE token = ?`, token,
    ).Scan(&s.Token, &s.UserID, &expires)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "session not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "get session")
    }
    s.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
    if time.Now().After(s.ExpiresAt) {
        return nil, errors.New(errors.ErrUnauthenticated, "session expired")
    }
    return &s, nil
}

func (r *SessionRepo) Delete(ctx context.Context, token string) error {
    _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "delete session")
    }
    return nil
}

func (r *SessionRepo) PruneExpired(ctx context.Context) (int64, error) {
    res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC().Format(time.RFC3339))
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrFatal, "prune expired sessions")
    }
    n, _ := res.RowsAffected()
    return n, nil
}
