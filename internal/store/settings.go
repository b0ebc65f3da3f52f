package store

import (
    "context"
    "database/sql"

    "github.com/nourikan/commgateway/pkg/errors"
)

type SettingsRepo struct{ db *DB }

func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

func (r *SettingsRepo) Get(ctx context.Context, key string) (string, error) {
    var value string
    err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
    if err == sql.ErrNoRows {
        return "", errors.New(errors.ErrNotFound, "setting not found")
    }
    if err != nil {
        return "", errors.Wrap(err, errors.ErrFatal, "get setting")
    }
    return value, nil
}

func (r *SettingsRepo) Set(ctx context.Context, key, value string) error {
    _, err := r.db.ExecContext(ctx,
        `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
        key, value)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "set setting")
    }
    return nil
}

func (r *SettingsRepo) All(ctx context.Context) (map[string]string, error) {
    rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM settings`)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "list settings")
    }
    defer rows.Close()

    out := make(map[string]string)
    for rows.Next() {
        var k, v string
        if err := rows.Scan(&k, &v); err != nil {
            return nil, errors.Wrap(err, errors.ErrFatal, "scan setting")
        }
        out[k] = v
    }
    return out, rows.Err()
}
