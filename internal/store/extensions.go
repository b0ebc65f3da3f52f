package store

import (
    "context"
    "database/sql"
    "strconv"

    "github.com/nourikan/commgateway/pkg/errors"
)

type ExtensionRepo struct{ db *DB }

func NewExtensionRepo(db *DB) *ExtensionRepo { return &ExtensionRepo{db: db} }

// NextExtension computes max(existing numeric extensions, startFrom-1)+1
// inside the given transaction, so the caller can insert the row in the
// same transaction and rely on the extensions unique index to fail any
// racing duplicate (spec §4.5 allocation policy, §8 invariant 7).
func (r *ExtensionRepo) NextExtension(ctx context.Context, tx *sql.Tx, startFrom int) (string, error) {
    rows, err := tx.QueryContext(ctx, `SELECT extension FROM voip_extensions`)
    if err != nil {
        return "", errors.Wrap(err, errors.ErrFatal, "scan extensions for allocation")
    }
    defer rows.Close()

    max := startFrom - 1
    for rows.Next() {
        var ext string
        if err := rows.Scan(&ext); err != nil {
            return "", errors.Wrap(err, errors.ErrFatal, "scan extension")
        }
        if n, err := strconv.Atoi(ext); err == nil && n > max {
            max = n
        }
    }
    if err := rows.Err(); err != nil {
        return "", errors.Wrap(err, errors.ErrFatal, "iterate extensions")
    }

    return strconv.Itoa(max + 1), nil
}

func (r *ExtensionRepo) CreateTx(ctx context.Context, tx *sql.Tx, e *VoIPExtension) error {
    res, err := tx.ExecContext(ctx,
        `INSERT INTO voip_extensions (user_id, extension, secret, display_name, context, transport, codecs, enabled, webrtc_enabled)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
        e.UserID, e.Extension, e.Secret, e.DisplayName, e.Context, e.Transport, e.Codecs, e.Enabled, e.WebRTCEnable,
    )
    if err != nil {
        if isUniqueViolation(err) {
            return errors.New(errors.ErrConflict, "extension or user already has an assignment")
        }
        return errors.Wrap(err, errors.ErrFatal, "create voip extension")
    }
    id, _ := res.LastInsertId()
    e.ID = id
    return nil
}

func (r *ExtensionRepo) SetSyncState(ctx context.Context, id int64, synced bool, syncErr string) error {
    _, err := r.db.ExecContext(ctx,
        `UPDATE voip_extensions SET synced_to_pbx = ?, pbx_sync_error = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id = ?`,
        synced, syncErr, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "update sync state")
    }
    return nil
}

func (r *ExtensionRepo) GetByExtension(ctx context.Context, extension string) (*VoIPExtension, error) {
    var e VoIPExtension
    err := r.db.QueryRowContext(ctx,
        `SELECT id, user_id, extension, secret, display_name, context, transport, codecs, enabled, webrtc_enabled, synced_to_pbx, pbx_sync_error
         FROM voip_extensions WHERE extension = ?`, extension,
    ).Scan(&e.ID, &e.UserID, &e.Extension, &e.Secret, &e.DisplayName, &e.Context, &e.Transport, &e.Codecs, &e.Enabled, &e.WebRTCEnable, &e.SyncedToPBX, &e.PBXSyncError)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "extension not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "get extension")
    }
    return &e, nil
}

func (r *ExtensionRepo) UpdateSecret(ctx context.Context, extension, secret string) error {
    res, err := r.db.ExecContext(ctx,
        `UPDATE voip_extensions SET secret = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE extension = ?`,
        secret, extension)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "update extension secret")
    }
    n, _ := res.RowsAffected()
    if n == 0 {
        return errors.New(errors.ErrNotFound, "extension not found")
    }
    return nil
}

func (r *ExtensionRepo) Delete(ctx context.Context, extension string) error {
    res, err := r.db.ExecContext(ctx, `DELETE FROM voip_extensions WHERE extension = ?`, extension)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "delete extension")
    }
    n, _ := res.RowsAffected()
    if n == 0 {
        return errors.New(errors.ErrNotFound, "extension not found")
    }
    return nil
}
