package store

import (
    "context"
    "database/sql"

    "github.com/nourikan/commgateway/pkg/errors"
)

type CallRepo struct{ db *DB }

func NewCallRepo(db *DB) *CallRepo { return &CallRepo{db: db} }

// Insert writes one authoritative call row. If BackendUniqueID is set and
// already present, the insert is silently dropped (spec §4.4 CDR dedup;
// spec §8 invariant: feeding the same CDR twice produces exactly one row)
// and dropped=true is returned.
func (r *CallRepo) Insert(ctx context.Context, c *Call) (dropped bool, err error) {
    c.ComputeDuration()

    if c.BackendUniqueID != "" {
        var exists int
        err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls WHERE backend_unique_id = ?`, c.BackendUniqueID).Scan(&exists)
        if err != nil {
            return false, errors.Wrap(err, errors.ErrFatal, "check call dedup")
        }
        if exists > 0 {
            return true, nil
        }
    }

    var backendID interface{}
    if c.BackendUniqueID != "" {
        backendID = c.BackendUniqueID
    }

    res, err := r.db.ExecContext(ctx,
        `INSERT INTO calls (call_id, direction, caller_number, called_number, caller_name, line_name, device_name,
            start_time, answer_time, end_time, duration, status, answered_by_id, answered_by_user, answered_by_ext,
            source, backend_unique_id, seen, notes, recording_url, raw_payload)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
        c.ID, c.Direction, c.CallerNumber, c.CalledNumber, c.CallerName, c.LineName, c.DeviceName,
        c.StartTime, c.AnswerTime, c.EndTime, c.Duration, c.Status, c.AnsweredByID, c.AnsweredByUser, c.AnsweredByExt,
        c.Source, backendID, c.Seen, c.Notes, c.RecordingURL, c.RawPayload,
    )
    if err != nil {
        if isUniqueViolation(err) {
            return true, nil
        }
        return false, errors.Wrap(err, errors.ErrFatal, "insert call")
    }
    id, _ := res.LastInsertId()
    _ = id
    return false, nil
}

func (r *CallRepo) GetByCallID(ctx context.Context, callID string) (*Call, error) {
    var c Call
    var answeredByID sql.NullInt64
    err := r.db.QueryRowContext(ctx,
        `SELECT call_id, direction, caller_number, called_number, caller_name, line_name, device_name,
            start_time, answer_time, end_time, duration, status, answered_by_id, answered_by_user, answered_by_ext,
            source, COALESCE(backend_unique_id,''), seen, notes, recording_url, raw_payload
         FROM calls WHERE call_id = ?`, callID,
    ).Scan(&c.ID, &c.Direction, &c.CallerNumber, &c.CalledNumber, &c.CallerName, &c.LineName, &c.DeviceName,
        &c.StartTime, &c.AnswerTime, &c.EndTime, &c.Duration, &c.Status, &answeredByID, &c.AnsweredByUser, &c.AnsweredByExt,
        &c.Source, &c.BackendUniqueID, &c.Seen, &c.Notes, &c.RecordingURL, &c.RawPayload)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "call not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "get call")
    }
    if answeredByID.Valid {
        c.AnsweredByID = &answeredByID.Int64
    }
    return &c, nil
}

func (r *CallRepo) PurgeOlderThan(ctx context.Context, cutoffSeconds int64) (int64, error) {
    res, err := r.db.ExecContext(ctx, `DELETE FROM calls WHERE start_time < ?`, cutoffSeconds)
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrFatal, "purge calls")
    }
    n, _ := res.RowsAffected()
    return n, nil
}
