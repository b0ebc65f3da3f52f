package store

import (
    "context"
    "database/sql"
    "strings"
    "time"

    "github.com/nourikan/commgateway/pkg/errors"
)

type UserRepo struct{ db *DB }

func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) Create(ctx context.Context, u *User) error {
    stmt, err := r.db.stmts.Prepare(`INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "prepare create user")
    }
    res, err := stmt.ExecContext(ctx, u.Username, u.PasswordHash, u.Role)
    if err != nil {
        if isUniqueViolation(err) {
            return errors.New(errors.ErrConflict, "username already exists")
        }
        return errors.Wrap(err, errors.ErrFatal, "create user")
    }
    id, _ := res.LastInsertId()
    u.ID = id
    return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*User, error) {
    return r.scanOne(ctx, `SELECT id, username, password_hash, role, created_at, updated_at FROM users WHERE id = ?`, id)
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
    return r.scanOne(ctx, `SELECT id, username, password_hash, role, created_at, updated_at FROM users WHERE username = ?`, username)
}

func (r *UserRepo) scanOne(ctx context.Context, query string, arg interface{}) (*User, error) {
    var u User
    var createdAt, updatedAt string
    err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &createdAt, &updatedAt)
    if err == sql.ErrNoRows {
        return nil, errors.New(errors.ErrNotFound, "user not found")
    }
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "get user")
    }
    u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
    u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
    return &u, nil
}

// Delete cascades to sessions/push tokens/voip extensions via ON DELETE CASCADE.
func (r *UserRepo) Delete(ctx context.Context, id int64) error {
    res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "delete user")
    }
    n, _ := res.RowsAffected()
    if n == 0 {
        return errors.New(errors.ErrNotFound, "user not found")
    }
    return nil
}

func isUniqueViolation(err error) bool {
    return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}
