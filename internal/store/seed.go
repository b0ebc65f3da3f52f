package store

import (
    "context"
    "database/sql"

    "golang.org/x/crypto/bcrypt"

    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

const defaultAdminPassword = "changeme"

// SeedDefaultAdmin creates the well-known first-run admin account when the
// users table is empty, and sets admin_password_changed=false so the (out
// of scope) setup surface knows not to consider first-boot complete. Safe
// to call on every start-up: it is a no-op once any user exists.
func SeedDefaultAdmin(ctx context.Context, db *DB) error {
    var count int
    if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
        return errors.Wrap(err, errors.ErrFatal, "failed to count users")
    }
    if count > 0 {
        return nil
    }

    hash, err := bcrypt.GenerateFromPassword([]byte(defaultAdminPassword), bcrypt.DefaultCost)
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "failed to hash default admin password")
    }

    return db.Transaction(ctx, func(tx *sql.Tx) error {
        if _, err := tx.ExecContext(ctx,
            `INSERT INTO users (username, password_hash, role) VALUES (?, ?, ?)`,
            "admin", string(hash), RoleAdmin,
        ); err != nil {
            return errors.Wrap(err, errors.ErrFatal, "failed to seed default admin")
        }

        if _, err := tx.ExecContext(ctx,
            `INSERT INTO settings (key, value) VALUES ('admin_password_changed', 'false')
             ON CONFLICT(key) DO NOTHING`,
        ); err != nil {
            return errors.Wrap(err, errors.ErrFatal, "failed to seed admin_password_changed setting")
        }

        logger.WithContext(ctx).Warn("seeded default admin account with the well-known password; change it before exposing the setup surface")
        return nil
    })
}
