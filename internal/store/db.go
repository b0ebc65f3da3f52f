package store

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "sync"
    "time"

    _ "modernc.org/sqlite"

    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// Config describes the embedded relational engine's connection and pool
// settings. Path points at a single database file under the persistence
// directory (config key database.path, overridable by PERSISTENCE_DIR).
type Config struct {
    Path            string
    MaxOpenConns    int
    MaxIdleConns    int
    ConnMaxLifetime time.Duration
    RetryAttempts   int
    RetryDelay      time.Duration
}

// DB wraps a *sql.DB opened against a single embedded database file with
// write-ahead logging enabled, plus a cached prepared-statement pool that
// repositories in this package may draw on (the user repository does;
// the others run their queries directly).
type DB struct {
    *sql.DB
    cfg   Config
    mu    sync.RWMutex
    ok    bool
    stmts *StmtCache
}

var (
    instance *DB
    once     sync.Once
)

func Initialize(cfg Config) error {
    var err error
    once.Do(func() {
        instance, err = newDB(cfg)
    })
    return err
}

// GetDB returns the process-wide store handle. Panics if Initialize was
// never called — a programming error, not a runtime condition.
func GetDB() *DB {
    if instance == nil {
        panic("store not initialized")
    }
    return instance
}

func newDB(cfg Config) (*DB, error) {
    dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)

    var sdb *sql.DB
    var err error

    for i := 0; i <= cfg.RetryAttempts; i++ {
        sdb, err = sql.Open("sqlite", dsn)
        if err == nil {
            err = sdb.Ping()
            if err == nil {
                break
            }
        }

        if i < cfg.RetryAttempts {
            logger.WithField("attempt", i+1).WithError(err).Warn("store connection failed, retrying")
            time.Sleep(cfg.RetryDelay * time.Duration(i+1))
        }
    }

    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "failed to open store")
    }

    // A single-file SQLite connection serialises writers internally; cap
    // the pool low to avoid SQLITE_BUSY storms under WAL.
    if cfg.MaxOpenConns <= 0 {
        cfg.MaxOpenConns = 8
    }
    sdb.SetMaxOpenConns(cfg.MaxOpenConns)
    sdb.SetMaxIdleConns(cfg.MaxIdleConns)
    sdb.SetConnMaxLifetime(cfg.ConnMaxLifetime)

    if err := RunMigrations(sdb); err != nil {
        sdb.Close()
        return nil, err
    }

    wrapper := &DB{
        DB:    sdb,
        cfg:   cfg,
        ok:    true,
        stmts: NewStmtCache(sdb),
    }

    go wrapper.healthCheck()

    logger.Info("store connection established")
    return wrapper, nil
}

func (db *DB) healthCheck() {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()

    for range ticker.C {
        ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        err := db.PingContext(ctx)
        cancel()

        db.mu.Lock()
        was := db.ok
        db.ok = err == nil
        db.mu.Unlock()

        if was != db.ok {
            if db.ok {
                logger.Info("store connection recovered")
            } else {
                logger.WithError(err).Error("store connection lost")
            }
        }
    }
}

func (db *DB) IsHealthy() bool {
    db.mu.RLock()
    defer db.mu.RUnlock()
    return db.ok
}

// Transaction runs fn inside a transaction, retrying on transient (busy/
// locked) errors. Multi-row mutations and any multi-step invariant (e.g.
// extension allocation) must go through this, not ad-hoc Exec calls.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
    var err error
    attempts := db.cfg.RetryAttempts
    if attempts <= 0 {
        attempts = 3
    }
    for i := 0; i <= attempts; i++ {
        err = db.transaction(ctx, fn)
        if err == nil {
            return nil
        }

        if !isRetryableError(err) {
            return err
        }

        if i < attempts {
            select {
            case <-ctx.Done():
                return ctx.Err()
            case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
                logger.WithField("attempt", i+1).WithError(err).Warn("transaction failed, retrying")
            }
        }
    }

    return errors.Wrap(err, errors.ErrFatal, "transaction failed after retries")
}

func (db *DB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return err
    }

    defer func() {
        if p := recover(); p != nil {
            tx.Rollback()
            panic(p)
        }
    }()

    if err := fn(tx); err != nil {
        tx.Rollback()
        return err
    }

    return tx.Commit()
}

func isRetryableError(err error) bool {
    if err == nil {
        return false
    }

    msg := strings.ToLower(err.Error())
    for _, s := range []string{"database is locked", "busy", "timeout"} {
        if strings.Contains(msg, s) {
            return true
        }
    }
    return false
}

// StmtCache memoises prepared statements keyed by query text, shared
// across repositories against the same *sql.DB.
type StmtCache struct {
    mu    sync.RWMutex
    stmts map[string]*sql.Stmt
    db    *sql.DB
}

func NewStmtCache(db *sql.DB) *StmtCache {
    return &StmtCache{
        stmts: make(map[string]*sql.Stmt),
        db:    db,
    }
}

func (c *StmtCache) Prepare(query string) (*sql.Stmt, error) {
    c.mu.RLock()
    stmt, exists := c.stmts[query]
    c.mu.RUnlock()

    if exists {
        return stmt, nil
    }

    c.mu.Lock()
    defer c.mu.Unlock()

    if stmt, exists := c.stmts[query]; exists {
        return stmt, nil
    }

    stmt, err := c.db.Prepare(query)
    if err != nil {
        return nil, err
    }

    c.stmts[query] = stmt
    return stmt, nil
}

func (c *StmtCache) Close() {
    c.mu.Lock()
    defer c.mu.Unlock()

    for _, stmt := range c.stmts {
        stmt.Close()
    }
    c.stmts = make(map[string]*sql.Stmt)
}
