package store

import (
    "context"
    "database/sql"
    "sync"
    "testing"

    _ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *DB {
    t.Helper()
    // Each test gets its own named in-memory database, so rows written by
    // one test are not visible to the next.
    sdb, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared&_pragma=foreign_keys(ON)")
    if err != nil {
        t.Fatalf("open test db: %v", err)
    }
    sdb.SetMaxOpenConns(1)

    if err := RunMigrations(sdb); err != nil {
        t.Fatalf("run migrations: %v", err)
    }

    return &DB{DB: sdb, ok: true, stmts: NewStmtCache(sdb), mu: sync.RWMutex{}}
}

func TestChatUpsertTimestampNeverRegresses(t *testing.T) {
    db := newTestDB(t)
    repo := NewChatRepo(db)
    ctx := context.Background()

    if err := repo.Upsert(ctx, &Chat{ID: "sms_7", Provider: ProviderSMS, Timestamp: 100}); err != nil {
        t.Fatalf("upsert: %v", err)
    }
    if err := repo.Upsert(ctx, &Chat{ID: "sms_7", Provider: ProviderSMS, Timestamp: 50}); err != nil {
        t.Fatalf("upsert: %v", err)
    }

    got, err := repo.Get(ctx, "sms_7")
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    if got.Timestamp != 100 {
        t.Fatalf("expected timestamp to stay at 100, got %d", got.Timestamp)
    }
}

func TestMessageIngestIdempotentAndMonotoneStatus(t *testing.T) {
    db := newTestDB(t)
    chats := NewChatRepo(db)
    messages := NewMessageRepo(db)
    ctx := context.Background()

    if err := chats.Upsert(ctx, &Chat{ID: "sms_7", Provider: ProviderSMS}); err != nil {
        t.Fatalf("upsert chat: %v", err)
    }

    m := &Message{ChatID: "sms_7", ID: "m1", Timestamp: 10, Status: StatusSent, Content: "hi"}
    inserted, err := messages.Ingest(ctx, m)
    if err != nil || !inserted {
        t.Fatalf("expected first ingest to insert, got inserted=%v err=%v", inserted, err)
    }

    inserted, err = messages.Ingest(ctx, m)
    if err != nil || inserted {
        t.Fatalf("expected re-ingest to be a no-op, got inserted=%v err=%v", inserted, err)
    }

    // read -> sent must be discarded
    if _, err := messages.Ingest(ctx, &Message{ChatID: "sms_7", ID: "m1", Timestamp: 10, Status: StatusRead}); err != nil {
        t.Fatalf("ingest read: %v", err)
    }
    if _, err := messages.Ingest(ctx, &Message{ChatID: "sms_7", ID: "m1", Timestamp: 10, Status: StatusSent}); err != nil {
        t.Fatalf("ingest regression: %v", err)
    }
    got, err := messages.Get(ctx, "sms_7", "m1")
    if err != nil {
        t.Fatalf("get: %v", err)
    }
    if got.Status != StatusRead {
        t.Fatalf("expected status to remain 'read', got %q", got.Status)
    }
}

func TestCallDedupOnBackendUniqueID(t *testing.T) {
    db := newTestDB(t)
    repo := NewCallRepo(db)
    ctx := context.Background()

    c := &Call{ID: "pbx_1", Direction: DirectionIncoming, StartTime: 0, Status: CallAnswered, BackendUniqueID: "cdr-1"}
    dropped, err := repo.Insert(ctx, c)
    if err != nil || dropped {
        t.Fatalf("expected first insert to succeed, dropped=%v err=%v", dropped, err)
    }

    c2 := &Call{ID: "pbx_2", Direction: DirectionIncoming, StartTime: 0, Status: CallAnswered, BackendUniqueID: "cdr-1"}
    dropped, err = repo.Insert(ctx, c2)
    if err != nil {
        t.Fatalf("second insert errored: %v", err)
    }
    if !dropped {
        t.Fatalf("expected duplicate CDR to be dropped")
    }
}

func TestExtensionAllocationConcurrentCallersGetDistinctNumbers(t *testing.T) {
    db := newTestDB(t)
    repo := NewExtensionRepo(db)
    ctx := context.Background()

    // voip_extensions.user_id references users(id), and foreign keys are on.
    for _, id := range []int64{1, 2, 10, 11} {
        if _, err := db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash) VALUES (?, 'user-' || ?, 'x')`, id, id); err != nil {
            t.Fatalf("seed user %d: %v", id, err)
        }
    }

    seed := []string{"1000", "1001"}
    for i, ext := range seed {
        err := db.Transaction(ctx, func(tx *sql.Tx) error {
            e := &VoIPExtension{UserID: int64(i + 1), Extension: ext, Secret: "x"}
            return repo.CreateTx(ctx, tx, e)
        })
        if err != nil {
            t.Fatalf("seed extension %s: %v", ext, err)
        }
    }

    results := make(chan string, 2)
    errs := make(chan error, 2)
    var wg sync.WaitGroup
    for i := 0; i < 2; i++ {
        wg.Add(1)
        go func(userID int64) {
            defer wg.Done()
            var next string
            err := db.Transaction(ctx, func(tx *sql.Tx) error {
                n, err := repo.NextExtension(ctx, tx, 1000)
                if err != nil {
                    return err
                }
                next = n
                return repo.CreateTx(ctx, tx, &VoIPExtension{UserID: userID, Extension: n, Secret: "x"})
            })
            if err != nil {
                errs <- err
                return
            }
            results <- next
        }(int64(i + 10))
    }
    wg.Wait()
    close(results)
    close(errs)

    for err := range errs {
        t.Fatalf("concurrent allocation failed: %v", err)
    }

    seen := map[string]bool{}
    for r := range results {
        if seen[r] {
            t.Fatalf("duplicate extension allocated: %s", r)
        }
        seen[r] = true
    }
    if len(seen) != 2 {
        t.Fatalf("expected 2 distinct extensions, got %d", len(seen))
    }
}
