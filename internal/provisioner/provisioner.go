// Package provisioner implements the extension provisioner (C5): it
// composes PBX-MI primitives (db_put/db_del_tree/reload) with the store
// so that a VoIP extension is never left out of sync between the
// database and the PBX's own key-value store (spec §4.5).
package provisioner

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "time"

    "github.com/nourikan/commgateway/internal/cache"
    "github.com/nourikan/commgateway/internal/pbxmi"
    "github.com/nourikan/commgateway/internal/store"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

const defaultStartFrom = 1000
const defaultLockTTL = 10 * time.Second

// ExtensionData is the caller-supplied spec for a new extension.
type ExtensionData struct {
    UserID       int64
    DisplayName  string
    Context      string
    Transport    string
    Codecs       []string
    WebRTCEnable bool
}

type Provisioner struct {
    pbx        *pbxmi.Client
    extensions *store.ExtensionRepo
    locks      *cache.Cache
    db         *store.DB
}

func New(pbx *pbxmi.Client, extensions *store.ExtensionRepo, locks *cache.Cache, db *store.DB) *Provisioner {
    return &Provisioner{pbx: pbx, extensions: extensions, locks: locks, db: db}
}

// CreateExtension allocates the next free extension number, writes the
// endpoint/auth/AOR triple into the PBX key-value store, reloads pjsip,
// and records the sync outcome in the store (spec §4.5). The allocation
// and row creation happen inside one store transaction guarded by a
// per-operation distributed lock so concurrent callers never collide.
func (p *Provisioner) CreateExtension(ctx context.Context, data ExtensionData) (*store.VoIPExtension, error) {
    unlock, err := p.locks.Lock(ctx, "provisioner:create-extension", defaultLockTTL)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrConflict, "another provisioning operation is in progress")
    }
    defer unlock()

    secret, err := store.NewSessionToken()
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrFatal, "generate extension secret")
    }
    secret = secret[:16]

    codecs := strings.Join(data.Codecs, ",")
    if codecs == "" {
        codecs = "ulaw,alaw"
    }
    context_ := data.Context
    if context_ == "" {
        context_ = "from-internal"
    }

    var ext *store.VoIPExtension
    err = p.db.Transaction(ctx, func(tx *sql.Tx) error {
        number, err := p.extensions.NextExtension(ctx, tx, defaultStartFrom)
        if err != nil {
            return err
        }
        ext = &store.VoIPExtension{
            UserID:       data.UserID,
            Extension:    number,
            Secret:       secret,
            DisplayName:  data.DisplayName,
            Context:      context_,
            Transport:    data.Transport,
            Codecs:       codecs,
            Enabled:      true,
            WebRTCEnable: data.WebRTCEnable,
        }
        return p.extensions.CreateTx(ctx, tx, ext)
    })
    if err != nil {
        return nil, err
    }

    if err := p.syncToPBX(ctx, ext); err != nil {
        logger.WithError(err).WithField("extension", ext.Extension).Warn("extension created but pbx sync failed")
        _ = p.extensions.SetSyncState(ctx, ext.ID, false, err.Error())
        ext.SyncedToPBX, ext.PBXSyncError = false, err.Error()
        return ext, nil
    }

    _ = p.extensions.SetSyncState(ctx, ext.ID, true, "")
    ext.SyncedToPBX, ext.PBXSyncError = true, ""
    return ext, nil
}

func (p *Provisioner) syncToPBX(ctx context.Context, e *store.VoIPExtension) error {
    aorFamily := fmt.Sprintf("PJSIP/aors/%s", e.Extension)
    authFamily := fmt.Sprintf("PJSIP/auths/%s", e.Extension)
    endpointFamily := fmt.Sprintf("PJSIP/endpoints/%s", e.Extension)

    if err := p.pbx.DBPut(ctx, aorFamily, "max_contacts", "1"); err != nil {
        return err
    }
    if err := p.pbx.DBPut(ctx, authFamily, "auth_type", "userpass"); err != nil {
        return err
    }
    if err := p.pbx.DBPut(ctx, authFamily, "username", e.Extension); err != nil {
        return err
    }
    if err := p.pbx.DBPut(ctx, authFamily, "password", e.Secret); err != nil {
        return err
    }
    if err := p.pbx.DBPut(ctx, endpointFamily, "context", e.Context); err != nil {
        return err
    }
    if err := p.pbx.DBPut(ctx, endpointFamily, "allow", e.Codecs); err != nil {
        return err
    }
    if err := p.pbx.DBPut(ctx, endpointFamily, "transport", e.Transport); err != nil {
        return err
    }

    return p.pbx.Reload(ctx, "pjsip")
}

// DeleteExtension deletes the three PBX families, reloads, and removes
// the store row.
func (p *Provisioner) DeleteExtension(ctx context.Context, extension string) error {
    families := []string{
        fmt.Sprintf("PJSIP/aors/%s", extension),
        fmt.Sprintf("PJSIP/auths/%s", extension),
        fmt.Sprintf("PJSIP/endpoints/%s", extension),
    }

    var lastErr error
    for _, fam := range families {
        if err := p.pbx.DBDelTree(ctx, fam); err != nil {
            lastErr = err
        }
    }
    if err := p.pbx.Reload(ctx, "pjsip"); err != nil {
        lastErr = err
    }
    if lastErr != nil {
        logger.WithError(lastErr).WithField("extension", extension).Warn("extension pbx teardown incomplete")
    }

    return p.extensions.Delete(ctx, extension)
}

// UpdateSecret narrows the update to the credential family only, then
// reloads.
func (p *Provisioner) UpdateSecret(ctx context.Context, extension, secret string) error {
    authFamily := fmt.Sprintf("PJSIP/auths/%s", extension)
    if err := p.pbx.DBPut(ctx, authFamily, "password", secret); err != nil {
        return err
    }
    if err := p.pbx.Reload(ctx, "pjsip"); err != nil {
        return err
    }
    return p.extensions.UpdateSecret(ctx, extension, secret)
}

// GetStatus runs the PBX inspection action and parses the contact state.
func (p *Provisioner) GetStatus(ctx context.Context, extension string) (string, error) {
    output, err := p.pbx.SendCLI(ctx, fmt.Sprintf("pjsip show endpoint %s", extension))
    if err != nil {
        return "", err
    }
    return parseContactState(output), nil
}

func parseContactState(output string) string {
    for _, line := range strings.Split(output, "\n") {
        line = strings.TrimSpace(line)
        if strings.Contains(line, "Avail") {
            return "available"
        }
        if strings.Contains(line, "Unavail") {
            return "unavailable"
        }
    }
    return "unknown"
}
