// Package registry implements the provider registry (C6): a mapping
// from provider id to a live instance, created via a factory keyed by
// provider type, with hot-reloadable configuration (spec §4.6).
package registry

import (
    "context"
    "sync"

    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// Capability names one optional feature a provider instance may support.
type Capability string

const (
    CapSendText        Capability = "send-text"
    CapSendMedia       Capability = "send-media"
    CapReceive         Capability = "receive"
    CapTemplates       Capability = "templates"
    CapDeliveryReports Capability = "delivery-reports"
    CapQRAuth          Capability = "qr-auth"
    CapGroups          Capability = "groups"
)

// Config is one provider's configuration as loaded from the structured
// config source.
type Config struct {
    ID           string
    Type         string
    Enabled      bool
    Capabilities []Capability
    Settings     map[string]interface{}
}

// SendResult is the outcome of a send_message call.
type SendResult struct {
    ProviderMessageID string
    Status            string
}

// Instance is the interface every provider implementation satisfies.
type Instance interface {
    Initialize(ctx context.Context, cfg Config) error
    SendMessage(ctx context.Context, to, body string) (SendResult, error)
    GetStatus(ctx context.Context) (string, error)
    Disconnect(ctx context.Context) error
}

// Optional capability interfaces. A provider instance implements only
// the ones its capability bundle promises.
type BalanceProvider interface {
    GetBalance(ctx context.Context) (float64, error)
}

type HistoryProvider interface {
    GetHistory(ctx context.Context, limit int) ([]SendResult, error)
}

type DeliveryStatusProvider interface {
    GetDeliveryStatus(ctx context.Context, providerMessageID string) (string, error)
}

type WebhookHandler interface {
    HandleWebhook(ctx context.Context, payload []byte) error
}

// Factory constructs a new, uninitialised Instance for a provider type.
type Factory func(cfg Config) (Instance, error)

// entry pairs a live instance with the config it was built from and a
// best-effort health flag.
type entry struct {
    instance Instance
    cfg      Config
    healthy  bool
    lastErr  error
}

// Registry owns the id -> instance map. Loads are best-effort: one
// failing provider becomes unhealthy but never blocks the rest (spec
// §4.6).
type Registry struct {
    mu         sync.RWMutex
    factories  map[string]Factory
    entries    map[string]*entry
}

func New() *Registry {
    return &Registry{
        factories: make(map[string]Factory),
        entries:   make(map[string]*entry),
    }
}

// RegisterFactory associates a provider type name with its constructor.
func (r *Registry) RegisterFactory(providerType string, f Factory) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.factories[providerType] = f
}

// ApplyConfig diff-applies a new configuration snapshot: newly enabled
// providers are initialised, newly disabled providers are disconnected,
// and providers whose config changed are reinitialised in place (spec
// §4.6).
func (r *Registry) ApplyConfig(ctx context.Context, configs map[string]Config) {
    r.mu.Lock()
    defer r.mu.Unlock()

    for id, e := range r.entries {
        cfg, stillPresent := configs[id]
        if !stillPresent || !cfg.Enabled {
            if err := e.instance.Disconnect(ctx); err != nil {
                logger.WithError(err).WithField("provider", id).Warn("provider disconnect failed during reload")
            }
            delete(r.entries, id)
        }
    }

    for id, cfg := range configs {
        if !cfg.Enabled {
            continue
        }
        existing, ok := r.entries[id]
        if ok && configsEqual(existing.cfg, cfg) {
            continue
        }
        if ok {
            _ = existing.instance.Disconnect(ctx)
            delete(r.entries, id)
        }

        factory, ok := r.factories[cfg.Type]
        if !ok {
            logger.WithField("provider", id).WithField("type", cfg.Type).Warn("no factory registered for provider type")
            continue
        }

        inst, err := factory(cfg)
        if err != nil {
            logger.WithError(err).WithField("provider", id).Warn("provider construction failed")
            r.entries[id] = &entry{cfg: cfg, healthy: false, lastErr: err}
            continue
        }
        if err := inst.Initialize(ctx, cfg); err != nil {
            logger.WithError(err).WithField("provider", id).Warn("provider initialization failed")
            r.entries[id] = &entry{instance: inst, cfg: cfg, healthy: false, lastErr: err}
            continue
        }
        r.entries[id] = &entry{instance: inst, cfg: cfg, healthy: true}
    }
}

func configsEqual(a, b Config) bool {
    if a.Type != b.Type || a.Enabled != b.Enabled || len(a.Settings) != len(b.Settings) {
        return false
    }
    for k, v := range a.Settings {
        if b.Settings[k] != v {
            return false
        }
    }
    return true
}

// Get returns the live instance for a provider id.
func (r *Registry) Get(id string) (Instance, error) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    e, ok := r.entries[id]
    if !ok || e.instance == nil {
        return nil, errors.New(errors.ErrNotFound, "provider not registered")
    }
    return e.instance, nil
}

// IsHealthy reports whether the provider's last (re)initialization or
// send succeeded.
func (r *Registry) IsHealthy(id string) bool {
    r.mu.RLock()
    defer r.mu.RUnlock()
    e, ok := r.entries[id]
    return ok && e.healthy
}

// MarkUnhealthy lets callers (e.g. the SMS router) report a runtime
// failure the registry itself didn't observe.
func (r *Registry) MarkUnhealthy(id string, err error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if e, ok := r.entries[id]; ok {
        e.healthy = false
        e.lastErr = err
    }
}

func (r *Registry) MarkHealthy(id string) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if e, ok := r.entries[id]; ok {
        e.healthy = true
        e.lastErr = nil
    }
}

// IDsWithCapability returns every registered provider id whose config
// advertises the given capability.
func (r *Registry) IDsWithCapability(cap Capability) []string {
    r.mu.RLock()
    defer r.mu.RUnlock()

    var out []string
    for id, e := range r.entries {
        for _, c := range e.cfg.Capabilities {
            if c == cap {
                out = append(out, id)
                break
            }
        }
    }
    return out
}
