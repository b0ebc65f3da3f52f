// Package smsrouter implements the primary outbound SMS path (C7): a
// priority-ordered rule chain that picks a healthy provider, falling
// back when the primary choice is unhealthy (spec §4.7).
package smsrouter

import (
    "context"
    "regexp"
    "sort"
    "sync"
    "time"

    "github.com/robfig/cron/v3"

    "github.com/nourikan/commgateway/internal/compliance"
    "github.com/nourikan/commgateway/internal/registry"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// consecutiveFailureThreshold flips a provider unhealthy. The spec's
// value (3) is stricter than the teacher's load balancer (5) because
// SMS sends are cheaper to retry and providers should be sidelined
// faster.
const consecutiveFailureThreshold = 3

// healthRecoveryWindow matches the teacher's auto-recovery idiom: a
// provider with no failures in this window is assumed healthy again.
const healthRecoveryWindow = 5 * time.Minute

// Rule is one entry in the ordered routing table (spec §4.7).
type Rule struct {
    Name              string
    Priority          int // lower runs first
    Pattern           *regexp.Regexp
    PrimaryProviderID string
    FallbackProviderID string
    // IDPrefixOnly marks rule 1 (ID-prefix routing): it matches on the
    // message's own id prefix rather than the destination and never
    // falls back.
    IDPrefixOnly bool
    IDPrefix     string
}

type providerHealth struct {
    mu                  sync.Mutex
    consecutiveFailures int
    lastFailure         time.Time
    healthy             bool
}

// Router selects a provider instance for one outbound SMS send.
type Router struct {
    registry *registry.Registry
    gate     *compliance.Gate

    mu    sync.RWMutex
    rules []Rule

    healthMu sync.Mutex
    health   map[string]*providerHealth

    staticFallbackChain []string

    cronSched *cron.Cron
}

func New(reg *registry.Registry, gate *compliance.Gate, rules []Rule, staticFallbackChain []string) *Router {
    r := &Router{
        registry:            reg,
        gate:                gate,
        rules:                sortedByPriority(rules),
        health:               make(map[string]*providerHealth),
        staticFallbackChain:  staticFallbackChain,
    }
    return r
}

func sortedByPriority(rules []Rule) []Rule {
    out := append([]Rule(nil), rules...)
    sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
    return out
}

// StartHealthChecks launches the periodic 60s health-check worker using
// robfig/cron/v3 (spec §4.7/§9 design notes).
func (r *Router) StartHealthChecks(ctx context.Context, checkers map[string]func(context.Context) error) error {
    r.cronSched = cron.New()
    _, err := r.cronSched.AddFunc("@every 60s", func() {
        r.runHealthChecks(ctx, checkers)
    })
    if err != nil {
        return errors.Wrap(err, errors.ErrFatal, "schedule sms health check worker")
    }
    r.cronSched.Start()
    return nil
}

func (r *Router) StopHealthChecks() {
    if r.cronSched != nil {
        r.cronSched.Stop()
    }
}

func (r *Router) runHealthChecks(ctx context.Context, checkers map[string]func(context.Context) error) {
    for id, check := range checkers {
        if err := check(ctx); err != nil {
            r.recordFailure(id)
            logger.WithError(err).WithField("provider", id).Warn("sms provider health check failed")
            continue
        }
        r.recordSuccess(id)
    }
    r.autoRecover()
}

func (r *Router) getHealth(id string) *providerHealth {
    r.healthMu.Lock()
    defer r.healthMu.Unlock()
    h, ok := r.health[id]
    if !ok {
        h = &providerHealth{healthy: true}
        r.health[id] = h
    }
    return h
}

func (r *Router) recordFailure(id string) {
    h := r.getHealth(id)
    h.mu.Lock()
    defer h.mu.Unlock()
    h.consecutiveFailures++
    h.lastFailure = time.Now()
    if h.consecutiveFailures >= consecutiveFailureThreshold {
        h.healthy = false
    }
}

func (r *Router) recordSuccess(id string) {
    h := r.getHealth(id)
    h.mu.Lock()
    defer h.mu.Unlock()
    h.consecutiveFailures = 0
    h.healthy = true
}

func (r *Router) autoRecover() {
    r.healthMu.Lock()
    defer r.healthMu.Unlock()
    now := time.Now()
    for _, h := range r.health {
        h.mu.Lock()
        if !h.healthy && now.Sub(h.lastFailure) > healthRecoveryWindow {
            h.healthy = true
            h.consecutiveFailures = 0
        }
        h.mu.Unlock()
    }
}

func (r *Router) isHealthy(id string) bool {
    if id == "" {
        return false
    }
    if !r.registry.IsHealthy(id) {
        return false
    }
    return r.getHealth(id).snapshot()
}

func (h *providerHealth) snapshot() bool {
    h.mu.Lock()
    defer h.mu.Unlock()
    return h.healthy
}

// SendResult is what SendMessage returns.
type SendResult struct {
    ProviderID        string
    ProviderMessageID string
}

// SendMessage selects a provider per the ordered rule chain and
// dispatches the message, falling back through the chain on failure
// (spec §4.7). Compliance is checked once, before the first provider is
// tried (spec §4.10).
func (r *Router) SendMessage(ctx context.Context, messageID, to, body, country string) (*SendResult, error) {
    if r.gate != nil {
        verdict := r.gate.Check(ctx, to, body, country, nil)
        if !verdict.Allowed {
            return nil, errors.New(errors.ErrBlockedByPolicy, verdict.Reason)
        }
        for _, w := range verdict.Warnings {
            logger.WithField("to", to).WithField("warning", w).Warn("sms compliance warning")
        }
        body = verdict.ModifiedText
    }

    candidates := r.candidateProviders(messageID, to)
    if len(candidates) == 0 {
        candidates = r.staticFallbackChain
    }

    var lastErr error
    for _, providerID := range candidates {
        if !r.isHealthy(providerID) {
            continue
        }
        inst, err := r.registry.Get(providerID)
        if err != nil {
            continue
        }
        res, err := inst.SendMessage(ctx, to, body)
        if err != nil {
            r.recordFailure(providerID)
            lastErr = err
            continue
        }
        r.recordSuccess(providerID)
        return &SendResult{ProviderID: providerID, ProviderMessageID: res.ProviderMessageID}, nil
    }

    if lastErr != nil {
        return nil, errors.Wrap(lastErr, errors.ErrUnavailable, "no healthy provider could send the message")
    }
    return nil, errors.New(errors.ErrUnavailable, "no provider available")
}

// candidateProviders walks the rule chain in priority order and returns
// the primary-then-fallback provider ids for the first matching rule.
func (r *Router) candidateProviders(messageID, to string) []string {
    r.mu.RLock()
    defer r.mu.RUnlock()

    for _, rule := range r.rules {
        if rule.IDPrefixOnly {
            if rule.IDPrefix != "" && hasPrefix(messageID, rule.IDPrefix) {
                return []string{rule.PrimaryProviderID}
            }
            continue
        }
        if rule.Pattern != nil && rule.Pattern.MatchString(to) {
            out := []string{rule.PrimaryProviderID}
            if rule.FallbackProviderID != "" {
                out = append(out, rule.FallbackProviderID)
            }
            return out
        }
    }
    return nil
}

func hasPrefix(s, prefix string) bool {
    return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
