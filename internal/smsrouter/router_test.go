package smsrouter

import (
    "context"
    "errors"
    "regexp"
    "testing"

    "github.com/nourikan/commgateway/internal/registry"
)

type fakeInstance struct {
    sendErr error
    calls   int
}

func (f *fakeInstance) Initialize(ctx context.Context, cfg registry.Config) error { return nil }
func (f *fakeInstance) SendMessage(ctx context.Context, to, body string) (registry.SendResult, error) {
    f.calls++
    if f.sendErr != nil {
        return registry.SendResult{}, f.sendErr
    }
    return registry.SendResult{ProviderMessageID: "msg-1", Status: "sent"}, nil
}
func (f *fakeInstance) GetStatus(ctx context.Context) (string, error) { return "ok", nil }
func (f *fakeInstance) Disconnect(ctx context.Context) error         { return nil }

func registryWith(t *testing.T, instances map[string]*fakeInstance) *registry.Registry {
    t.Helper()
    reg := registry.New()
    configs := map[string]registry.Config{}
    for id := range instances {
        reg.RegisterFactory(id, func(cfg registry.Config) (registry.Instance, error) {
            return instances[cfg.ID], nil
        })
        configs[id] = registry.Config{ID: id, Type: id, Enabled: true}
    }
    reg.ApplyConfig(context.Background(), configs)
    return reg
}

func TestSendMessagePicksPrimaryThenFallsBackOnFailure(t *testing.T) {
    primary := &fakeInstance{sendErr: errors.New("boom")}
    fallback := &fakeInstance{}
    reg := registryWith(t, map[string]*fakeInstance{"primary": primary, "fallback": fallback})

    rules := []Rule{
        {Name: "intl", Priority: 1, Pattern: regexp.MustCompile(`^\+`), PrimaryProviderID: "primary", FallbackProviderID: "fallback"},
    }
    r := New(reg, nil, rules, nil)

    res, err := r.SendMessage(context.Background(), "m1", "+15555550100", "hi", "US")
    if err != nil {
        t.Fatalf("send: %v", err)
    }
    if res.ProviderID != "fallback" {
        t.Fatalf("expected fallback provider to send, got %q", res.ProviderID)
    }
    if primary.calls != 1 || fallback.calls != 1 {
        t.Fatalf("expected one attempt on each provider, got primary=%d fallback=%d", primary.calls, fallback.calls)
    }
}

func TestSendMessageSkipsUnhealthyProviderAfterThreeFailures(t *testing.T) {
    primary := &fakeInstance{sendErr: errors.New("boom")}
    fallback := &fakeInstance{}
    reg := registryWith(t, map[string]*fakeInstance{"primary": primary, "fallback": fallback})

    rules := []Rule{
        {Name: "intl", Priority: 1, Pattern: regexp.MustCompile(`^\+`), PrimaryProviderID: "primary", FallbackProviderID: "fallback"},
    }
    r := New(reg, nil, rules, nil)
    ctx := context.Background()

    for i := 0; i < consecutiveFailureThreshold; i++ {
        if _, err := r.SendMessage(ctx, "m1", "+15555550100", "hi", "US"); err != nil {
            t.Fatalf("send %d: %v", i, err)
        }
    }
    if r.isHealthy("primary") {
        t.Fatalf("expected primary to be unhealthy after %d consecutive failures", consecutiveFailureThreshold)
    }

    primary.calls = 0
    if _, err := r.SendMessage(ctx, "m1", "+15555550100", "hi", "US"); err != nil {
        t.Fatalf("send after trip: %v", err)
    }
    if primary.calls != 0 {
        t.Fatalf("expected unhealthy primary to be skipped entirely, got %d calls", primary.calls)
    }
}

func TestSendMessageUsesStaticFallbackChainWhenNoRuleMatches(t *testing.T) {
    only := &fakeInstance{}
    reg := registryWith(t, map[string]*fakeInstance{"only": only})

    r := New(reg, nil, nil, []string{"only"})
    res, err := r.SendMessage(context.Background(), "m1", "+15555550100", "hi", "US")
    if err != nil {
        t.Fatalf("send: %v", err)
    }
    if res.ProviderID != "only" {
        t.Fatalf("expected static fallback chain provider, got %q", res.ProviderID)
    }
}

func TestCandidateProvidersIDPrefixOnlyNeverFallsBack(t *testing.T) {
    r := New(registry.New(), nil, []Rule{
        {Name: "internal", Priority: 0, IDPrefixOnly: true, IDPrefix: "intl_", PrimaryProviderID: "primary"},
    }, nil)

    candidates := r.candidateProviders("intl_1234", "+15555550100")
    if len(candidates) != 1 || candidates[0] != "primary" {
        t.Fatalf("expected exactly [primary], got %v", candidates)
    }
}
