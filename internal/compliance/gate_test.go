package compliance

import (
    "context"
    "strings"
    "testing"
    "time"
)

func baseRule() CountryRule {
    return CountryRule{
        Country:          "US",
        Enabled:          true,
        StopKeywords:     []string{"stop"},
        WindowStart:      0,
        WindowEnd:        24 * 60,
        SevenBitMaxLen:   160,
        SixteenBitMaxLen: 70,
    }
}

func TestCheckAppendsStopClauseWhenMissing(t *testing.T) {
    g := New(map[string]CountryRule{"US": baseRule()})
    res := g.Check(context.Background(), "+15555550100", "hello there", "US", nil)

    if !res.Allowed {
        t.Fatalf("expected allowed, got reason %q", res.Reason)
    }
    if !strings.Contains(res.ModifiedText, "STOP") {
        t.Fatalf("expected stop clause to be appended, got %q", res.ModifiedText)
    }
    if len(res.Warnings) == 0 {
        t.Fatalf("expected a warning about the appended stop clause")
    }
}

func TestCheckSkipsStopClauseWhenAlreadyPresent(t *testing.T) {
    g := New(map[string]CountryRule{"US": baseRule()})
    res := g.Check(context.Background(), "+15555550100", "Reply STOP to opt out", "US", nil)

    if res.ModifiedText != "Reply STOP to opt out" {
        t.Fatalf("expected text unchanged, got %q", res.ModifiedText)
    }
}

func TestCheckRejectsBlockedPrefix(t *testing.T) {
    rule := baseRule()
    rule.BlockedPrefixes = []string{"+1900"}
    g := New(map[string]CountryRule{"US": rule})

    res := g.Check(context.Background(), "+19005551234", "hi", "US", nil)
    if res.Allowed {
        t.Fatalf("expected blocked prefix to be rejected")
    }
}

func TestCheckRejectsOutsideWindow(t *testing.T) {
    rule := baseRule()
    rule.WindowStart = 9 * 60
    rule.WindowEnd = 9 * 60 // empty window: nothing is ever inside it
    g := New(map[string]CountryRule{"US": rule})

    res := g.Check(context.Background(), "+15555550100", "hi", "US", nil)
    if res.Allowed {
        t.Fatalf("expected send outside the window to be rejected")
    }
}

func TestCheckEnforcesMinDelayBetweenSends(t *testing.T) {
    rule := baseRule()
    rule.MinDelay = time.Hour
    g := New(map[string]CountryRule{"US": rule})
    ctx := context.Background()

    first := g.Check(ctx, "+15555550100", "hi", "US", nil)
    if !first.Allowed {
        t.Fatalf("expected first send to be allowed, got %q", first.Reason)
    }

    second := g.Check(ctx, "+15555550100", "hi again", "US", nil)
    if second.Allowed {
        t.Fatalf("expected second send within the min-delay window to be rejected")
    }
}

func TestCheckUnknownCountryAllowsByDefault(t *testing.T) {
    g := New(map[string]CountryRule{})
    res := g.Check(context.Background(), "+15555550100", "hi", "ZZ", nil)
    if !res.Allowed {
        t.Fatalf("expected unconfigured country to pass through unchanged")
    }
    if res.ModifiedText != "hi" {
        t.Fatalf("expected text unchanged for unconfigured country")
    }
}

func TestWithinWindowHandlesMidnightWrap(t *testing.T) {
    // 22:00 -> 06:00 window wraps past midnight
    if !withinWindow(23*60, 22*60, 6*60) {
        t.Fatalf("expected 23:00 to be inside a 22:00-06:00 window")
    }
    if !withinWindow(1*60, 22*60, 6*60) {
        t.Fatalf("expected 01:00 to be inside a 22:00-06:00 window")
    }
    if withinWindow(12*60, 22*60, 6*60) {
        t.Fatalf("expected noon to be outside a 22:00-06:00 window")
    }
}
