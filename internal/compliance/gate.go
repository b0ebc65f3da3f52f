// Package compliance implements the SMS compliance gate (C10): per-
// country send-window, stop-keyword, segmentation, and anti-spam rules
// enforced before every outbound SMS (spec §4.10).
package compliance

import (
    "context"
    "fmt"
    "strings"
    "sync"
    "time"
)

// CountryRule is one country's compliance configuration.
type CountryRule struct {
    Country             string
    Enabled             bool
    StopKeywords        []string
    StopClauseTemplate  string
    WindowStart         int // minutes since midnight, inclusive
    WindowEnd           int // minutes since midnight, exclusive
    Timezone            *time.Location
    BlockedWeekdays     map[time.Weekday]bool
    SevenBitMaxLen      int
    SixteenBitMaxLen    int
    ConcatSegmentCap    int
    MinDelay            time.Duration
    AllowedPrefixes     []string
    BlockedPrefixes     []string
}

func (r CountryRule) segmentLength(text string) int {
    if isGSM7(text) {
        return r.SevenBitMaxLen
    }
    return r.SixteenBitMaxLen
}

// isGSM7 is a coarse approximation: true when every rune is ASCII. Full
// GSM-03.38 alphabet membership is out of scope; this is adequate for
// segmentation warnings.
func isGSM7(text string) bool {
    for _, r := range text {
        if r > 127 {
            return false
        }
    }
    return true
}

// Result is the gate's verdict for one send.
type Result struct {
    Allowed      bool
    Reason       string
    Warnings     []string
    ModifiedText string
}

// lastSend tracks the most recent allowed send to one destination, for
// the min-delay anti-spam rule.
type lastSend struct {
    at time.Time
}

// Gate holds per-country rules and the recent-sends table used for the
// min-delay check.
type Gate struct {
    mu    sync.RWMutex
    rules map[string]CountryRule

    sendsMu sync.Mutex
    sends   map[string]lastSend // keyed by destination number
}

func New(rules map[string]CountryRule) *Gate {
    return &Gate{
        rules: rules,
        sends: make(map[string]lastSend),
    }
}

func (g *Gate) SetRules(rules map[string]CountryRule) {
    g.mu.Lock()
    defer g.mu.Unlock()
    g.rules = rules
}

// Check implements spec §4.10's rule chain. providerLimits is accepted
// but not consulted: segment caps always come from the country rule.
func (g *Gate) Check(ctx context.Context, to, text, country string, providerLimits map[string]int) Result {
    g.mu.RLock()
    rule, ok := g.rules[country]
    g.mu.RUnlock()

    if !ok || !rule.Enabled {
        return Result{Allowed: true, ModifiedText: text}
    }

    if matchesAnyPrefix(to, rule.BlockedPrefixes) {
        return Result{Allowed: false, Reason: "destination prefix is blocked"}
    }
    if len(rule.AllowedPrefixes) > 0 && !matchesAnyPrefix(to, rule.AllowedPrefixes) {
        return Result{Allowed: false, Reason: "destination prefix is not in the allowed list"}
    }

    now := time.Now()
    if rule.Timezone != nil {
        now = now.In(rule.Timezone)
    }
    minutesNow := now.Hour()*60 + now.Minute()
    if !withinWindow(minutesNow, rule.WindowStart, rule.WindowEnd) {
        return Result{Allowed: false, Reason: "outside the permitted send window"}
    }
    if rule.BlockedWeekdays[now.Weekday()] {
        return Result{Allowed: false, Reason: "sending is blocked on this weekday"}
    }

    if rule.MinDelay > 0 {
        g.sendsMu.Lock()
        if last, ok := g.sends[to]; ok && now.Sub(last.at) < rule.MinDelay {
            g.sendsMu.Unlock()
            return Result{Allowed: false, Reason: "minimum delay between sends has not elapsed"}
        }
        g.sendsMu.Unlock()
    }

    var warnings []string
    modified := text

    if len(rule.StopKeywords) > 0 && !containsStopKeyword(text, rule.StopKeywords) {
        clause := rule.StopClauseTemplate
        if clause == "" {
            clause = "Reply STOP to opt out."
        }
        modified = text + " " + clause
        warnings = append(warnings, "stop clause appended")
    }

    segLen := rule.segmentLength(modified)
    if segLen > 0 {
        segments := (len(modified) + segLen - 1) / segLen
        if segments >= 2 {
            warnings = append(warnings, fmt.Sprintf("message will fragment into %d segments", segments))
        }
    }

    g.sendsMu.Lock()
    g.sends[to] = lastSend{at: now}
    g.purgeStale(now)
    g.sendsMu.Unlock()

    return Result{Allowed: true, Warnings: warnings, ModifiedText: modified}
}

// purgeStale drops recent-send records older than 5 minutes, bounding
// the table's size (spec §4.10). Caller holds sendsMu.
func (g *Gate) purgeStale(now time.Time) {
    const staleAfter = 5 * time.Minute
    for dest, ls := range g.sends {
        if now.Sub(ls.at) > staleAfter {
            delete(g.sends, dest)
        }
    }
}

func withinWindow(minutesNow, start, end int) bool {
    if start <= end {
        return minutesNow >= start && minutesNow < end
    }
    // window wraps past midnight
    return minutesNow >= start || minutesNow < end
}

func matchesAnyPrefix(number string, prefixes []string) bool {
    for _, p := range prefixes {
        if strings.HasPrefix(number, p) {
            return true
        }
    }
    return false
}

func containsStopKeyword(text string, keywords []string) bool {
    upper := strings.ToUpper(text)
    for _, kw := range keywords {
        if strings.Contains(upper, strings.ToUpper(kw)) {
            return true
        }
    }
    return false
}
