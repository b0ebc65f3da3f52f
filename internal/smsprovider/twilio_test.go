package smsprovider

import (
    "context"
    "testing"

    "github.com/nourikan/commgateway/internal/registry"
)

func TestInitializeRequiresAccountSidAndToken(t *testing.T) {
    p := &TwilioProvider{}
    err := p.Initialize(context.Background(), registry.Config{
        ID:       "intl-fallback",
        Settings: map[string]interface{}{"from_number": "+15551234567"},
    })
    if err == nil {
        t.Fatalf("expected an error with no account_sid/auth_token")
    }
}

func TestInitializeRequiresFromNumber(t *testing.T) {
    p := &TwilioProvider{}
    err := p.Initialize(context.Background(), registry.Config{
        ID: "intl-fallback",
        Settings: map[string]interface{}{
            "account_sid": "ACxxxx",
            "auth_token":  "secret",
        },
    })
    if err == nil {
        t.Fatalf("expected an error with no from_number")
    }
}

func TestInitializeSucceedsWithCompleteSettings(t *testing.T) {
    p := &TwilioProvider{}
    err := p.Initialize(context.Background(), registry.Config{
        ID: "intl-fallback",
        Settings: map[string]interface{}{
            "account_sid": "ACxxxx",
            "auth_token":  "secret",
            "from_number": "+15551234567",
        },
    })
    if err != nil {
        t.Fatalf("initialize: %v", err)
    }
    if p.client == nil {
        t.Fatalf("expected a rest client to be constructed")
    }
    if p.from != "+15551234567" {
        t.Fatalf("unexpected from number: %q", p.from)
    }
}

func TestGetStatusReportsDisconnectedBeforeInitialize(t *testing.T) {
    p := &TwilioProvider{}
    status, err := p.GetStatus(context.Background())
    if err != nil {
        t.Fatalf("get status: %v", err)
    }
    if status != "disconnected" {
        t.Fatalf("expected disconnected status, got %q", status)
    }
}

func TestParseBalanceParsesDecimalString(t *testing.T) {
    got, err := parseBalance("49.50")
    if err != nil {
        t.Fatalf("parse: %v", err)
    }
    if got != 49.5 {
        t.Fatalf("expected 49.5, got %v", got)
    }
}

func TestParseBalanceRejectsNonNumericString(t *testing.T) {
    if _, err := parseBalance("not-a-number"); err == nil {
        t.Fatalf("expected an error for a non-numeric balance string")
    }
}

func TestDisconnectClearsClient(t *testing.T) {
    p := &TwilioProvider{}
    if err := p.Initialize(context.Background(), registry.Config{
        ID: "intl-fallback",
        Settings: map[string]interface{}{
            "account_sid": "ACxxxx",
            "auth_token":  "secret",
            "from_number": "+15551234567",
        },
    }); err != nil {
        t.Fatalf("initialize: %v", err)
    }

    if err := p.Disconnect(context.Background()); err != nil {
        t.Fatalf("disconnect: %v", err)
    }
    if p.client != nil {
        t.Fatalf("expected client to be cleared after disconnect")
    }
}
