// Package smsprovider holds concrete registry.Instance implementations
// for outbound SMS backends. Twilio is the generic international
// fallback provider referenced by the spec's provider registry (C6):
// a thin wrapper over a third-party HTTP API, out of scope for bespoke
// protocol work but legitimately exercised by the registry/router
// scaffolding that dispatches to it.
package smsprovider

import (
    "context"
    "fmt"

    "github.com/twilio/twilio-go"
    openapi "github.com/twilio/twilio-go/rest/api/v2010"

    "github.com/nourikan/commgateway/internal/registry"
    "github.com/nourikan/commgateway/pkg/errors"
    "github.com/nourikan/commgateway/pkg/logger"
)

// TwilioProvider sends SMS through Twilio's REST API. It implements
// registry.Instance plus the optional registry.BalanceProvider and
// registry.DeliveryStatusProvider capability interfaces.
type TwilioProvider struct {
    client *twilio.RestClient
    from   string
}

// NewTwilioFactory returns a registry.Factory that builds a
// TwilioProvider from its Config.Settings bag (account_sid, auth_token,
// from_number).
func NewTwilioFactory() registry.Factory {
    return func(cfg registry.Config) (registry.Instance, error) {
        return &TwilioProvider{}, nil
    }
}

func (t *TwilioProvider) Initialize(ctx context.Context, cfg registry.Config) error {
    sid, _ := cfg.Settings["account_sid"].(string)
    token, _ := cfg.Settings["auth_token"].(string)
    from, _ := cfg.Settings["from_number"].(string)

    if sid == "" || token == "" {
        return errors.New(errors.ErrInvalidInput, "twilio provider requires account_sid and auth_token")
    }
    if from == "" {
        return errors.New(errors.ErrInvalidInput, "twilio provider requires from_number")
    }

    t.client = twilio.NewRestClientWithParams(twilio.ClientParams{Username: sid, Password: token})
    t.from = from

    logger.WithField("provider", cfg.ID).Info("twilio provider initialized")
    return nil
}

func (t *TwilioProvider) SendMessage(ctx context.Context, to, body string) (registry.SendResult, error) {
    params := &openapi.CreateMessageParams{}
    params.SetTo(to)
    params.SetFrom(t.from)
    params.SetBody(body)

    resp, err := t.client.Api.CreateMessage(params)
    if err != nil {
        return registry.SendResult{}, errors.Wrap(err, errors.ErrUnavailable, "twilio send_message failed")
    }

    result := registry.SendResult{Status: "queued"}
    if resp.Sid != nil {
        result.ProviderMessageID = *resp.Sid
    }
    if resp.Status != nil {
        result.Status = *resp.Status
    }
    return result, nil
}

func (t *TwilioProvider) GetStatus(ctx context.Context) (string, error) {
    if t.client == nil {
        return "disconnected", nil
    }
    if _, err := t.client.Api.FetchBalance(); err != nil {
        return "", errors.Wrap(err, errors.ErrUnavailable, "twilio health check failed")
    }
    return "connected", nil
}

func (t *TwilioProvider) Disconnect(ctx context.Context) error {
    t.client = nil
    return nil
}

// GetBalance implements registry.BalanceProvider.
func (t *TwilioProvider) GetBalance(ctx context.Context) (float64, error) {
    bal, err := t.client.Api.FetchBalance()
    if err != nil {
        return 0, errors.Wrap(err, errors.ErrUnavailable, "fetch twilio balance")
    }
    if bal.Balance == nil {
        return 0, errors.New(errors.ErrUnavailable, "twilio balance response missing amount")
    }
    return parseBalance(*bal.Balance)
}

// parseBalance parses Twilio's balance API response, a plain decimal
// string such as "49.50".
func parseBalance(s string) (float64, error) {
    var amount float64
    if _, err := fmt.Sscanf(s, "%f", &amount); err != nil {
        return 0, errors.Wrap(err, errors.ErrFatal, "parse twilio balance")
    }
    return amount, nil
}

// GetDeliveryStatus implements registry.DeliveryStatusProvider.
func (t *TwilioProvider) GetDeliveryStatus(ctx context.Context, providerMessageID string) (string, error) {
    msg, err := t.client.Api.FetchMessage(providerMessageID, &openapi.FetchMessageParams{})
    if err != nil {
        return "", errors.Wrap(err, errors.ErrUnavailable, "fetch twilio message status")
    }
    if msg.Status == nil {
        return "unknown", nil
    }
    return *msg.Status, nil
}
