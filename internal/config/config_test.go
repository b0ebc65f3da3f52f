package config

import "testing"

func TestValidateRequiresDatabasePath(t *testing.T) {
    cfg := &Config{
        PBXMI: PBXMIConfig{Port: 5038},
    }
    if err := cfg.Validate(); err == nil {
        t.Fatalf("expected validation error for missing database path")
    }

    cfg.Database.Path = "./data/test.db"
    if err := cfg.Validate(); err != nil {
        t.Fatalf("expected a minimal valid config to pass, got %v", err)
    }
}

func TestValidateRejectsOutOfRangePorts(t *testing.T) {
    base := func() *Config {
        return &Config{Database: DatabaseConfig{Path: "./data/test.db"}, PBXMI: PBXMIConfig{Port: 5038}}
    }

    cfg := base()
    cfg.PBXMI.Port = 0
    if err := cfg.Validate(); err == nil {
        t.Fatalf("expected error for invalid pbxmi port")
    }

    cfg = base()
    cfg.Redis.Host = "localhost"
    cfg.Redis.Port = 70000
    if err := cfg.Validate(); err == nil {
        t.Fatalf("expected error for invalid redis port")
    }

    cfg = base()
    cfg.Monitoring.Metrics.Enabled = true
    cfg.Monitoring.Metrics.Port = -1
    if err := cfg.Validate(); err == nil {
        t.Fatalf("expected error for invalid metrics port")
    }

    cfg = base()
    cfg.Monitoring.Health.Enabled = true
    cfg.Monitoring.Health.Port = 99999
    if err := cfg.Validate(); err == nil {
        t.Fatalf("expected error for invalid health port")
    }
}

func TestValidateRejectsEnabledProviderWithoutType(t *testing.T) {
    cfg := &Config{
        Database: DatabaseConfig{Path: "./data/test.db"},
        PBXMI:    PBXMIConfig{Port: 5038},
        Providers: map[string]map[string]ProviderConfig{
            "sms": {"primary": {Enabled: true}},
        },
    }
    if err := cfg.Validate(); err == nil {
        t.Fatalf("expected error for an enabled provider missing a type")
    }

    cfg.Providers["sms"]["primary"] = ProviderConfig{Enabled: true, Type: "twilio"}
    if err := cfg.Validate(); err != nil {
        t.Fatalf("expected a typed enabled provider to pass, got %v", err)
    }
}

func TestReflectorFullHistoryDefaultsToFalse(t *testing.T) {
    cfg := &Config{
        Providers: map[string]map[string]ProviderConfig{
            "sms": {"primary": {Enabled: true, Type: "twilio"}},
        },
    }
    if cfg.ReflectorFullHistory() {
        t.Fatalf("expected head-sync only by default")
    }
}

func TestReflectorFullHistoryReadsProviderKnob(t *testing.T) {
    cfg := &Config{
        Providers: map[string]map[string]ProviderConfig{
            "sms": {
                "primary": {Enabled: true, Type: "twilio"},
                "backup": {Enabled: true, Type: "twilio", Config: map[string]interface{}{
                    "reflector_full_history": true,
                }},
            },
        },
    }
    if !cfg.ReflectorFullHistory() {
        t.Fatalf("expected reflector_full_history to be honored when any provider sets it")
    }
}

func TestGetPBXMIAddrFormatsHostPort(t *testing.T) {
    c := PBXMIConfig{Host: "10.0.0.5", Port: 5038}
    if got := c.GetPBXMIAddr(); got != "10.0.0.5:5038" {
        t.Fatalf("unexpected address: %q", got)
    }
}

func TestGetRedisAddrFormatsHostPort(t *testing.T) {
    c := RedisConfig{Host: "cache.internal", Port: 6379}
    if got := c.GetRedisAddr(); got != "cache.internal:6379" {
        t.Fatalf("unexpected address: %q", got)
    }
}
