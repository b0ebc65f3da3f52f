package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
    Version  string `mapstructure:"version"`
    Instance string `mapstructure:"instance"`

    Database   DatabaseConfig         `mapstructure:"database"`
    Redis      RedisConfig            `mapstructure:"redis"`
    PBXMI      PBXMIConfig            `mapstructure:"pbxmi"`
    Push       PushConfig             `mapstructure:"push"`
    CallTracker CallTrackerConfig     `mapstructure:"call_tracker"`
    Reflector  ReflectorConfig        `mapstructure:"reflector"`
    Provisioner ProvisionerConfig     `mapstructure:"provisioner"`
    MediaCache MediaCacheConfig       `mapstructure:"media_cache"`
    VoIPDefaults VoIPDefaultsConfig  `mapstructure:"voip_defaults"`

    Providers  map[string]map[string]ProviderConfig `mapstructure:"providers"`
    Routing    RoutingConfig          `mapstructure:"routing"`
    Compliance ComplianceConfig       `mapstructure:"compliance"`

    Monitoring MonitoringConfig `mapstructure:"monitoring"`

    NationalPrefix string `mapstructure:"national_prefix"`
}

// DatabaseConfig holds the embedded relational engine's connection and
// pool settings (grounds store.Config).
type DatabaseConfig struct {
    Path            string        `mapstructure:"path"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// RedisConfig holds the shared cache/lock backend settings (grounds
// cache.Config).
type RedisConfig struct {
    Host         string `mapstructure:"host"`
    Port         int    `mapstructure:"port"`
    Password     string `mapstructure:"password"`
    DB           int    `mapstructure:"db"`
    PoolSize     int    `mapstructure:"pool_size"`
    MinIdleConns int    `mapstructure:"min_idle_conns"`
    MaxRetries   int    `mapstructure:"max_retries"`
}

// PBXMIConfig holds PBX management-interface connection settings
// (grounds pbxmi.Config).
type PBXMIConfig struct {
    Host   string `mapstructure:"host"`
    Port   int    `mapstructure:"port"`
    User   string `mapstructure:"user"`
    Pass   string `mapstructure:"pass"`
    Events string `mapstructure:"events"`

    DialTimeout          time.Duration `mapstructure:"dial_timeout"`
    DefaultActionTimeout time.Duration `mapstructure:"default_action_timeout"`
    ReloadActionTimeout  time.Duration `mapstructure:"reload_action_timeout"`
    ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
    ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
}

// PushConfig holds mobile/web push provider credentials (grounds
// pushbus.MobilePusherConfig and pushbus.NewWebPusher's arguments).
type PushConfig struct {
    VAPIDPrivateKeyB64 string `mapstructure:"vapid_private_key_b64"`
    VAPIDSubject       string `mapstructure:"vapid_subject"`

    FirebaseCredentialsFile string `mapstructure:"firebase_credentials_file"`
    APNsKeyPath             string `mapstructure:"apns_key_path"`
    APNsKeyID               string `mapstructure:"apns_key_id"`
    APNsTeamID              string `mapstructure:"apns_team_id"`
    APNsTopic               string `mapstructure:"apns_topic"`
    APNsProduction          bool   `mapstructure:"apns_production"`
}

// CallTrackerConfig holds the channel-classification knobs consumed by
// calltracker.Config.
type CallTrackerConfig struct {
    TrunkNames           []string          `mapstructure:"trunk_names"`
    LineNamesBySubstring map[string]string `mapstructure:"line_names_by_substring"`
    CountryPrefix        string            `mapstructure:"country_prefix"`
    RingingWatchdog      time.Duration     `mapstructure:"ringing_watchdog"`
}

// ReflectorConfig holds the poll-loop pacing knobs consumed by
// reflector.Config, plus the bridge endpoint reflector.NewBridgeClient
// dials.
type ReflectorConfig struct {
    SyncInterval    time.Duration `mapstructure:"sync_interval"`
    MaxSyncInterval time.Duration `mapstructure:"max_sync_interval"`
    BridgeURL       string        `mapstructure:"bridge_url"`
}

// ReflectorFullHistory reports whether any configured SMS provider opts
// the chat reflector into a full-history startup backfill instead of
// the default bounded head-sync window
// (providers.sms.<id>.config.reflector_full_history).
func (c *Config) ReflectorFullHistory() bool {
    for _, p := range c.Providers["sms"] {
        if v, ok := p.Config["reflector_full_history"].(bool); ok && v {
            return true
        }
    }
    return false
}

// ProvisionerConfig holds the extension-allocation settings. They are
// loaded and defaulted here but not passed to the provisioner package,
// which always allocates from 1000 under a 10s lock TTL.
type ProvisionerConfig struct {
    StartFrom int           `mapstructure:"start_from"`
    LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// MediaCacheConfig holds a media URL cache TTL setting. It is not passed
// to the mediacache package, which uses its own built-in default TTL.
type MediaCacheConfig struct {
    TTL time.Duration `mapstructure:"ttl"`
}

// VoIPDefaultsConfig holds the fallback values used when provisioning a
// bare extension without an explicit endpoint override (spec §6
// environment: VOIP_DEFAULT_*).
type VoIPDefaultsConfig struct {
    URL       string `mapstructure:"url"`
    Domain    string `mapstructure:"domain"`
    Extension string `mapstructure:"extension"`
    Password  string `mapstructure:"password"`
}

// ProviderConfig is one provider's entry under providers.<category>.<id>
// (spec §6), translated into registry.Config by the caller.
type ProviderConfig struct {
    Type    string                 `mapstructure:"type"`
    Enabled bool                   `mapstructure:"enabled"`
    Config  map[string]interface{} `mapstructure:"config"`
}

// RoutingConfig holds the custom SMS routing rule table (spec §4.7,
// §6), translated into smsrouter.Rule by the caller.
type RoutingConfig struct {
    SMS []SMSRuleConfig `mapstructure:"sms"`
}

type SMSRuleConfig struct {
    Name         string `mapstructure:"name"`
    Pattern      string `mapstructure:"pattern"`
    Provider     string `mapstructure:"provider"`
    Fallback     string `mapstructure:"fallback"`
    Priority     int    `mapstructure:"priority"`
    IDPrefixOnly bool   `mapstructure:"id_prefix_only"`
    IDPrefix     string `mapstructure:"id_prefix"`
}

// ComplianceConfig holds the per-country SMS compliance blocks (spec
// §4.10, §6), translated into compliance.CountryRule by the caller.
type ComplianceConfig struct {
    SMS map[string]CountryRuleConfig `mapstructure:"sms"`
}

type CountryRuleConfig struct {
    Enabled            bool                `mapstructure:"enabled"`
    StopKeywords       []string            `mapstructure:"stop_keywords"`
    StopClauseTemplate string              `mapstructure:"stop_clause_template"`
    TimeRestrictions   TimeRestrictions    `mapstructure:"time_restrictions"`
    SevenBitMaxLen     int                 `mapstructure:"seven_bit_max_len"`
    SixteenBitMaxLen   int                 `mapstructure:"sixteen_bit_max_len"`
    ConcatSegmentCap   int                 `mapstructure:"concat_segment_cap"`
    MinDelay           time.Duration       `mapstructure:"min_delay"`
    AllowedPrefixes    []string            `mapstructure:"allowed_prefixes"`
    BlockedPrefixes    []string            `mapstructure:"blocked_prefixes"`
}

type TimeRestrictions struct {
    Start       string   `mapstructure:"start"` // "HH:MM"
    End         string   `mapstructure:"end"`   // "HH:MM"
    Timezone    string   `mapstructure:"timezone"`
    BlockedDays []string `mapstructure:"blocked_days"`
}

// MonitoringConfig holds monitoring and observability configuration.
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
    Enabled   bool   `mapstructure:"enabled"`
    Port      int    `mapstructure:"port"`
    Path      string `mapstructure:"path"`
    Namespace string `mapstructure:"namespace"`
    Subsystem string `mapstructure:"subsystem"`
}

type HealthConfig struct {
    Enabled       bool   `mapstructure:"enabled"`
    Port          int    `mapstructure:"port"`
    LivenessPath  string `mapstructure:"liveness_path"`
    ReadinessPath string `mapstructure:"readiness_path"`
}

type LoggingConfig struct {
    Level  string        `mapstructure:"level"`
    Format string        `mapstructure:"format"`
    Output string        `mapstructure:"output"`
    File   FileLogConfig `mapstructure:"file"`
}

type FileLogConfig struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from file and environment, in the teacher's
// Load/setDefaults/Validate idiom, restructured to the spec §6 shape.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/commgateway")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("GATEWAY")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()
    bindSpecEnvVars()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var cfg Config
    if err := viper.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := cfg.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &cfg, nil
}

// bindSpecEnvVars wires the handful of un-prefixed, un-nested env vars
// spec §6 names directly onto their config keys, ahead of the general
// GATEWAY_-prefixed AutomaticEnv overlay.
func bindSpecEnvVars() {
    viper.BindEnv("database.path", "PERSISTENCE_DIR")
    viper.BindEnv("pbxmi.host", "PBXMI_HOST")
    viper.BindEnv("pbxmi.port", "PBXMI_PORT")
    viper.BindEnv("pbxmi.user", "PBXMI_USER")
    viper.BindEnv("pbxmi.pass", "PBXMI_PASS")
    viper.BindEnv("push.vapid_private_key_b64", "PUSH_VAPID_PRIVATE_KEY_B64")
    viper.BindEnv("push.vapid_subject", "PUSH_VAPID_SUBJECT")
    viper.BindEnv("national_prefix", "NATIONAL_PREFIX")
    viper.BindEnv("voip_defaults.url", "VOIP_DEFAULT_URL")
    viper.BindEnv("voip_defaults.domain", "VOIP_DEFAULT_DOMAIN")
    viper.BindEnv("voip_defaults.extension", "VOIP_DEFAULT_EXTENSION")
    viper.BindEnv("voip_defaults.password", "VOIP_DEFAULT_PASSWORD")
}

// setDefaults sets default configuration values.
func setDefaults() {
    viper.SetDefault("version", "1")
    viper.SetDefault("instance", "default")

    viper.SetDefault("database.path", "./data/commgateway.db")
    viper.SetDefault("database.max_open_conns", 10)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")

    viper.SetDefault("redis.host", "")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)

    viper.SetDefault("pbxmi.host", "localhost")
    viper.SetDefault("pbxmi.port", 5038)
    viper.SetDefault("pbxmi.events", "call,cdr")
    viper.SetDefault("pbxmi.dial_timeout", "10s")
    viper.SetDefault("pbxmi.default_action_timeout", "5s")
    viper.SetDefault("pbxmi.reload_action_timeout", "10s")
    viper.SetDefault("pbxmi.reconnect_base", "5s")
    viper.SetDefault("pbxmi.reconnect_max_attempts", 10)

    viper.SetDefault("push.apns_production", false)

    viper.SetDefault("call_tracker.ringing_watchdog", "60s")

    viper.SetDefault("reflector.sync_interval", "5s")
    viper.SetDefault("reflector.max_sync_interval", "60s")
    viper.SetDefault("reflector.bridge_url", "http://127.0.0.1:3000")

    viper.SetDefault("provisioner.start_from", 1000)
    viper.SetDefault("provisioner.lock_ttl", "10s")

    viper.SetDefault("media_cache.ttl", "1h")

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.metrics.namespace", "commgateway")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
    if c.Database.Path == "" {
        return fmt.Errorf("database path is required")
    }
    if c.PBXMI.Port <= 0 || c.PBXMI.Port > 65535 {
        return fmt.Errorf("invalid pbxmi port: %d", c.PBXMI.Port)
    }
    if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
        return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
    }
    if c.Monitoring.Metrics.Enabled && (c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535) {
        return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
    }
    if c.Monitoring.Health.Enabled && (c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535) {
        return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
    }
    for category, providers := range c.Providers {
        for id, p := range providers {
            if p.Enabled && p.Type == "" {
                return fmt.Errorf("provider %s/%s is enabled but has no type", category, id)
            }
        }
    }
    return nil
}

// GetPBXMIAddr returns the PBX-MI server address.
func (c *PBXMIConfig) GetPBXMIAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetRedisAddr returns the Redis address.
func (c *RedisConfig) GetRedisAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
