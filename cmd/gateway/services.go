package main

import (
    "context"
    "fmt"
    "regexp"
    "strings"
    "time"

    "github.com/nourikan/commgateway/internal/cache"
    "github.com/nourikan/commgateway/internal/calltracker"
    "github.com/nourikan/commgateway/internal/compliance"
    "github.com/nourikan/commgateway/internal/config"
    "github.com/nourikan/commgateway/internal/health"
    "github.com/nourikan/commgateway/internal/mediacache"
    "github.com/nourikan/commgateway/internal/metrics"
    "github.com/nourikan/commgateway/internal/pbxmi"
    "github.com/nourikan/commgateway/internal/provisioner"
    "github.com/nourikan/commgateway/internal/pushbus"
    "github.com/nourikan/commgateway/internal/reflector"
    "github.com/nourikan/commgateway/internal/registry"
    "github.com/nourikan/commgateway/internal/smsprovider"
    "github.com/nourikan/commgateway/internal/smsrouter"
    "github.com/nourikan/commgateway/internal/store"
    "github.com/nourikan/commgateway/pkg/logger"
)

// services holds every long-lived component the gateway wires together.
// Both server mode and CLI mode build one of these; CLI mode simply
// never calls Start on the long-running pieces.
type services struct {
    cfg *config.Config

    db         *store.DB
    redis      *cache.Cache
    pbx        *pbxmi.Client
    metrics    *metrics.PrometheusMetrics
    healthSvc  *health.HealthService

    extensions *store.ExtensionRepo
    calls      *store.CallRepo
    chats      *store.ChatRepo
    messages   *store.MessageRepo
    pushTokens *store.PushTokenRepo

    bus         *pushbus.Bus
    provisioner *provisioner.Provisioner
    tracker     *calltracker.Tracker
    bridge      *reflector.BridgeClient
    chatReflector *reflector.Reflector
    media       *mediacache.Cache
    gate        *compliance.Gate
    providers   *registry.Registry
    smsRouter   *smsrouter.Router
    mobilePush  *pushbus.MobilePusher
    webPush     *pushbus.WebPusher
}

// buildServices constructs every component from cfg; callers decide what
// else to run (the full daemon, or a single CLI operation against the
// same wiring). Construction itself already starts a few background
// goroutines: the PBX-MI client's reconnect loop, the call tracker's
// ringing watchdog, and the store's health check.
func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
    svc := &services{cfg: cfg}

    dbCfg := store.Config{
        Path:            cfg.Database.Path,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    }
    if err := store.Initialize(dbCfg); err != nil {
        return nil, fmt.Errorf("initialize store: %w", err)
    }
    svc.db = store.GetDB()

    if cfg.Redis.Host != "" {
        redisCfg := cache.Config{
            Host:         cfg.Redis.Host,
            Port:         cfg.Redis.Port,
            Password:     cfg.Redis.Password,
            DB:           cfg.Redis.DB,
            PoolSize:     cfg.Redis.PoolSize,
            MinIdleConns: cfg.Redis.MinIdleConns,
            MaxRetries:   cfg.Redis.MaxRetries,
        }
        redisCache, err := cache.New(redisCfg, "commgateway")
        if err != nil {
            return nil, fmt.Errorf("initialize cache: %w", err)
        }
        svc.redis = redisCache
    } else {
        logger.Warn("redis not configured, distributed locks and shared caches are disabled")
        svc.redis = &cache.Cache{}
    }

    svc.extensions = store.NewExtensionRepo(svc.db)
    svc.calls = store.NewCallRepo(svc.db)
    svc.chats = store.NewChatRepo(svc.db)
    svc.messages = store.NewMessageRepo(svc.db)
    svc.pushTokens = store.NewPushTokenRepo(svc.db)

    svc.pbx = pbxmi.New(pbxmi.Config{
        Host:                 cfg.PBXMI.Host,
        Port:                 cfg.PBXMI.Port,
        User:                 cfg.PBXMI.User,
        Pass:                 cfg.PBXMI.Pass,
        Events:               cfg.PBXMI.Events,
        DialTimeout:          cfg.PBXMI.DialTimeout,
        DefaultActionTimeout: cfg.PBXMI.DefaultActionTimeout,
        ReloadActionTimeout:  cfg.PBXMI.ReloadActionTimeout,
        ReconnectBase:        cfg.PBXMI.ReconnectBase,
        ReconnectMaxAttempts: cfg.PBXMI.ReconnectMaxAttempts,
    })

    svc.metrics = metrics.NewPrometheusMetrics()

    svc.bus = pushbus.New(256)

    svc.provisioner = provisioner.New(svc.pbx, svc.extensions, svc.redis, svc.db)

    svc.tracker = calltracker.New(calltracker.Config{
        LineNamesBySubstring: cfg.CallTracker.LineNamesBySubstring,
        TrunkNames:           cfg.CallTracker.TrunkNames,
        CountryPrefix:        cfg.CallTracker.CountryPrefix,
        RingingWatchdog:      cfg.CallTracker.RingingWatchdog,
    }, svc.pbx, svc.calls, svc.bus)

    svc.bridge = reflector.NewBridgeClient(cfg.Reflector.BridgeURL)
    svc.chatReflector = reflector.New(reflector.Config{
        SyncInterval:    cfg.Reflector.SyncInterval,
        MaxSyncInterval: cfg.Reflector.MaxSyncInterval,
        FullHistory:     cfg.ReflectorFullHistory(),
    }, svc.bridge, svc.chats, svc.messages, svc.bus)

    svc.media = mediacache.New(svc.bridge.FetchMediaURL, svc.redis)

    svc.gate = compliance.New(buildCountryRules(cfg.Compliance.SMS))

    svc.providers = registry.New()
    svc.providers.RegisterFactory("twilio", smsprovider.NewTwilioFactory())
    applyProviderConfig(ctx, svc.providers, cfg.Providers["sms"])

    svc.smsRouter = smsrouter.New(svc.providers, svc.gate, buildSMSRules(cfg.Routing.SMS), nil)

    if cfg.Push.FirebaseCredentialsFile != "" || cfg.Push.APNsKeyPath != "" {
        pusher, err := pushbus.NewMobilePusher(ctx, pushbus.MobilePusherConfig{
            FirebaseCredentialsFile: cfg.Push.FirebaseCredentialsFile,
            APNsKeyPath:             cfg.Push.APNsKeyPath,
            APNsKeyID:               cfg.Push.APNsKeyID,
            APNsTeamID:              cfg.Push.APNsTeamID,
            APNsTopic:               cfg.Push.APNsTopic,
            APNsProduction:          cfg.Push.APNsProduction,
        }, svc.pushTokens, svc.redis)
        if err != nil {
            logger.WithError(err).Warn("mobile push disabled: initialization failed")
        } else {
            svc.mobilePush = pusher
        }
    }

    if cfg.Push.VAPIDPrivateKeyB64 != "" {
        webPusher, err := pushbus.NewWebPusher(svc.db, cfg.Push.VAPIDPrivateKeyB64, cfg.Push.VAPIDSubject)
        if err != nil {
            logger.WithError(err).Warn("web push disabled: initialization failed")
        } else {
            svc.webPush = webPusher
        }
    }

    if cfg.Monitoring.Health.Enabled {
        svc.healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port, cfg.Monitoring.Health.LivenessPath, cfg.Monitoring.Health.ReadinessPath)
        svc.healthSvc.RegisterLivenessCheck("store", health.CheckFunc(func(ctx context.Context) error {
            if !svc.db.IsHealthy() {
                return fmt.Errorf("store not healthy")
            }
            return nil
        }))
        svc.healthSvc.RegisterReadinessCheck("store", health.CheckFunc(func(ctx context.Context) error {
            if !svc.db.IsHealthy() {
                return fmt.Errorf("store not healthy")
            }
            return nil
        }))
        svc.healthSvc.RegisterReadinessCheck("pbxmi", health.CheckFunc(func(ctx context.Context) error {
            if !svc.pbx.IsAuthenticated() {
                return fmt.Errorf("pbx-mi not authenticated")
            }
            return nil
        }))
    }

    return svc, nil
}

// applyProviderConfig translates the config-file provider bag into
// registry.Config entries and loads them (spec §4.6).
func applyProviderConfig(ctx context.Context, reg *registry.Registry, providers map[string]config.ProviderConfig) {
    configs := make(map[string]registry.Config, len(providers))
    for id, p := range providers {
        configs[id] = registry.Config{
            ID:       id,
            Type:     p.Type,
            Enabled:  p.Enabled,
            Settings: p.Config,
        }
    }
    reg.ApplyConfig(ctx, configs)
}

// buildSMSRules translates the config-file routing table into
// smsrouter.Rule, compiling each pattern once at startup rather than on
// every send.
func buildSMSRules(rules []config.SMSRuleConfig) []smsrouter.Rule {
    out := make([]smsrouter.Rule, 0, len(rules))
    for _, r := range rules {
        rule := smsrouter.Rule{
            Name:               r.Name,
            Priority:           r.Priority,
            PrimaryProviderID:  r.Provider,
            FallbackProviderID: r.Fallback,
            IDPrefixOnly:       r.IDPrefixOnly,
            IDPrefix:           r.IDPrefix,
        }
        if r.Pattern != "" {
            if re, err := regexp.Compile(r.Pattern); err == nil {
                rule.Pattern = re
            } else {
                logger.WithError(err).WithField("rule", r.Name).Warn("skipping invalid routing pattern")
            }
        }
        out = append(out, rule)
    }
    return out
}

// buildCountryRules translates the config-file compliance table into
// compliance.CountryRule, resolving HH:MM/timezone/weekday strings into
// the concrete minutes-since-midnight/location/weekday-set shape the
// gate evaluates against (spec §4.10).
func buildCountryRules(countries map[string]config.CountryRuleConfig) map[string]compliance.CountryRule {
    out := make(map[string]compliance.CountryRule, len(countries))
    for country, c := range countries {
        loc := time.UTC
        if c.TimeRestrictions.Timezone != "" {
            if l, err := time.LoadLocation(c.TimeRestrictions.Timezone); err == nil {
                loc = l
            } else {
                logger.WithError(err).WithField("country", country).Warn("unknown compliance timezone, defaulting to UTC")
            }
        }

        blocked := make(map[time.Weekday]bool, len(c.TimeRestrictions.BlockedDays))
        for _, day := range c.TimeRestrictions.BlockedDays {
            if wd, ok := parseWeekday(day); ok {
                blocked[wd] = true
            }
        }

        out[country] = compliance.CountryRule{
            Country:            country,
            Enabled:            c.Enabled,
            StopKeywords:       c.StopKeywords,
            StopClauseTemplate: c.StopClauseTemplate,
            WindowStart:        parseMinutesSinceMidnight(c.TimeRestrictions.Start),
            WindowEnd:          parseMinutesSinceMidnight(c.TimeRestrictions.End),
            Timezone:           loc,
            BlockedWeekdays:    blocked,
            SevenBitMaxLen:     c.SevenBitMaxLen,
            SixteenBitMaxLen:   c.SixteenBitMaxLen,
            ConcatSegmentCap:   c.ConcatSegmentCap,
            MinDelay:           c.MinDelay,
            AllowedPrefixes:    c.AllowedPrefixes,
            BlockedPrefixes:    c.BlockedPrefixes,
        }
    }
    return out
}

func parseMinutesSinceMidnight(hhmm string) int {
    var hour, minute int
    if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
        return 0
    }
    return hour*60 + minute
}

func parseWeekday(name string) (time.Weekday, bool) {
    switch strings.ToLower(name) {
    case "sunday":
        return time.Sunday, true
    case "monday":
        return time.Monday, true
    case "tuesday":
        return time.Tuesday, true
    case "wednesday":
        return time.Wednesday, true
    case "thursday":
        return time.Thursday, true
    case "friday":
        return time.Friday, true
    case "saturday":
        return time.Saturday, true
    default:
        return 0, false
    }
}
