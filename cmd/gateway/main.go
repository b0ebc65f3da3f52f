package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"

    "github.com/spf13/cobra"

    "github.com/nourikan/commgateway/internal/config"
    "github.com/nourikan/commgateway/pkg/logger"
)

var (
    configFile string
    serveMode  bool
    verbose    bool
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&serveMode, "serve", false, "Run the gateway daemon")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    flag.Parse()

    if serveMode {
        runServerMode()
        return
    }

    runCLI()
}

func runServerMode() {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    cfg, err := config.Load(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
        os.Exit(1)
    }

    logLevel := cfg.Monitoring.Logging.Level
    if verbose {
        logLevel = "debug"
    }
    if err := logger.Init(logger.Config{
        Level:  logLevel,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }); err != nil {
        fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    svc, err := buildServices(ctx, cfg)
    if err != nil {
        logger.Fatal("failed to build services", "error", err)
    }

    if err := svc.pbx.Connect(ctx); err != nil {
        logger.WithError(err).Warn("pbx-mi initial connect failed, reconnect loop will keep retrying")
    }

    if cfg.Monitoring.Health.Enabled {
        go func() {
            if err := svc.healthSvc.Start(); err != nil {
                logger.WithError(err).Error("health service stopped")
            }
        }()
    }

    if cfg.Monitoring.Metrics.Enabled {
        go svc.metrics.ServeHTTP(cfg.Monitoring.Metrics.Port)
    }

    go svc.chatReflector.Run(ctx)

    if svc.mobilePush != nil {
        go svc.mobilePush.Run(ctx, svc.bus)
    }
    if svc.webPush != nil {
        go svc.webPush.Run(ctx, svc.bus)
    }

    if err := svc.smsRouter.StartHealthChecks(ctx, smsHealthCheckers(svc)); err != nil {
        logger.WithError(err).Warn("sms provider health checks not started")
    }

    logger.WithField("instance", cfg.Instance).Info("commgateway started")

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
    <-sigChan

    logger.Info("shutting down")
    cancel()

    svc.chatReflector.Stop()
    svc.smsRouter.StopHealthChecks()
    svc.tracker.Close()
    svc.pbx.Close()

    if svc.healthSvc != nil {
        if err := svc.healthSvc.Stop(); err != nil {
            logger.WithError(err).Error("error stopping health service")
        }
    }

    logger.Info("shutdown complete")
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "gateway",
        Short: "Unified communications gateway",
        Long:  "PBX-MI call control, VoIP extension provisioning, SMS routing/compliance, and chat-reflector administration",
    }

    rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")

    rootCmd.AddCommand(
        createExtensionCommands(),
        createProviderCommands(),
        createSMSCommand(),
        createCallsCommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "error: %v\n", err)
        os.Exit(1)
    }
}

// smsHealthCheckers builds the per-provider check functions the SMS
// router's 60s cron worker runs (spec §4.7): each configured provider
// id is checked through its live registry.Instance.GetStatus.
func smsHealthCheckers(svc *services) map[string]func(context.Context) error {
    checkers := make(map[string]func(context.Context) error)
    for id := range svc.cfg.Providers["sms"] {
        id := id
        checkers[id] = func(ctx context.Context) error {
            inst, err := svc.providers.Get(id)
            if err != nil {
                return err
            }
            status, err := inst.GetStatus(ctx)
            if err != nil {
                return err
            }
            if status != "connected" {
                return fmt.Errorf("provider %s reported status %q", id, status)
            }
            return nil
        }
    }
    return checkers
}
