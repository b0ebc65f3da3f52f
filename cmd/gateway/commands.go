package main

import (
    "context"
    "fmt"
    "os"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/nourikan/commgateway/internal/config"
    "github.com/nourikan/commgateway/internal/provisioner"
)

var (
    green  = color.New(color.FgGreen).SprintFunc()
    red    = color.New(color.FgRed).SprintFunc()
    yellow = color.New(color.FgYellow).SprintFunc()
)

// initializeForCLI loads configuration and builds every service the
// same way the daemon does, without starting any long-running loop —
// each CLI command performs exactly one operation against the same
// wiring the server uses.
func initializeForCLI(ctx context.Context) (*services, error) {
    cfg, err := config.Load(configFile)
    if err != nil {
        return nil, fmt.Errorf("failed to load config: %w", err)
    }
    return buildServices(ctx, cfg)
}

func createExtensionCommands() *cobra.Command {
    extCmd := &cobra.Command{
        Use:   "extension",
        Short: "Manage VoIP extensions",
        Long:  "Commands for provisioning and inspecting PBX extensions",
    }

    extCmd.AddCommand(
        createExtensionAddCommand(),
        createExtensionDeleteCommand(),
        createExtensionSecretCommand(),
        createExtensionStatusCommand(),
    )

    return extCmd
}

func createExtensionAddCommand() *cobra.Command {
    var (
        userID       int64
        displayName  string
        extContext   string
        transport    string
        codecs       []string
        webrtcEnable bool
    )

    cmd := &cobra.Command{
        Use:   "add",
        Short: "Provision a new extension",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            ext, err := svc.provisioner.CreateExtension(ctx, provisioner.ExtensionData{
                UserID:       userID,
                DisplayName:  displayName,
                Context:      extContext,
                Transport:    transport,
                Codecs:       codecs,
                WebRTCEnable: webrtcEnable,
            })
            if err != nil {
                return fmt.Errorf("failed to create extension: %w", err)
            }

            fmt.Printf("Extension %s created (secret: %s)\n", green(ext.Extension), ext.Secret)
            if !ext.SyncedToPBX {
                fmt.Printf("%s extension was not synced to the PBX: %s\n", yellow("warning:"), ext.PBXSyncError)
            }
            return nil
        },
    }

    cmd.Flags().Int64Var(&userID, "user-id", 0, "Owning user id")
    cmd.Flags().StringVar(&displayName, "display-name", "", "Caller-id display name")
    cmd.Flags().StringVar(&extContext, "context", "", "Dialplan context (defaults to from-internal)")
    cmd.Flags().StringVar(&transport, "transport", "", "SIP transport (no default; left empty when omitted)")
    cmd.Flags().StringSliceVar(&codecs, "codecs", nil, "Allowed codecs, in preference order (defaults to ulaw,alaw)")
    cmd.Flags().BoolVar(&webrtcEnable, "webrtc", false, "Enable WebRTC transport for this extension")

    return cmd
}

func createExtensionDeleteCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "delete <extension>",
        Short: "Remove an extension from the PBX and the store",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            if err := svc.provisioner.DeleteExtension(ctx, args[0]); err != nil {
                return fmt.Errorf("failed to delete extension: %w", err)
            }

            fmt.Printf("Extension %s removed\n", green(args[0]))
            return nil
        },
    }
}

func createExtensionSecretCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "set-secret <extension> <secret>",
        Short: "Rotate an extension's SIP credential",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            if err := svc.provisioner.UpdateSecret(ctx, args[0], args[1]); err != nil {
                return fmt.Errorf("failed to update secret: %w", err)
            }

            fmt.Printf("Secret updated for extension %s\n", green(args[0]))
            return nil
        },
    }
}

func createExtensionStatusCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "status <extension>",
        Short: "Show an extension's PBX contact state",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            status, err := svc.provisioner.GetStatus(ctx, args[0])
            if err != nil {
                return fmt.Errorf("failed to get status: %w", err)
            }

            fmt.Printf("%s: %s\n", args[0], formatContactStatus(status))
            return nil
        },
    }
}

func formatContactStatus(status string) string {
    switch status {
    case "available":
        return green(status)
    case "unavailable":
        return red(status)
    default:
        return yellow(status)
    }
}

func createProviderCommands() *cobra.Command {
    providerCmd := &cobra.Command{
        Use:   "provider",
        Short: "Manage SMS providers",
        Long:  "Commands for inspecting the SMS provider registry (C6)",
    }

    providerCmd.AddCommand(createProviderStatusCommand())

    return providerCmd
}

func createProviderStatusCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "status",
        Short: "Show every configured SMS provider's live status",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            providers := svc.cfg.Providers["sms"]
            if len(providers) == 0 {
                fmt.Println("No SMS providers configured")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"ID", "Type", "Enabled", "Status", "Registry Healthy"})
            table.SetBorder(false)
            table.SetAutoWrapText(false)

            for id, p := range providers {
                status := "n/a"
                if p.Enabled {
                    if inst, err := svc.providers.Get(id); err == nil {
                        if s, err := inst.GetStatus(ctx); err == nil {
                            status = s
                        } else {
                            status = fmt.Sprintf("error: %v", err)
                        }
                    } else {
                        status = fmt.Sprintf("error: %v", err)
                    }
                }

                healthy := red("no")
                if svc.providers.IsHealthy(id) {
                    healthy = green("yes")
                }

                enabled := red("no")
                if p.Enabled {
                    enabled = green("yes")
                }

                table.Append([]string{id, p.Type, enabled, status, healthy})
            }

            table.Render()
            return nil
        },
    }
}

func createSMSCommand() *cobra.Command {
    smsCmd := &cobra.Command{
        Use:   "sms",
        Short: "Send SMS messages through the routing/compliance pipeline",
    }

    smsCmd.AddCommand(createSMSSendCommand())

    return smsCmd
}

func createSMSSendCommand() *cobra.Command {
    var (
        messageID string
        country   string
    )

    cmd := &cobra.Command{
        Use:   "send <to> <body>",
        Short: "Send one SMS, passing it through the compliance gate and provider routing table",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            if messageID == "" {
                messageID = fmt.Sprintf("cli-%s", args[0])
            }

            result, err := svc.smsRouter.SendMessage(ctx, messageID, args[0], args[1], country)
            if err != nil {
                return fmt.Errorf("send failed: %w", err)
            }

            fmt.Printf("%s provider=%s provider_message_id=%s\n", green("sent"), result.ProviderID, result.ProviderMessageID)
            return nil
        },
    }

    cmd.Flags().StringVar(&messageID, "message-id", "", "Message id used for id-prefix routing (defaults to cli-<to>)")
    cmd.Flags().StringVar(&country, "country", "", "ISO country code for the compliance gate")

    return cmd
}

func createCallsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "calls",
        Short: "List calls currently ringing",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx := context.Background()

            svc, err := initializeForCLI(ctx)
            if err != nil {
                return err
            }

            ringing := svc.tracker.GetRingingCalls()
            if len(ringing) == 0 {
                fmt.Println("No calls currently ringing")
                return nil
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Call ID", "Display Number", "Display Name", "Line", "Extensions Ringing"})
            table.SetBorder(false)

            for _, c := range ringing {
                table.Append([]string{c.CallID, c.DisplayNumber, c.DisplayName, c.LineName, fmt.Sprintf("%d", len(c.ExtensionsRinging))})
            }

            table.Render()
            return nil
        },
    }
}
