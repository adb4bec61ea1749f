package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
)

const statusProbeTimeout = 5 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and channel status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configPath := getConfigPath()

	fmt.Printf("%s teamnotify Status\n\n", logo)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗")
	}
	fmt.Printf("Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Logging: %v\n", cfg.Logging.Enabled)
	if cfg.Logging.Enabled {
		fmt.Printf("Log File: %s\n", cfg.LogFilePath())
		fmt.Printf("Log Max Size: %d MB\n", cfg.Logging.MaxSizeMB)
		fmt.Printf("Log Retention: %d days\n", cfg.Logging.RetentionDays)
	}
	fmt.Printf("Sentinel: %v (%s)\n", cfg.Sentinel.Enabled, cfg.Sentinel.Schedule)
	fmt.Println()

	fmt.Println("Channels:")
	for _, kind := range []channels.ChannelKind{channels.KindWhatsApp, channels.KindSignal, channels.KindWebhook} {
		shared := cfg.SharedChannel(kind)
		if err := shared.Validate(); err != nil {
			fmt.Printf("  %-12s not set (%s)\n", kind, channels.AsSendError(err).Message)
			continue
		}
		fmt.Printf("  %-12s ✓ %s\n", kind, shared.Endpoint)
	}
	if cfg.Channels.Bridge.Enabled {
		fmt.Printf("  %-12s ✓ %s\n", channels.KindWhatsAppWeb, cfg.BridgeStorePath())
	} else {
		fmt.Printf("  %-12s disabled\n", channels.KindWhatsAppWeb)
	}
	fmt.Println()

	svc := newServices(cfg, nil)
	defer svc.Close()

	ids := cfg.OrganizationIDs()
	fmt.Printf("Organizations: %d\n", len(ids))
	for _, id := range ids {
		org, _ := cfg.Organization(id)
		cc, err := cfg.ChannelFor(id)
		if err != nil {
			fmt.Printf("  %-16s ✗ %v\n", id, err)
			continue
		}
		line := fmt.Sprintf("  %-16s %-12s %d member(s)", id, cc.Kind, len(org.Members))
		if err := cc.Validate(); err != nil {
			line += " ✗ " + channels.AsSendError(err).Message
		} else if channels.RequiresSession(cc.Kind) {
			line += " " + linkStatus(svc, cc)
		} else {
			line += " ✓"
		}
		fmt.Println(line)
	}
	return nil
}

// linkStatus probes the provider for an existing device link.
func linkStatus(svc *services, cc channels.ChannelConfig) string {
	ctx, cancel := context.WithTimeout(context.Background(), statusProbeTimeout)
	defer cancel()

	var (
		linked bool
		err    error
	)
	switch cc.Kind {
	case channels.KindSignal:
		linked, err = svc.signal.Linked(ctx, cc.OrgID, cc.Kind)
		if err == nil && linked {
			if accounts, aerr := svc.signal.Accounts(ctx); aerr == nil {
				return "✓ linked (" + maskAll(accounts) + ")"
			}
		}
	case channels.KindWhatsAppWeb:
		if svc.bridge == nil {
			return "✗ bridge disabled"
		}
		if _, statErr := os.Stat(svc.bridge.StorePathFor(cc.OrgID)); statErr != nil {
			return "not paired"
		}
		linked, err = svc.bridge.Linked(ctx, cc.OrgID, cc.Kind)
	}
	switch {
	case err != nil:
		return "? " + err.Error()
	case linked:
		return "✓ linked"
	default:
		return "not paired"
	}
}

func maskAll(numbers []string) string {
	masked := make([]string, 0, len(numbers))
	for _, n := range numbers {
		masked = append(masked, logger.MaskPhone(n))
	}
	return strings.Join(masked, ", ")
}
