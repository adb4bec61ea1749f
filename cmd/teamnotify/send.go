package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"teamnotify/pkg/config"
	"teamnotify/pkg/feedback"
)

var (
	sendMessage string
	sendWait    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <org> <phone>",
	Short: "Send a notification to a team member",
	Example: `  teamnotify send acme +15551234567
  teamnotify send acme "+1 (555) 123-4567" -m "Table 4 needs you"`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "message body (default: dispatch.default_message)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", pairWaitDefault, "how long to wait for pairing when the channel needs it")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	org, err := cfg.Organization(args[0])
	if err != nil {
		return err
	}
	cc, err := cfg.ChannelFor(org.ID)
	if err != nil {
		return err
	}
	member, ok := org.Member(args[1])
	if !ok {
		member = config.Member{Phone: args[1]}
	}

	svc := newServices(cfg, feedback.Surfaces{feedback.LogSurface{}, feedback.NewTerminalSurface(os.Stdout)})
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	events, err := svc.gate.Subscribe(ctx)
	if err != nil {
		return err
	}
	if err := ensureSession(ctx, svc, org.ID, cc.Kind, events, sendWait, os.Stdout); err != nil {
		return err
	}

	outcome, err := svc.send(ctx, org.ID, member, sendMessage)
	if err != nil {
		return err
	}
	if !outcome.Sent() {
		return fmt.Errorf("notification %s: %s", outcome.Status, outcome.Message)
	}
	return nil
}
