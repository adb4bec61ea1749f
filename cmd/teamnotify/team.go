package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/tui"
)

var teamMessage string

var teamCmd = &cobra.Command{
	Use:   "team <org>",
	Short: "Pick a team member and notify them",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeam,
}

func init() {
	teamCmd.Flags().StringVarP(&teamMessage, "message", "m", "", "message body (default: dispatch.default_message)")
}

func runTeam(cmd *cobra.Command, args []string) error {
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

	// The screen owns the terminal; log lines still reach the log file.
	logger.SetOutput(io.Discard)

	svc := newServices(cfg, feedback.LogSurface{})
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events <-chan bus.Event
	if channels.RequiresSession(cc.Kind) {
		if events, err = svc.gate.Subscribe(ctx); err != nil {
			return err
		}
	}

	send := func(ctx context.Context, m config.Member) dispatch.Outcome {
		o, err := svc.send(ctx, org.ID, m, teamMessage)
		if err != nil {
			return dispatch.Outcome{OrgID: org.ID, Kind: cc.Kind, Status: dispatch.StatusFatalError, Message: err.Error()}
		}
		return o
	}
	return tui.Run(tui.New(org, cc.Kind, send, events))
}
