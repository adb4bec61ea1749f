package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/session"
)

const pairWaitDefault = 2 * time.Minute

var pairWait time.Duration

var pairCmd = &cobra.Command{
	Use:   "pair <org>",
	Short: "Link the organization's Signal or WhatsApp Web device",
	Args:  cobra.ExactArgs(1),
	RunE:  runPair,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <org>",
	Short: "Unlink the organization's device",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
}

func init() {
	pairCmd.Flags().DurationVar(&pairWait, "wait", pairWaitDefault, "how long to wait for the code to be scanned")
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cc, err := cfg.ChannelFor(args[0])
	if err != nil {
		return err
	}
	if !channels.RequiresSession(cc.Kind) {
		return fmt.Errorf("%s does not require pairing", cc.Kind)
	}

	svc := newServices(cfg, nil)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	events, err := svc.gate.Subscribe(ctx)
	if err != nil {
		return err
	}
	if err := ensureSession(ctx, svc, cc.OrgID, cc.Kind, events, pairWait, os.Stdout); err != nil {
		return err
	}
	fmt.Printf("✓ %s is linked for %s\n", cc.Kind, cc.OrgID)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cc, err := cfg.ChannelFor(args[0])
	if err != nil {
		return err
	}

	svc := newServices(cfg, nil)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.Timeout())
	defer cancel()

	if err := svc.gate.Logout(ctx, cc.OrgID, cc.Kind); err != nil {
		if errors.Is(err, session.ErrPairingNotRequired) {
			return fmt.Errorf("%s does not require pairing", cc.Kind)
		}
		return err
	}
	fmt.Printf("✓ %s unlinked for %s\n", cc.Kind, cc.OrgID)
	return nil
}

// ensureSession pairs the channel when it needs a session that is not ready,
// then waits for the scan. events must be subscribed before the call.
func ensureSession(ctx context.Context, svc *services, orgID string, kind channels.ChannelKind, events <-chan bus.Event, wait time.Duration, w io.Writer) error {
	if !channels.RequiresSession(kind) || svc.gate.Ready(orgID, kind) {
		return nil
	}

	qr, err := svc.gate.BeginPairing(ctx, orgID, kind)
	if errors.Is(err, session.ErrAlreadyPaired) {
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s needs pairing for %s\n", kind, orgID)
	showChallenge(w, orgID, &qr)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := waitReady(waitCtx, events, orgID, kind); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("code was not scanned within %s", wait)
		}
		return err
	}
	return nil
}

// showChallenge draws a raw code in the terminal. Image-only challenges are
// written next to the config file instead.
func showChallenge(w io.Writer, orgID string, qr *session.QRPayload) {
	if qr.Code != "" {
		feedback.RenderChallenge(w, qr)
		return
	}
	path, err := saveChallengeImage(orgID, qr.Image)
	if err != nil {
		fmt.Fprintf(w, "Could not save the pairing image: %v\n", err)
		feedback.RenderChallenge(w, qr)
		return
	}
	fmt.Fprintf(w, "Pairing QR saved to %s. Open it and scan with the phone app.\n", path)
}

func saveChallengeImage(orgID, dataURL string) (string, error) {
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(dataURL, prefix) {
		return "", fmt.Errorf("unexpected image format")
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, prefix))
	if err != nil {
		return "", err
	}
	path := filepath.Join(filepath.Dir(getConfigPath()), "pairing-"+orgID+".png")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, png, 0600)
}
