package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/configops"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/sentinel"
	"teamnotify/pkg/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the HTTP and websocket gateway",
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc := newServices(cfg, feedback.LogSurface{})
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.NewServer(cfg, svc.registry, svc.router, svc.gate)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	var guard *sentinel.Service
	if cfg.Sentinel.Enabled {
		guard = sentinel.NewService(svc.gate, cfg.Sentinel.Schedule)
		guard.Watch(channels.KindSignal, svc.signal)
		if svc.bridge != nil {
			guard.Watch(channels.KindWhatsAppWeb, svc.bridge)
		}
		if err := guard.Start(); err != nil {
			fmt.Printf("Error starting sentinel: %v\n", err)
			guard = nil
		} else {
			fmt.Printf("✓ Sentinel started (%s)\n", cfg.Sentinel.Schedule)
		}
	}

	if removePID, err := configops.WritePID(getConfigPath()); err != nil {
		fmt.Printf("Warning: failed to write PID file: %v\n", err)
	} else {
		defer removePID()
	}

	fmt.Printf("✓ Channels: %v\n", svc.registry.Kinds())
	if n := len(cfg.OrganizationIDs()); n > 0 {
		fmt.Printf("✓ Organizations: %d\n", n)
	} else {
		fmt.Println("⚠ Warning: No organizations configured")
	}
	fmt.Printf("✓ Gateway started on %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop. Send SIGHUP to reload organizations and channel settings.")

	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		watchReload(gctx, cfg)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down...")
		if guard != nil {
			guard.Stop()
		}
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop gateway: %w", err)
		}
		fmt.Println("✓ Gateway stopped")
		return nil
	})
	return g.Wait()
}

// watchReload applies a config reload on every SIGHUP until ctx ends.
func watchReload(ctx context.Context, cfg *config.Config) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			reloadConfig(cfg)
		}
	}
}

// reloadConfig applies organization and channel changes to the running
// gateway. Anything else needs a restart.
func reloadConfig(cfg *config.Config) {
	fmt.Println("\n↻ Reloading config...")
	next, err := config.LoadConfig(getConfigPath())
	if err != nil {
		fmt.Printf("✗ Reload failed (load config): %v\n", err)
		return
	}
	if errs := config.Validate(next); len(errs) > 0 {
		fmt.Printf("✗ Reload failed (validate): %v\n", errors.Join(errs...))
		return
	}

	cfg.Reload(next)
	logger.InfoCF("serve", "Config reloaded", map[string]interface{}{
		"organizations": len(next.OrganizationIDs()),
	})
	fmt.Println("✓ Config hot-reload applied")
}
