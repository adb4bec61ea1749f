package main

import (
	"context"
	"fmt"
	"time"

	"teamnotify/pkg/bridge"
	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/session"
	"teamnotify/pkg/signalgw"
)

// services is the dispatch core shared by every command.
type services struct {
	cfg      *config.Config
	events   *bus.EventBus
	gate     *session.Gate
	registry *channels.Registry
	router   *dispatch.Router
	signal   *signalgw.Pairer
	bridge   *bridge.Bridge
}

// newServices wires adapters, pairers and the router. surface, when not nil,
// sees every dispatch outcome.
func newServices(cfg *config.Config, surface feedback.Surface) *services {
	timeout := cfg.Dispatch.Timeout()

	registry := channels.NewRegistry(
		channels.NewWhatsAppAdapter(timeout),
		channels.NewSignalAdapter(timeout, channels.WithSettleDelay(cfg.Dispatch.SignalSettle())),
		channels.NewWebhookAdapter(timeout, nil),
	)

	events := bus.NewEventBus()
	gate := session.NewGate(events)

	sig := cfg.Channels.Signal
	signalPairer := signalgw.New(signalgw.Options{
		BaseURL:      sig.BaseURL(),
		Number:       sig.Number,
		DeviceName:   sig.DeviceName,
		PollInterval: time.Duration(sig.PollIntervalSec) * time.Second,
		PairTimeout:  time.Duration(sig.PairTimeoutSec) * time.Second,
	})
	gate.RegisterPairer(channels.KindSignal, signalPairer)

	var wa *bridge.Bridge
	if cfg.Channels.Bridge.Enabled {
		wa = bridge.New(cfg.BridgeStorePath())
		wa.Attach(gate)
		registry.Register(wa)
		gate.RegisterPairer(channels.KindWhatsAppWeb, wa)
	}

	opts := []dispatch.Option{dispatch.WithTimeout(timeout)}
	if surface != nil {
		opts = append(opts, dispatch.WithObserver(feedback.Observer(surface)))
	}

	return &services{
		cfg:      cfg,
		events:   events,
		gate:     gate,
		registry: registry,
		router:   dispatch.NewRouter(registry, gate, opts...),
		signal:   signalPairer,
		bridge:   wa,
	}
}

// send dispatches body to member of orgID, falling back to the default message.
func (s *services) send(ctx context.Context, orgID string, member config.Member, body string) (dispatch.Outcome, error) {
	cc, err := s.cfg.ChannelFor(orgID)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	if body == "" {
		body = s.cfg.Dispatch.DefaultMessage
	}
	return s.router.Dispatch(ctx, cc, member.Recipient(), body), nil
}

// waitReady blocks until the session for orgID/kind reports ready, fails, or
// ctx ends. events must be subscribed before pairing starts.
func waitReady(ctx context.Context, events <-chan bus.Event, orgID string, kind channels.ChannelKind) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if evt.OrgID != orgID || evt.Kind != string(kind) {
				continue
			}
			switch evt.Type {
			case bus.EventReady:
				return nil
			case bus.EventAuthFailure:
				return fmt.Errorf("pairing failed: %s", evt.Reason)
			}
		}
	}
}

func (s *services) Close() {
	s.signal.Close()
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.events.Close()
}
