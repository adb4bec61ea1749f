package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

// Gate is the part of the session gate the router needs.
type Gate interface {
	Ready(orgID string, kind channels.ChannelKind) bool
	BeginPairing(ctx context.Context, orgID string, kind channels.ChannelKind) (session.QRPayload, error)
}

// Sender performs the single outbound call for a channel.
type Sender interface {
	Send(ctx context.Context, cfg channels.ChannelConfig, recipient channels.Recipient, body string) (json.RawMessage, error)
}

// Router picks the adapter for an organization's channel, consults the gate
// for channels that need a paired session and normalizes the result.
// It never retries.
type Router struct {
	sender  Sender
	gate    Gate
	timeout time.Duration
	observe func(Outcome)
}

type Option func(*Router)

// WithTimeout bounds the adapter call, including the Signal settle wait.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithObserver is called with every outcome before Dispatch returns.
func WithObserver(fn func(Outcome)) Option {
	return func(r *Router) {
		r.observe = fn
	}
}

func NewRouter(sender Sender, gate Gate, opts ...Option) *Router {
	r := &Router{
		sender:  sender,
		gate:    gate,
		timeout: channels.DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Timeout() time.Duration {
	return r.timeout
}

// Dispatch sends body to recipient over cfg's channel. It always resolves to
// an Outcome; there is no error return.
func (r *Router) Dispatch(ctx context.Context, cfg channels.ChannelConfig, recipient channels.Recipient, body string) Outcome {
	start := time.Now()
	out := r.dispatch(ctx, cfg, recipient, body)
	out.DispatchID = uuid.NewString()
	out.OrgID = cfg.OrgID
	out.Kind = cfg.Kind

	fields := map[string]interface{}{
		logger.FieldDispatchID: out.DispatchID,
		logger.FieldOrgID:      cfg.OrgID,
		logger.FieldChannel:    cfg.Kind.String(),
		logger.FieldRecipient:  logger.MaskPhone(recipient.PhoneNumber),
		logger.FieldStatus:     string(out.Status),
		logger.FieldDuration:   time.Since(start).String(),
	}
	switch out.Status {
	case StatusSent:
		logger.InfoCF("dispatch", "Notification sent", fields)
	case StatusChannelNotReady:
		logger.InfoCF("dispatch", "Channel not ready, pairing required", fields)
	default:
		fields[logger.FieldError] = out.Message
		if out.HTTPStatus > 0 {
			fields[logger.FieldHTTPStatus] = out.HTTPStatus
		}
		logger.WarnCF("dispatch", "Notification failed", fields)
	}

	if r.observe != nil {
		r.observe(out)
	}
	return out
}

func (r *Router) dispatch(ctx context.Context, cfg channels.ChannelConfig, recipient channels.Recipient, body string) Outcome {
	if !cfg.Kind.Valid() {
		return fatal(channels.ConfigError("unknown channel kind %q", string(cfg.Kind)))
	}
	if cfg.Kind != channels.KindWebhook && channels.NormalizePhone(recipient.PhoneNumber) == "" {
		return fatal(channels.ConfigError("recipient phone number is empty"))
	}
	if err := cfg.Validate(); err != nil {
		return fromError(err)
	}
	if cfg.Kind != channels.KindWebhook && strings.TrimSpace(body) == "" {
		return fatal(channels.ConfigError("message body is empty"))
	}

	if channels.RequiresSession(cfg.Kind) && !r.gate.Ready(cfg.OrgID, cfg.Kind) {
		if out, blocked := r.notReady(ctx, cfg); blocked {
			return out
		}
	}

	// Abandoned callers do not cancel an in-flight send; the timeout does.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	raw, err := r.sender.Send(sendCtx, cfg, recipient, body)
	if err != nil {
		return fromError(err)
	}
	return Outcome{Status: StatusSent, ProviderResponse: raw}
}

// notReady asks the gate for a challenge. It returns blocked=false only when
// the gate discovers the session was already linked.
func (r *Router) notReady(ctx context.Context, cfg channels.ChannelConfig) (Outcome, bool) {
	qr, err := r.gate.BeginPairing(ctx, cfg.OrgID, cfg.Kind)
	switch {
	case err == nil:
		return Outcome{
			Status:    StatusChannelNotReady,
			Challenge: &qr,
			Message:   "Channel is not paired yet. Scan the QR code to link it.",
		}, true
	case errors.Is(err, session.ErrAlreadyPaired):
		return Outcome{}, false
	case errors.Is(err, session.ErrNoPairer):
		return Outcome{
			Status:     StatusFatalError,
			ErrorClass: channels.ClassConfiguration,
			Message:    "Channel is not paired and pairing is not available: " + err.Error(),
		}, true
	default:
		return Outcome{
			Status:  StatusChannelNotReady,
			Message: "Channel is not paired and no pairing code could be obtained: " + err.Error(),
		}, true
	}
}

func fatal(se *channels.SendError) Outcome {
	return Outcome{
		Status:     StatusFatalError,
		Message:    se.Message,
		ErrorClass: se.Class,
		HTTPStatus: se.HTTPStatus,
	}
}

func fromError(err error) Outcome {
	se := channels.AsSendError(err)
	if se.Temporary() {
		return Outcome{
			Status:     StatusRecoverableError,
			Message:    se.Message,
			ErrorClass: se.Class,
			HTTPStatus: se.HTTPStatus,
		}
	}
	return fatal(se)
}
