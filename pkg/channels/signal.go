package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"teamnotify/pkg/logger"
)

// DefaultSignalSettleDelay is how long the Signal adapter waits after the gateway
// answers before it reports success. The REST gateway acknowledges the HTTP call
// while its underlying transport may still be flushing the message; reporting
// earlier makes the caller believe a send finished that can still be lost if the
// gateway is restarted. Kept until the gateway offers a synchronous confirmation mode.
const DefaultSignalSettleDelay = 3 * time.Second

// SignalAdapter sends through a self-hosted Signal REST gateway (v2/send).
type SignalAdapter struct {
	httpClient  *http.Client
	settleDelay time.Duration
	clock       Clock
}

type SignalOption func(*SignalAdapter)

func WithSettleDelay(d time.Duration) SignalOption {
	return func(a *SignalAdapter) {
		if d >= 0 {
			a.settleDelay = d
		}
	}
}

func WithClock(c Clock) SignalOption {
	return func(a *SignalAdapter) {
		if c != nil {
			a.clock = c
		}
	}
}

func WithHTTPClient(c *http.Client) SignalOption {
	return func(a *SignalAdapter) {
		if c != nil {
			a.httpClient = c
		}
	}
}

func NewSignalAdapter(timeout time.Duration, opts ...SignalOption) *SignalAdapter {
	a := &SignalAdapter{
		httpClient:  newHTTPClient(timeout),
		settleDelay: DefaultSignalSettleDelay,
		clock:       SystemClock,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SignalAdapter) Kind() ChannelKind {
	return KindSignal
}

func (a *SignalAdapter) SettleDelay() time.Duration {
	return a.settleDelay
}

type signalSendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

func (a *SignalAdapter) Send(ctx context.Context, cfg ChannelConfig, recipient Recipient, body string) (json.RawMessage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	phone, err := normalizedRecipient(recipient)
	if err != nil {
		return nil, err
	}
	if err := requireBody(body); err != nil {
		return nil, err
	}

	req, err := newJSONRequest(ctx, cfg.Endpoint, signalSendRequest{
		Message:    body,
		Number:     cfg.Sender,
		Recipients: []string{phone},
	})
	if err != nil {
		return nil, err
	}
	if cfg.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Credentials)
	}

	logger.DebugCF("signal", "Sending Signal message", map[string]interface{}{
		logger.FieldOrgID:      cfg.OrgID,
		logger.FieldRecipient:  logger.MaskPhone(phone),
		logger.FieldBodyLength: len(body),
		"api_url":              cfg.Endpoint,
	})

	status, respBody, err := do(a.httpClient, req, "signal request failed")
	if err != nil {
		return nil, err
	}
	text := truncateString(string(respBody), 2048)

	logger.DebugCF("signal", "Signal API response", map[string]interface{}{
		logger.FieldHTTPStatus:     status,
		logger.FieldResponseLength: len(respBody),
	})

	if !isSuccess(status) {
		return nil, rejection(status, fmt.Sprintf("Failed to send Signal message: %s", text))
	}

	raw, ok := asJSON(respBody)
	if !ok {
		logger.WarnCF("signal", "Signal API returned a non-JSON body", map[string]interface{}{
			logger.FieldHTTPStatus: status,
			"body":                 truncateString(text, 200),
		})
		return nil, malformed(status, fmt.Sprintf("malformed provider response: %s", text), nil)
	}

	if !sleepWithContext(ctx, a.clock, a.settleDelay) {
		return nil, transportError("signal settle wait", ctx.Err())
	}
	return raw, nil
}
