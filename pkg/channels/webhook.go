package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"teamnotify/pkg/logger"
)

// webhookTimestampLayout matches JavaScript's Date.toISOString.
const webhookTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// WebhookEnvelope is the fixed notification body posted to the webhook URL.
type WebhookEnvelope struct {
	UserName  string `json:"userName"`
	UserPhone string `json:"userPhone"`
	UserRole  string `json:"userRole"`
	Timestamp string `json:"timestamp"`
}

// WebhookAdapter notifies an automation endpoint that a team member was selected.
// The message body is not part of the envelope.
type WebhookAdapter struct {
	httpClient *http.Client
	clock      Clock
}

func NewWebhookAdapter(timeout time.Duration, clock Clock) *WebhookAdapter {
	if clock == nil {
		clock = SystemClock
	}
	return &WebhookAdapter{httpClient: newHTTPClient(timeout), clock: clock}
}

func (a *WebhookAdapter) Kind() ChannelKind {
	return KindWebhook
}

func (a *WebhookAdapter) Envelope(recipient Recipient) WebhookEnvelope {
	return WebhookEnvelope{
		UserName:  recipient.DisplayName,
		UserPhone: NormalizePhone(recipient.PhoneNumber),
		UserRole:  recipient.Role,
		Timestamp: a.clock.Now().UTC().Format(webhookTimestampLayout),
	}
}

func (a *WebhookAdapter) Send(ctx context.Context, cfg ChannelConfig, recipient Recipient, _ string) (json.RawMessage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	req, err := newJSONRequest(ctx, cfg.Endpoint, a.Envelope(recipient))
	if err != nil {
		return nil, err
	}

	status, respBody, err := do(a.httpClient, req, "webhook request failed")
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, rejection(status, fmt.Sprintf("Failed to send webhook notification: %s", truncateString(string(respBody), 2048)))
	}

	logger.DebugCF("webhook", "Webhook notified", map[string]interface{}{
		logger.FieldOrgID:      cfg.OrgID,
		logger.FieldHTTPStatus: status,
	})

	// Success is the 2xx alone; the body is passed through untouched.
	if raw, ok := asJSON(respBody); ok {
		return raw, nil
	}
	quoted, _ := json.Marshal(string(respBody))
	return json.RawMessage(quoted), nil
}
