package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"teamnotify/pkg/logger"
)

// WhatsAppAdapter talks to a WhatsApp Business API compatible messages endpoint.
type WhatsAppAdapter struct {
	httpClient *http.Client
}

func NewWhatsAppAdapter(timeout time.Duration) *WhatsAppAdapter {
	return &WhatsAppAdapter{httpClient: newHTTPClient(timeout)}
}

// NewWhatsAppAdapterWithClient is used when the caller owns the transport.
func NewWhatsAppAdapterWithClient(client *http.Client) *WhatsAppAdapter {
	if client == nil {
		client = newHTTPClient(0)
	}
	return &WhatsAppAdapter{httpClient: client}
}

func (a *WhatsAppAdapter) Kind() ChannelKind {
	return KindWhatsApp
}

type whatsAppText struct {
	Body string `json:"body"`
}

type whatsAppMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsAppText `json:"text"`
}

func (a *WhatsAppAdapter) Send(ctx context.Context, cfg ChannelConfig, recipient Recipient, body string) (json.RawMessage, error) {
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

	req, err := newJSONRequest(ctx, cfg.Endpoint, whatsAppMessage{
		MessagingProduct: "whatsapp",
		To:               phone,
		Type:             "text",
		Text:             whatsAppText{Body: body},
	})
	if err != nil {
		return nil, err
	}

	// The bearer header is attached by the oauth2 transport.
	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	client := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.Credentials,
		TokenType:   "Bearer",
	}))

	logger.DebugCF("whatsapp", "Sending WhatsApp message", map[string]interface{}{
		logger.FieldOrgID:      cfg.OrgID,
		logger.FieldRecipient:  logger.MaskPhone(phone),
		logger.FieldBodyLength: len(body),
	})

	status, respBody, err := do(client, req, "whatsapp request failed")
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, rejection(status, fmt.Sprintf("WhatsApp API error: %s", truncateString(string(respBody), 2048)))
	}

	raw, ok := asJSON(respBody)
	if !ok {
		return nil, malformed(status, "malformed provider response: could not confirm WhatsApp delivery", nil)
	}
	return raw, nil
}
