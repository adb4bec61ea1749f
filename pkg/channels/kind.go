package channels

import (
	"fmt"
	"strings"
)

// ChannelKind names the transport an organization uses to reach its team.
type ChannelKind string

const (
	KindWhatsApp ChannelKind = "whatsapp"
	KindSignal   ChannelKind = "signal"
	KindWebhook  ChannelKind = "webhook"
	// KindWhatsAppWeb is the experimental QR-paired WhatsApp Web bridge.
	KindWhatsAppWeb ChannelKind = "whatsapp_web"
)

var knownKinds = []ChannelKind{KindWhatsApp, KindSignal, KindWebhook, KindWhatsAppWeb}

// ParseKind converts an organization's communicationType into a ChannelKind.
// Unknown values are configuration errors.
func ParseKind(s string) (ChannelKind, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	want = strings.ReplaceAll(want, "-", "_")
	for _, k := range knownKinds {
		if string(k) == want {
			return k, nil
		}
	}
	return "", ConfigError("unknown communication type %q", s)
}

func (k ChannelKind) Valid() bool {
	for _, known := range knownKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k ChannelKind) String() string {
	return string(k)
}

// RequiresSession reports whether sends over k must wait for a paired session.
// API-key channels are always ready.
func RequiresSession(k ChannelKind) bool {
	switch k {
	case KindSignal, KindWhatsAppWeb:
		return true
	default:
		return false
	}
}

// ChannelConfig is an organization's active channel. The core only reads it.
type ChannelConfig struct {
	OrgID       string      `json:"org_id"`
	Kind        ChannelKind `json:"kind"`
	Endpoint    string      `json:"endpoint"`
	Credentials string      `json:"-"`
	// Sender is the registered Signal number; other kinds ignore it.
	Sender string `json:"sender,omitempty"`
}

// Validate checks the per-kind invariants without touching the network.
func (c ChannelConfig) Validate() error {
	if !c.Kind.Valid() {
		return ConfigError("unknown channel kind %q", string(c.Kind))
	}
	switch c.Kind {
	case KindWhatsApp:
		if strings.TrimSpace(c.Endpoint) == "" {
			return ConfigError("whatsapp endpoint is not configured")
		}
		if strings.TrimSpace(c.Credentials) == "" {
			return ConfigError("whatsapp access token is not configured")
		}
	case KindSignal:
		if strings.TrimSpace(c.Endpoint) == "" {
			return ConfigError("signal endpoint is not configured")
		}
		if strings.TrimSpace(c.Sender) == "" {
			return ConfigError("signal number is not configured")
		}
	case KindWebhook:
		if strings.TrimSpace(c.Endpoint) == "" {
			return ConfigError("webhook url is not configured")
		}
	case KindWhatsAppWeb:
		if strings.TrimSpace(c.OrgID) == "" {
			return ConfigError("whatsapp_web requires an organization id")
		}
	}
	return nil
}

// Recipient is the team member being notified.
type Recipient struct {
	PhoneNumber string `json:"phone"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

func (r Recipient) String() string {
	if r.DisplayName != "" {
		return fmt.Sprintf("%s <%s>", r.DisplayName, r.PhoneNumber)
	}
	return r.PhoneNumber
}
