package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"teamnotify/pkg/channels"
)

var (
	ErrAlreadyPaired      = errors.New("session already authenticated")
	ErrPairingNotRequired = errors.New("channel does not require pairing")
	ErrNoPairer           = errors.New("no pairer registered for channel")
)

// State is the lifecycle position of one (organization, channel) session.
type State string

const (
	StateDisconnected  State = "disconnected"
	StatePairing       State = "pairing"
	StateAuthenticated State = "authenticated"
)

// Key identifies a gated session.
type Key struct {
	OrgID string
	Kind  channels.ChannelKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.OrgID, k.Kind)
}

// Challenge is what a pairer hands back: the raw pairing string, a ready-made
// PNG, or both.
type Challenge struct {
	Code string
	PNG  []byte
}

// QRPayload is the challenge as shown to a person holding the phone.
type QRPayload struct {
	Code     string    `json:"code,omitempty"`
	Image    string    `json:"image"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (q QRPayload) IsZero() bool {
	return q.Code == "" && q.Image == ""
}

// Signals is the narrow surface pairers use to report asynchronous provider events.
type Signals interface {
	OnChallenge(orgID string, kind channels.ChannelKind, ch Challenge)
	OnAuthenticated(orgID string, kind channels.ChannelKind)
	OnAuthFailure(orgID string, kind channels.ChannelKind, reason string)
	OnDisconnect(orgID string, kind channels.ChannelKind)
}

// Pairer starts a pairing handshake with a provider. Completion is reported
// later through Signals.
type Pairer interface {
	StartPairing(ctx context.Context, orgID string, kind channels.ChannelKind, signals Signals) (Challenge, error)
}

// LinkProber is implemented by pairers that can tell whether a link already
// exists, for example one restored from disk after a restart.
type LinkProber interface {
	Linked(ctx context.Context, orgID string, kind channels.ChannelKind) (bool, error)
}

// Unlinker is implemented by pairers that can revoke a link on logout.
type Unlinker interface {
	Unlink(ctx context.Context, orgID string, kind channels.ChannelKind) error
}

// EntryView is a read-only copy of a gate entry.
type EntryView struct {
	OrgID     string               `json:"orgId"`
	Kind      channels.ChannelKind `json:"kind"`
	State     State                `json:"state"`
	Challenge *QRPayload           `json:"challenge,omitempty"`
	Since     time.Time            `json:"since"`
}
