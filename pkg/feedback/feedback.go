// Package feedback turns dispatch outcomes into what a person sees: a short
// success pulse, a pairing code to scan, or an error message.
package feedback

import (
	"time"

	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/session"
)

// HighlightDuration is how long a successful send stays highlighted.
const HighlightDuration = 2 * time.Second

type EffectKind string

const (
	EffectHighlight     EffectKind = "highlight"
	EffectShowChallenge EffectKind = "show_challenge"
	EffectShowError     EffectKind = "show_error"
)

// Effect is the visible consequence of one outcome.
type Effect struct {
	Kind       EffectKind
	DispatchID string
	OrgID      string
	Channel    string
	Duration   time.Duration
	Challenge  *session.QRPayload
	// AwaitReady means the surface should keep the challenge up until the
	// session reports ready.
	AwaitReady bool
	Message    string
	Retryable  bool
}

// Observe maps an outcome to its effect. It holds no state.
func Observe(o dispatch.Outcome) Effect {
	e := Effect{
		DispatchID: o.DispatchID,
		OrgID:      o.OrgID,
		Channel:    o.Kind.String(),
		Message:    o.Message,
	}
	switch o.Status {
	case dispatch.StatusSent:
		e.Kind = EffectHighlight
		e.Duration = HighlightDuration
	case dispatch.StatusChannelNotReady:
		if o.Challenge != nil && !o.Challenge.IsZero() {
			e.Kind = EffectShowChallenge
			e.Challenge = o.Challenge
			e.AwaitReady = true
			break
		}
		e.Kind = EffectShowError
		e.Retryable = true
	default:
		e.Kind = EffectShowError
		e.Retryable = o.Status == dispatch.StatusRecoverableError
	}
	if e.Kind == EffectShowError && e.Message == "" {
		e.Message = "Notification failed"
	}
	return e
}

// Surface renders effects. Implementations must be safe for concurrent use.
type Surface interface {
	Render(Effect)
}

// Surfaces fans one effect out to several surfaces.
type Surfaces []Surface

func (s Surfaces) Render(e Effect) {
	for _, surface := range s {
		if surface != nil {
			surface.Render(e)
		}
	}
}

// Observer adapts a surface into a dispatch observer.
func Observer(s Surface) func(dispatch.Outcome) {
	return func(o dispatch.Outcome) {
		s.Render(Observe(o))
	}
}
