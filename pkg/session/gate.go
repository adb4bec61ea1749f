package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
)

type entry struct {
	state     State
	challenge QRPayload
	since     time.Time
	// starting is set while the pairer's StartPairing call is in flight and
	// no challenge has been issued yet.
	starting bool
}

// Gate owns the session state of every channel that needs pairing. Channels
// that do not need a session are always ready and never get an entry.
//
// Entries are created by BeginPairing and removed on disconnect, auth failure
// or logout; a missing entry reads as StateDisconnected.
type Gate struct {
	entries map[Key]*entry
	pairers map[channels.ChannelKind]Pairer
	mu      sync.Mutex
	flights singleflight.Group
	events  *bus.EventBus
	now     func() time.Time
}

func NewGate(events *bus.EventBus) *Gate {
	return &Gate{
		entries: make(map[Key]*entry),
		pairers: make(map[channels.ChannelKind]Pairer),
		events:  events,
		now:     time.Now,
	}
}

func (g *Gate) RegisterPairer(kind channels.ChannelKind, p Pairer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pairers[kind] = p
}

func (g *Gate) Ready(orgID string, kind channels.ChannelKind) bool {
	if !channels.RequiresSession(kind) {
		return true
	}
	return g.State(orgID, kind) == StateAuthenticated
}

func (g *Gate) State(orgID string, kind channels.ChannelKind) State {
	if !channels.RequiresSession(kind) {
		return StateAuthenticated
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[Key{orgID, kind}]; ok {
		return e.state
	}
	return StateDisconnected
}

// Challenge returns the outstanding pairing challenge, if any.
func (g *Gate) Challenge(orgID string, kind channels.ChannelKind) (QRPayload, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[Key{orgID, kind}]
	if !ok || e.state != StatePairing || e.starting {
		return QRPayload{}, false
	}
	return e.challenge, true
}

// BeginPairing starts a pairing handshake, or returns the challenge already
// outstanding for the key. Concurrent callers share one pairer call.
func (g *Gate) BeginPairing(ctx context.Context, orgID string, kind channels.ChannelKind) (QRPayload, error) {
	if !channels.RequiresSession(kind) {
		return QRPayload{}, ErrPairingNotRequired
	}
	key := Key{orgID, kind}

	if qr, done, err := g.current(key); done {
		return qr, err
	}

	// The flight must survive an impatient first caller.
	flightCtx := context.WithoutCancel(ctx)
	resCh := g.flights.DoChan(key.String(), func() (interface{}, error) {
		return g.pair(flightCtx, key)
	})

	select {
	case <-ctx.Done():
		return QRPayload{}, ctx.Err()
	case res := <-resCh:
		if res.Err != nil {
			return QRPayload{}, res.Err
		}
		return res.Val.(QRPayload), nil
	}
}

// current reports the outcome of BeginPairing when no pairer call is needed.
func (g *Gate) current(key Key) (QRPayload, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return QRPayload{}, false, nil
	}
	switch e.state {
	case StateAuthenticated:
		return QRPayload{}, true, ErrAlreadyPaired
	case StatePairing:
		if e.starting {
			return QRPayload{}, false, nil
		}
		return e.challenge, true, nil
	}
	return QRPayload{}, false, nil
}

func (g *Gate) pair(ctx context.Context, key Key) (QRPayload, error) {
	// A previous flight may have finished between current() and DoChan.
	if qr, done, err := g.current(key); done {
		return qr, err
	}

	g.mu.Lock()
	p, ok := g.pairers[key.Kind]
	g.mu.Unlock()
	if !ok || p == nil {
		return QRPayload{}, fmt.Errorf("%w: %s", ErrNoPairer, key.Kind)
	}

	if prober, ok := p.(LinkProber); ok {
		linked, err := prober.Linked(ctx, key.OrgID, key.Kind)
		if err != nil {
			logger.WarnCF("session", "Link probe failed, pairing anew", map[string]interface{}{
				logger.FieldOrgID:   key.OrgID,
				logger.FieldChannel: key.Kind.String(),
				logger.FieldError:   err.Error(),
			})
		} else if linked {
			g.transition(key, []State{StateDisconnected}, StateAuthenticated, QRPayload{}, "restored link")
			return QRPayload{}, ErrAlreadyPaired
		}
	}

	// The entry exists before the pairer runs so signals it sends from
	// inside StartPairing land on a pairing session.
	if !g.reserve(key) {
		if qr, done, err := g.current(key); done {
			return qr, err
		}
		return QRPayload{}, fmt.Errorf("begin pairing %s: session changed state", key)
	}

	ch, err := p.StartPairing(ctx, key.OrgID, key.Kind, g)
	if err != nil {
		g.unreserve(key)
		logger.ErrorCF("session", "Pairing could not start", map[string]interface{}{
			logger.FieldOrgID:   key.OrgID,
			logger.FieldChannel: key.Kind.String(),
			logger.FieldError:   err.Error(),
		})
		return QRPayload{}, fmt.Errorf("begin pairing %s: %w", key, err)
	}
	qr, err := newPayload(ch, g.now())
	if err != nil {
		g.unreserve(key)
		return QRPayload{}, fmt.Errorf("begin pairing %s: %w", key, err)
	}
	return g.issue(key, qr)
}

// reserve creates a starting pairing entry for a disconnected key.
func (g *Gate) reserve(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.entries[key]; exists {
		return false
	}
	g.entries[key] = &entry{state: StatePairing, since: g.now(), starting: true}
	return true
}

// unreserve drops an entry that never issued a challenge. Nothing was
// published for it, so nothing is published now.
func (g *Gate) unreserve(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[key]; ok && e.starting {
		delete(g.entries, key)
	}
}

// issue records the challenge returned by StartPairing, unless the pairer
// already moved the session on while it ran.
func (g *Gate) issue(key Key, qr QRPayload) (QRPayload, error) {
	g.mu.Lock()
	e, ok := g.entries[key]
	switch {
	case !ok:
		g.mu.Unlock()
		return QRPayload{}, fmt.Errorf("begin pairing %s: session was reset during pairing", key)
	case e.state == StateAuthenticated:
		g.mu.Unlock()
		return QRPayload{}, ErrAlreadyPaired
	case !e.starting:
		// OnChallenge already issued a code during StartPairing.
		current := e.challenge
		g.mu.Unlock()
		return current, nil
	}
	now := g.now()
	e.starting = false
	e.challenge = qr
	e.since = now
	g.mu.Unlock()

	logger.InfoCF("session", "Session state changed", map[string]interface{}{
		logger.FieldOrgID:   key.OrgID,
		logger.FieldChannel: key.Kind.String(),
		"from":              string(StateDisconnected),
		logger.FieldState:   string(StatePairing),
	})
	g.publish(bus.Event{
		Type:  bus.EventQR,
		OrgID: key.OrgID,
		Kind:  key.Kind.String(),
		QR:    qr.Image,
		Code:  qr.Code,
		Time:  now,
	})
	return qr, nil
}

// transition moves key from one of from to to. It returns false and logs when
// the current state is not in from. Events are published after the lock is released.
func (g *Gate) transition(key Key, from []State, to State, qr QRPayload, reason string) bool {
	g.mu.Lock()
	current := StateDisconnected
	e, exists := g.entries[key]
	if exists {
		current = e.state
	}
	allowed := false
	for _, s := range from {
		if s == current {
			allowed = true
			break
		}
	}
	if !allowed {
		g.mu.Unlock()
		logger.WarnCF("session", "Ignoring invalid session transition", map[string]interface{}{
			logger.FieldOrgID:   key.OrgID,
			logger.FieldChannel: key.Kind.String(),
			logger.FieldState:   string(current),
			"to":                string(to),
		})
		return false
	}

	now := g.now()
	if to == StateDisconnected {
		delete(g.entries, key)
	} else {
		if !exists {
			e = &entry{}
			g.entries[key] = e
		}
		e.state = to
		e.since = now
		e.challenge = qr
		e.starting = false
	}
	g.mu.Unlock()

	logger.InfoCF("session", "Session state changed", map[string]interface{}{
		logger.FieldOrgID:   key.OrgID,
		logger.FieldChannel: key.Kind.String(),
		"from":              string(current),
		logger.FieldState:   string(to),
	})

	evt := bus.Event{OrgID: key.OrgID, Kind: key.Kind.String(), Reason: reason, Time: now}
	switch to {
	case StatePairing:
		evt.Type, evt.QR, evt.Code = bus.EventQR, qr.Image, qr.Code
	case StateAuthenticated:
		evt.Type = bus.EventReady
	case StateDisconnected:
		evt.Type = bus.EventDisconnect
		if reason != "" && current == StatePairing {
			evt.Type = bus.EventAuthFailure
		}
	}
	g.publish(evt)
	return true
}

func (g *Gate) publish(evt bus.Event) {
	if g.events != nil {
		g.events.Publish(evt)
	}
}

// OnChallenge replaces the outstanding challenge, e.g. when a provider
// rotates its QR code.
func (g *Gate) OnChallenge(orgID string, kind channels.ChannelKind, ch Challenge) {
	key := Key{orgID, kind}
	qr, err := newPayload(ch, g.now())
	if err != nil {
		logger.WarnCF("session", "Discarding unusable challenge", map[string]interface{}{
			logger.FieldOrgID:   orgID,
			logger.FieldChannel: kind.String(),
			logger.FieldError:   err.Error(),
		})
		return
	}
	g.transition(key, []State{StatePairing}, StatePairing, qr, "")
}

func (g *Gate) OnAuthenticated(orgID string, kind channels.ChannelKind) {
	g.transition(Key{orgID, kind}, []State{StatePairing}, StateAuthenticated, QRPayload{}, "")
}

func (g *Gate) OnAuthFailure(orgID string, kind channels.ChannelKind, reason string) {
	if reason == "" {
		reason = "authentication failed"
	}
	g.transition(Key{orgID, kind}, []State{StatePairing}, StateDisconnected, QRPayload{}, reason)
}

func (g *Gate) OnDisconnect(orgID string, kind channels.ChannelKind) {
	g.transition(Key{orgID, kind}, []State{StateAuthenticated}, StateDisconnected, QRPayload{}, "")
}

// Logout revokes the link with the provider when possible and drops the entry.
func (g *Gate) Logout(ctx context.Context, orgID string, kind channels.ChannelKind) error {
	if !channels.RequiresSession(kind) {
		return ErrPairingNotRequired
	}
	key := Key{orgID, kind}

	g.mu.Lock()
	p := g.pairers[kind]
	g.mu.Unlock()

	var unlinkErr error
	if u, ok := p.(Unlinker); ok {
		if err := u.Unlink(ctx, orgID, kind); err != nil {
			unlinkErr = fmt.Errorf("logout %s: %w", key, err)
		}
	}
	g.transition(key, []State{StatePairing, StateAuthenticated}, StateDisconnected, QRPayload{}, "")
	return unlinkErr
}

// Snapshot lists every live entry ordered by organization and kind.
func (g *Gate) Snapshot() []EntryView {
	g.mu.Lock()
	views := make([]EntryView, 0, len(g.entries))
	for k, e := range g.entries {
		v := EntryView{OrgID: k.OrgID, Kind: k.Kind, State: e.state, Since: e.since}
		if e.state == StatePairing && !e.starting {
			qr := e.challenge
			v.Challenge = &qr
		}
		views = append(views, v)
	}
	g.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].OrgID != views[j].OrgID {
			return views[i].OrgID < views[j].OrgID
		}
		return views[i].Kind < views[j].Kind
	})
	return views
}

// Subscribe streams session events until ctx is done.
func (g *Gate) Subscribe(ctx context.Context) (<-chan bus.Event, error) {
	if g.events == nil {
		return nil, errors.New("session gate has no event bus")
	}
	return g.events.Subscribe(ctx), nil
}
