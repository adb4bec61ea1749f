package feedback

import (
	"sync"
	"time"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/session"
)

type CardState string

const (
	CardIdle        CardState = "idle"
	CardSending     CardState = "sending"
	CardHighlighted CardState = "highlighted"
	CardError       CardState = "error"
)

// Card is what one team member's tile shows.
type Card struct {
	State   CardState
	Message string
}

// Board tracks every recipient card on a team screen plus the pairing
// challenge, if one is up.
type Board struct {
	mu        sync.Mutex
	cards     map[string]*boardCard
	challenge *session.QRPayload
	highlight time.Duration
	afterFunc func(time.Duration, func()) func() bool
	onChange  func(recipient string, c Card)
}

type boardCard struct {
	Card
	gen  uint64
	stop func() bool
}

type BoardOption func(*Board)

// WithAfterFunc replaces time.AfterFunc, mainly for tests.
func WithAfterFunc(fn func(time.Duration, func()) func() bool) BoardOption {
	return func(b *Board) { b.afterFunc = fn }
}

// WithOnChange is called outside the lock after every card change.
func WithOnChange(fn func(recipient string, c Card)) BoardOption {
	return func(b *Board) { b.onChange = fn }
}

func NewBoard(highlight time.Duration, opts ...BoardOption) *Board {
	if highlight <= 0 {
		highlight = HighlightDuration
	}
	b := &Board{
		cards:     make(map[string]*boardCard),
		highlight: highlight,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func boardKey(phone string) string {
	if n := channels.NormalizePhone(phone); n != "" {
		return n
	}
	return phone
}

// Begin marks recipient as sending.
func (b *Board) Begin(recipient string) {
	b.set(boardKey(recipient), Card{State: CardSending}, nil)
}

// Apply records the effect of a finished dispatch for recipient.
func (b *Board) Apply(recipient string, e Effect) {
	key := boardKey(recipient)
	switch e.Kind {
	case EffectHighlight:
		d := e.Duration
		if d <= 0 {
			d = b.highlight
		}
		b.set(key, Card{State: CardHighlighted}, &d)
	case EffectShowChallenge:
		b.mu.Lock()
		b.challenge = e.Challenge
		b.mu.Unlock()
		b.set(key, Card{State: CardIdle}, nil)
	default:
		b.set(key, Card{State: CardError, Message: e.Message}, nil)
	}
}

func (b *Board) set(key string, c Card, resetAfter *time.Duration) {
	b.mu.Lock()
	bc, ok := b.cards[key]
	if !ok {
		bc = &boardCard{}
		b.cards[key] = bc
	}
	if bc.stop != nil {
		bc.stop()
		bc.stop = nil
	}
	bc.gen++
	bc.Card = c
	if resetAfter != nil {
		gen := bc.gen
		bc.stop = b.afterFunc(*resetAfter, func() { b.reset(key, gen) })
	}
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(key, c)
	}
}

// reset returns a highlighted card to idle unless it changed since.
func (b *Board) reset(key string, gen uint64) {
	b.mu.Lock()
	bc, ok := b.cards[key]
	if !ok || bc.gen != gen || bc.State != CardHighlighted {
		b.mu.Unlock()
		return
	}
	bc.gen++
	bc.stop = nil
	bc.Card = Card{State: CardIdle}
	onChange := b.onChange
	b.mu.Unlock()

	if onChange != nil {
		onChange(key, Card{State: CardIdle})
	}
}

func (b *Board) Card(recipient string) Card {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bc, ok := b.cards[boardKey(recipient)]; ok {
		return bc.Card
	}
	return Card{State: CardIdle}
}

// Challenge returns the pairing challenge awaiting a scan.
func (b *Board) Challenge() *session.QRPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.challenge
}

// SessionReady clears the challenge once the session is authenticated.
func (b *Board) SessionReady() {
	b.mu.Lock()
	b.challenge = nil
	b.mu.Unlock()
}

// Close stops pending highlight timers.
func (b *Board) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bc := range b.cards {
		if bc.stop != nil {
			bc.stop()
			bc.stop = nil
		}
	}
}
