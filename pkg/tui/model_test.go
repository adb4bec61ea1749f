package tui

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/session"
)

var team = config.Organization{
	ID:   "acme",
	Name: "Acme",
	Members: []config.Member{
		{Name: "Leann", Phone: "+15551234567", Role: "manager"},
		{Name: "Omar", Phone: "+15550000000", Role: "chef"},
	},
}

func fixed(o dispatch.Outcome) SendFunc {
	return func(context.Context, config.Member) dispatch.Outcome { return o }
}

// press sends a key and runs the resulting commands until a sentMsg appears.
func press(t *testing.T, m Model, k tea.KeyMsg) (Model, *sentMsg) {
	t.Helper()
	next, cmd := m.Update(k)
	m = next.(Model)
	return m, findSent(cmd)
}

func findSent(cmd tea.Cmd) *sentMsg {
	if cmd == nil {
		return nil
	}
	switch msg := cmd().(type) {
	case sentMsg:
		return &msg
	case tea.BatchMsg:
		for _, c := range msg {
			if s := findSent(c); s != nil {
				return s
			}
		}
	}
	return nil
}

var enter = tea.KeyMsg{Type: tea.KeyEnter}

func TestSendHighlightsThenResets(t *testing.T) {
	m := New(team, channels.KindWhatsApp, fixed(dispatch.Outcome{Status: dispatch.StatusSent}), nil)

	m, sent := press(t, m, enter)
	require.NotNil(t, sent)
	assert.Equal(t, feedback.CardSending, m.cards[0].state)
	assert.Equal(t, "+15551234567", sent.phone)

	// a second press while sending is ignored
	_, again := press(t, m, enter)
	assert.Nil(t, again)

	next, cmd := m.Update(*sent)
	m = next.(Model)
	assert.Equal(t, feedback.CardHighlighted, m.cards[0].state)
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "✓")

	next, _ = m.Update(resetMsg{phone: sent.phone, gen: m.cards[0].gen})
	m = next.(Model)
	assert.Equal(t, feedback.CardIdle, m.cards[0].state)
}

func TestStaleResetIsIgnored(t *testing.T) {
	m := New(team, channels.KindWhatsApp, fixed(dispatch.Outcome{Status: dispatch.StatusSent}), nil)
	m, sent := press(t, m, enter)
	next, _ := m.Update(*sent)
	m = next.(Model)

	next, _ = m.Update(resetMsg{phone: sent.phone, gen: m.cards[0].gen - 1})
	m = next.(Model)
	assert.Equal(t, feedback.CardHighlighted, m.cards[0].state)
}

func TestErrorShowsBanner(t *testing.T) {
	m := New(team, channels.KindWhatsApp, fixed(dispatch.Outcome{
		Status:  dispatch.StatusFatalError,
		Message: "whatsapp access token is not configured",
	}), nil)

	m, _ = press(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor)
	m, sent := press(t, m, enter)
	require.NotNil(t, sent)
	assert.Equal(t, "+15550000000", sent.phone)

	next, _ := m.Update(*sent)
	m = next.(Model)
	assert.Equal(t, feedback.CardError, m.cards[1].state)
	assert.Contains(t, m.View(), "whatsapp access token is not configured")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)
	assert.Empty(t, m.banner)
}

func TestChallengeUntilReady(t *testing.T) {
	qr := &session.QRPayload{Code: "2@abc", Image: "data:image/png;base64,AAAA"}
	events := make(chan bus.Event, 1)
	m := New(team, channels.KindWhatsAppWeb, fixed(dispatch.Outcome{
		Status:    dispatch.StatusChannelNotReady,
		Kind:      channels.KindWhatsAppWeb,
		Challenge: qr,
		Message:   "whatsapp_web is not paired",
	}), events)
	assert.False(t, m.ready)

	m, sent := press(t, m, enter)
	next, _ := m.Update(*sent)
	m = next.(Model)
	assert.Equal(t, qr, m.challenge)
	assert.Equal(t, feedback.CardIdle, m.cards[0].state)

	// events for other organizations do not clear the code
	next, _ = m.Update(sessionMsg{event: bus.Event{Type: bus.EventReady, OrgID: "globex", Kind: "whatsapp_web"}, ok: true})
	m = next.(Model)
	assert.NotNil(t, m.challenge)

	events <- bus.Event{Type: bus.EventReady, OrgID: "acme", Kind: "whatsapp_web"}
	msg := m.Init()()
	next, cmd := m.Update(msg)
	m = next.(Model)
	assert.Nil(t, m.challenge)
	assert.True(t, m.ready)
	assert.NotNil(t, cmd)

	close(events)
	next, _ = m.Update(cmd())
	m = next.(Model)
	assert.Nil(t, m.events)
}

func TestViewListsRoster(t *testing.T) {
	m := New(team, channels.KindSignal, fixed(dispatch.Outcome{}), nil)
	view := m.View()
	assert.True(t, strings.Contains(view, "Leann") && strings.Contains(view, "Omar"))
	assert.Contains(t, view, "not paired")

	empty := New(config.Organization{ID: "solo"}, channels.KindWebhook, nil, nil)
	assert.Contains(t, empty.View(), "No team members")
	assert.Nil(t, empty.Init())

	next, cmd := empty.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.NotNil(t, next)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
