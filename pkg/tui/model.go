// Package tui is the "interact with your team" screen: one card per team
// member, Enter sends the default message to the selected member.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/session"
)

// SendFunc performs one dispatch for a member.
type SendFunc func(ctx context.Context, member config.Member) dispatch.Outcome

type keyMap struct {
	Up    key.Binding
	Down  key.Binding
	Send  key.Binding
	Clear key.Binding
	Quit  key.Binding
}

var keys = keyMap{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Send:  key.NewBinding(key.WithKeys("enter", " "), key.WithHelp("enter", "notify")),
	Clear: key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "dismiss")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type sentMsg struct {
	phone   string
	outcome dispatch.Outcome
}

type resetMsg struct {
	phone string
	gen   uint64
}

type sessionMsg struct {
	event bus.Event
	ok    bool
}

type card struct {
	member config.Member
	state  feedback.CardState
	gen    uint64
}

type Model struct {
	org       config.Organization
	kind      channels.ChannelKind
	cards     []card
	cursor    int
	send      SendFunc
	events    <-chan bus.Event
	spinner   spinner.Model
	banner    string
	challenge *session.QRPayload
	ready     bool
	width     int
}

// New builds the model. events may be nil when the channel has no session.
func New(org config.Organization, kind channels.ChannelKind, send SendFunc, events <-chan bus.Event) Model {
	cards := make([]card, 0, len(org.Members))
	for _, m := range org.Members {
		cards = append(cards, card{member: m, state: feedback.CardIdle})
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	return Model{
		org:     org,
		kind:    kind,
		cards:   cards,
		send:    send,
		events:  events,
		spinner: sp,
		ready:   !channels.RequiresSession(kind),
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		evt, ok := <-events
		return sessionMsg{event: evt, ok: ok}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if !m.anySending() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sentMsg:
		return m.applyOutcome(msg)

	case resetMsg:
		if i := m.find(msg.phone); i >= 0 && m.cards[i].gen == msg.gen && m.cards[i].state == feedback.CardHighlighted {
			m.cards[i].state = feedback.CardIdle
		}
		return m, nil

	case sessionMsg:
		if !msg.ok {
			m.events = nil
			return m, nil
		}
		m.applyEvent(msg.event)
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.cards)-1 {
			m.cursor++
		}
	case key.Matches(msg, keys.Clear):
		m.banner = ""
	case key.Matches(msg, keys.Send):
		if len(m.cards) == 0 || m.cards[m.cursor].state == feedback.CardSending {
			return m, nil
		}
		c := &m.cards[m.cursor]
		c.state = feedback.CardSending
		c.gen++
		m.banner = ""
		return m, tea.Batch(m.spinner.Tick, m.dispatch(c.member))
	}
	return m, nil
}

func (m Model) dispatch(member config.Member) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		return sentMsg{phone: member.Phone, outcome: send(context.Background(), member)}
	}
}

func (m Model) applyOutcome(msg sentMsg) (tea.Model, tea.Cmd) {
	i := m.find(msg.phone)
	if i < 0 {
		return m, nil
	}
	c := &m.cards[i]
	effect := feedback.Observe(msg.outcome)

	switch effect.Kind {
	case feedback.EffectHighlight:
		c.state = feedback.CardHighlighted
		c.gen++
		phone, gen := c.member.Phone, c.gen
		return m, tea.Tick(effect.Duration, func(time.Time) tea.Msg {
			return resetMsg{phone: phone, gen: gen}
		})
	case feedback.EffectShowChallenge:
		c.state = feedback.CardIdle
		m.challenge = effect.Challenge
		m.ready = false
		m.banner = fmt.Sprintf("%s needs pairing. Scan the code, then send again.", effect.Channel)
	default:
		c.state = feedback.CardError
		m.banner = effect.Message
	}
	return m, nil
}

func (m *Model) applyEvent(evt bus.Event) {
	if evt.OrgID != m.org.ID || evt.Kind != string(m.kind) {
		return
	}
	switch evt.Type {
	case bus.EventQR:
		m.challenge = &session.QRPayload{Code: evt.Code, Image: evt.QR, IssuedAt: evt.Time}
		m.ready = false
	case bus.EventReady:
		m.challenge = nil
		m.ready = true
		m.banner = "Channel ready"
	case bus.EventAuthFailure:
		m.challenge = nil
		m.ready = false
		m.banner = "Pairing failed: " + evt.Reason
	case bus.EventDisconnect:
		m.ready = false
		m.banner = "Channel disconnected"
	}
}

func (m Model) find(phone string) int {
	for i, c := range m.cards {
		if c.member.Phone == phone {
			return i
		}
	}
	return -1
}

func (m Model) anySending() bool {
	for _, c := range m.cards {
		if c.state == feedback.CardSending {
			return true
		}
	}
	return false
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C4DFF"))
	cardStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Width(40)
	selectedStyle  = cardStyle.BorderForeground(lipgloss.Color("#7C4DFF"))
	highlightStyle = cardStyle.BorderForeground(lipgloss.Color("#8BC34A")).Foreground(lipgloss.Color("#8BC34A"))
	errorCardStyle = cardStyle.BorderForeground(lipgloss.Color("#e53935"))
	bannerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

func (m Model) View() string {
	var b strings.Builder

	name := m.org.Name
	if name == "" {
		name = m.org.ID
	}
	status := "ready"
	if !m.ready {
		status = "not paired"
	}
	b.WriteString(titleStyle.Render("Interact with your team · "+name) + " " +
		mutedStyle.Render(fmt.Sprintf("[%s, %s]", m.kind, status)) + "\n\n")

	if len(m.cards) == 0 {
		b.WriteString(mutedStyle.Render("No team members configured for this organization.") + "\n")
	}
	for i, c := range m.cards {
		b.WriteString(m.renderCard(i, c) + "\n")
	}

	if m.banner != "" {
		b.WriteString("\n" + bannerStyle.Render(m.banner) + "\n")
	}
	if m.challenge != nil {
		b.WriteString("\n")
		feedback.RenderChallenge(&b, m.challenge)
	}

	b.WriteString("\n" + mutedStyle.Render("↑/↓ select · enter notify · esc dismiss · q quit"))
	return b.String()
}

func (m Model) renderCard(i int, c card) string {
	line := c.member.Name
	if c.member.Role != "" {
		line += mutedStyle.Render(" · " + c.member.Role)
	}
	line += "\n" + mutedStyle.Render(c.member.Phone)

	style := cardStyle
	switch c.state {
	case feedback.CardSending:
		line = m.spinner.View() + " " + line
	case feedback.CardHighlighted:
		style = highlightStyle
		line = "✓ " + line
	case feedback.CardError:
		style = errorCardStyle
	}
	if i == m.cursor && c.state != feedback.CardHighlighted && c.state != feedback.CardError {
		style = selectedStyle
	}
	return style.Render(line)
}

// Run starts the program on the current terminal.
func Run(m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
