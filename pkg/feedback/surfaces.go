package feedback

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"

	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

// LogSurface writes effects to the component logger.
type LogSurface struct{}

func (LogSurface) Render(e Effect) {
	fields := map[string]interface{}{
		logger.FieldDispatchID: e.DispatchID,
		logger.FieldOrgID:      e.OrgID,
		logger.FieldChannel:    e.Channel,
		"effect":               string(e.Kind),
	}
	switch e.Kind {
	case EffectHighlight:
		fields[logger.FieldDuration] = e.Duration.String()
		logger.InfoCF("feedback", "Delivered", fields)
	case EffectShowChallenge:
		fields["await_ready"] = e.AwaitReady
		logger.InfoCF("feedback", "Pairing code issued", fields)
	default:
		fields[logger.FieldError] = e.Message
		fields["retryable"] = e.Retryable
		logger.WarnCF("feedback", "Delivery failed", fields)
	}
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Bold(true)
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// TerminalSurface prints effects for a person at a terminal. Pairing codes
// are drawn as QR blocks when the raw code is known.
type TerminalSurface struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTerminalSurface(w io.Writer) *TerminalSurface {
	return &TerminalSurface{w: w}
}

func (t *TerminalSurface) Render(e Effect) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case EffectHighlight:
		fmt.Fprintln(t.w, okStyle.Render("✓ sent")+" "+mutedStyle.Render(e.DispatchID))
	case EffectShowChallenge:
		fmt.Fprintln(t.w, hintStyle.Render(fmt.Sprintf("%s needs pairing for %s", e.Channel, e.OrgID)))
		RenderChallenge(t.w, e.Challenge)
	default:
		label := "✗ failed"
		if e.Retryable {
			label = "✗ failed (try again)"
		}
		fmt.Fprintln(t.w, errStyle.Render(label)+" "+e.Message)
	}
}

// RenderChallenge draws a pairing challenge on w.
func RenderChallenge(w io.Writer, qr *session.QRPayload) {
	if qr == nil {
		return
	}
	if qr.Code == "" {
		fmt.Fprintln(w, mutedStyle.Render("Open the pairing image from the web UI or GET /orgs/{org}/pairing to scan it."))
		return
	}
	qrterminal.GenerateHalfBlock(qr.Code, qrterminal.L, w)
	fmt.Fprintln(w, mutedStyle.Render("Scan with the phone app: Linked devices → Link a device"))
}
