package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/feedback"
	"teamnotify/pkg/logger"
)

var consoleCmd = &cobra.Command{
	Use:   "console <org>",
	Short: "Interactive prompt for notifying an organization's team",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsole,
}

type console struct {
	svc   *services
	org   config.Organization
	kind  channels.ChannelKind
	board *feedback.Board
	out   io.Writer
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	org, err := cfg.Organization(args[0])
	if err != nil {
		return err
	}
	cc, err := cfg.ChannelFor(org.ID)
	if err != nil {
		return err
	}

	c := &console{org: org, kind: cc.Kind}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s %s> ", logo, org.ID),
		HistoryFile:     filepath.Join(config.GetConfigDir(), "console_history"),
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	c.out = rl.Stdout()
	logger.SetOutput(rl.Stderr())

	c.svc = newServices(cfg, feedback.LogSurface{})
	defer c.svc.Close()

	c.board = feedback.NewBoard(cfg.Dispatch.Highlight(), feedback.WithOnChange(c.cardChanged))
	defer c.board.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if channels.RequiresSession(cc.Kind) {
		events, err := c.svc.gate.Subscribe(ctx)
		if err != nil {
			return err
		}
		go c.followSessions(events)
	}

	fmt.Fprintf(c.out, "%s %s on %s. Type \"help\" for commands.\n", logo, orgName(org), cc.Kind)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if quit := c.exec(ctx, strings.TrimSpace(line)); quit {
			return nil
		}
	}
}

func orgName(org config.Organization) string {
	if org.Name != "" {
		return org.Name
	}
	return org.ID
}

func (c *console) completer() *readline.PrefixCompleter {
	members := readline.PcItemDynamic(func(string) []string {
		out := make([]string, 0, len(c.org.Members))
		for _, m := range c.org.Members {
			out = append(out, m.Phone)
		}
		return out
	})
	return readline.NewPrefixCompleter(
		readline.PcItem("list"),
		readline.PcItem("send", members),
		readline.PcItem("pair"),
		readline.PcItem("status"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "exit", "quit":
		return true
	case "help":
		fmt.Fprintln(c.out, `  list                      show the team
  send <n|phone> [message]  notify one member (n is the number from list)
  pair                      link the device for this organization
  status                    show the session state`)
	case "list":
		c.list()
	case "send":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "Usage: send <n|phone> [message]")
			return false
		}
		m, ok := c.member(fields[1])
		if !ok {
			m = config.Member{Phone: fields[1]}
		}
		c.send(ctx, m, strings.Join(fields[2:], " "))
	case "pair":
		if err := c.pair(ctx); err != nil {
			fmt.Fprintf(c.out, "✗ %v\n", err)
		}
	case "status":
		fmt.Fprintf(c.out, "%s: %s\n", c.kind, c.svc.gate.State(c.org.ID, c.kind))
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n", fields[0])
	}
	return false
}

func (c *console) list() {
	if len(c.org.Members) == 0 {
		fmt.Fprintln(c.out, "No team members configured for this organization.")
		return
	}
	for i, m := range c.org.Members {
		card := c.board.Card(m.Phone)
		fmt.Fprintf(c.out, "  %d. %-20s %-16s %-10s %s\n", i+1, m.Name, m.Phone, m.Role, card.State)
	}
}

// member resolves a list number, a phone number or a name.
func (c *console) member(sel string) (config.Member, bool) {
	if n, err := strconv.Atoi(strings.TrimPrefix(sel, "#")); err == nil && n >= 1 && n <= len(c.org.Members) {
		return c.org.Members[n-1], true
	}
	if m, ok := c.org.Member(sel); ok {
		return m, true
	}
	for _, m := range c.org.Members {
		if strings.EqualFold(m.Name, sel) {
			return m, true
		}
	}
	return config.Member{}, false
}

func (c *console) pair(ctx context.Context) error {
	if !channels.RequiresSession(c.kind) {
		return fmt.Errorf("%s does not require pairing", c.kind)
	}
	pairCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := c.svc.gate.Subscribe(pairCtx)
	if err != nil {
		return err
	}
	return ensureSession(pairCtx, c.svc, c.org.ID, c.kind, events, pairWaitDefault, c.out)
}

func (c *console) send(ctx context.Context, m config.Member, body string) {
	c.board.Begin(m.Phone)
	o, err := c.svc.send(ctx, c.org.ID, m, body)
	if err != nil {
		c.board.Apply(m.Phone, feedback.Effect{Kind: feedback.EffectShowError, Message: err.Error()})
		return
	}
	effect := feedback.Observe(o)
	c.board.Apply(m.Phone, effect)
	if effect.Kind == feedback.EffectShowChallenge {
		showChallenge(c.out, c.org.ID, effect.Challenge)
		fmt.Fprintln(c.out, "Send again once the device is linked.")
	}
}

func (c *console) cardChanged(recipient string, card feedback.Card) {
	who := recipient
	if m, ok := c.org.Member(recipient); ok && m.Name != "" {
		who = m.Name
	}
	switch card.State {
	case feedback.CardHighlighted:
		fmt.Fprintf(c.out, "  ✓ %s notified\n", who)
	case feedback.CardError:
		fmt.Fprintf(c.out, "  ✗ %s: %s\n", who, card.Message)
	}
}

func (c *console) followSessions(events <-chan bus.Event) {
	for evt := range events {
		if evt.OrgID != c.org.ID || evt.Kind != string(c.kind) {
			continue
		}
		switch evt.Type {
		case bus.EventReady:
			c.board.SessionReady()
			fmt.Fprintf(c.out, "✓ %s ready\n", c.kind)
		case bus.EventAuthFailure:
			fmt.Fprintf(c.out, "✗ pairing failed: %s\n", evt.Reason)
		case bus.EventDisconnect:
			fmt.Fprintf(c.out, "⚠ %s disconnected\n", c.kind)
		}
	}
}
