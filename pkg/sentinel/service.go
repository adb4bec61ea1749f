// Package sentinel periodically re-checks authenticated sessions against
// their gateway and reports the ones whose link has vanished.
package sentinel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

const (
	probeTimeout    = 10 * time.Second
	alertSilence    = 5 * time.Minute
	defaultSchedule = "@every 5m"
)

// Gate is the part of the session gate the sentinel needs.
type Gate interface {
	Snapshot() []session.EntryView
	OnDisconnect(orgID string, kind channels.ChannelKind)
}

type Service struct {
	gate     Gate
	probers  map[channels.ChannelKind]session.LinkProber
	schedule string
	cron     *cron.Cron
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	lastAlerts map[string]time.Time
}

func NewService(gate Gate, schedule string) *Service {
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Service{
		gate:       gate,
		probers:    make(map[channels.ChannelKind]session.LinkProber),
		schedule:   schedule,
		now:        time.Now,
		lastAlerts: map[string]time.Time{},
	}
}

// Watch adds a prober for sessions of kind.
func (s *Service) Watch(kind channels.ChannelKind, p session.LinkProber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probers[kind] = p
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.Check(context.Background()) }); err != nil {
		return fmt.Errorf("sentinel schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true

	logger.InfoCF("sentinel", "Sentinel started", map[string]interface{}{
		"schedule": s.schedule,
		"kinds":    len(s.probers),
	})
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	logger.InfoC("sentinel", "Sentinel stopped")
}

// Check probes every authenticated session once and returns how many were
// found unlinked.
func (s *Service) Check(ctx context.Context) int {
	s.mu.Lock()
	probers := make(map[channels.ChannelKind]session.LinkProber, len(s.probers))
	for k, p := range s.probers {
		probers[k] = p
	}
	s.mu.Unlock()

	lost := 0
	for _, e := range s.gate.Snapshot() {
		if e.State != session.StateAuthenticated {
			continue
		}
		p, ok := probers[e.Kind]
		if !ok {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		linked, err := p.Linked(pctx, e.OrgID, e.Kind)
		cancel()
		if err != nil {
			// An unreachable gateway is not proof of a lost link.
			s.alert(fmt.Sprintf("sentinel: probe %s/%s failed: %v", e.OrgID, e.Kind, err))
			continue
		}
		if !linked {
			lost++
			logger.WarnCF("sentinel", "Session no longer linked", map[string]interface{}{
				logger.FieldOrgID:   e.OrgID,
				logger.FieldChannel: string(e.Kind),
			})
			s.gate.OnDisconnect(e.OrgID, e.Kind)
		}
	}
	return lost
}

func (s *Service) alert(msg string) {
	now := s.now()
	s.mu.Lock()
	last, ok := s.lastAlerts[msg]
	if ok && now.Sub(last) < alertSilence {
		s.mu.Unlock()
		return
	}
	s.lastAlerts[msg] = now
	s.mu.Unlock()

	logger.WarnCF("sentinel", msg, nil)
}
