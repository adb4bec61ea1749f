// Package signalgw links the Signal REST gateway to a phone as a secondary
// device and reports when the link appears or disappears.
package signalgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPairTimeout  = 2 * time.Minute
	maxQRBytes          = 1 << 20
)

type Options struct {
	// BaseURL is the gateway root, e.g. http://localhost:8081.
	BaseURL string
	// Number is the account expected after linking. Empty accepts any account.
	Number       string
	DeviceName   string
	PollInterval time.Duration
	PairTimeout  time.Duration
	HTTPClient   *http.Client
}

// Pairer drives the gateway's QR device-link flow.
type Pairer struct {
	opts     Options
	client   *http.Client
	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

type watcher struct {
	cancel context.CancelFunc
}

func New(opts Options) *Pairer {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.DeviceName == "" {
		opts.DeviceName = "teamnotify"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = defaultPairTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: channels.DefaultRequestTimeout}
	}
	return &Pairer{opts: opts, client: client, watchers: make(map[string]*watcher)}
}

// StartPairing fetches a device-link QR code and starts watching for the link.
func (p *Pairer) StartPairing(ctx context.Context, orgID string, kind channels.ChannelKind, signals session.Signals) (session.Challenge, error) {
	png, err := p.fetchQR(ctx)
	if err != nil {
		return session.Challenge{}, err
	}

	watchCtx, cancel := context.WithTimeout(context.Background(), p.opts.PairTimeout)
	w := &watcher{cancel: cancel}
	p.mu.Lock()
	if prev, ok := p.watchers[orgID]; ok {
		prev.cancel()
	}
	p.watchers[orgID] = w
	p.mu.Unlock()

	p.wg.Add(1)
	go p.watch(watchCtx, w, orgID, kind, signals)

	logger.InfoCF("signalgw", "Device link code issued", map[string]interface{}{
		logger.FieldOrgID: orgID,
		"device_name":     p.opts.DeviceName,
	})
	return session.Challenge{PNG: png}, nil
}

func (p *Pairer) fetchQR(ctx context.Context) ([]byte, error) {
	q := url.Values{"device_name": {p.opts.DeviceName}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.BaseURL+"/v1/qrcodelink?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build qrcodelink request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request qrcodelink: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQRBytes))
	if err != nil {
		return nil, fmt.Errorf("read qrcodelink: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qrcodelink returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("qrcodelink returned %s, want an image", ct)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("qrcodelink returned an empty image")
	}
	return body, nil
}

func (p *Pairer) watch(ctx context.Context, w *watcher, orgID string, kind channels.ChannelKind, signals session.Signals) {
	defer p.wg.Done()
	defer p.release(orgID, w)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				signals.OnAuthFailure(orgID, kind, "pairing timed out")
			}
			return
		case <-ticker.C:
			linked, err := p.Linked(ctx, orgID, kind)
			if err != nil {
				logger.DebugCF("signalgw", "Link poll failed", map[string]interface{}{
					logger.FieldOrgID: orgID,
					logger.FieldError: err.Error(),
				})
				continue
			}
			if linked {
				signals.OnAuthenticated(orgID, kind)
				return
			}
		}
	}
}

func (p *Pairer) release(orgID string, w *watcher) {
	w.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	// A newer pairing may have replaced this watcher.
	if p.watchers[orgID] == w {
		delete(p.watchers, orgID)
	}
}

// Watching reports whether a link watcher is running for orgID.
func (p *Pairer) Watching(orgID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watchers[orgID]
	return ok
}

// Linked reports whether the gateway has a registered account. When a number
// is configured, that number must be among the accounts.
func (p *Pairer) Linked(ctx context.Context, _ string, _ channels.ChannelKind) (bool, error) {
	accounts, err := p.Accounts(ctx)
	if err != nil {
		return false, err
	}
	if p.opts.Number == "" {
		return len(accounts) > 0, nil
	}
	want := channels.NormalizePhone(p.opts.Number)
	for _, a := range accounts {
		if channels.NormalizePhone(a) == want {
			return true, nil
		}
	}
	return false, nil
}

// Accounts lists the numbers registered with the gateway.
func (p *Pairer) Accounts(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.BaseURL+"/v1/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("build accounts request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request accounts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("accounts returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var accounts []string
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	return accounts, nil
}

// Unlink stops watching a pending link. The gateway account itself is left
// registered; removing it is an operator decision.
func (p *Pairer) Unlink(_ context.Context, orgID string, _ channels.ChannelKind) error {
	p.mu.Lock()
	w, ok := p.watchers[orgID]
	delete(p.watchers, orgID)
	p.mu.Unlock()
	if ok {
		w.cancel()
	}
	return nil
}

// Close stops every watcher and waits for them to exit.
func (p *Pairer) Close() {
	p.mu.Lock()
	for orgID, w := range p.watchers {
		w.cancel()
		delete(p.watchers, orgID)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
