// Package bridge is the experimental WhatsApp Web channel. Each organization
// links its own phone by QR code; the paired device is kept in SQLite so the
// link survives restarts.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

// Bridge implements channels.Adapter and the session pairing interfaces for
// channels.KindWhatsAppWeb.
type Bridge struct {
	storePath string
	mu        sync.Mutex
	orgs      map[string]*orgClient
	signals   session.Signals
}

type orgClient struct {
	container *sqlstore.Container
	client    *whatsmeow.Client
	pairing   bool
}

func New(storePath string) *Bridge {
	return &Bridge{storePath: storePath, orgs: make(map[string]*orgClient)}
}

// Attach sets where link changes of restored sessions are reported.
func (b *Bridge) Attach(signals session.Signals) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = signals
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// StorePathFor returns the SQLite file holding orgID's device.
func (b *Bridge) StorePathFor(orgID string) string {
	ext := filepath.Ext(b.storePath)
	base := strings.TrimSuffix(b.storePath, ext)
	if ext == "" {
		ext = ".db"
	}
	return fmt.Sprintf("%s-%s%s", base, unsafeName.ReplaceAllString(orgID, "_"), ext)
}

func (b *Bridge) org(ctx context.Context, orgID string) (*orgClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if oc, ok := b.orgs[orgID]; ok {
		return oc, nil
	}

	path := b.StorePathFor(orgID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create bridge store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	container, err := sqlstore.New(ctx, "sqlite", dsn, newWALogger("store"))
	if err != nil {
		return nil, fmt.Errorf("open bridge store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load bridge device: %w", err)
	}

	oc := &orgClient{container: container, client: whatsmeow.NewClient(device, newWALogger("client"))}
	oc.client.AddEventHandler(func(evt interface{}) { b.handleEvent(orgID, evt) })
	b.orgs[orgID] = oc
	return oc, nil
}

func (b *Bridge) handleEvent(orgID string, evt interface{}) {
	b.mu.Lock()
	signals := b.signals
	pairing := false
	if oc, ok := b.orgs[orgID]; ok {
		pairing = oc.pairing
	}
	b.mu.Unlock()
	if signals == nil {
		return
	}

	switch e := evt.(type) {
	case *events.PairSuccess:
		logger.InfoCF("bridge", "Phone linked", map[string]interface{}{
			logger.FieldOrgID: orgID,
			"jid":             e.ID.String(),
		})
	case *events.Connected:
		logger.DebugCF("bridge", "Connected", map[string]interface{}{
			logger.FieldOrgID: orgID,
			"pairing":         pairing,
		})
	case *events.LoggedOut:
		logger.WarnCF("bridge", "Phone unlinked the device", map[string]interface{}{
			logger.FieldOrgID: orgID,
			"reason":          e.Reason.String(),
		})
		signals.OnDisconnect(orgID, channels.KindWhatsAppWeb)
	}
}

// Linked reports whether orgID has a stored device and connects it if so.
func (b *Bridge) Linked(ctx context.Context, orgID string, _ channels.ChannelKind) (bool, error) {
	oc, err := b.org(ctx, orgID)
	if err != nil {
		return false, err
	}
	if oc.client.Store.ID == nil {
		return false, nil
	}
	if !oc.client.IsConnected() {
		if err := oc.client.Connect(); err != nil {
			return false, fmt.Errorf("connect bridge: %w", err)
		}
	}
	return true, nil
}

// StartPairing connects a fresh device and returns its first QR code. Later
// codes and the final result are reported through signals.
func (b *Bridge) StartPairing(ctx context.Context, orgID string, kind channels.ChannelKind, signals session.Signals) (session.Challenge, error) {
	b.Attach(signals)
	oc, err := b.org(ctx, orgID)
	if err != nil {
		return session.Challenge{}, err
	}
	if oc.client.Store.ID != nil {
		return session.Challenge{}, fmt.Errorf("device already linked for %s", orgID)
	}

	oc.client.Disconnect()
	qrCh, err := oc.client.GetQRChannel(context.Background())
	if err != nil {
		return session.Challenge{}, fmt.Errorf("open qr channel: %w", err)
	}
	if err := oc.client.Connect(); err != nil {
		return session.Challenge{}, fmt.Errorf("connect bridge: %w", err)
	}
	b.setPairing(oc, true)

	select {
	case <-ctx.Done():
		b.setPairing(oc, false)
		oc.client.Disconnect()
		return session.Challenge{}, ctx.Err()
	case item, ok := <-qrCh:
		if !ok || item.Event != "code" {
			b.setPairing(oc, false)
			oc.client.Disconnect()
			return session.Challenge{}, fmt.Errorf("bridge pairing did not produce a code: %s", qrEventReason(item))
		}
		go b.followQR(orgID, kind, oc, qrCh, signals)
		return session.Challenge{Code: item.Code}, nil
	}
}

func (b *Bridge) followQR(orgID string, kind channels.ChannelKind, oc *orgClient, qrCh <-chan whatsmeow.QRChannelItem, signals session.Signals) {
	defer b.setPairing(oc, false)
	for item := range qrCh {
		switch item.Event {
		case "code":
			signals.OnChallenge(orgID, kind, session.Challenge{Code: item.Code})
		case "success":
			signals.OnAuthenticated(orgID, kind)
			return
		default:
			oc.client.Disconnect()
			signals.OnAuthFailure(orgID, kind, qrEventReason(item))
			return
		}
	}
}

func (b *Bridge) setPairing(oc *orgClient, v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	oc.pairing = v
}

func qrEventReason(item whatsmeow.QRChannelItem) string {
	switch {
	case item.Event == "timeout":
		return "pairing timed out"
	case item.Error != nil:
		return item.Error.Error()
	case item.Event != "":
		return item.Event
	}
	return "qr channel closed"
}

// Unlink logs the device out on the phone and forgets it.
func (b *Bridge) Unlink(ctx context.Context, orgID string, _ channels.ChannelKind) error {
	b.mu.Lock()
	oc, ok := b.orgs[orgID]
	b.mu.Unlock()
	if !ok {
		if _, err := os.Stat(b.StorePathFor(orgID)); err != nil {
			return nil
		}
		var err error
		if oc, err = b.org(ctx, orgID); err != nil {
			return err
		}
	}
	b.mu.Lock()
	delete(b.orgs, orgID)
	b.mu.Unlock()
	defer oc.container.Close()

	if oc.client.Store.ID == nil {
		oc.client.Disconnect()
		return nil
	}
	if !oc.client.IsConnected() {
		if err := oc.client.Connect(); err != nil {
			return fmt.Errorf("bridge logout: %w", err)
		}
	}
	if err := oc.client.Logout(ctx); err != nil {
		oc.client.Disconnect()
		return fmt.Errorf("bridge logout: %w", err)
	}
	return nil
}

func (b *Bridge) Kind() channels.ChannelKind {
	return channels.KindWhatsAppWeb
}

type sendResult struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Send delivers body as a plain text message from the organization's linked phone.
func (b *Bridge) Send(ctx context.Context, cfg channels.ChannelConfig, recipient channels.Recipient, body string) (json.RawMessage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	digits := channels.DigitsOnly(recipient.PhoneNumber)
	if digits == "" {
		return nil, channels.ConfigError("recipient phone number is empty")
	}
	if strings.TrimSpace(body) == "" {
		return nil, channels.ConfigError("message body is empty")
	}

	oc, err := b.org(ctx, cfg.OrgID)
	if err != nil {
		return nil, &channels.SendError{Class: channels.ClassTransport, Message: err.Error(), Err: err}
	}
	if oc.client.Store.ID == nil || !oc.client.IsConnected() {
		return nil, &channels.SendError{Class: channels.ClassTransport, Message: "WhatsApp client not ready"}
	}

	resp, err := oc.client.SendMessage(ctx, types.NewJID(digits, types.DefaultUserServer), &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return nil, &channels.SendError{Class: channels.ClassTransport, Message: "Failed to send message: " + err.Error(), Err: err}
	}

	logger.DebugCF("bridge", "Message sent", map[string]interface{}{
		logger.FieldOrgID:     cfg.OrgID,
		logger.FieldRecipient: logger.MaskPhone(digits),
		"message_id":          resp.ID,
	})
	raw, err := json.Marshal(sendResult{ID: string(resp.ID), Timestamp: resp.Timestamp})
	if err != nil {
		return nil, &channels.SendError{Class: channels.ClassMalformedResponse, Message: err.Error(), Err: err}
	}
	return raw, nil
}

// Close disconnects every client and closes the stores.
func (b *Bridge) Close() {
	b.mu.Lock()
	orgs := b.orgs
	b.orgs = make(map[string]*orgClient)
	b.mu.Unlock()

	for _, oc := range orgs {
		oc.client.Disconnect()
		_ = oc.container.Close()
	}
}
