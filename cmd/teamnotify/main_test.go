package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/session"
)

var crew = config.Organization{
	ID:                "hooli",
	Name:              "Hooli",
	CommunicationType: "webhook",
	Members: []config.Member{
		{Name: "Leann", Phone: "+15551234567", Role: "manager"},
		{Name: "Omar", Phone: "+15550000000"},
		{Name: "Ines", Phone: "+15559999999"},
	},
}

func TestSendUsesDefaultMessageOverWebhook(t *testing.T) {
	var hits atomic.Int32
	var body atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		data, _ := io.ReadAll(r.Body)
		body.Store(string(data))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	cfg := config.DefaultConfig()
	cfg.Channels.Webhook.URL = ts.URL
	cfg.Organizations = []config.Organization{crew}

	svc := newServices(cfg, nil)
	defer svc.Close()

	outcome, err := svc.send(context.Background(), "hooli", crew.Members[1], "")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, outcome.Status)
	assert.EqualValues(t, 1, hits.Load())
	assert.Contains(t, body.Load(), cfg.Dispatch.DefaultMessage)

	_, err = svc.send(context.Background(), "initech", crew.Members[0], "")
	assert.ErrorIs(t, err, config.ErrUnknownOrganization)
}

func TestWaitReadyFiltersOtherSessions(t *testing.T) {
	events := make(chan bus.Event, 3)
	events <- bus.Event{Type: bus.EventReady, OrgID: "acme", Kind: "signal"}
	events <- bus.Event{Type: bus.EventQR, OrgID: "hooli", Kind: "signal"}
	events <- bus.Event{Type: bus.EventReady, OrgID: "hooli", Kind: "signal"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, waitReady(ctx, events, "hooli", channels.KindSignal))

	events <- bus.Event{Type: bus.EventAuthFailure, OrgID: "hooli", Kind: "signal", Reason: "pairing timed out"}
	err := waitReady(ctx, events, "hooli", channels.KindSignal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairing timed out")

	close(events)
	assert.Error(t, waitReady(ctx, events, "hooli", channels.KindSignal))
}

func TestSaveChallengeImageWritesPNGNextToConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile = filepath.Join(dir, "config.json")
	t.Cleanup(func() { cfgFile = "" })

	png := []byte{0x89, 'P', 'N', 'G'}
	path, err := saveChallengeImage("acme", session.PNGDataURL(png))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pairing-acme.png"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, png, data)

	_, err = saveChallengeImage("acme", "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(png))
	assert.Error(t, err)
}

func TestConsoleMemberSelection(t *testing.T) {
	c := &console{org: crew}

	m, ok := c.member("2")
	require.True(t, ok)
	assert.Equal(t, "Omar", m.Name)

	m, ok = c.member("#3")
	require.True(t, ok)
	assert.Equal(t, "Ines", m.Name)

	m, ok = c.member("+1 (555) 123-4567")
	require.True(t, ok)
	assert.Equal(t, "Leann", m.Name)

	m, ok = c.member("leann")
	require.True(t, ok)
	assert.Equal(t, "+15551234567", m.Phone)

	_, ok = c.member("9")
	assert.False(t, ok)
}

func TestGetConfigPathPrecedence(t *testing.T) {
	t.Setenv("TEAMNOTIFY_CONFIG", "/etc/teamnotify/config.json")
	assert.Equal(t, "/etc/teamnotify/config.json", getConfigPath())

	cfgFile = "/tmp/explicit.json"
	t.Cleanup(func() { cfgFile = "" })
	assert.Equal(t, "/tmp/explicit.json", getConfigPath())
}
