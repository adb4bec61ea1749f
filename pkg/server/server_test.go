package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/dispatch"
	"teamnotify/pkg/session"
)

type codePairer struct{}

func (codePairer) StartPairing(context.Context, string, channels.ChannelKind, session.Signals) (session.Challenge, error) {
	return session.Challenge{Code: "2@pairing-code"}, nil
}

type harness struct {
	ts   *httptest.Server
	gate *session.Gate
}

func newHarness(t *testing.T, provider http.HandlerFunc, mutate ...func(*config.Config)) *harness {
	t.Helper()
	if provider == nil {
		provider = func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}
	upstream := httptest.NewServer(provider)
	t.Cleanup(upstream.Close)

	cfg := config.DefaultConfig()
	cfg.Channels.WhatsApp.APIURL = upstream.URL + "/whatsapp"
	cfg.Channels.WhatsApp.AccessToken = "token"
	cfg.Channels.Signal.APIURL = upstream.URL + "/signal"
	cfg.Channels.Signal.Number = "+4900"
	cfg.Channels.Webhook.URL = upstream.URL + "/hook"
	cfg.Organizations = []config.Organization{
		{ID: "acme", CommunicationType: "whatsapp"},
		{ID: "globex", CommunicationType: "signal", Members: []config.Member{{Name: "Leann", Phone: "+1 555 123 4567", Role: "manager"}}},
		{ID: "hooli", CommunicationType: "webhook"},
	}
	for _, m := range mutate {
		m(cfg)
	}

	registry := channels.NewRegistry(
		channels.NewWhatsAppAdapter(5*time.Second),
		channels.NewSignalAdapter(5*time.Second, channels.WithSettleDelay(0)),
		channels.NewWebhookAdapter(5*time.Second, nil),
	)
	events := bus.NewEventBus()
	gate := session.NewGate(events)
	gate.RegisterPairer(channels.KindSignal, codePairer{})
	router := dispatch.NewRouter(registry, gate)

	srv := NewServer(cfg, registry, router, gate)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Hub().Start(ctx))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Hub().Stop()
		ts.Close()
		events.Close()
	})
	return &harness{ts: ts, gate: gate}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, h.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestProxySignalRelaysProviderJSON(t *testing.T) {
	requests := make(chan map[string]interface{}, 1)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var got map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&got)
		requests <- got
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"timestamp":"1700000000"}`))
	})

	status, body := h.do(t, http.MethodPost, "/send-signal", `{"phone":"+1 (555) 123-4567","message":"Hello"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1700000000", body["timestamp"])
	got := <-requests
	assert.Equal(t, "+4900", got["number"])
	assert.Equal(t, []interface{}{"+15551234567"}, got["recipients"])
}

func TestProxySignalErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		reply      string
		wantStatus int
		wantError  string
	}{
		{"rejection", http.StatusBadRequest, "unknown recipient", http.StatusBadRequest, "Failed to send Signal message: unknown recipient"},
		{"malformed", http.StatusOK, "queued", http.StatusInternalServerError, "Failed to parse Signal API response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.reply))
			})
			status, body := h.do(t, http.MethodPost, "/send-signal", `{"phone":"+15551234567","message":"Hello"}`)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantError, body["error"])
		})
	}
}

func TestProxyValidatesRequest(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/send-whatsapp", `{"phone":"+15551234567"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Phone number and message are required", body["error"])

	status, body = h.do(t, http.MethodGet, "/send-whatsapp", "")
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, "Method Not Allowed", body["error"])

	status, _ = h.do(t, http.MethodPost, "/send-whatsapp", `{"phone":`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProxyReportsMissingCredentials(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Channels.WhatsApp.AccessToken = ""
	})
	status, body := h.do(t, http.MethodPost, "/send-whatsapp", `{"phone":"+15551234567","message":"Hello"}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "whatsapp access token is not configured", body["error"])
}

func TestNotifyPostsEnvelope(t *testing.T) {
	envelopes := make(chan channels.WebhookEnvelope, 1)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		var envelope channels.WebhookEnvelope
		_ = json.NewDecoder(r.Body).Decode(&envelope)
		envelopes <- envelope
		_, _ = w.Write([]byte("Accepted"))
	})

	status, body := h.do(t, http.MethodPost, "/notify", `{"userName":"Leann","userPhone":"+1 555 123 4567","userRole":"manager"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Accepted", body["response"])
	envelope := <-envelopes
	assert.Equal(t, "Leann", envelope.UserName)
	assert.Equal(t, "+15551234567", envelope.UserPhone)
}

func TestDispatchOutcomes(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/orgs/acme/dispatch", `{"phone":"+15551234567","message":"Hi"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "sent", body["status"])

	status, body = h.do(t, http.MethodPost, "/orgs/globex/dispatch", `{"phone":"+15551234567"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "channel_not_ready", body["status"])
	require.NotNil(t, body["challenge"])
	assert.Equal(t, "2@pairing-code", body["challenge"].(map[string]interface{})["code"])

	status, body = h.do(t, http.MethodPost, "/orgs/nobody/dispatch", `{"phone":"+15551234567"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body["error"], "nobody")

	status, body = h.do(t, http.MethodPost, "/orgs/acme/dispatch", `{"phone":""}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "fatal_error", body["status"])
}

func TestPairingEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/orgs/globex/pairing", "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "pairing", body["state"])

	status, body = h.do(t, http.MethodGet, "/orgs/globex/pairing", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pairing", body["state"])
	assert.NotNil(t, body["challenge"])

	h.gate.OnAuthenticated("globex", channels.KindSignal)
	status, body = h.do(t, http.MethodPost, "/orgs/globex/pairing", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "authenticated", body["state"])

	status, body = h.do(t, http.MethodDelete, "/orgs/globex/pairing", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", body["state"])
	assert.Equal(t, session.StateDisconnected, h.gate.State("globex", channels.KindSignal))

	status, _ = h.do(t, http.MethodPost, "/orgs/hooli/pairing", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.ts.URL, "http")+"/events", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestEventsStreamPairingLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h)

	status, _ := h.do(t, http.MethodPost, "/orgs/globex/pairing", "")
	require.Equal(t, http.StatusAccepted, status)

	var evt bus.Event
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "qr").Data, &evt))
	assert.Equal(t, "globex", evt.OrgID)
	assert.True(t, strings.HasPrefix(evt.QR, "data:image/png;base64,"))

	h.gate.OnAuthenticated("globex", channels.KindSignal)
	readUntil(t, conn, "ready")

	late := dial(t, h)
	require.NoError(t, json.Unmarshal(readUntil(t, late, "ready").Data, &evt))
	assert.Equal(t, "globex", evt.OrgID)
}

func TestEventsSendMessage(t *testing.T) {
	h := newHarness(t, nil)
	conn := dial(t, h)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "send-message",
		"data": map[string]string{"orgId": "acme", "phone": "+15551234567", "message": "Hello"},
	}))
	var sent map[string]string
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "message-sent").Data, &sent))
	assert.Equal(t, "+15551234567", sent["phone"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "send-message",
		"data": map[string]string{"phone": "+15551234567", "message": "Hello"},
	}))
	var msg string
	require.NoError(t, json.Unmarshal(readUntil(t, conn, "error").Data, &msg))
	assert.Equal(t, "orgId is required", msg)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	status, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
