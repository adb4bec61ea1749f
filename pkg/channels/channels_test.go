package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 123-4567", "+15551234567"},
		{"555.123.4567", "5551234567"},
		{"  +44 20 7946 0958 ", "+442079460958"},
		{"(+49) 151-2345", "+491512345"},
		{"1+2", "12"},
		{"++31 6 1234", "+3161234"},
		{"tel:+1-800-FLOWERS", "+1800"},
		{"+", ""},
		{"", ""},
		{"abc", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "NormalizePhone(%q)", tt.in)
	}
	assert.Equal(t, "15551234567", DigitsOnly("+1 (555) 123-4567"))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" WhatsApp ")
	require.NoError(t, err)
	assert.Equal(t, KindWhatsApp, k)

	k, err = ParseKind("whatsapp-web")
	require.NoError(t, err)
	assert.Equal(t, KindWhatsAppWeb, k)

	_, err = ParseKind("telegram")
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ClassConfiguration, se.Class)
}

func TestRequiresSession(t *testing.T) {
	assert.True(t, RequiresSession(KindSignal))
	assert.True(t, RequiresSession(KindWhatsAppWeb))
	assert.False(t, RequiresSession(KindWhatsApp))
	assert.False(t, RequiresSession(KindWebhook))
}

func TestChannelConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChannelConfig
		wantErr bool
	}{
		{"whatsapp ok", ChannelConfig{Kind: KindWhatsApp, Endpoint: "http://x", Credentials: "tok"}, false},
		{"whatsapp missing token", ChannelConfig{Kind: KindWhatsApp, Endpoint: "http://x"}, true},
		{"whatsapp missing endpoint", ChannelConfig{Kind: KindWhatsApp, Credentials: "tok"}, true},
		{"signal ok", ChannelConfig{Kind: KindSignal, Endpoint: "http://x", Sender: "+1"}, false},
		{"signal missing number", ChannelConfig{Kind: KindSignal, Endpoint: "http://x"}, true},
		{"webhook ok", ChannelConfig{Kind: KindWebhook, Endpoint: "http://hook"}, false},
		{"webhook missing url", ChannelConfig{Kind: KindWebhook}, true},
		{"bridge needs org", ChannelConfig{Kind: KindWhatsAppWeb}, true},
		{"bridge ok", ChannelConfig{Kind: KindWhatsAppWeb, OrgID: "acme"}, false},
		{"unknown kind", ChannelConfig{Kind: "pager"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var se *SendError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, ClassConfiguration, se.Class)
		})
	}
}

func TestSendErrorTemporary(t *testing.T) {
	assert.True(t, (&SendError{Class: ClassTransport}).Temporary())
	assert.True(t, (&SendError{Class: ClassMalformedResponse}).Temporary())
	assert.True(t, rejection(http.StatusServiceUnavailable, "down").Temporary())
	assert.True(t, rejection(http.StatusTooManyRequests, "slow down").Temporary())
	assert.False(t, rejection(http.StatusUnauthorized, "invalid token").Temporary())
	assert.False(t, ConfigError("missing").Temporary())

	wrapped := AsSendError(errors.New("boom"))
	assert.Equal(t, ClassTransport, wrapped.Class)
}

func TestWhatsAppAdapterSendsBearerAndNormalizedNumber(t *testing.T) {
	var gotAuth string
	var got whatsAppMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg1"}`)
	}))
	defer srv.Close()

	a := NewWhatsAppAdapter(5 * time.Second)
	raw, err := a.Send(context.Background(),
		ChannelConfig{OrgID: "acme", Kind: KindWhatsApp, Endpoint: srv.URL, Credentials: "secret-token"},
		Recipient{PhoneNumber: "+1 (555) 123-4567"},
		"Hello, how may I help?")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"msg1"}`, string(raw))
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "+15551234567", got.To)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "Hello, how may I help?", got.Text.Body)
}

func TestWhatsAppAdapterRejectionKeepsProviderBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid token"}`)
	}))
	defer srv.Close()

	a := NewWhatsAppAdapter(5 * time.Second)
	_, err := a.Send(context.Background(),
		ChannelConfig{Kind: KindWhatsApp, Endpoint: srv.URL, Credentials: "bad"},
		Recipient{PhoneNumber: "+15551234567"}, "hi")

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ClassProviderRejection, se.Class)
	assert.Equal(t, http.StatusUnauthorized, se.HTTPStatus)
	assert.Contains(t, se.Message, "invalid token")
}

func TestAdaptersRejectBadInputWithoutNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	wa := NewWhatsAppAdapter(time.Second)
	sig := NewSignalAdapter(time.Second, WithSettleDelay(0))

	cases := []struct {
		name    string
		adapter Adapter
		cfg     ChannelConfig
		phone   string
		body    string
	}{
		{"whatsapp empty phone", wa, ChannelConfig{Kind: KindWhatsApp, Endpoint: srv.URL, Credentials: "t"}, " ( ) ", "hi"},
		{"whatsapp blank body", wa, ChannelConfig{Kind: KindWhatsApp, Endpoint: srv.URL, Credentials: "t"}, "+1555", "   "},
		{"whatsapp missing token", wa, ChannelConfig{Kind: KindWhatsApp, Endpoint: srv.URL}, "+1555", "hi"},
		{"signal missing number", sig, ChannelConfig{Kind: KindSignal, Endpoint: srv.URL}, "+1555", "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.adapter.Send(context.Background(), tc.cfg, Recipient{PhoneNumber: tc.phone}, tc.body)
			var se *SendError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, ClassConfiguration, se.Class)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestSignalAdapterNonJSONSuccessIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "sent, probably")
	}))
	defer srv.Close()

	clock := newManualClock(time.Unix(0, 0))
	a := NewSignalAdapter(5*time.Second, WithClock(clock))
	_, err := a.Send(context.Background(),
		ChannelConfig{Kind: KindSignal, Endpoint: srv.URL, Sender: "+4915100000"},
		Recipient{PhoneNumber: "+1 555 123 4567"}, "hi")

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ClassMalformedResponse, se.Class)
	assert.True(t, se.Temporary())
	assert.Contains(t, se.Message, "sent, probably")
	assert.Len(t, clock.registered, 0, "no settle wait on malformed responses")
}

func TestSignalAdapterRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"Invalid account (phone number)"}`)
	}))
	defer srv.Close()

	a := NewSignalAdapter(5*time.Second, WithSettleDelay(0))
	_, err := a.Send(context.Background(),
		ChannelConfig{Kind: KindSignal, Endpoint: srv.URL, Sender: "+4915100000"},
		Recipient{PhoneNumber: "+15551234567"}, "hi")

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ClassProviderRejection, se.Class)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)
	assert.Contains(t, se.Message, "Failed to send Signal message: ")
	assert.Contains(t, se.Message, "Invalid account")
}

func TestSignalAdapterWaitsForSettleDelay(t *testing.T) {
	var got signalSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"timestamp":"1700000000000"}`)
	}))
	defer srv.Close()

	clock := newManualClock(time.Unix(0, 0))
	a := NewSignalAdapter(5*time.Second, WithClock(clock), WithSettleDelay(3*time.Second))

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := a.Send(context.Background(),
			ChannelConfig{Kind: KindSignal, Endpoint: srv.URL, Sender: "+4915100000"},
			Recipient{PhoneNumber: "+1 (555) 123-4567"}, "Hello team")
		done <- result{raw, err}
	}()

	select {
	case d := <-clock.registered:
		assert.Equal(t, 3*time.Second, d)
	case <-time.After(5 * time.Second):
		t.Fatal("settle wait never started")
	}

	// The HTTP response has been received; the adapter must still be waiting.
	assert.Equal(t, "+4915100000", got.Number)
	assert.Equal(t, []string{"+15551234567"}, got.Recipients)
	assert.Equal(t, "Hello team", got.Message)

	clock.Advance(2 * time.Second)
	select {
	case <-done:
		t.Fatal("returned before the settle delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"timestamp":"1700000000000"}`, string(res.raw))
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish after the settle delay")
	}
}

func TestSignalAdapterTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	a := NewSignalAdapter(time.Second, WithSettleDelay(0))
	_, err := a.Send(context.Background(),
		ChannelConfig{Kind: KindSignal, Endpoint: url, Sender: "+4915100000"},
		Recipient{PhoneNumber: "+15551234567"}, "hi")

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ClassTransport, se.Class)
	assert.True(t, se.Temporary())
}

func TestWebhookAdapterPostsEnvelope(t *testing.T) {
	var got WebhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, "Accepted")
	}))
	defer srv.Close()

	clock := newManualClock(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	a := NewWebhookAdapter(5*time.Second, clock)
	raw, err := a.Send(context.Background(),
		ChannelConfig{Kind: KindWebhook, Endpoint: srv.URL},
		Recipient{PhoneNumber: "+1 (555) 123-4567", DisplayName: "Leann", Role: "manager"}, "")
	require.NoError(t, err)

	assert.Equal(t, WebhookEnvelope{
		UserName:  "Leann",
		UserPhone: "+15551234567",
		UserRole:  "manager",
		Timestamp: "2026-03-01T09:30:00.000Z",
	}, got)
	assert.Equal(t, `"Accepted"`, string(raw))
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry(NewWhatsAppAdapter(time.Second))
	_, err := r.Send(context.Background(), ChannelConfig{Kind: KindSignal}, Recipient{PhoneNumber: "+1"}, "hi")
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ClassConfiguration, se.Class)
	assert.Equal(t, []ChannelKind{KindWhatsApp}, r.Kinds())
}
