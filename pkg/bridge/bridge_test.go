package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"

	"teamnotify/pkg/channels"
)

func TestStorePathForIsPerOrganization(t *testing.T) {
	b := New("/var/lib/teamnotify/whatsapp.db")
	assert.Equal(t, "/var/lib/teamnotify/whatsapp-acme.db", b.StorePathFor("acme"))
	assert.Equal(t, "/var/lib/teamnotify/whatsapp-a_b_c.db", b.StorePathFor("a/b c"))

	assert.Equal(t, "store-acme.db", New("store").StorePathFor("acme"))
}

func TestSendRejectsBadInputBeforeOpeningStore(t *testing.T) {
	dir := t.TempDir()
	b := New(filepath.Join(dir, "wa.db"))
	defer b.Close()

	cfg := channels.ChannelConfig{OrgID: "acme", Kind: channels.KindWhatsAppWeb}
	cases := []struct {
		name  string
		cfg   channels.ChannelConfig
		phone string
		body  string
	}{
		{"missing org", channels.ChannelConfig{Kind: channels.KindWhatsAppWeb}, "+15551234567", "hi"},
		{"missing phone", cfg, "  ", "hi"},
		{"blank body", cfg, "+15551234567", " \n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Send(context.Background(), tc.cfg, channels.Recipient{PhoneNumber: tc.phone}, tc.body)
			var se *channels.SendError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, channels.ClassConfiguration, se.Class)
		})
	}
	assert.NoFileExists(t, b.StorePathFor("acme"))
}

func TestFreshStoreIsNotLinked(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "wa.db"))
	defer b.Close()

	linked, err := b.Linked(context.Background(), "acme", channels.KindWhatsAppWeb)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.FileExists(t, b.StorePathFor("acme"))

	_, err = b.Send(context.Background(),
		channels.ChannelConfig{OrgID: "acme", Kind: channels.KindWhatsAppWeb},
		channels.Recipient{PhoneNumber: "+15551234567"}, "hello")
	se := channels.AsSendError(err)
	require.NotNil(t, se)
	assert.Equal(t, channels.ClassTransport, se.Class)
	assert.True(t, se.Temporary())

	require.NoError(t, b.Unlink(context.Background(), "acme", channels.KindWhatsAppWeb))
	require.NoError(t, b.Unlink(context.Background(), "acme", channels.KindWhatsAppWeb))
}

func TestQREventReason(t *testing.T) {
	assert.Equal(t, "pairing timed out", qrEventReason(whatsmeow.QRChannelTimeout))
	assert.Equal(t, "err-client-outdated", qrEventReason(whatsmeow.QRChannelClientOutdated))
	assert.Equal(t, "boom", qrEventReason(whatsmeow.QRChannelItem{Event: "error", Error: errors.New("boom")}))
	assert.Equal(t, "qr channel closed", qrEventReason(whatsmeow.QRChannelItem{}))
}

func TestWALoggerSubModules(t *testing.T) {
	l := newWALogger("client").Sub("Socket").Sub("Recv")
	assert.Equal(t, waLogger{module: "client/Socket/Recv"}, l)
}
