package configops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "channels": {"webhook": {"url": "https://hooks.example.com/in"}},
  "organizations": [
    {"id": "acme", "communicationType": "whatsapp", "members": [{"name": "Leann", "phone": "+15551234567"}]},
    {"id": "hooli", "communicationType": "webhook", "members": []}
  ]
}`

func loadSample(t *testing.T) map[string]interface{} {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0600))
	m, err := LoadMap(path)
	require.NoError(t, err)
	return m
}

func TestLoadMapFallsBackToDefaults(t *testing.T) {
	m, err := LoadMap(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	msg, ok := GetPath(m, "dispatch.default_message")
	require.True(t, ok)
	assert.Equal(t, "Hello, how may I help?", msg)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "sentinel.enabled", NormalizePath(" .sentinel.enable. "))
	assert.Equal(t, "organizations.acme.communicationType", NormalizePath("organizations.acme.communication_type"))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, ParseValue("TRUE"))
	assert.Nil(t, ParseValue("null"))
	assert.Equal(t, int64(3000), ParseValue("3000"))
	assert.Equal(t, 1.5, ParseValue("1.5"))
	assert.Equal(t, "+15551234567", ParseValue("+15551234567"))
	assert.Equal(t, "hello there", ParseValue(`"hello there"`))
	assert.Equal(t, []interface{}{"http://a", "http://b"}, ParseValue(`["http://a","http://b"]`))
	assert.Equal(t, "{not json", ParseValue("{not json"))
}

func TestPathsAddressOrganizationsByID(t *testing.T) {
	m := loadSample(t)

	v, ok := GetPath(m, "organizations.hooli.communicationType")
	require.True(t, ok)
	assert.Equal(t, "webhook", v)

	v, ok = GetPath(m, "organizations.0.members.0.name")
	require.True(t, ok)
	assert.Equal(t, "Leann", v)

	_, ok = GetPath(m, "organizations.initech.id")
	assert.False(t, ok)

	require.NoError(t, SetPath(m, "organizations.acme.endpoint", "https://graph.example.com/v1"))
	v, _ = GetPath(m, "organizations.0.endpoint")
	assert.Equal(t, "https://graph.example.com/v1", v)

	require.NoError(t, SetPath(m, "sentinel.schedule", "@every 1m"))
	v, _ = GetPath(m, "sentinel.schedule")
	assert.Equal(t, "@every 1m", v)

	assert.Error(t, SetPath(m, "organizations.initech.endpoint", "x"))
	assert.Error(t, SetPath(m, "channels..url", "x"))
	assert.Error(t, SetPath(m, "organizations.acme.id.nested", "x"))
}

func TestCheckRunsValidation(t *testing.T) {
	m := loadSample(t)
	_, err := Check(m)
	require.NoError(t, err)

	require.NoError(t, SetPath(m, "organizations.hooli.communicationType", "carrier_pigeon"))
	_, err = Check(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organizations[1].communicationType")

	m = loadSample(t)
	require.NoError(t, SetPath(m, "dispatch.retries", int64(3)))
	_, err = Check(m)
	assert.Error(t, err)
}

func TestWriteAtomicKeepsBackupAndRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0600))

	m := loadSample(t)
	require.NoError(t, SetPath(m, "gateway.port", int64(4000)))
	data, err := json.Marshal(m)
	require.NoError(t, err)

	backup, err := WriteAtomic(path, data)
	require.NoError(t, err)
	assert.Equal(t, path+".bak", backup)

	saved, err := LoadMap(path)
	require.NoError(t, err)
	port, _ := GetPath(saved, "gateway.port")
	assert.Equal(t, float64(4000), port)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, Rollback(path, backup))
	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sample, string(restored))
	assert.NoFileExists(t, path+".rollback.tmp")
}

func TestPIDFileAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	running, err := SignalReload(path)
	assert.False(t, running)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), PIDFileName), []byte("nope"), 0644))
	running, err = SignalReload(path)
	assert.True(t, running)
	assert.Error(t, err)

	remove, err := WritePID(path)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), PIDFileName))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	remove()
	assert.NoFileExists(t, filepath.Join(filepath.Dir(path), PIDFileName))
}
