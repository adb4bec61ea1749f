package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"teamnotify/pkg/channels"
)

var ErrUnknownOrganization = errors.New("unknown organization")

type Config struct {
	Gateway       GatewayConfig  `json:"gateway"`
	Channels      ChannelsConfig `json:"channels"`
	Dispatch      DispatchConfig `json:"dispatch"`
	Sentinel      SentinelConfig `json:"sentinel"`
	Logging       LoggingConfig  `json:"logging"`
	Organizations []Organization `json:"organizations"`
	mu            sync.RWMutex
}

type GatewayConfig struct {
	Host           string   `json:"host" env:"TEAMNOTIFY_GATEWAY_HOST"`
	Port           int      `json:"port" env:"PORT"`
	AllowedOrigins []string `json:"allowed_origins" env:"TEAMNOTIFY_GATEWAY_ALLOWED_ORIGINS"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Signal   SignalConfig   `json:"signal"`
	Webhook  WebhookConfig  `json:"webhook"`
	Bridge   BridgeConfig   `json:"bridge"`
}

// WhatsAppConfig is the shared Business API account. Organizations may
// override the endpoint and token.
type WhatsAppConfig struct {
	APIURL        string `json:"api_url" env:"WHATSAPP_API_URL"`
	PhoneNumberID string `json:"phone_number_id" env:"WHATSAPP_PHONE_NUMBER_ID"`
	AccessToken   string `json:"access_token" env:"WHATSAPP_ACCESS_TOKEN"`
}

// Endpoint is APIURL when set, otherwise the Graph API messages URL for PhoneNumberID.
func (w WhatsAppConfig) Endpoint() string {
	if strings.TrimSpace(w.APIURL) != "" {
		return w.APIURL
	}
	if strings.TrimSpace(w.PhoneNumberID) == "" {
		return ""
	}
	return fmt.Sprintf("https://graph.facebook.com/v17.0/%s/messages", strings.TrimSpace(w.PhoneNumberID))
}

type SignalConfig struct {
	APIURL          string `json:"api_url" env:"SIGNAL_API_URL"`
	Number          string `json:"number" env:"SIGNAL_NUMBER"`
	Token           string `json:"token" env:"TEAMNOTIFY_SIGNAL_TOKEN"`
	DeviceName      string `json:"device_name" env:"TEAMNOTIFY_SIGNAL_DEVICE_NAME"`
	PairTimeoutSec  int    `json:"pair_timeout_sec" env:"TEAMNOTIFY_SIGNAL_PAIR_TIMEOUT_SEC"`
	PollIntervalSec int    `json:"poll_interval_sec" env:"TEAMNOTIFY_SIGNAL_POLL_INTERVAL_SEC"`
}

// BaseURL strips the send path from APIURL, leaving scheme and host.
func (s SignalConfig) BaseURL() string {
	u, err := url.Parse(strings.TrimSpace(s.APIURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

type WebhookConfig struct {
	URL string `json:"url" env:"TEAMNOTIFY_WEBHOOK_URL"`
}

// BridgeConfig controls the experimental WhatsApp Web bridge.
type BridgeConfig struct {
	Enabled   bool   `json:"enabled" env:"TEAMNOTIFY_BRIDGE_ENABLED"`
	StorePath string `json:"store_path" env:"TEAMNOTIFY_BRIDGE_STORE_PATH"`
}

type DispatchConfig struct {
	TimeoutSec     int    `json:"timeout_sec" env:"TEAMNOTIFY_DISPATCH_TIMEOUT_SEC"`
	SignalSettleMs int    `json:"signal_settle_ms" env:"TEAMNOTIFY_DISPATCH_SIGNAL_SETTLE_MS"`
	HighlightMs    int    `json:"highlight_ms" env:"TEAMNOTIFY_DISPATCH_HIGHLIGHT_MS"`
	DefaultMessage string `json:"default_message" env:"TEAMNOTIFY_DISPATCH_DEFAULT_MESSAGE"`
}

func (d DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSec) * time.Second
}

func (d DispatchConfig) SignalSettle() time.Duration {
	return time.Duration(d.SignalSettleMs) * time.Millisecond
}

func (d DispatchConfig) Highlight() time.Duration {
	return time.Duration(d.HighlightMs) * time.Millisecond
}

// SentinelConfig schedules the linked-session probe. Schedule accepts cron
// specs and descriptors such as "@every 5m".
type SentinelConfig struct {
	Enabled  bool   `json:"enabled" env:"TEAMNOTIFY_SENTINEL_ENABLED"`
	Schedule string `json:"schedule" env:"TEAMNOTIFY_SENTINEL_SCHEDULE"`
}

type LoggingConfig struct {
	Enabled       bool   `json:"enabled" env:"TEAMNOTIFY_LOGGING_ENABLED"`
	Level         string `json:"level" env:"TEAMNOTIFY_LOGGING_LEVEL"`
	Dir           string `json:"dir" env:"TEAMNOTIFY_LOGGING_DIR"`
	Filename      string `json:"filename" env:"TEAMNOTIFY_LOGGING_FILENAME"`
	MaxSizeMB     int    `json:"max_size_mb" env:"TEAMNOTIFY_LOGGING_MAX_SIZE_MB"`
	RetentionDays int    `json:"retention_days" env:"TEAMNOTIFY_LOGGING_RETENTION_DAYS"`
}

// Organization is one team and the channel it is reached on. Endpoint,
// Credentials and Sender override the shared channel settings.
type Organization struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	CommunicationType string   `json:"communicationType"`
	Endpoint          string   `json:"endpoint,omitempty"`
	Credentials       string   `json:"credentials,omitempty"`
	Sender            string   `json:"sender,omitempty"`
	Members           []Member `json:"members"`
}

type Member struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  string `json:"role,omitempty"`
}

func (m Member) Recipient() channels.Recipient {
	return channels.Recipient{PhoneNumber: m.Phone, DisplayName: m.Name, Role: m.Role}
}

// Member finds a member by phone number, ignoring formatting.
func (o Organization) Member(phone string) (Member, bool) {
	want := channels.NormalizePhone(phone)
	if want == "" {
		return Member{}, false
	}
	for _, m := range o.Members {
		if channels.NormalizePhone(m.Phone) == want {
			return m, true
		}
	}
	return Member{}, false
}

var (
	isDebug bool
	muDebug sync.RWMutex
)

func SetDebugMode(debug bool) {
	muDebug.Lock()
	defer muDebug.Unlock()
	isDebug = debug
}

func IsDebugMode() bool {
	muDebug.RLock()
	defer muDebug.RUnlock()
	return isDebug
}

func GetConfigDir() string {
	if IsDebugMode() {
		return ".teamnotify"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".teamnotify")
}

func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

func DefaultConfig() *Config {
	configDir := GetConfigDir()
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           3000,
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Channels: ChannelsConfig{
			Signal: SignalConfig{
				APIURL:          "http://localhost:8081/v2/send",
				DeviceName:      "teamnotify",
				PairTimeoutSec:  120,
				PollIntervalSec: 2,
			},
			Bridge: BridgeConfig{
				Enabled:   false,
				StorePath: filepath.Join(configDir, "whatsapp.db"),
			},
		},
		Dispatch: DispatchConfig{
			TimeoutSec:     15,
			SignalSettleMs: int(channels.DefaultSignalSettleDelay / time.Millisecond),
			HighlightMs:    2000,
			DefaultMessage: "Hello, how may I help?",
		},
		Sentinel: SentinelConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
		Logging: LoggingConfig{
			Enabled:       true,
			Level:         "info",
			Dir:           filepath.Join(configDir, "logs"),
			Filename:      "teamnotify.log",
			MaxSizeMB:     20,
			RetentionDays: 3,
		},
		Organizations: []Organization{},
	}
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads path over the defaults and then applies the environment.
// A missing file is not an error; the environment alone can configure a run.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := unmarshalConfigStrict(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes data over the defaults. The environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := unmarshalConfigStrict(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalConfigStrict(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing JSON content")
		}
		return err
	}
	return nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Organization credentials live here.
	return os.WriteFile(path, data, 0600)
}

// Reload swaps in the channel settings and organizations of next. Gateway,
// bridge, sentinel and logging settings keep their startup values.
func (c *Config) Reload(next *Config) {
	next.mu.RLock()
	chans := next.Channels
	orgs := append([]Organization(nil), next.Organizations...)
	next.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = chans
	c.Organizations = orgs
}

// OrganizationIDs lists the configured organizations in file order.
func (c *Config) OrganizationIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.Organizations))
	for _, org := range c.Organizations {
		ids = append(ids, org.ID)
	}
	return ids
}

func (c *Config) Organization(orgID string) (Organization, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, org := range c.Organizations {
		if org.ID == orgID {
			return org, nil
		}
	}
	return Organization{}, fmt.Errorf("%w: %q", ErrUnknownOrganization, orgID)
}

// ChannelFor resolves an organization's communicationType into the typed
// channel config the dispatch path consumes. The result is not validated.
func (c *Config) ChannelFor(orgID string) (channels.ChannelConfig, error) {
	org, err := c.Organization(orgID)
	if err != nil {
		return channels.ChannelConfig{}, err
	}
	kind, err := channels.ParseKind(org.CommunicationType)
	if err != nil {
		return channels.ChannelConfig{}, fmt.Errorf("organization %q: %w", orgID, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	cc := channels.ChannelConfig{OrgID: org.ID, Kind: kind}
	switch kind {
	case channels.KindWhatsApp:
		cc.Endpoint = firstNonEmpty(org.Endpoint, c.Channels.WhatsApp.Endpoint())
		cc.Credentials = firstNonEmpty(org.Credentials, c.Channels.WhatsApp.AccessToken)
	case channels.KindSignal:
		cc.Endpoint = firstNonEmpty(org.Endpoint, c.Channels.Signal.APIURL)
		cc.Sender = firstNonEmpty(org.Sender, c.Channels.Signal.Number)
		cc.Credentials = firstNonEmpty(org.Credentials, c.Channels.Signal.Token)
	case channels.KindWebhook:
		cc.Endpoint = firstNonEmpty(org.Endpoint, c.Channels.Webhook.URL)
	}
	return cc, nil
}

// SharedChannel is the channel config the proxy endpoints use when no
// organization is involved.
func (c *Config) SharedChannel(kind channels.ChannelKind) channels.ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cc := channels.ChannelConfig{Kind: kind}
	switch kind {
	case channels.KindWhatsApp:
		cc.Endpoint = c.Channels.WhatsApp.Endpoint()
		cc.Credentials = c.Channels.WhatsApp.AccessToken
	case channels.KindSignal:
		cc.Endpoint = c.Channels.Signal.APIURL
		cc.Sender = c.Channels.Signal.Number
		cc.Credentials = c.Channels.Signal.Token
	case channels.KindWebhook:
		cc.Endpoint = c.Channels.Webhook.URL
	}
	return cc
}

func (c *Config) LogFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := expandHome(c.Logging.Dir)
	filename := c.Logging.Filename
	if filename == "" {
		filename = "teamnotify.log"
	}
	return filepath.Join(dir, filename)
}

func (c *Config) BridgeStorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Channels.Bridge.StorePath)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
