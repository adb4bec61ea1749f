package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/logger"
)

// Validate returns configuration problems found in cfg.
// It does not mutate cfg.
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	var errs []error

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port must be in 1..65535"))
	}
	errs = append(errs, validateNonEmptyStringList("gateway.allowed_origins", cfg.Gateway.AllowedOrigins)...)

	if cfg.Dispatch.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.timeout_sec must be > 0"))
	}
	if cfg.Dispatch.SignalSettleMs < 0 {
		errs = append(errs, fmt.Errorf("dispatch.signal_settle_ms must be >= 0"))
	}
	if cfg.Dispatch.TimeoutSec > 0 && cfg.Dispatch.Timeout() <= cfg.Dispatch.SignalSettle() {
		errs = append(errs, fmt.Errorf("dispatch.timeout_sec must exceed dispatch.signal_settle_ms"))
	}
	if cfg.Dispatch.HighlightMs <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.highlight_ms must be > 0"))
	}

	if cfg.Channels.Signal.APIURL != "" && cfg.Channels.Signal.BaseURL() == "" {
		errs = append(errs, fmt.Errorf("channels.signal.api_url must be an absolute URL"))
	}
	if cfg.Channels.Signal.PairTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("channels.signal.pair_timeout_sec must be > 0"))
	}
	if cfg.Channels.Signal.PollIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("channels.signal.poll_interval_sec must be > 0"))
	}
	if cfg.Channels.Bridge.Enabled && cfg.Channels.Bridge.StorePath == "" {
		errs = append(errs, fmt.Errorf("channels.bridge.store_path is required when channels.bridge.enabled=true"))
	}

	if cfg.Sentinel.Enabled {
		if _, err := cron.ParseStandard(cfg.Sentinel.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sentinel.schedule: %v", err))
		}
	}

	if cfg.Logging.Enabled {
		if cfg.Logging.Dir == "" {
			errs = append(errs, fmt.Errorf("logging.dir is required when logging.enabled=true"))
		}
		if cfg.Logging.Filename == "" {
			errs = append(errs, fmt.Errorf("logging.filename is required when logging.enabled=true"))
		}
		if cfg.Logging.MaxSizeMB <= 0 {
			errs = append(errs, fmt.Errorf("logging.max_size_mb must be > 0"))
		}
		if cfg.Logging.RetentionDays <= 0 {
			errs = append(errs, fmt.Errorf("logging.retention_days must be > 0"))
		}
	}
	if cfg.Logging.Level != "" {
		if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %v", err))
		}
	}

	seen := make(map[string]bool, len(cfg.Organizations))
	for i, org := range cfg.Organizations {
		errs = append(errs, validateOrganization(cfg, fmt.Sprintf("organizations[%d]", i), org)...)
		if org.ID != "" {
			if seen[org.ID] {
				errs = append(errs, fmt.Errorf("organizations[%d].id %q is duplicated", i, org.ID))
			}
			seen[org.ID] = true
		}
	}

	return errs
}

func validateOrganization(cfg *Config, path string, org Organization) []error {
	var errs []error
	if strings.TrimSpace(org.ID) == "" {
		errs = append(errs, fmt.Errorf("%s.id is required", path))
	}
	kind, err := channels.ParseKind(org.CommunicationType)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.communicationType: %v", path, err))
	} else if kind == channels.KindWhatsAppWeb && !cfg.Channels.Bridge.Enabled {
		errs = append(errs, fmt.Errorf("%s.communicationType %q requires channels.bridge.enabled=true", path, kind))
	}
	for j, m := range org.Members {
		if channels.NormalizePhone(m.Phone) == "" {
			errs = append(errs, fmt.Errorf("%s.members[%d].phone must contain digits", path, j))
		}
	}
	return errs
}

func validateNonEmptyStringList(path string, values []string) []error {
	if len(values) == 0 {
		return nil
	}
	var errs []error
	for i, value := range values {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s[%d] must not be empty", path, i))
		}
	}
	return errs
}
