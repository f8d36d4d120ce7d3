package config

import "strings"

const (
	DefaultTimezone     = "Europe/Moscow"
	DefaultDigestAt     = "08:00"
	DefaultLeadMinutes  = 5
	DefaultBatchSize    = 30
	DefaultBatchDelay   = "200ms"
	DefaultMaxRetries   = 1
	DefaultRetryBackoff = "1s"
	DefaultSendTimeout  = "10s"
	DefaultStoragePath  = "data/schedule.db"
	DefaultBusyTimeout  = "5s"
	DefaultAdminAddr    = "127.0.0.1:8000"
	DefaultHistorySize  = 100
	DefaultStopTimeout  = "30s"
)

// ApplyDefaults fills omitted values. Explicit values (including invalid
// ones) are left untouched so Validate can reject them.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Telegram.SendTimeout) == "" {
		cfg.Telegram.SendTimeout = DefaultSendTimeout
	}

	if strings.TrimSpace(cfg.Schedule.Timezone) == "" {
		cfg.Schedule.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(cfg.Schedule.DigestAt) == "" {
		cfg.Schedule.DigestAt = DefaultDigestAt
	}
	if cfg.Schedule.ReminderLeadMinutes == nil {
		cfg.Schedule.ReminderLeadMinutes = intPtr(DefaultLeadMinutes)
	}

	if cfg.Delivery.BatchSize == 0 {
		cfg.Delivery.BatchSize = DefaultBatchSize
	}
	if strings.TrimSpace(cfg.Delivery.BatchDelay) == "" {
		cfg.Delivery.BatchDelay = DefaultBatchDelay
	}
	if cfg.Delivery.MaxRetries == nil {
		cfg.Delivery.MaxRetries = intPtr(DefaultMaxRetries)
	}
	if strings.TrimSpace(cfg.Delivery.RetryBackoff) == "" {
		cfg.Delivery.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Delivery.Dedup == nil {
		cfg.Delivery.Dedup = boolPtr(true)
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(cfg.Storage.BusyTimeout) == "" {
		cfg.Storage.BusyTimeout = DefaultBusyTimeout
	}

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "INFO"
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}

	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		cfg.Admin.Addr = DefaultAdminAddr
	}

	if cfg.Engine.HistorySize == 0 {
		cfg.Engine.HistorySize = DefaultHistorySize
	}
	if strings.TrimSpace(cfg.Engine.StopTimeout) == "" {
		cfg.Engine.StopTimeout = DefaultStopTimeout
	}
}

// LeadMinutes returns the effective reminder lead.
func (c ScheduleConfig) LeadMinutes() int {
	if c.ReminderLeadMinutes == nil {
		return DefaultLeadMinutes
	}
	return *c.ReminderLeadMinutes
}

// Retries returns the effective retry count.
func (c DeliveryConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// DedupEnabled reports whether scheduled events are deduplicated (default on).
func (c DeliveryConfig) DedupEnabled() bool {
	return c.Dedup == nil || *c.Dedup
}
