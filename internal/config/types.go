package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "200ms", "1s", "5m").
// Omitted fields are filled by ApplyDefaults; explicit invalid values are
// rejected by Validate and are fatal at startup.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Schedule ScheduleConfig `json:"schedule"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Admin    AdminConfig    `json:"admin"`
	Engine   EngineConfig   `json:"engine"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// SendTimeout bounds a single sendMessage call (default "10s").
	SendTimeout string `json:"send_timeout,omitempty"`
}

// ScheduleConfig drives the trigger plan.
//
// Defaults:
//   - timezone: "Europe/Moscow"
//   - digest_at: "08:00"
//   - reminder_lead_minutes: 5
//
// ReminderLeadMinutes is a pointer so an explicit 0 (remind at slot start)
// differs from "omitted".
type ScheduleConfig struct {
	Timezone            string `json:"timezone"`
	DigestAt            string `json:"digest_at"`
	ReminderLeadMinutes *int   `json:"reminder_lead_minutes,omitempty"`
}

// DeliveryConfig controls the batched dispatcher.
//
// Defaults:
//   - batch_size: 30
//   - batch_delay: "200ms"
//   - max_retries: 1
//   - retry_backoff: "1s"
//   - rate_per_sec: 0 (no provider-wide cap beyond batching)
//   - dedup: true
type DeliveryConfig struct {
	BatchSize    int    `json:"batch_size"`
	BatchDelay   string `json:"batch_delay"`
	MaxRetries   *int   `json:"max_retries,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	Dedup        *bool  `json:"dedup,omitempty"`
}

// StorageConfig points at the sqlite database shared with the admin console.
//
// Example:
//
//	"storage": { "path": "data/schedule.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// AdminConfig controls the admin HTTP API (broadcasts, delivery log, metrics).
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8000").
//   - Token is a bearer token; never logged.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// EngineConfig controls the run executor.
//
// Defaults:
//   - history_size: 100
//   - stop_timeout: "30s"
type EngineConfig struct {
	HistorySize int    `json:"history_size,omitempty"`
	StopTimeout string `json:"stop_timeout,omitempty"`
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
