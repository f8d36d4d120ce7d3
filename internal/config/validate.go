package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	logx "schedbot/pkg/logx"
)

// Validate checks a defaulted config and returns every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	dur("telegram.send_timeout", cfg.Telegram.SendTimeout)

	if _, err := time.LoadLocation(strings.TrimSpace(cfg.Schedule.Timezone)); err != nil {
		add("schedule.timezone: unknown location %q", cfg.Schedule.Timezone)
	}
	if !validClock(cfg.Schedule.DigestAt) {
		add("schedule.digest_at: want HH:MM, got %q", cfg.Schedule.DigestAt)
	}
	if lead := cfg.Schedule.LeadMinutes(); lead < 0 || lead >= 24*60 {
		add("schedule.reminder_lead_minutes: must be in [0, 1439], got %d", lead)
	}

	if cfg.Delivery.BatchSize <= 0 {
		add("delivery.batch_size: must be > 0, got %d", cfg.Delivery.BatchSize)
	}
	dur("delivery.batch_delay", cfg.Delivery.BatchDelay)
	dur("delivery.retry_backoff", cfg.Delivery.RetryBackoff)
	if n := cfg.Delivery.Retries(); n < 0 {
		add("delivery.max_retries: must be >= 0, got %d", n)
	}
	if cfg.Delivery.RatePerSec < 0 {
		add("delivery.rate_per_sec: must be >= 0, got %d", cfg.Delivery.RatePerSec)
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add("storage.path is required")
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}

	if cfg.Admin.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Admin.Addr)); err != nil {
			add("admin.addr: %v", err)
		}
	}
	dur("admin.read_timeout", cfg.Admin.ReadTimeout)
	dur("admin.write_timeout", cfg.Admin.WriteTimeout)

	if cfg.Engine.HistorySize < 0 {
		add("engine.history_size: must be >= 0, got %d", cfg.Engine.HistorySize)
	}
	dur("engine.stop_timeout", cfg.Engine.StopTimeout)

	return result.ErrorOrNil()
}

func validClock(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	for i, c := range s {
		if i != 2 && (c < '0' || c > '9') {
			return false
		}
	}
	h, _ := strconv.Atoi(s[:2])
	m, _ := strconv.Atoi(s[3:])
	return h <= 23 && m <= 59
}
