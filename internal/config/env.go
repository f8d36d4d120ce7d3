package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override. Unprefixed names from the
// legacy .env layout (BOT_TOKEN, TIMEZONE, ...) are still honored; the
// prefixed form wins when both are set.
const EnvPrefix = "SCHEDBOT_"

// loadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are not overwritten. A missing file is not an error.
func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func lookup(getenv func(string) string, name string) (string, bool) {
	if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(getenv(name)); v != "" {
		return v, true
	}
	return "", false
}

// ApplyEnv overlays environment variables on cfg.
//
// Recognized names (each also accepted with the SCHEDBOT_ prefix):
//
//	BOT_TOKEN, TIMEZONE, MORNING_MESSAGE_HOUR, MORNING_MESSAGE_MINUTE,
//	REMINDER_MINUTES_BEFORE, BATCH_SIZE, BATCH_DELAY, MAX_RETRIES,
//	DATABASE_PATH, LOG_LEVEL, LOG_FILE_PATH, ADMIN_HOST, ADMIN_PORT, ADMIN_TOKEN
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil {
		return nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}

	atoi := func(name string) (int, bool, error) {
		v, ok := lookup(getenv, name)
		if !ok {
			return 0, false, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false, fmt.Errorf("%s: invalid integer %q", name, v)
		}
		return n, true, nil
	}

	if v, ok := lookup(getenv, "BOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := lookup(getenv, "TIMEZONE"); ok {
		cfg.Schedule.Timezone = v
	}

	hour, hourSet, err := atoi("MORNING_MESSAGE_HOUR")
	if err != nil {
		return err
	}
	minute, minSet, err := atoi("MORNING_MESSAGE_MINUTE")
	if err != nil {
		return err
	}
	if hourSet || minSet {
		h, m := 8, 0
		if cur := strings.TrimSpace(cfg.Schedule.DigestAt); cur != "" {
			if _, err := fmt.Sscanf(cur, "%d:%d", &h, &m); err != nil {
				h, m = 8, 0
			}
		}
		if hourSet {
			h = hour
		}
		if minSet {
			m = minute
		}
		cfg.Schedule.DigestAt = fmt.Sprintf("%02d:%02d", h, m)
	}

	if n, ok, err := atoi("REMINDER_MINUTES_BEFORE"); err != nil {
		return err
	} else if ok {
		cfg.Schedule.ReminderLeadMinutes = intPtr(n)
	}
	if n, ok, err := atoi("BATCH_SIZE"); err != nil {
		return err
	} else if ok {
		cfg.Delivery.BatchSize = n
	}
	if v, ok := lookup(getenv, "BATCH_DELAY"); ok {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return fmt.Errorf("BATCH_DELAY: %w", err)
		}
		cfg.Delivery.BatchDelay = d
	}
	if n, ok, err := atoi("MAX_RETRIES"); err != nil {
		return err
	} else if ok {
		cfg.Delivery.MaxRetries = intPtr(n)
	}
	if v, ok := lookup(getenv, "DATABASE_PATH"); ok {
		cfg.Storage.Path = v
	}
	if v, ok := lookup(getenv, "LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup(getenv, "LOG_FILE_PATH"); ok {
		cfg.Logging.File.Enabled = true
		cfg.Logging.File.Path = v
	}

	host, hostSet := lookup(getenv, "ADMIN_HOST")
	port, portSet := lookup(getenv, "ADMIN_PORT")
	if hostSet || portSet {
		if !hostSet {
			host = "127.0.0.1"
		}
		if !portSet {
			port = "8000"
		}
		cfg.Admin.Addr = host + ":" + port
	}
	if v, ok := lookup(getenv, "ADMIN_TOKEN"); ok {
		cfg.Admin.Token = v
	}
	return nil
}
