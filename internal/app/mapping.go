package app

import (
	"fmt"
	"strings"
	"time"

	"schedbot/internal/admin"
	"schedbot/internal/config"
	"schedbot/internal/delivery/dispatch"
	"schedbot/internal/delivery/trigger"
	"schedbot/internal/storage"
	"schedbot/internal/task/engine"
	logx "schedbot/pkg/logx"
)

const parseModeHTML = "HTML"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy, Location: loc}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Delivery
	delay, err := config.ParseDurationField("delivery.batch_delay", d.BatchDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	backoff, err := config.ParseDurationOrDefault("delivery.retry_backoff", d.RetryBackoff, dispatch.DefaultRetryBackoff)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, dispatch.DefaultSendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		BatchSize:    d.BatchSize,
		BatchDelay:   delay,
		MaxRetries:   d.Retries(),
		RetryBackoff: backoff,
		SendTimeout:  sendTimeout,
		RatePerSec:   d.RatePerSec,
		ParseMode:    parseModeHTML,
	}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{HistorySize: cfg.Engine.HistorySize}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	read, err := config.ParseDurationField("admin.read_timeout", a.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationField("admin.write_timeout", a.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:      a.Enabled,
		Addr:         a.Addr,
		Token:        strings.TrimSpace(a.Token),
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	loc, err := trigger.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule.timezone: %w", err)
	}
	return loc, nil
}

func stopTimeout(cfg *config.Config) time.Duration {
	if cfg == nil {
		return 30 * time.Second
	}
	d, err := config.ParseDurationOrDefault("engine.stop_timeout", cfg.Engine.StopTimeout, 30*time.Second)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
