package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAMLWithDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
schedule:
  timezone: Europe/Moscow
  digest_at: "07:30"
delivery:
  batch_size: 10
`)
	m := NewConfigManager(p)
	m.SetEnvFile("")
	m.SetGetenv(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.DigestAt != "07:30" {
		t.Fatalf("digest_at = %q", cfg.Schedule.DigestAt)
	}
	if cfg.Schedule.LeadMinutes() != DefaultLeadMinutes {
		t.Fatalf("lead = %d, want %d", cfg.Schedule.LeadMinutes(), DefaultLeadMinutes)
	}
	if cfg.Delivery.BatchSize != 10 || cfg.Delivery.BatchDelay != DefaultBatchDelay {
		t.Fatalf("delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.Retries() != 1 || !cfg.Delivery.DedupEnabled() {
		t.Fatalf("retries/dedup defaults wrong: %+v", cfg.Delivery)
	}
	if cfg.Storage.Path != DefaultStoragePath || cfg.Admin.Addr != DefaultAdminAddr {
		t.Fatalf("storage/admin defaults wrong: %q %q", cfg.Storage.Path, cfg.Admin.Addr)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)
	m := NewConfigManager(p)
	m.SetEnvFile("")
	m.SetGetenv(envMap(nil))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestYAMLErrorsNameTheLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "wrong type",
			body: "telegram:\n  token: x\ndelivery:\n  batch_delay: 2s\n  batch_size: \"many\"\n",
			want: []string{"line 5", "delivery.batch_size"},
		},
		{
			name: "unknown key",
			body: "telegram:\n  token: x\nschedule:\n  digest_at: \"08:00\"\n  digets_at: \"09:00\"\n",
			want: []string{"line 5", "digets_at"},
		},
		{
			name: "complex key",
			body: "? [a, b]\n: 1\n",
			want: []string{"line 1", "scalars"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewConfigManager(writeFile(t, "config.yaml", tt.body))
			m.SetEnvFile("")
			m.SetGetenv(envMap(nil))
			_, err := m.Parse()
			if err == nil {
				t.Fatal("expected error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Fatalf("err = %q, want it to mention %q", err, w)
				}
			}
		})
	}
}

func TestYAMLAnchorsAndEmptyFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: &tok "123:abc"
admin:
  token: *tok
  <<: {read_timeout: 5s, write_timeout: 1m}
  write_timeout: 2m
`)
	m := NewConfigManager(p)
	m.SetEnvFile("")
	m.SetGetenv(envMap(nil))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Admin.Token != "123:abc" || cfg.Admin.ReadTimeout != "5s" || cfg.Admin.WriteTimeout != "2m" {
		t.Fatalf("admin = %+v", cfg.Admin)
	}

	m = NewConfigManager(writeFile(t, "config.yaml", "# nothing yet\n"))
	m.SetEnvFile("")
	m.SetGetenv(envMap(map[string]string{"BOT_TOKEN": "123:abc"}))
	cfg, err = m.Parse()
	if err != nil || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("empty file: %+v, %v", cfg, err)
	}
}

func TestExplicitZeroLeadIsKept(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", "telegram: {token: x}\nschedule: {reminder_lead_minutes: 0}\n")
	m := NewConfigManager(p)
	m.SetEnvFile("")
	m.SetGetenv(envMap(nil))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.LeadMinutes() != 0 {
		t.Fatalf("lead = %d, want 0", cfg.Schedule.LeadMinutes())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	m.SetEnvFile("")
	m.SetGetenv(envMap(map[string]string{
		"BOT_TOKEN":               "legacy",
		"SCHEDBOT_BOT_TOKEN":      "prefixed",
		"TIMEZONE":                "Asia/Tokyo",
		"MORNING_MESSAGE_HOUR":    "9",
		"REMINDER_MINUTES_BEFORE": "10",
		"BATCH_DELAY":             "0.5",
		"MAX_RETRIES":             "0",
		"ADMIN_PORT":              "9000",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "prefixed" {
		t.Fatalf("token = %q, want prefixed", cfg.Telegram.Token)
	}
	if cfg.Schedule.Timezone != "Asia/Tokyo" || cfg.Schedule.DigestAt != "09:00" {
		t.Fatalf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Schedule.LeadMinutes() != 10 {
		t.Fatalf("lead = %d", cfg.Schedule.LeadMinutes())
	}
	if cfg.Delivery.BatchDelay != "500ms" {
		t.Fatalf("batch_delay = %q", cfg.Delivery.BatchDelay)
	}
	if cfg.Delivery.Retries() != 0 {
		t.Fatalf("retries = %d", cfg.Delivery.Retries())
	}
	if cfg.Admin.Addr != "127.0.0.1:9000" {
		t.Fatalf("admin.addr = %q", cfg.Admin.Addr)
	}
}

func TestEnvRejectsBadInteger(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	err := ApplyEnv(cfg, envMap(map[string]string{"BATCH_SIZE": "thirty"}))
	if err == nil || !strings.Contains(err.Error(), "BATCH_SIZE") {
		t.Fatalf("err = %v, want BATCH_SIZE error", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Schedule: ScheduleConfig{Timezone: "Mars/Olympus", DigestAt: "25:00", ReminderLeadMinutes: intPtr(-1)},
		Delivery: DeliveryConfig{BatchSize: -3, BatchDelay: "soon", MaxRetries: intPtr(-1)},
	}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"telegram.token",
		"schedule.timezone",
		"schedule.digest_at",
		"schedule.reminder_lead_minutes",
		"delivery.batch_size",
		"delivery.batch_delay",
		"delivery.max_retries",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %s", msg, want)
		}
	}
}

func TestValidClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"08:00", true},
		{"23:59", true},
		{"00:00", true},
		{"24:00", false},
		{"8:00", false},
		{"08:60", false},
		{"0a:00", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validClock(tt.in); got != tt.want {
			t.Fatalf("validClock(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSecondsOrDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "200ms", want: "200ms"},
		{in: "0.2", want: "200ms"},
		{in: "1", want: "1s"},
		{in: "", want: ""},
		{in: "-1", wantErr: true},
		{in: "later", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseSecondsOrDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseSecondsOrDuration(%q) err = %v", tt.in, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("parseSecondsOrDuration(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	ApplyDefaults(a)
	b := *a
	b.Delivery.BatchSize = 5
	b.Schedule.DigestAt = "09:00"
	b.Logging.Level = "DEBUG"

	changed, attrs, restart := SummarizeConfigChange(a, &b)
	if strings.Join(changed, ",") != "delivery,logging,schedule" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "schedule" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}
