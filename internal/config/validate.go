package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"schoolcast/internal/school"
	"schoolcast/internal/transport"
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	switch cfg.Telegram.ParseMode {
	case "", "HTML", "Markdown", "MarkdownV2":
	default:
		add(fmt.Errorf("telegram.parse_mode: unsupported %q", cfg.Telegram.ParseMode))
	}
	if cfg.Telegram.Listen && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.listen requires telegram.token"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	if strings.TrimSpace(cfg.HTTP.Addr) != "" && cfg.HTTP.JWTSecret == "" {
		add(errors.New("http.jwt_secret is required when http.addr is set"))
	}

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	dur("lease.ttl", cfg.Lease.TTL)
	switch strings.ToLower(strings.TrimSpace(cfg.Lease.Driver)) {
	case "", "local":
	case "redis":
		if strings.TrimSpace(cfg.Lease.RedisAddr) == "" {
			add(errors.New("lease.redis_addr is required for the redis driver"))
		}
	default:
		add(fmt.Errorf("lease.driver: unknown driver %q", cfg.Lease.Driver))
	}

	d := cfg.Dispatch
	dur("dispatch.send_timeout", d.SendTimeout)
	dur("dispatch.finalize_timeout", d.FinalizeTimeout)
	switch school.ChannelProvider(d.Provider) {
	case "", school.ProviderTelegram:
	default:
		add(fmt.Errorf("dispatch.provider: unknown provider %q", d.Provider))
	}
	if d.Workers < 0 {
		add(errors.New("dispatch.workers must be >= 0"))
	}
	if d.RatePerSec < 0 {
		add(errors.New("dispatch.rate_per_sec must be >= 0"))
	}
	switch transport.NotificationType(d.NotificationType) {
	case "", transport.NotificationRegular, transport.NotificationSilentPush, transport.NotificationNoPush:
	default:
		add(fmt.Errorf("dispatch.notification_type: unknown type %q", d.NotificationType))
	}

	dur("scheduler.timeout", cfg.Scheduler.Timeout)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for k := range cfg.Scheduler.Dayparts {
		if _, err := school.ParseDaypart(k); err != nil {
			add(fmt.Errorf("scheduler.dayparts: %w", err))
		}
	}

	return errs.ErrorOrNil()
}
