package config

import (
	"reflect"
	"strings"

	logx "schoolcast/pkg/logx"
)

// Sections whose change only takes effect after a restart.
var restartSections = map[string]bool{
	"telegram": true,
	"http":     true,
	"storage":  true,
	"lease":    true,
}

// SummarizeConfigChange returns the changed sections, safe structured attrs
// for logging and the changed sections that need a restart. Secrets (bot
// token, JWT secret, Redis password) are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		t := newCfg.Telegram
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(t.Token) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != t.Token),
			logx.String("telegram.app_id", t.AppID),
			logx.String("telegram.poll_timeout", strings.TrimSpace(t.PollTimeout)),
			logx.Bool("telegram.listen", t.Listen),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.jwt_secret_set", newCfg.HTTP.JWTSecret != ""),
			logx.Bool("http.metrics", newCfg.HTTP.Metrics),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lease, newCfg.Lease) {
		changed = append(changed, "lease")
		attrs = append(attrs,
			logx.String("lease.driver", newCfg.Lease.Driver),
			logx.String("lease.redis_addr", newCfg.Lease.RedisAddr),
			logx.Bool("lease.redis_password_set", newCfg.Lease.RedisPassword != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.String("dispatch.provider", d.Provider),
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.rate_per_sec", d.RatePerSec),
			logx.String("dispatch.send_timeout", d.SendTimeout),
			logx.String("dispatch.notification_type", d.NotificationType),
		)
	}

	if oldCfg.Audience != newCfg.Audience {
		changed = append(changed, "audience")
		attrs = append(attrs, logx.Bool("audience.include_backend", newCfg.Audience.IncludeBackend))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.dayparts", len(newCfg.Scheduler.Dayparts)),
		)
	}

	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
