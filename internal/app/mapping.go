package app

import (
	"fmt"
	"strings"
	"time"

	"schoolcast/internal/audience"
	"schoolcast/internal/broadcast"
	"schoolcast/internal/config"
	"schoolcast/internal/delivery"
	"schoolcast/internal/dispatch"
	"schoolcast/internal/httpapi"
	"schoolcast/internal/lease"
	"schoolcast/internal/scheduler"
	"schoolcast/internal/school"
	"schoolcast/internal/storage"
	"schoolcast/internal/transport"
	"schoolcast/internal/transport/telegram"
	logx "schoolcast/pkg/logx"
)

const defaultServiceURL = "https://api.telegram.org"

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

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

// leaseDriver returns "local" or "redis".
func leaseDriver(cfg *config.Config) string {
	if strings.EqualFold(strings.TrimSpace(cfg.Lease.Driver), "redis") {
		return "redis"
	}
	return "local"
}

func mapRedisLease(cfg *config.Config) (lease.RedisConfig, error) {
	ttl, err := config.ParseDurationOrDefault("lease.ttl", cfg.Lease.TTL, time.Minute)
	if err != nil {
		return lease.RedisConfig{}, err
	}
	return lease.RedisConfig{
		Addr:     cfg.Lease.RedisAddr,
		Password: cfg.Lease.RedisPassword,
		DB:       cfg.Lease.RedisDB,
		TTL:      ttl,
		Prefix:   cfg.Lease.Prefix,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		ParseMode:   cfg.Telegram.ParseMode,
		// The bot handshake only matters when the poll loop runs.
		Offline: !cfg.Telegram.Listen,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	send, err := config.ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	url := strings.TrimSpace(d.ServiceURL)
	if url == "" {
		url = defaultServiceURL
	}
	workers := d.Workers
	if workers <= 0 {
		workers = 1
	}
	return dispatch.Config{
		AppID:       cfg.Telegram.AppID,
		ChannelID:   telegram.ChannelID,
		ServiceURL:  url,
		Workers:     workers,
		RatePerSec:  d.RatePerSec,
		SendTimeout: send,
		Delivery:    mapDeliveryOptions(cfg),
	}, nil
}

func mapDeliveryOptions(cfg *config.Config) delivery.Options {
	return delivery.Options{
		Label:            cfg.Dispatch.Label,
		QuickReply:       cfg.Dispatch.QuickReply,
		NotificationType: transport.NotificationType(cfg.Dispatch.NotificationType),
	}
}

// quickReplies lists the reply texts the poll loop acknowledges.
func quickReplies(cfg *config.Config) []string {
	q := cfg.Dispatch.QuickReply
	if q == "" {
		q = delivery.DefaultQuickReply
	}
	return []string{q}
}

func mapProvider(cfg *config.Config) school.ChannelProvider {
	if p := strings.TrimSpace(cfg.Dispatch.Provider); p != "" {
		return school.ChannelProvider(p)
	}
	return school.ProviderTelegram
}

func mapAudienceOptions(cfg *config.Config) audience.Options {
	return audience.Options{IncludeBackend: cfg.Audience.IncludeBackend}
}

func mapBroadcastOptions(cfg *config.Config) (broadcast.Options, error) {
	fin, err := config.ParseDurationOrDefault("dispatch.finalize_timeout", cfg.Dispatch.FinalizeTimeout, 10*time.Second)
	if err != nil {
		return broadcast.Options{}, err
	}
	return broadcast.Options{FinalizeTimeout: fin}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.timeout", cfg.Scheduler.Timeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	parts := make(map[school.Daypart]string, len(cfg.Scheduler.Dayparts))
	for k, v := range cfg.Scheduler.Dayparts {
		d, err := school.ParseDaypart(k)
		if err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.dayparts: %w", err)
		}
		parts[d] = v
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
		Dayparts: parts,
		Timeout:  timeout,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// A daypart batch can take a while; 0 leaves writes unbounded.
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		JWTSecret:    cfg.HTTP.JWTSecret,
		ReadTimeout:  read,
		WriteTimeout: write,
		Metrics:      cfg.HTTP.Metrics,
	}, nil
}
