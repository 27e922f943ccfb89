package config

// Config is the root of schoolcast.json / schoolcast.yaml.
//
// Durations are Go duration strings ("500ms", "10s", "1m"); an empty string
// selects the documented default.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Lease     LeaseConfig     `json:"lease"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Audience  AudienceConfig  `json:"audience"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AppID identifies this deployment in conversation references.
	AppID string `json:"app_id"`
	// PollTimeout is the long-poll timeout of the quick reply listener.
	PollTimeout string `json:"poll_timeout"`
	ParseMode   string `json:"parse_mode,omitempty"`
	// Listen enables the poll loop that acknowledges quick replies.
	Listen bool `json:"listen"`
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

// HTTPConfig controls the trigger API.
//
// Example:
//
//	"http": { "addr": "127.0.0.1:8080", "jwt_secret": "..." }
//
// An empty addr disables the API.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	JWTSecret    string `json:"jwt_secret"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `json:"metrics"`
}

// StorageConfig controls the SQLite store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/schoolcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// Fixture is an optional YAML file loaded at startup.
	Fixture string `json:"fixture,omitempty"`
}

// LeaseConfig selects how concurrent sends of one broadcast are excluded.
// Driver "local" (default) works within one process; "redis" across replicas.
type LeaseConfig struct {
	Driver        string `json:"driver"`
	TTL           string `json:"ttl,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
}

// DispatchConfig controls fan-out and the announcement payload.
//
// Defaults: workers 1 (sequential), rate_per_sec 0 (unlimited), provider
// "telegram", notification_type "REGULAR".
type DispatchConfig struct {
	Provider         string `json:"provider"`
	ServiceURL       string `json:"service_url,omitempty"`
	Workers          int    `json:"workers"`
	RatePerSec       int    `json:"rate_per_sec"`
	SendTimeout      string `json:"send_timeout,omitempty"`
	FinalizeTimeout  string `json:"finalize_timeout,omitempty"`
	Label            string `json:"label,omitempty"`
	QuickReply       string `json:"quick_reply,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
}

type AudienceConfig struct {
	// IncludeBackend keeps backend-only accounts in group broadcasts.
	IncludeBackend bool `json:"include_backend"`
}

// SchedulerConfig maps dayparts to schedules.
//
// Example:
//
//	"scheduler": {
//	  "enabled": true,
//	  "timezone": "Europe/Athens",
//	  "dayparts": { "morning": "07:30", "evening": "0 19 * * 1-5" }
//	}
type SchedulerConfig struct {
	Enabled  bool              `json:"enabled"`
	Timezone string            `json:"timezone,omitempty"`
	Dayparts map[string]string `json:"dayparts,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
}
