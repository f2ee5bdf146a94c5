package config

// Config is the full bot configuration. Accepted as JSON or YAML; YAML is
// coerced to JSON so both formats go through the same strict decoder.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Registry RegistryConfig `json:"registry"`
	Telegram TelegramConfig `json:"telegram"`

	// Runtime tunes the plugin execution runtime. Zero values pick the
	// built-in defaults.
	Runtime RuntimeConfig `json:"runtime,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Debug controls the optional pprof listener. Applied live on reload.
	Debug DebugConfig `json:"debug,omitempty"`

	// Handlers seeds handler registrations at startup. Seeding is
	// idempotent: an already-registered (guild, user, plugin) triple is
	// left untouched.
	Handlers []HandlerSeed `json:"handlers,omitempty"`
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

type StorageConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted.
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RegistryConfig points at the plugin registry that serves guest artifacts.
type RegistryConfig struct {
	BaseURL     string `json:"base_url"`
	Token       string `json:"token"` // bearer token (do not log)
	AppID       string `json:"app_id"`
	ExtensionID string `json:"extension_id"`
	// RequestsPerSec rate-limits registry calls. 0 means unlimited.
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
	// Freshness is how long a cached artifact is trusted without a
	// conditional re-fetch. Go duration string; default "1s".
	Freshness string `json:"freshness,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
	// Guild labels this deployment; handler registrations are scoped to it.
	Guild string `json:"guild"`
	// Channels maps logical channel names (as plugins see them) to chat IDs.
	Channels map[string]int64 `json:"channels"`
}

// RuntimeConfig tunes instance pooling and plugin invocation.
//
// All durations are Go duration strings.
type RuntimeConfig struct {
	// IdleTimeout evicts plugin instances idle longer than this. Default "1s".
	IdleTimeout string `json:"idle_timeout,omitempty"`
	// SweepInterval is how often the pool scans for idle instances. Default "1s".
	SweepInterval string `json:"sweep_interval,omitempty"`
	// InvokeTimeout bounds a single plugin call. Default "5s".
	InvokeTimeout string `json:"invoke_timeout,omitempty"`
}

type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec; default "@hourly".
	Schedule string `json:"schedule,omitempty"`
	// InvocationRetention is how long invocation records are kept.
	// Go duration string; default "168h".
	InvocationRetention string `json:"invocation_retention,omitempty"`
}

type DebugConfig struct {
	Enabled bool `json:"enabled"`
	// Address defaults to "127.0.0.1:6060".
	Address              string `json:"address,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

// HandlerSeed registers one handler at startup.
type HandlerSeed struct {
	UserID     string `json:"user_id"`
	PluginName string `json:"plugin_name"`
	// Regex is the message-content pattern the handler listens for.
	Regex string `json:"regex"`
	Admin bool   `json:"admin,omitempty"`
}
