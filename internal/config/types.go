package config

// Config is the whole bot configuration. The file may be JSON or YAML; YAML
// is coerced to JSON bytes so one strict decoder serves both.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Watcher controls the change-detection sweeps.
	Watcher WatcherConfig `json:"watcher"`

	// Storage selects the subscription store backend.
	Storage StorageConfig `json:"storage"`

	Notifier NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// WatcherConfig controls the sweep scheduler and the fingerprinter.
//
// All durations are Go duration strings (e.g. "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - interval: "5m"
//   - fetch_timeout: "10s"
type WatcherConfig struct {
	Enabled bool `json:"enabled"`

	// Interval between full sweeps over all Watches.
	Interval string `json:"interval,omitempty"`

	// FetchTimeout bounds each individual HTTP GET.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

// StorageConfig selects and configures the subscription store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./monitoring_data.json" }
//	"storage": { "driver": "redis", "redis": { "addr": "localhost:6379" } }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`

	Redis RedisConfig `json:"redis,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// NotifierConfig controls outgoing alert delivery.
type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}
