package config

// Config is the full bot configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
// Zero/omitted numeric fields fall back to component defaults.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Source   SourceConfig   `yaml:"source"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Digest   DigestConfig   `yaml:"digest"`
}

type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AdminUserIDs []int64 `yaml:"admin_user_ids"`
	SendTimeout  string  `yaml:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console *bool  `yaml:"console,omitempty"` // nil means enabled
	File    struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"file,omitempty"`
}

// CatalogConfig selects the catalog store backend.
//
// Driver values: "sqlite" (default) or "memory".
type CatalogConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // sqlite only
}

// SourceConfig selects the price source. Driver "simulator" is the only
// built-in; real retailer adapters plug in through the same interface.
type SourceConfig struct {
	Driver  string        `yaml:"driver"`
	Breaker BreakerConfig `yaml:"breaker,omitempty"`
}

type BreakerConfig struct {
	MaxRequests      uint32  `yaml:"max_requests,omitempty"`
	Interval         string  `yaml:"interval,omitempty"`
	Timeout          string  `yaml:"timeout,omitempty"`
	FailureThreshold float64 `yaml:"failure_threshold,omitempty"`
	MinRequests      uint32  `yaml:"min_requests,omitempty"`
}

// MonitorConfig controls the periodic price check cycle.
type MonitorConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"` // nil means enabled

	Interval     string `yaml:"interval,omitempty"`      // default 30m
	FetchTimeout string `yaml:"fetch_timeout,omitempty"` // default 15s
	MaxInFlight  int    `yaml:"max_in_flight,omitempty"` // default 8
	PageSize     int    `yaml:"page_size,omitempty"`     // default 200

	// DefaultThreshold is the price-change fraction that makes a change
	// notification-worthy when a product carries no threshold of its own.
	DefaultThreshold float64 `yaml:"default_threshold,omitempty"` // default 0.05
}

// DispatchConfig controls outbound fan-out.
type DispatchConfig struct {
	Workers         int `yaml:"workers,omitempty"`          // default 4
	QueueSize       int `yaml:"queue_size,omitempty"`       // default 256
	RatePerSec      int `yaml:"rate_per_sec,omitempty"`     // platform-wide cap, default 25
	SendConcurrency int `yaml:"send_concurrency,omitempty"` // per-event, default 8

	// PerDestinationInterval is the minimum gap between two messages to the
	// same chat. Sends inside the window are deferred, not dropped.
	PerDestinationInterval string `yaml:"per_destination_interval,omitempty"` // default 3s

	RetryMax      int    `yaml:"retry_max,omitempty"`       // total attempts, default 4
	RetryBase     string `yaml:"retry_base,omitempty"`      // default 500ms
	RetryMaxDelay string `yaml:"retry_max_delay,omitempty"` // default 30s
	SendTimeout   string `yaml:"send_timeout,omitempty"`    // default 10s
	HistorySize   int    `yaml:"history_size,omitempty"`    // default 200
}

// DigestConfig controls the scheduled daily digest.
type DigestConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule,omitempty"` // cron spec, default "0 9 * * *"
	Timezone string `yaml:"timezone,omitempty"` // IANA TZ, default local

	TopDeals           int     `yaml:"top_deals,omitempty"`            // default 5
	MinDiscountPercent float64 `yaml:"min_discount_percent,omitempty"` // default 10
}
