package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected so typos surface at load and reload time.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dedup    DedupConfig    `json:"dedup"`
	Alerts   AlertsConfig   `json:"alerts"`
	Pipeline PipelineConfig `json:"pipeline"`
	Outbound OutboundConfig `json:"outbound"`
	Feeds    FeedsConfig    `json:"feeds"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
	// OpsChatID receives forwarded warning logs when logging.ops is enabled.
	OpsChatID   int64 `json:"ops_chat_id,omitempty"`
	OpsThreadID int   `json:"ops_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the dedup store and subscriber registry backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./newsalert.db" }
type StorageConfig struct {
	Driver string `json:"driver"` // memory | sqlite | postgres | redis
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string or redis URL. Never logged.
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"` // redis
}

type DedupConfig struct {
	// Window is how long an item id stays "seen". Default 24h.
	Window string `json:"window"`
	// PruneSchedule is a cron spec for the expiry sweep. Default "@every 1h".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type AlertsConfig struct {
	// ArticleURLTemplate must contain {id}; empty uses the item's own url.
	ArticleURLTemplate *string `json:"article_url_template,omitempty"`
	Prefix             string  `json:"prefix,omitempty"`
	DisablePreview     bool    `json:"disable_preview,omitempty"`
}

type PipelineConfig struct {
	BatchTimeout string `json:"batch_timeout"`
}

type OutboundConfig struct {
	Workers       int    `json:"workers"`
	SendTimeout   string `json:"send_timeout"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type FeedsConfig struct {
	Websocket *WebsocketFeedConfig `json:"websocket,omitempty"`
	RSS       *RSSFeedConfig       `json:"rss,omitempty"`
}

type WebsocketFeedConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"` // Socket.IO server, e.g. https://news.example.com
	// RequestInterval re-sends get_breaking_news; "0s" requests only on connect.
	RequestInterval string `json:"request_interval,omitempty"`
	ReconnectMin    string `json:"reconnect_min,omitempty"`
	ReconnectMax    string `json:"reconnect_max,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
}

type RSSFeedConfig struct {
	Enabled  bool     `json:"enabled"`
	URLs     []string `json:"urls"`
	Schedule string   `json:"schedule,omitempty"` // cron spec, default "@every 2m"
	Timeout  string   `json:"timeout,omitempty"`
}

// MetricsConfig controls the /metrics, /healthz and pprof HTTP server.
//
// Prefer a loopback address. Non-loopback binds need a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:9464
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
