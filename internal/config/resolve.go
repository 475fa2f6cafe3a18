package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"newsalert/internal/news"
	"newsalert/internal/schedule"
)

// Defaults used when a field is omitted.
const (
	DefaultBatchTimeout  = 30 * time.Second
	DefaultSendTimeout   = 10 * time.Second
	DefaultWorkers       = 8
	DefaultRetryMax      = 3
	DefaultRetryBase     = 500 * time.Millisecond
	DefaultRetryMaxDelay = 10 * time.Second
	DefaultPruneSchedule = "@every 1h"
	DefaultRSSSchedule   = "@every 2m"
	DefaultMetricsAddr   = "127.0.0.1:9464"
	DefaultPollTimeout   = 10 * time.Second
)

// Resolved holds parsed durations and defaults. Components read this rather
// than the raw strings.
type Resolved struct {
	PollTimeout   time.Duration
	DedupWindow   time.Duration
	PruneSchedule string
	BatchTimeout  time.Duration
	SendTimeout   time.Duration
	Workers       int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	ArticleURL    string
	BusyTimeout   time.Duration

	WSRequestInterval time.Duration
	WSReconnectMin    time.Duration
	WSReconnectMax    time.Duration
	WSReadTimeout     time.Duration
	RSSSchedule       string
	RSSTimeout        time.Duration

	MetricsAddr string
}

// Resolve validates cfg and fills defaults. Errors are joined so a single
// reload reports every bad field.
func Resolve(cfg *Config) (Resolved, error) {
	var r Resolved
	if cfg == nil {
		return r, errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	r.PollTimeout = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)
	r.DedupWindow = dur("dedup.window", cfg.Dedup.Window, news.DefaultRetention)
	r.BatchTimeout = dur("pipeline.batch_timeout", cfg.Pipeline.BatchTimeout, DefaultBatchTimeout)
	r.SendTimeout = dur("outbound.send_timeout", cfg.Outbound.SendTimeout, DefaultSendTimeout)
	r.RetryBase = dur("outbound.retry_base", cfg.Outbound.RetryBase, DefaultRetryBase)
	r.RetryMaxDelay = dur("outbound.retry_max_delay", cfg.Outbound.RetryMaxDelay, DefaultRetryMaxDelay)
	r.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)

	r.Workers = cfg.Outbound.Workers
	if r.Workers <= 0 {
		r.Workers = DefaultWorkers
	}
	r.RetryMax = cfg.Outbound.RetryMax
	if r.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("outbound.retry_max: must be >= 0"))
	} else if r.RetryMax == 0 {
		r.RetryMax = DefaultRetryMax
	}

	r.ArticleURL = news.DefaultArticleURLTemplate
	if cfg.Alerts.ArticleURLTemplate != nil {
		r.ArticleURL = strings.TrimSpace(*cfg.Alerts.ArticleURLTemplate)
		if r.ArticleURL != "" && !strings.Contains(r.ArticleURL, "{id}") {
			errs = append(errs, fmt.Errorf("alerts.article_url_template: must contain {id}"))
		}
	}

	r.PruneSchedule = strings.TrimSpace(cfg.Dedup.PruneSchedule)
	if r.PruneSchedule == "" {
		r.PruneSchedule = DefaultPruneSchedule
	}
	if err := schedule.Validate(r.PruneSchedule); err != nil {
		errs = append(errs, fmt.Errorf("dedup.prune_schedule: %w", err))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory", "sqlite":
	case "postgres", "redis":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}

	if ws := cfg.Feeds.Websocket; ws != nil {
		r.WSRequestInterval = dur("feeds.websocket.request_interval", ws.RequestInterval, 0)
		r.WSReconnectMin = dur("feeds.websocket.reconnect_min", ws.ReconnectMin, time.Second)
		r.WSReconnectMax = dur("feeds.websocket.reconnect_max", ws.ReconnectMax, time.Minute)
		r.WSReadTimeout = dur("feeds.websocket.read_timeout", ws.ReadTimeout, 0)
		if ws.Enabled && strings.TrimSpace(ws.URL) == "" {
			errs = append(errs, fmt.Errorf("feeds.websocket.url: required when enabled"))
		}
	}
	if rss := cfg.Feeds.RSS; rss != nil {
		r.RSSTimeout = dur("feeds.rss.timeout", rss.Timeout, 15*time.Second)
		r.RSSSchedule = strings.TrimSpace(rss.Schedule)
		if r.RSSSchedule == "" {
			r.RSSSchedule = DefaultRSSSchedule
		}
		if err := schedule.Validate(r.RSSSchedule); err != nil {
			errs = append(errs, fmt.Errorf("feeds.rss.schedule: %w", err))
		}
		if rss.Enabled && len(rss.URLs) == 0 {
			errs = append(errs, fmt.Errorf("feeds.rss.urls: required when enabled"))
		}
	}

	r.MetricsAddr = strings.TrimSpace(cfg.Metrics.Addr)
	if r.MetricsAddr == "" {
		r.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Metrics.Enabled {
		if err := checkMetricsBind(r.MetricsAddr, cfg.Metrics); err != nil {
			errs = append(errs, err)
		}
	}

	return r, errors.Join(errs...)
}

func checkMetricsBind(addr string, m MetricsConfig) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("metrics.addr: %w", err)
	}
	if isLoopback(host) || strings.TrimSpace(m.Token) != "" || m.AllowInsecure {
		return nil
	}
	return fmt.Errorf("metrics.addr: %q is not loopback; set metrics.token or metrics.allow_insecure", addr)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// PinIdentity returns a reload validator that refuses a file switching the
// bot token or the storage backend under the running process. Those take
// effect on restart; the file stays uncommitted until then.
func PinIdentity(current func() *Config) func(context.Context, *Config) error {
	return func(_ context.Context, next *Config) error {
		cur := current()
		if cur == nil || next == nil {
			return nil
		}
		var errs []error
		if strings.TrimSpace(cur.Telegram.Token) != strings.TrimSpace(next.Telegram.Token) {
			errs = append(errs, errors.New("telegram.token: changed; restart to switch bots"))
		}
		if !strings.EqualFold(strings.TrimSpace(cur.Storage.Driver), strings.TrimSpace(next.Storage.Driver)) {
			errs = append(errs, fmt.Errorf("storage.driver: %q -> %q needs a restart", cur.Storage.Driver, next.Storage.Driver))
		}
		return errors.Join(errs...)
	}
}
