package app

import (
	"strings"

	"newsalert/internal/config"
	"newsalert/internal/feed"
	"newsalert/internal/news"
	"newsalert/internal/observability/metrics"
	"newsalert/internal/observability/server"
	"newsalert/internal/outbound"
	"newsalert/internal/storage"
	kit "newsalert/internal/transport"
	logx "newsalert/pkg/logx"
)

func mapStorageConfig(cfg *config.Config, res config.Resolved) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		Window:       res.DedupWindow,
		BusyTimeout:  res.BusyTimeout,
		MaxOpenConns: sc.MaxOpenConns,
		KeyPrefix:    sc.KeyPrefix,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			// Without a target chat there is nowhere to forward to.
			Enabled:    cfg.Logging.Ops.Enabled && cfg.Telegram.OpsChatID != 0,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func renderOptions(cfg *config.Config, res config.Resolved) news.RenderOptions {
	return news.RenderOptions{ArticleURLTemplate: res.ArticleURL, Prefix: cfg.Alerts.Prefix}
}

func sendOptions(cfg *config.Config) kit.SendOptions {
	return kit.SendOptions{DisablePreview: cfg.Alerts.DisablePreview}
}

func retryPolicy(res config.Resolved) outbound.RetryPolicy {
	return outbound.RetryPolicy{
		MaxRetries:  res.RetryMax,
		BaseDelay:   res.RetryBase,
		MaxDelay:    res.RetryMaxDelay,
		SendTimeout: res.SendTimeout,
	}
}

func mapServerConfig(cfg *config.Config, res config.Resolved) server.Config {
	return server.Config{
		Enabled:       cfg.Metrics.Enabled,
		Addr:          res.MetricsAddr,
		Token:         cfg.Metrics.Token,
		AllowInsecure: cfg.Metrics.AllowInsecure,
		Pprof:         cfg.Metrics.Pprof,
	}
}

// feedSources builds the enabled feeds. Disabled or absent sections yield
// nothing.
func feedSources(cfg *config.Config, res config.Resolved, log logx.Logger, m *metrics.Metrics) []feed.Source {
	var out []feed.Source
	if ws := cfg.Feeds.Websocket; ws != nil && ws.Enabled {
		out = append(out, feed.NewWebsocket(feed.WebsocketConfig{
			URL:             strings.TrimSpace(ws.URL),
			RequestInterval: res.WSRequestInterval,
			ReconnectMin:    res.WSReconnectMin,
			ReconnectMax:    res.WSReconnectMax,
			ReadTimeout:     res.WSReadTimeout,
		}, log, m))
	}
	if rss := cfg.Feeds.RSS; rss != nil && rss.Enabled {
		out = append(out, feed.NewRSS(feed.RSSConfig{
			URLs:      rss.URLs,
			Schedule:  res.RSSSchedule,
			Timeout:   res.RSSTimeout,
			UserAgent: "newsalert",
		}, log, m))
	}
	return out
}
