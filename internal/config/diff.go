package config

import (
	"reflect"
	"strings"

	logx "newsalert/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"telegram": true,
	"storage":  true,
	"dedup":    true,
	"pipeline": true,
	"feeds":    true,
	"metrics":  true,
	"outbound": true,
}

// ConfigChange summarizes a reload. Fields never carry secrets (tokens, DSNs).
type ConfigChange struct {
	Sections        []string
	Fields          []logx.Field
	RestartRequired []string
}

func (c ConfigChange) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out ConfigChange
	mark := func(section string, fields ...logx.Field) {
		out.Sections = append(out.Sections, section)
		out.Fields = append(out.Fields, fields...)
		if restartSections[section] {
			out.RestartRequired = append(out.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram",
			logx.String("telegram.poll_timeout", newCfg.Telegram.PollTimeout),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.ops_chat_set", newCfg.Telegram.OpsChatID != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops", newCfg.Logging.Ops.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
		)
	}
	if oldCfg.Dedup != newCfg.Dedup {
		mark("dedup",
			logx.String("dedup.window", newCfg.Dedup.Window),
			logx.String("dedup.prune_schedule", newCfg.Dedup.PruneSchedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		tmpl := "<default>"
		if newCfg.Alerts.ArticleURLTemplate != nil {
			tmpl = strings.TrimSpace(*newCfg.Alerts.ArticleURLTemplate)
		}
		mark("alerts",
			logx.String("alerts.article_url_template", tmpl),
			logx.String("alerts.prefix", newCfg.Alerts.Prefix),
			logx.Bool("alerts.disable_preview", newCfg.Alerts.DisablePreview),
		)
	}
	if oldCfg.Pipeline != newCfg.Pipeline {
		mark("pipeline", logx.String("pipeline.batch_timeout", newCfg.Pipeline.BatchTimeout))
	}
	if oldCfg.Outbound != newCfg.Outbound {
		mark("outbound",
			logx.Int("outbound.workers", newCfg.Outbound.Workers),
			logx.Int("outbound.retry_max", newCfg.Outbound.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds) {
		mark("feeds",
			logx.Bool("feeds.websocket", newCfg.Feeds.Websocket != nil && newCfg.Feeds.Websocket.Enabled),
			logx.Bool("feeds.rss", newCfg.Feeds.RSS != nil && newCfg.Feeds.RSS.Enabled),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		mark("metrics",
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}
	return out
}
