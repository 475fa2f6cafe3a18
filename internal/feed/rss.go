package feed

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"newsalert/internal/news"
	"newsalert/internal/observability/metrics"
	"newsalert/internal/schedule"
	logx "newsalert/pkg/logx"
)

type RSSConfig struct {
	URLs      []string
	Schedule  string
	Timeout   time.Duration
	UserAgent string
}

// RSS polls feeds on a cron schedule and hands each feed's entries to the
// handler as one batch. Dedup does the rest, so polling the same entries
// again is harmless.
type RSS struct {
	cfg     RSSConfig
	log     logx.Logger
	metrics *metrics.Metrics
	parser  *gofeed.Parser
}

func NewRSS(cfg RSSConfig, log logx.Logger, m *metrics.Metrics) *RSS {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 2m"
	}
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: cfg.Timeout}
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	return &RSS{cfg: cfg, log: log.With(logx.Comp("feed.rss")), metrics: m, parser: p}
}

func (r *RSS) Name() string { return "rss" }

// Run polls once immediately, then on the schedule, until ctx ends.
func (r *RSS) Run(ctx context.Context, h Handler) error {
	sched := schedule.New(r.log)
	if err := sched.Add("rss.poll", r.cfg.Schedule, 0, func(ctx context.Context) error {
		r.PollAll(ctx, h)
		return nil
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	sched.RunNow("rss.poll")

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop(stopCtx)
	return nil
}

// PollAll fetches every configured feed in turn.
func (r *RSS) PollAll(ctx context.Context, h Handler) {
	for _, u := range r.cfg.URLs {
		if ctx.Err() != nil {
			return
		}
		batch, err := r.Fetch(ctx, u)
		if err != nil {
			r.metrics.FeedUp(r.Name(), false)
			r.log.Warn("feed fetch failed", logx.String("url", u), logx.Err(err))
			continue
		}
		r.metrics.FeedUp(r.Name(), true)
		if len(batch) == 0 {
			continue
		}
		if err := h(ctx, batch); err != nil {
			r.log.Warn("batch handler failed", logx.String("url", u), logx.Int("items", len(batch)), logx.Err(err))
		}
	}
}

// Fetch parses one feed. The item id is the entry GUID, falling back to its
// link, scoped by ItemID; entries with neither are dropped here.
func (r *RSS) Fetch(ctx context.Context, feedURL string) ([]news.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	f, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}
	out := make([]news.Item, 0, len(f.Items))
	for _, e := range f.Items {
		if e == nil {
			continue
		}
		id := strings.TrimSpace(e.GUID)
		if id == "" {
			id = strings.TrimSpace(e.Link)
		}
		if id == "" {
			continue
		}
		out = append(out, news.Item{
			ID:       ItemID(feedURL, id),
			Headline: strings.TrimSpace(e.Title),
			URL:      strings.TrimSpace(e.Link),
			Extra:    map[string]string{"source": "rss", "feed": feedURL, news.ExtraKeepURL: "1"},
		})
	}
	return out, nil
}

// ItemID scopes an entry id to its feed host so GUIDs from different feeds,
// or numeric ones that look like websocket article ids, never collide in the
// dedup store.
func ItemID(feedURL, entryID string) string {
	host := feedURL
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	return "rss:" + host + ":" + entryID
}
