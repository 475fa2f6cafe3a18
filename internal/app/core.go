package app

import (
	"context"
	"errors"

	"newsalert/internal/config"
	"newsalert/internal/eventbus"
	"newsalert/internal/fanout"
	"newsalert/internal/ingest"
	"newsalert/internal/janitor"
	"newsalert/internal/observability/metrics"
	"newsalert/internal/outbound"
	"newsalert/internal/pipeline"
	"newsalert/internal/storage"
	kit "newsalert/internal/transport"
	logx "newsalert/pkg/logx"
)

// Core is the alert pipeline without long-running loops. The CLI uses it for
// one-shot commands; App adds polling, feeds and the sweep schedule on top.
type Core struct {
	Config   *config.Config
	Resolved config.Resolved

	Store      storage.Store
	Metrics    *metrics.Metrics
	Bus        *eventbus.MemBus
	Channel    *outbound.Telegram
	Ingest     *ingest.Engine
	Dispatcher *fanout.Dispatcher
	Pipeline   *pipeline.Pipeline
	Janitor    *janitor.Janitor
}

// NewCore opens the store and wires ingest, fanout and the janitor. sender
// may be nil for commands that never deliver.
func NewCore(ctx context.Context, cfg *config.Config, sender kit.Sender, log logx.Logger) (*Core, error) {
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if sender == nil {
		sender = noSender{}
	}

	store, err := storage.Open(ctx, mapStorageConfig(cfg, res), log)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus := eventbus.New()
	tg := outbound.NewTelegram(sender, sendOptions(cfg))
	ch := outbound.Retrying(tg, retryPolicy(res), log)

	disp := fanout.New(store, ch, renderOptions(cfg, res),
		fanout.WithWorkers(res.Workers),
		fanout.WithLogger(log),
		fanout.WithOutcomeHook(pipeline.DeliveryHook(m, bus)),
	)
	eng := ingest.New(store, ingest.WithLogger(log))
	p := pipeline.New(eng, disp,
		pipeline.WithLogger(log),
		pipeline.WithBus(bus),
		pipeline.WithMetrics(m),
		pipeline.WithBatchTimeout(res.BatchTimeout),
	)
	jan := janitor.New(store,
		janitor.WithLogger(log),
		janitor.WithBus(bus),
		janitor.WithMetrics(m),
	)

	return &Core{
		Config:     cfg,
		Resolved:   res,
		Store:      store,
		Metrics:    m,
		Bus:        bus,
		Channel:    tg,
		Ingest:     eng,
		Dispatcher: disp,
		Pipeline:   p,
		Janitor:    jan,
	}, nil
}

// RefreshSubscriberGauge sets the subscribers gauge from the registry.
func (c *Core) RefreshSubscriberGauge(ctx context.Context) error {
	subs, err := c.Store.ListSubscribers(ctx)
	if err != nil {
		return err
	}
	c.Metrics.Subscribers.Set(float64(len(subs)))
	return nil
}

// Apply pushes the hot-reloadable parts of cfg into the running pipeline.
func (c *Core) Apply(cfg *config.Config) error {
	res, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	c.Dispatcher.SetRenderOptions(renderOptions(cfg, res))
	c.Channel.SetOptions(sendOptions(cfg))
	c.Config, c.Resolved = cfg, res
	return nil
}

func (c *Core) Close() error { return c.Store.Close() }

var errNoSender = errors.New("no transport configured")

type noSender struct{}

func (noSender) SendText(context.Context, kit.ChatTarget, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, errNoSender
}
