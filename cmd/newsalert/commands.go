package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"newsalert/internal/app"
	"newsalert/internal/config"
	"newsalert/internal/feed"
	"newsalert/internal/news"
	"newsalert/internal/outbound"
	kit "newsalert/internal/transport"
	"newsalert/internal/transport/telegram/adapter"
	logx "newsalert/pkg/logx"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the bot, the feeds and the alert pipeline",
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, c.String("config"))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			fatal := a.Err()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return fatal
			}
			return nil
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, logx.Logger, error) {
	cfg, err := config.NewConfigManager(c.String("config")).Load()
	if err != nil {
		return nil, logx.Logger{}, err
	}
	return cfg, logx.NewConsole(cfg.Logging.Level), nil
}

func openCore(c *cli.Context, sender kit.Sender) (*app.Core, error) {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return app.NewCore(c.Context, cfg, sender, log)
}

func recipientArg(c *cli.Context) (news.RecipientID, error) {
	if c.NArg() != 1 {
		return "", errors.New("expected exactly one recipient id (chat or chat:thread)")
	}
	id := news.RecipientID(c.Args().First())
	if _, err := outbound.ChatTarget(id); err != nil {
		return "", err
	}
	return id, nil
}

func subscribersCmd() *cli.Command {
	return &cli.Command{
		Name:  "subscribers",
		Usage: "Inspect or edit the subscriber registry",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Print every subscribed recipient",
				Action: func(c *cli.Context) error {
					core, err := openCore(c, nil)
					if err != nil {
						return err
					}
					defer core.Close()
					subs, err := core.Store.ListSubscribers(c.Context)
					if err != nil {
						return err
					}
					for _, s := range subs {
						fmt.Fprintln(c.App.Writer, s)
					}
					return nil
				},
			},
			{
				Name:      "add",
				Usage:     "Subscribe a recipient",
				ArgsUsage: "[--] <chat[:thread]>",
				Action: func(c *cli.Context) error {
					return editSubscriber(c, func(ctx context.Context, core *app.Core, id news.RecipientID) (bool, error) {
						return core.Store.AddSubscriber(ctx, id)
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Unsubscribe a recipient",
				ArgsUsage: "[--] <chat[:thread]>",
				Action: func(c *cli.Context) error {
					return editSubscriber(c, func(ctx context.Context, core *app.Core, id news.RecipientID) (bool, error) {
						return core.Store.RemoveSubscriber(ctx, id)
					})
				},
			},
		},
	}
}

func editSubscriber(c *cli.Context, op func(context.Context, *app.Core, news.RecipientID) (bool, error)) error {
	id, err := recipientArg(c)
	if err != nil {
		return err
	}
	core, err := openCore(c, nil)
	if err != nil {
		return err
	}
	defer core.Close()
	changed, err := op(c.Context, core, id)
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(c.App.Writer, "%s: updated\n", id)
	} else {
		fmt.Fprintf(c.App.Writer, "%s: unchanged\n", id)
	}
	return nil
}

func pruneCmd() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete expired dedup records now",
		Action: func(c *cli.Context) error {
			core, err := openCore(c, nil)
			if err != nil {
				return err
			}
			defer core.Close()
			n, err := core.Janitor.PruneOnce(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "pruned %d records\n", n)
			return nil
		},
	}
}

func ingestCmd() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Replay a batch file through the pipeline",
		Description: `The file holds either a JSON array of items
({"id","headline","url"}) or a raw Socket.IO got_breaking_news frame
(42["got_breaking_news",{...}]).
New items are marked seen and delivered to every subscriber. With
--dry-run nothing is marked and alerts are printed instead of sent.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "batch file, - for stdin"},
			&cli.BoolFlag{Name: "dry-run", Usage: "print alerts instead of sending them; nothing is marked seen"},
		},
		Action: func(c *cli.Context) error {
			batch, err := readBatch(c.String("file"), c.App.Reader)
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}

			var sender kit.Sender = &printSender{w: c.App.Writer}
			if !c.Bool("dry-run") {
				res, err := config.Resolve(cfg)
				if err != nil {
					return err
				}
				ad, err := adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: res.PollTimeout}, log)
				if err != nil {
					return err
				}
				sender = ad
			}

			core, err := app.NewCore(c.Context, cfg, sender, log)
			if err != nil {
				return err
			}
			defer core.Close()

			if c.Bool("dry-run") {
				return previewBatch(c, core, batch)
			}
			res, err := core.Pipeline.HandleBatch(c.Context, batch)
			fmt.Fprintf(c.App.Writer, "batch %s: new=%d duplicates=%d rejected=%d sent=%d failed=%d\n",
				res.BatchID, len(res.New), len(res.Duplicates), len(res.Rejected), res.Delivery.Sent, res.Delivery.Failed)
			return err
		},
	}
}

// previewBatch renders what a real ingest would send without marking
// anything seen.
func previewBatch(c *cli.Context, core *app.Core, batch []news.Item) error {
	res, err := core.Ingest.Preview(c.Context, batch)
	if err != nil {
		return err
	}
	rep, err := core.Dispatcher.Dispatch(c.Context, res.New)
	fmt.Fprintf(c.App.Writer, "dry run: new=%d duplicates=%d rejected=%d sent=%d failed=%d\n",
		len(res.New), len(res.Duplicates), len(res.Rejected), rep.Sent, rep.Failed)
	return err
}

func readBatch(path string, stdin io.Reader) ([]news.Item, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var items []news.Item
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	items, ok, err := feed.ParseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("parse %s: not an item array or snapshot frame", path)
	}
	return items, nil
}

// printSender writes alerts to the terminal for dry runs.
type printSender struct {
	mu sync.Mutex
	w  io.Writer
	id int
}

func (p *printSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id++
	fmt.Fprintf(p.w, "--> %s\n%s\n\n", outbound.RecipientFor(to.ChatID, to.ThreadID), text)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: p.id}, nil
}
