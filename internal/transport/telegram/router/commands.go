package router

import (
	"context"
	"time"

	"newsalert/internal/eventbus"
	"newsalert/internal/storage"
	logx "newsalert/pkg/logx"
)

const (
	DefaultGreeting = "Thanks for using the breaking news bot."

	replyAlertsOn   = "Breaking news alerts are now on."
	replyAlertsOff  = "You have turned off breaking news alerts.\n\nTo turn them back on, use /alertson"
	replyStatusOn   = "Breaking news alerts are on for this chat. Use /alertsoff to stop them."
	replyStatusOff  = "Breaking news alerts are off for this chat. Use /alertson to turn them on."
	replyStoreError = "Sorry, something went wrong. Please try again later."
)

// SubscriberEvent is the payload of subscriber.added and subscriber.removed.
type SubscriberEvent struct {
	Recipient string
	FromID    int64
}

// AlertCommands returns the subscriber commands backed by reg. start shows
// the same text as help.
func AlertCommands(r *Router, reg storage.Registry, bus eventbus.Bus) []Command {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	publish := func(typ string, req *Request) {
		bus.Publish(eventbus.Event{
			Type: typ,
			Time: time.Now(),
			Data: SubscriberEvent{Recipient: string(req.Recipient), FromID: req.FromID},
		})
	}
	storeFailed := func(ctx context.Context, req *Request, err error) error {
		_ = req.Reply(ctx, replyStoreError)
		return err
	}

	return []Command{
		{
			Name:        "start",
			Description: "introduction and command list",
			Hidden:      true,
			Handle:      r.helpHandler,
		},
		{
			Name:        "alertson",
			Description: "turn breaking news alerts on",
			Handle: func(ctx context.Context, req *Request) error {
				changed, err := reg.AddSubscriber(ctx, req.Recipient)
				if err != nil {
					return storeFailed(ctx, req, err)
				}
				if changed {
					publish(eventbus.SubscriberAdded, req)
					req.Logger.Info("subscriber added", logx.Recipient(string(req.Recipient)))
				}
				return req.Reply(ctx, replyAlertsOn)
			},
		},
		{
			Name:        "alertsoff",
			Description: "turn breaking news alerts off",
			Handle: func(ctx context.Context, req *Request) error {
				changed, err := reg.RemoveSubscriber(ctx, req.Recipient)
				if err != nil {
					return storeFailed(ctx, req, err)
				}
				if changed {
					publish(eventbus.SubscriberRemoved, req)
					req.Logger.Info("subscriber removed", logx.Recipient(string(req.Recipient)))
				}
				return req.Reply(ctx, replyAlertsOff)
			},
		},
		{
			Name:        "status",
			Description: "show whether alerts are on for this chat",
			Handle: func(ctx context.Context, req *Request) error {
				on, err := reg.IsSubscribed(ctx, req.Recipient)
				if err != nil {
					return storeFailed(ctx, req, err)
				}
				if on {
					return req.Reply(ctx, replyStatusOn)
				}
				return req.Reply(ctx, replyStatusOff)
			},
		},
	}
}
