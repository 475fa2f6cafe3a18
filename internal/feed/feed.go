// Package feed turns upstream news sources into item batches.
package feed

import (
	"context"

	"newsalert/internal/news"
)

// Handler consumes one batch. Sources log a returned error and keep running.
type Handler func(ctx context.Context, batch []news.Item) error

// Source produces batches until ctx ends. Run returns nil on a clean stop.
type Source interface {
	Name() string
	Run(ctx context.Context, h Handler) error
}
