package storage

import (
	"context"
	"errors"
	"time"

	"newsalert/internal/news"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on restart
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN is a lib/pq connection string
//   - "redis": DSN is a redis:// URL
type Config struct {
	Driver       string
	Path         string
	DSN          string
	Window       time.Duration // dedup window; 0 means news.DefaultRetention
	BusyTimeout  time.Duration // sqlite only
	MaxOpenConns int           // postgres only
	KeyPrefix    string        // redis only
}

func (c Config) window() time.Duration {
	if c.Window <= 0 {
		return news.DefaultRetention
	}
	return c.Window
}

// DedupStore remembers which item ids were already announced within the
// window. Errors are *news.StoreError.
type DedupStore interface {
	// HasSeen reports whether a live record exists for itemID at now.
	HasSeen(ctx context.Context, itemID string, now time.Time) (bool, error)
	// MarkSeen atomically records itemID unless a live record exists.
	// It returns true only for the caller that created the record.
	MarkSeen(ctx context.Context, itemID string, now time.Time) (bool, error)
	// Prune deletes expired records and returns how many were removed.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Registry is the set of recipients opted in to alerts. Add and Remove are
// idempotent; the bool reports whether membership changed.
type Registry interface {
	AddSubscriber(ctx context.Context, id news.RecipientID) (bool, error)
	RemoveSubscriber(ctx context.Context, id news.RecipientID) (bool, error)
	ListSubscribers(ctx context.Context) ([]news.RecipientID, error)
	IsSubscribed(ctx context.Context, id news.RecipientID) (bool, error)
}

// Store is a backend serving both the dedup store and the registry.
type Store interface {
	DedupStore
	Registry
	Ping(ctx context.Context) error
	Close() error
}
