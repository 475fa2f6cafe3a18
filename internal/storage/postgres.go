package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"newsalert/internal/news"
	logx "newsalert/pkg/logx"
)

type postgresStore struct {
	db     *sqlx.DB
	log    logx.Logger
	window time.Duration
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	st := newPostgresStore(db, cfg.window(), log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newPostgresStore(db *sqlx.DB, window time.Duration, log logx.Logger) *postgresStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &postgresStore{db: db, log: log, window: window}
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("postgres_migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) HasSeen(ctx context.Context, itemID string, now time.Time) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM seen_items WHERE item_id = $1 AND first_seen_at > $2)`,
		itemID, now.Add(-s.window),
	)
	if err != nil {
		return false, news.WrapStore("has_seen", err)
	}
	return exists, nil
}

func (s *postgresStore) MarkSeen(ctx context.Context, itemID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_items (item_id, first_seen_at) VALUES ($1, $2)
		 ON CONFLICT (item_id) DO UPDATE SET first_seen_at = EXCLUDED.first_seen_at
		 WHERE seen_items.first_seen_at <= $3`,
		itemID, now, now.Add(-s.window),
	)
	if err != nil {
		return false, news.WrapStore("mark_seen", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, news.WrapStore("mark_seen", err)
	}
	return n == 1, nil
}

func (s *postgresStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_items WHERE first_seen_at <= $1`, now.Add(-s.window))
	if err != nil {
		return 0, news.WrapStore("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) AddSubscriber(ctx context.Context, id news.RecipientID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (recipient_id) VALUES ($1) ON CONFLICT (recipient_id) DO NOTHING`,
		string(id),
	)
	if err != nil {
		return false, news.WrapStore("add_subscriber", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *postgresStore) RemoveSubscriber(ctx context.Context, id news.RecipientID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE recipient_id = $1`, string(id))
	if err != nil {
		return false, news.WrapStore("remove_subscriber", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *postgresStore) ListSubscribers(ctx context.Context) ([]news.RecipientID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT recipient_id FROM subscribers ORDER BY subscribed_at`); err != nil {
		return nil, news.WrapStore("list_subscribers", err)
	}
	out := make([]news.RecipientID, len(ids))
	for i, id := range ids {
		out[i] = news.RecipientID(id)
	}
	return out, nil
}

func (s *postgresStore) IsSubscribed(ctx context.Context, id news.RecipientID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM subscribers WHERE recipient_id = $1)`, string(id))
	if err != nil {
		return false, news.WrapStore("is_subscribed", err)
	}
	return exists, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return news.WrapStore("ping", s.db.PingContext(ctx))
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
