package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newsalert/internal/news"
	logx "newsalert/pkg/logx"
)

//go:embed migrations.sql postgres_migrations.sql
var migrationsFS embed.FS

// Timestamps are stored as unix milliseconds.
type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	window time.Duration
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the upsert is atomic either way.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, window: cfg.window()}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) cutoff(now time.Time) int64 {
	return now.Add(-s.window).UnixMilli()
}

func (s *sqliteStore) HasSeen(ctx context.Context, itemID string, now time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_items WHERE item_id = ? AND first_seen_at > ?`,
		itemID, s.cutoff(now),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, news.WrapStore("has_seen", err)
	}
	return true, nil
}

// MarkSeen inserts the record, or replaces it only when the existing one has
// expired. One affected row means this call made the transition.
func (s *sqliteStore) MarkSeen(ctx context.Context, itemID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_items(item_id, first_seen_at) VALUES(?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET first_seen_at = excluded.first_seen_at
		 WHERE seen_items.first_seen_at <= ?`,
		itemID, now.UnixMilli(), s.cutoff(now),
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

func (s *sqliteStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_items WHERE first_seen_at <= ?`, s.cutoff(now))
	if err != nil {
		return 0, news.WrapStore("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AddSubscriber(ctx context.Context, id news.RecipientID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(recipient_id, subscribed_at) VALUES(?, ?)
		 ON CONFLICT(recipient_id) DO NOTHING`,
		string(id), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, news.WrapStore("add_subscriber", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) RemoveSubscriber(ctx context.Context, id news.RecipientID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE recipient_id = ?`, string(id))
	if err != nil {
		return false, news.WrapStore("remove_subscriber", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]news.RecipientID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT recipient_id FROM subscribers ORDER BY subscribed_at`)
	if err != nil {
		return nil, news.WrapStore("list_subscribers", err)
	}
	defer rows.Close()

	var out []news.RecipientID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, news.WrapStore("list_subscribers", err)
		}
		out = append(out, news.RecipientID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, news.WrapStore("list_subscribers", err)
	}
	return out, nil
}

func (s *sqliteStore) IsSubscribed(ctx context.Context, id news.RecipientID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM subscribers WHERE recipient_id = ?`, string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, news.WrapStore("is_subscribed", err)
	}
	return true, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return news.WrapStore("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
