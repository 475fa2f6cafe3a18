package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"newsalert/internal/news"
	logx "newsalert/pkg/logx"
)

const defaultRedisPrefix = "newsalert:"

// redisStore keeps one key per seen item with the window as its TTL, so
// expiry is enforced by the server clock rather than the caller's now.
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	window time.Duration
	prefix string
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("redis url is required")
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return newRedisStore(rdb, cfg.window(), cfg.KeyPrefix, log), nil
}

func newRedisStore(rdb *redis.Client, window time.Duration, prefix string, log logx.Logger) *redisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{rdb: rdb, log: log, window: window, prefix: prefix}
}

func (s *redisStore) seenKey(itemID string) string { return s.prefix + "seen:" + itemID }
func (s *redisStore) subsKey() string              { return s.prefix + "subscribers" }

func (s *redisStore) HasSeen(ctx context.Context, itemID string, _ time.Time) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.seenKey(itemID)).Result()
	if err != nil {
		return false, news.WrapStore("has_seen", err)
	}
	return n == 1, nil
}

// MarkSeen relies on SET NX: exactly one concurrent caller gets OK.
func (s *redisStore) MarkSeen(ctx context.Context, itemID string, now time.Time) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.seenKey(itemID), strconv.FormatInt(now.UnixMilli(), 10), s.window).Result()
	if err != nil {
		return false, news.WrapStore("mark_seen", err)
	}
	return ok, nil
}

// Prune is a no-op; keys expire on their own.
func (s *redisStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }

func (s *redisStore) AddSubscriber(ctx context.Context, id news.RecipientID) (bool, error) {
	n, err := s.rdb.SAdd(ctx, s.subsKey(), string(id)).Result()
	if err != nil {
		return false, news.WrapStore("add_subscriber", err)
	}
	return n == 1, nil
}

func (s *redisStore) RemoveSubscriber(ctx context.Context, id news.RecipientID) (bool, error) {
	n, err := s.rdb.SRem(ctx, s.subsKey(), string(id)).Result()
	if err != nil {
		return false, news.WrapStore("remove_subscriber", err)
	}
	return n == 1, nil
}

func (s *redisStore) ListSubscribers(ctx context.Context) ([]news.RecipientID, error) {
	ids, err := s.rdb.SMembers(ctx, s.subsKey()).Result()
	if err != nil {
		return nil, news.WrapStore("list_subscribers", err)
	}
	out := make([]news.RecipientID, len(ids))
	for i, id := range ids {
		out[i] = news.RecipientID(id)
	}
	return out, nil
}

func (s *redisStore) IsSubscribed(ctx context.Context, id news.RecipientID) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.subsKey(), string(id)).Result()
	if err != nil {
		return false, news.WrapStore("is_subscribed", err)
	}
	return ok, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return news.WrapStore("ping", s.rdb.Ping(ctx).Err())
}

func (s *redisStore) Close() error { return s.rdb.Close() }
