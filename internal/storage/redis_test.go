package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsalert/internal/news"
	logx "newsalert/pkg/logx"
)

func newTestRedis(t *testing.T, window time.Duration) (*miniredis.Miniredis, *redisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, newRedisStore(rdb, window, "test:", logx.Nop())
}

func TestRedisMarkSeen(t *testing.T) {
	mr, st := newTestRedis(t, time.Hour)
	ctx := context.Background()

	ok, err := st.MarkSeen(ctx, "55", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkSeen(ctx, "55", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("test:seen:55"))
	assert.Equal(t, time.Hour, mr.TTL("test:seen:55"))

	seen, err := st.HasSeen(ctx, "55", t0)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRedisExpiryUsesKeyTTL(t *testing.T) {
	mr, st := newTestRedis(t, time.Hour)
	ctx := context.Background()

	_, err := st.MarkSeen(ctx, "9", t0)
	require.NoError(t, err)

	mr.FastForward(59 * time.Minute)
	ok, err := st.MarkSeen(ctx, "9", t0)
	require.NoError(t, err)
	assert.False(t, ok, "still inside window")

	mr.FastForward(2 * time.Minute)
	seen, err := st.HasSeen(ctx, "9", t0)
	require.NoError(t, err)
	assert.False(t, seen)

	ok, err = st.MarkSeen(ctx, "9", t0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key is absent")

	n, err := st.Prune(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisConcurrentMarkSeen(t *testing.T) {
	_, st := newTestRedis(t, time.Hour)
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.MarkSeen(context.Background(), "hot", t0)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisRegistry(t *testing.T) {
	mr, st := newTestRedis(t, time.Hour)
	ctx := context.Background()

	added, err := st.AddSubscriber(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = st.AddSubscriber(ctx, "1001")
	require.NoError(t, err)
	assert.False(t, added)

	members, err := mr.Members("test:subscribers")
	require.NoError(t, err)
	assert.Equal(t, []string{"1001"}, members)

	ids, err := st.ListSubscribers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []news.RecipientID{"1001"}, ids)

	ok, err := st.IsSubscribed(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := st.RemoveSubscriber(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.RemoveSubscriber(ctx, "1001")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRedisUnavailable(t *testing.T) {
	mr, st := newTestRedis(t, time.Hour)
	mr.Close()

	_, err := st.MarkSeen(context.Background(), "x", t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, news.ErrStoreUnavailable))
	var se *news.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "mark_seen", se.Op)
}
