package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"newsalert/internal/news"
)

type memoryStore struct {
	window time.Duration
	seen   sync.Map // item id -> time.Time

	mu   sync.RWMutex
	subs map[news.RecipientID]time.Time

	closed atomic.Bool
}

// NewMemory returns a process-local store. Used by tests and by the
// "memory" driver.
func NewMemory(window time.Duration) Store {
	return &memoryStore{window: window, subs: map[news.RecipientID]time.Time{}}
}

func (s *memoryStore) check(op string) error {
	if s.closed.Load() {
		return news.WrapStore(op, ErrClosed)
	}
	return nil
}

func (s *memoryStore) HasSeen(_ context.Context, itemID string, now time.Time) (bool, error) {
	if err := s.check("has_seen"); err != nil {
		return false, err
	}
	v, ok := s.seen.Load(itemID)
	if !ok {
		return false, nil
	}
	return !news.Expired(v.(time.Time), now, s.window), nil
}

func (s *memoryStore) MarkSeen(_ context.Context, itemID string, now time.Time) (bool, error) {
	if err := s.check("mark_seen"); err != nil {
		return false, err
	}
	for {
		prev, loaded := s.seen.LoadOrStore(itemID, now)
		if !loaded {
			return true, nil
		}
		if !news.Expired(prev.(time.Time), now, s.window) {
			return false, nil
		}
		// Expired: only one contender replaces it. A failed swap means another
		// caller replaced or pruned it first, so look again.
		if s.seen.CompareAndSwap(itemID, prev, now) {
			return true, nil
		}
	}
}

func (s *memoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	if err := s.check("prune"); err != nil {
		return 0, err
	}
	n := 0
	s.seen.Range(func(k, v any) bool {
		if news.Expired(v.(time.Time), now, s.window) && s.seen.CompareAndDelete(k, v) {
			n++
		}
		return true
	})
	return n, nil
}

func (s *memoryStore) AddSubscriber(_ context.Context, id news.RecipientID) (bool, error) {
	if err := s.check("add_subscriber"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; ok {
		return false, nil
	}
	s.subs[id] = time.Now()
	return true, nil
}

func (s *memoryStore) RemoveSubscriber(_ context.Context, id news.RecipientID) (bool, error) {
	if err := s.check("remove_subscriber"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return false, nil
	}
	delete(s.subs, id)
	return true, nil
}

func (s *memoryStore) ListSubscribers(_ context.Context) ([]news.RecipientID, error) {
	if err := s.check("list_subscribers"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]news.RecipientID, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	return out, nil
}

func (s *memoryStore) IsSubscribed(_ context.Context, id news.RecipientID) (bool, error) {
	if err := s.check("is_subscribed"); err != nil {
		return false, err
	}
	s.mu.RLock()
	_, ok := s.subs[id]
	s.mu.RUnlock()
	return ok, nil
}

func (s *memoryStore) Ping(context.Context) error { return s.check("ping") }

func (s *memoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
