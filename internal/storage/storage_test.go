package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"newsalert/internal/news"
	logx "newsalert/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, window time.Duration) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, window time.Duration) Store {
			return NewMemory(window)
		},
		"sqlite": func(t *testing.T, window time.Duration) Store {
			st, err := Open(context.Background(), Config{
				Driver: "sqlite",
				Path:   filepath.Join(t.TempDir(), "newsalert.db"),
				Window: window,
			}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func TestMarkSeenTransitionsOnce(t *testing.T) {
	for name, open := range backends() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t, news.DefaultRetention)
			ctx := context.Background()

			first, err := st.MarkSeen(ctx, "100", t0)
			if err != nil || !first {
				t.Fatalf("first MarkSeen = %v, %v", first, err)
			}
			again, err := st.MarkSeen(ctx, "100", t0.Add(time.Minute))
			if err != nil || again {
				t.Fatalf("second MarkSeen = %v, %v", again, err)
			}
			seen, err := st.HasSeen(ctx, "100", t0.Add(time.Hour))
			if err != nil || !seen {
				t.Fatalf("HasSeen = %v, %v", seen, err)
			}
			seen, err = st.HasSeen(ctx, "other", t0)
			if err != nil || seen {
				t.Fatalf("HasSeen(other) = %v, %v", seen, err)
			}
		})
	}
}

func TestMarkSeenExpiryBoundary(t *testing.T) {
	for name, open := range backends() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t, news.DefaultRetention)
			ctx := context.Background()

			if ok, err := st.MarkSeen(ctx, "7", t0); err != nil || !ok {
				t.Fatalf("MarkSeen = %v, %v", ok, err)
			}
			justBefore := t0.Add(news.DefaultRetention - time.Second)
			if ok, err := st.MarkSeen(ctx, "7", justBefore); err != nil || ok {
				t.Fatalf("MarkSeen inside window = %v, %v", ok, err)
			}
			justAfter := t0.Add(news.DefaultRetention + time.Second)
			if seen, err := st.HasSeen(ctx, "7", justAfter); err != nil || seen {
				t.Fatalf("expired record visible: %v, %v", seen, err)
			}
			if ok, err := st.MarkSeen(ctx, "7", justAfter); err != nil || !ok {
				t.Fatalf("MarkSeen after window = %v, %v", ok, err)
			}
			// the replacement restarts the window
			if ok, err := st.MarkSeen(ctx, "7", justAfter.Add(time.Hour)); err != nil || ok {
				t.Fatalf("MarkSeen after replacement = %v, %v", ok, err)
			}
		})
	}
}

func TestMarkSeenConcurrentSingleWinner(t *testing.T) {
	for name, open := range backends() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t, news.DefaultRetention)
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			start := make(chan struct{})
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					ok, err := st.MarkSeen(context.Background(), "race", t0)
					if err != nil {
						t.Errorf("MarkSeen: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()
			if n := wins.Load(); n != 1 {
				t.Fatalf("winners = %d, want 1", n)
			}
		})
	}
}

func TestMarkSeenConcurrentAfterExpiry(t *testing.T) {
	st := NewMemory(time.Hour)
	ctx := context.Background()
	if _, err := st.MarkSeen(ctx, "x", t0); err != nil {
		t.Fatal(err)
	}
	later := t0.Add(2 * time.Hour)
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := st.MarkSeen(ctx, "x", later); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Fatalf("winners = %d, want 1", n)
	}
}

func TestPrune(t *testing.T) {
	for name, open := range backends() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t, time.Hour)
			ctx := context.Background()
			for i, id := range []string{"a", "b", "c"} {
				if _, err := st.MarkSeen(ctx, id, t0.Add(time.Duration(i)*30*time.Minute)); err != nil {
					t.Fatal(err)
				}
			}
			// at t0+1h: "a" is exactly one window old, "b" and "c" are live
			n, err := st.Prune(ctx, t0.Add(time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("Prune = %d, %v", n, err)
			}
			if seen, _ := st.HasSeen(ctx, "b", t0.Add(time.Hour)); !seen {
				t.Fatal("live record pruned")
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	for name, open := range backends() {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t, time.Hour)
			ctx := context.Background()

			if added, err := st.AddSubscriber(ctx, "1"); err != nil || !added {
				t.Fatalf("AddSubscriber = %v, %v", added, err)
			}
			if added, err := st.AddSubscriber(ctx, "1"); err != nil || added {
				t.Fatalf("repeat AddSubscriber = %v, %v", added, err)
			}
			if _, err := st.AddSubscriber(ctx, "2"); err != nil {
				t.Fatal(err)
			}
			ids, err := st.ListSubscribers(ctx)
			if err != nil {
				t.Fatal(err)
			}
			got := make([]string, len(ids))
			for i, id := range ids {
				got[i] = string(id)
			}
			sort.Strings(got)
			if len(got) != 2 || got[0] != "1" || got[1] != "2" {
				t.Fatalf("ListSubscribers = %v", got)
			}

			if ok, _ := st.IsSubscribed(ctx, "2"); !ok {
				t.Fatal("IsSubscribed(2) = false")
			}
			if removed, err := st.RemoveSubscriber(ctx, "2"); err != nil || !removed {
				t.Fatalf("RemoveSubscriber = %v, %v", removed, err)
			}
			if removed, err := st.RemoveSubscriber(ctx, "never"); err != nil || removed {
				t.Fatalf("RemoveSubscriber(non-member) = %v, %v", removed, err)
			}
			if ok, _ := st.IsSubscribed(ctx, "2"); ok {
				t.Fatal("IsSubscribed after remove = true")
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()
	cfg := Config{Driver: "sqlite", Path: path}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkSeen(ctx, "persist", t0); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddSubscriber(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if ok, _ := st.MarkSeen(ctx, "persist", t0.Add(time.Hour)); ok {
		t.Fatal("record lost across reopen")
	}
	if ok, _ := st.IsSubscribed(ctx, "42"); !ok {
		t.Fatal("subscriber lost across reopen")
	}
}

func TestClosedMemoryStoreReturnsStoreError(t *testing.T) {
	st := NewMemory(time.Hour)
	_ = st.Close()
	_, err := st.MarkSeen(context.Background(), "x", t0)
	if !errors.Is(err, news.ErrStoreUnavailable) || !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if _, err := st.ListSubscribers(context.Background()); !errors.Is(err, news.ErrStoreUnavailable) {
		t.Fatalf("ListSubscribers err = %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
