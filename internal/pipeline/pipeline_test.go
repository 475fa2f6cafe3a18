package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"newsalert/internal/eventbus"
	"newsalert/internal/fanout"
	"newsalert/internal/ingest"
	"newsalert/internal/news"
	"newsalert/internal/observability/metrics"
	"newsalert/internal/outbound"
	"newsalert/internal/storage"
)

type sink struct {
	mu   sync.Mutex
	sent map[news.RecipientID][]string
}

func (s *sink) Send(_ context.Context, to news.RecipientID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = map[news.RecipientID][]string{}
	}
	s.sent[to] = append(s.sent[to], text)
	return nil
}

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.sent {
		n += len(v)
	}
	return n
}

type fixture struct {
	store   storage.Store
	out     *sink
	bus     *eventbus.MemBus
	metrics *metrics.Metrics
	p       *Pipeline
}

func newFixture(t *testing.T, ch outbound.Channel, subs ...news.RecipientID) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(news.DefaultRetention), out: &sink{}, bus: eventbus.New(), metrics: metrics.New()}
	if ch == nil {
		ch = f.out
	}
	for _, id := range subs {
		if _, err := f.store.AddSubscriber(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	disp := fanout.New(f.store, ch, news.RenderOptions{ArticleURLTemplate: news.DefaultArticleURLTemplate},
		fanout.WithOutcomeHook(DeliveryHook(f.metrics, f.bus)))
	f.p = New(ingest.New(f.store), disp, WithBus(f.bus), WithMetrics(f.metrics), WithBatchTimeout(5*time.Second))
	return f
}

func TestHandleBatchEndToEnd(t *testing.T) {
	f := newFixture(t, nil, "A", "B")
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	batch := []news.Item{
		{ID: "101", Headline: "Bridge closed"},
		{ID: "102", Headline: "Storm warning"},
	}
	res, err := f.p.HandleBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if res.BatchID == "" || len(res.New) != 2 || res.Delivery.Sent != 4 {
		t.Fatalf("result = %+v", res)
	}
	if n := f.out.total(); n != 4 {
		t.Fatalf("sends = %d, want 4", n)
	}
	for _, id := range []string{"101", "102"} {
		seen, err := f.store.HasSeen(context.Background(), id, time.Now())
		if err != nil || !seen {
			t.Fatalf("HasSeen(%s) = %v, %v", id, seen, err)
		}
	}

	res, err = f.p.HandleBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("second HandleBatch: %v", err)
	}
	if len(res.New) != 0 || len(res.Duplicates) != 2 {
		t.Fatalf("second result = %+v", res)
	}
	if n := f.out.total(); n != 4 {
		t.Fatalf("duplicate batch sent alerts: total %d", n)
	}

	if got := testutil.ToFloat64(f.metrics.ItemsNew); got != 2 {
		t.Fatalf("items_new = %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues("ok")); got != 4 {
		t.Fatalf("deliveries ok = %v", got)
	}

	var ingested int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.BatchIngested {
			ingested++
		}
	}
	if ingested != 2 {
		t.Fatalf("batch.ingested events = %d", ingested)
	}
}

func TestHandleBatchRejectsMalformed(t *testing.T) {
	f := newFixture(t, nil, "A")
	res, err := f.p.HandleBatch(context.Background(), []news.Item{
		{ID: "", Headline: "no id"},
		{ID: "7", Headline: "ok"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rejected) != 1 || len(res.New) != 1 || f.out.total() != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeliveryFailureDoesNotFailBatch(t *testing.T) {
	ch := outbound.ChannelFunc(func(_ context.Context, to news.RecipientID, _ string) error {
		if to == "A" {
			return errors.New("blocked")
		}
		return nil
	})
	f := newFixture(t, ch, "A", "B")
	events, unsub := f.bus.Subscribe(16)
	defer unsub()

	res, err := f.p.HandleBatch(context.Background(), []news.Item{{ID: "1", Headline: "x"}})
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if res.Delivery.Sent != 1 || res.Delivery.Failed != 1 {
		t.Fatalf("delivery = %+v", res.Delivery)
	}
	var failed int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.DeliveryFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("delivery.failed events = %d", failed)
	}
}

type brokenIngester struct{}

func (brokenIngester) Ingest(context.Context, []news.Item) (ingest.Result, error) {
	return ingest.Result{}, news.WrapStore("mark_seen", errors.New("disk full"))
}

type brokenDispatcher struct{}

func (brokenDispatcher) Dispatch(context.Context, []news.Item) (fanout.Report, error) {
	return fanout.Report{Sent: 1}, news.WrapStore("list_subscribers", errors.New("timeout"))
}

func TestStoreFailures(t *testing.T) {
	m := metrics.New()
	p := New(brokenIngester{}, brokenDispatcher{}, WithMetrics(m))
	res, err := p.HandleBatch(context.Background(), []news.Item{{ID: "1", Headline: "x"}})
	if !errors.Is(err, news.ErrStoreUnavailable) || len(res.New) != 0 {
		t.Fatalf("ingest failure: res=%+v err=%v", res, err)
	}
	if got := testutil.ToFloat64(m.StoreErrors.WithLabelValues("mark_seen")); got != 1 {
		t.Fatalf("store errors = %v", got)
	}

	st := storage.NewMemory(time.Hour)
	p = New(ingest.New(st), brokenDispatcher{}, WithMetrics(m))
	res, err = p.HandleBatch(context.Background(), []news.Item{{ID: "2", Headline: "y"}})
	if !errors.Is(err, news.ErrStoreUnavailable) {
		t.Fatalf("dispatch failure err = %v", err)
	}
	if len(res.New) != 1 || res.Delivery.Sent != 1 {
		t.Fatalf("new items must survive a dispatch failure: %+v", res)
	}
}

func TestSourceTag(t *testing.T) {
	ctx := WithSource(context.Background(), "rss")
	if got := sourceOf(ctx); got != "rss" {
		t.Fatalf("source = %q", got)
	}
	if got := sourceOf(context.Background()); got != "" {
		t.Fatalf("untagged source = %q", got)
	}
}
