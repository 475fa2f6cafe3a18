package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeliveryCountsByResult(t *testing.T) {
	m := New()
	m.Delivery(true, 10*time.Millisecond)
	m.Delivery(true, 20*time.Millisecond)
	m.Delivery(false, time.Second)

	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok = %v", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed = %v", got)
	}
}

func TestFeedGauge(t *testing.T) {
	m := New()
	m.FeedUp("websocket", true)
	if got := testutil.ToFloat64(m.FeedConnections.WithLabelValues("websocket")); got != 1 {
		t.Fatalf("up = %v", got)
	}
	m.FeedUp("websocket", false)
	if got := testutil.ToFloat64(m.FeedConnections.WithLabelValues("websocket")); got != 0 {
		t.Fatalf("down = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Delivery(true, time.Millisecond)
	m.FeedUp("rss", true)
	m.FeedReconnect("rss")
	m.StoreError("mark_seen")
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.ItemsNew.Add(3)
	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "newsalert_items_new_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("items_new_total not registered")
	}
}
