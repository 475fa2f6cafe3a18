package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "newsalert/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) (*Service, *prometheus.CounterVec) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_hits_total", Help: "h"}, []string{"k"})
	reg.MustRegister(c)
	c.WithLabelValues("a").Inc()
	return New(cfg, reg, logx.Nop()), c
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(b)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestService(t, Config{Enabled: true})
	code, body := get(t, s.Handler(), "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(body, `test_hits_total{k="a"} 1`) {
		t.Fatalf("code=%d body=%q", code, body)
	}
}

func TestHealthzReportsFailingCheck(t *testing.T) {
	s, _ := newTestService(t, Config{Enabled: true})
	s.AddCheck("store", func(context.Context) error { return nil })
	if code, _ := get(t, s.Handler(), "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthy code = %d", code)
	}

	s.AddCheck("feed", func(context.Context) error { return errors.New("disconnected") })
	code, body := get(t, s.Handler(), "/healthz", nil)
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "feed: disconnected") {
		t.Fatalf("code=%d body=%q", code, body)
	}
}

func TestTokenAuth(t *testing.T) {
	s, _ := newTestService(t, Config{Enabled: true, Token: "s3cret"})
	h := s.Handler()

	if code, _ := get(t, h, "/metrics", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token code = %d", code)
	}
	if code, _ := get(t, h, "/metrics?token=nope", nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token code = %d", code)
	}
	if code, _ := get(t, h, "/metrics?token=s3cret", nil); code != http.StatusOK {
		t.Fatalf("query token code = %d", code)
	}
	if code, _ := get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}); code != http.StatusOK {
		t.Fatalf("bearer code = %d", code)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s, _ := newTestService(t, Config{Enabled: true})
	if code, _ := get(t, s.Handler(), "/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof disabled code = %d", code)
	}
	s, _ = newTestService(t, Config{Enabled: true, Pprof: true})
	if code, _ := get(t, s.Handler(), "/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("pprof enabled code = %d", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.2:9464":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestStartServesAndStops(t *testing.T) {
	s, _ := newTestService(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}
