package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(Comp("ingest"))
	log.Info("batch done", Int("new", 2), Err(errors.New("boom")), ItemID("42"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "ingest" || m["item"] != "42" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["new"] != float64(2) {
		t.Fatalf("new=%v", m["new"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered: %q", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatal("Enabled disagrees with level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("ignored")
	Nop().With(Comp("x")).Warn("ignored")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " WARNING ": LevelWarn, "error": LevelError, "bogus": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestFormatOpsLine(t *testing.T) {
	got := formatOpsLine([]byte(`{"level":"warn","message":"send failed","recipient":"7","comp":"fanout","time":"x"}`))
	want := "[WARN] send failed\n- comp=fanout\n- recipient=7"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatOpsLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw line: %q", got)
	}
}

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Deliver(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestServiceForwardsWarningsToOpsSink(t *testing.T) {
	svc, log := New(Config{Level: "debug", Ops: OpsConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetOpsSink(sink)

	log.Info("not forwarded")
	log.Warn("forwarded", Comp("test"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sink.count(); n != 1 {
		t.Fatalf("sink got %d messages, want 1", n)
	}
	sink.mu.Lock()
	msg := sink.msgs[0]
	sink.mu.Unlock()
	if !strings.HasPrefix(msg, "[WARN] forwarded") {
		t.Fatalf("msg=%q", msg)
	}
}
