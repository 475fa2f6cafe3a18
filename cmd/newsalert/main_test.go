package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := rootApp()
	a.Writer = &out
	a.ErrWriter = &out
	err := a.Run(append([]string{"newsalert"}, args...))
	return out.String(), err
}

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := `{
  "telegram": {"token": "unused"},
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "alerts.db")) + `"}
}`
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubscribersCommands(t *testing.T) {
	cfg := testConfig(t)

	if out, err := run(t, "--config", cfg, "subscribers", "add", "--", "-100:7"); err != nil || !strings.Contains(out, "-100:7: updated") {
		t.Fatalf("add: %q %v", out, err)
	}
	if out, err := run(t, "--config", cfg, "subscribers", "add", "--", "-100:7"); err != nil || !strings.Contains(out, "unchanged") {
		t.Fatalf("add again: %q %v", out, err)
	}
	if out, err := run(t, "--config", cfg, "subscribers", "list"); err != nil || strings.TrimSpace(out) != "-100:7" {
		t.Fatalf("list: %q %v", out, err)
	}
	if _, err := run(t, "--config", cfg, "subscribers", "add", "not-a-chat"); err == nil {
		t.Fatal("bad recipient accepted")
	}
	if out, err := run(t, "--config", cfg, "subscribers", "remove", "--", "-100:7"); err != nil || !strings.Contains(out, "updated") {
		t.Fatalf("remove: %q %v", out, err)
	}
}

func TestIngestDryRun(t *testing.T) {
	cfg := testConfig(t)
	if _, err := run(t, "--config", cfg, "subscribers", "add", "55"); err != nil {
		t.Fatal(err)
	}
	batch := filepath.Join(t.TempDir(), "batch.json")
	body := `[{"id":"1","headline":"Road closed"},{"id":"1","headline":"Road closed"},{"id":"","headline":"x"}]`
	if err := os.WriteFile(batch, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	// A dry run never marks items, so running it again previews the same alert.
	for i := 0; i < 2; i++ {
		out, err := run(t, "--config", cfg, "ingest", "--dry-run", "--file", batch)
		if err != nil {
			t.Fatalf("ingest: %v\n%s", err, out)
		}
		if !strings.Contains(out, "--> 55\nRoad closed\nhttps://detroitnow.io/article/1/") {
			t.Fatalf("run %d: alert not printed:\n%s", i, out)
		}
		if !strings.Contains(out, "dry run: new=1 duplicates=1 rejected=1 sent=1 failed=0") {
			t.Fatalf("run %d: summary:\n%s", i, out)
		}
	}

	if out, err := run(t, "--config", cfg, "prune"); err != nil || !strings.Contains(out, "pruned 0 records") {
		t.Fatalf("prune: %q %v", out, err)
	}
}

func TestReadBatchSnapshotFrame(t *testing.T) {
	frame := `42["got_breaking_news",{"snapshot":{"articles":[{"article_id":9,"headline":"H"}]}}]`
	items, err := readBatch("-", strings.NewReader(frame))
	if err != nil || len(items) != 1 || items[0].ID != "9" {
		t.Fatalf("items = %+v, %v", items, err)
	}
	if _, err := readBatch("-", strings.NewReader(`42["other",{}]`)); err == nil {
		t.Fatal("unrelated frame accepted")
	}
}
