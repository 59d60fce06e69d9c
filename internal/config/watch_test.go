package config

import (
	"os"
	"testing"
	"time"
)

const watchBase = `
services:
  - name: ui
    endpoints: ["http://ipam-ui:80"]
routes:
  - name: ui
    default: true
    service: ui
`

func TestWatcher_ReloadsOnChange(t *testing.T) {
	fp := writeTmp(t, watchBase)

	got := make(chan *Config, 4)
	w, err := NewWatcher(fp, 20*time.Millisecond, func(c *Config) error {
		got <- c
		return nil
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	updated := watchBase + `
  - name: engine
    match: { path_prefix: "/api" }
    service: ui
`
	if err := os.WriteFile(fp, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case c := <-got:
		if len(c.Routes) != 2 {
			t.Fatalf("reloaded routes: got %d, want 2", len(c.Routes))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestWatcher_KeepsConfigOnInvalidFile(t *testing.T) {
	fp := writeTmp(t, watchBase)

	got := make(chan *Config, 4)
	w, err := NewWatcher(fp, 20*time.Millisecond, func(c *Config) error {
		got <- c
		return nil
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(fp, []byte("routes: [\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case c := <-got:
		t.Fatalf("invalid config was applied: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcher_MissingDir(t *testing.T) {
	if _, err := NewWatcher("/does/not/exist/config.yaml", time.Millisecond, func(*Config) error { return nil }); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
