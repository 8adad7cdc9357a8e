package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timeouts.Chat != time.Minute || cfg.Build.MaxStreamErrors != 3 || cfg.Remote() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yml := "timeouts:\n  chat: 5s\nbuild:\n  workers: 4\n"
	if err := os.WriteFile(Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPECFORGE_TIMEOUTS__FINALIZE", "90s")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timeouts.Chat != 5*time.Second || cfg.Build.Workers != 4 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Timeouts.Finalize != 90*time.Second {
		t.Fatalf("env override not applied: %v", cfg.Timeouts.Finalize)
	}
	if cfg.Timeouts.Interview != 45*time.Second {
		t.Fatalf("defaults lost: %v", cfg.Timeouts.Interview)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"negative timeout": "timeouts:\n  chat: -1s\n",
		"remote base url":  "collaborators:\n  mode: remote\n",
		"unknown mode":     "collaborators:\n  mode: sideways\n",
		"provider":         "llm:\n  provider: parrot\n",
		"webhook url":      "webhooks:\n  - events: [\"draft.*\"]\n",
	}
	for name, yml := range cases {
		if _, err := FromYAML([]byte(yml)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	cfg, err := FromYAML([]byte("collaborators:\n  mode: remote\n  base_url: http://127.0.0.1:8080\n"))
	if err != nil || !cfg.Remote() {
		t.Fatalf("remote config: %+v %v", cfg, err)
	}
}

func TestWatchReloadsValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("timeouts:\n  chat: 5s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 64)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) {
			select {
			case got <- c:
			default:
			}
		})
	}()
	// Give the watcher time to register before editing.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("timeouts:\n  chat: oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("timeouts:\n  chat: 7s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Timeouts.Chat == 7*time.Second {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("watch: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("reload not observed")
		}
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.Server.Addr, "127.0.0.1") {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
}
