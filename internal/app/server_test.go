package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "pulsechat.db")
	return &cfg
}

func TestRunServerLifecycle(t *testing.T) {
	handle, err := RunServer(context.Background(), testConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	resp, err := http.Get("http://" + handle.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRunServerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handle, err := RunServer(ctx, testConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	cancel()
	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop after cancel")
	}
}

func TestRunServerResetsRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	if _, err := mr.SAdd("user:ghost:sockets", "c1"); err != nil {
		t.Fatalf("seed redis: %v", err)
	}
	if err := mr.Set("user:ghost:online", "true"); err != nil {
		t.Fatalf("seed redis: %v", err)
	}

	cfg := testConfig(t)
	cfg.Presence.RedisAddr = mr.Addr()
	handle, err := RunServer(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("RunServer: %v", err)
	}
	defer func() {
		_ = handle.Stop(context.Background())
		_ = handle.Wait()
	}()

	if mr.Exists("user:ghost:sockets") || mr.Exists("user:ghost:online") {
		t.Fatalf("stale presence keys survived startup: %v", mr.Keys())
	}
}

func TestRunServerRequiresConfig(t *testing.T) {
	if _, err := RunServer(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	cfg := testConfig(t)
	cfg.Database.Path = ""
	if _, err := RunServer(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for empty database path")
	}
}
