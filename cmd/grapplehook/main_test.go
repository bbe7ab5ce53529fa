package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheSnowHatHero/GrappleHook/internal/bridges/canbus"
	"github.com/TheSnowHatHero/GrappleHook/internal/device"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

// startBridge runs a minimal bridge daemon that accepts sessions and
// discards every frame it is sent.
func startBridge(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				open := make([]byte, 5)
				if _, err := io.ReadFull(c, open); err != nil {
					return
				}
				if _, err := c.Write(canbus.EncodeDaemonMessage(canbus.MsgOpen, []byte{0})); err != nil {
					return
				}
				_, _ = io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun_InvalidConfigPath(t *testing.T) {
	t.Setenv("GRAPPLEHOOK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want loading config error", err)
	}
}

func TestRun_NoDomains(t *testing.T) {
	t.Setenv("GRAPPLEHOOK_CONFIG", writeConfig(t, "site:\n  id: test\n"))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "at least one domain") {
		t.Fatalf("run() error = %v, want domain validation error", err)
	}
}

func TestRun_BridgeUnreachable(t *testing.T) {
	t.Setenv("GRAPPLEHOOK_CONFIG", writeConfig(t, `
site:
  id: test
domains:
  - name: can0
    url: tcp://127.0.0.1:1
logging:
  level: error
`))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), `connecting domain "can0"`) {
		t.Fatalf("run() error = %v, want domain connection error", err)
	}
}

func TestRun_StartsAndStops(t *testing.T) {
	addr := startBridge(t)
	port := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "grapplehook.db")

	t.Setenv("GRAPPLEHOOK_CONFIG", writeConfig(t, fmt.Sprintf(`
site:
  id: test
domains:
  - name: can0
    url: tcp://%s
manager:
  tick_interval: 50ms
  evict_after: 1s
database:
  enabled: true
  path: %s
api:
  enabled: true
  host: 127.0.0.1
  port: %d
  timeouts:
    read: 5
    write: 5
    idle: 5
logging:
  level: error
`, addr, dbPath, port)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := httpGet(url)
		if err == nil && resp == 200 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("API never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

type stubBus struct{ err error }

func (b stubBus) HealthCheck(context.Context) error { return b.err }

func TestHealthCheck_Buses(t *testing.T) {
	ok := map[device.Domain]busChecker{"can0": stubBus{}, "can1": stubBus{}}
	if err := healthCheck(context.Background(), nil, nil, nil, ok); err != nil {
		t.Errorf("healthCheck() error = %v", err)
	}

	down := map[device.Domain]busChecker{"can0": stubBus{}, "can1": stubBus{err: canbus.ErrNotConnected}}
	err := healthCheck(context.Background(), nil, nil, nil, down)
	if err == nil || !strings.Contains(err.Error(), "can1") {
		t.Errorf("healthCheck() error = %v, want failure naming can1", err)
	}
}

func TestSocketProbe(t *testing.T) {
	addr := startBridge(t)

	if err := socketProbe("tcp://" + addr)(context.Background()); err != nil {
		t.Errorf("probe of live socket = %v", err)
	}
	if err := socketProbe("tcp://127.0.0.1:1")(context.Background()); err == nil {
		t.Error("probe of closed port = nil")
	}
	if err := socketProbe("http://x")(context.Background()); err == nil {
		t.Error("probe of bad URL = nil")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("GRAPPLEHOOK_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("GRAPPLEHOOK_CONFIG", "/etc/grapplehook.yaml")
	if got := getConfigPath(); got != "/etc/grapplehook.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func httpGet(url string) (int, error) {
	resp, err := http.Get(url) //nolint:gosec,noctx // test URL
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
