package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/ShareTunnel/internal/config"
	apperrors "github.com/router-for-me/ShareTunnel/internal/errors"
	"github.com/router-for-me/ShareTunnel/internal/share"
	"github.com/router-for-me/ShareTunnel/internal/supervisor"
	"github.com/router-for-me/ShareTunnel/internal/tunnel"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	helperEnv = "APP_TEST_HELPER"
	markerEnv = "APP_TEST_MARKER"

	slowStartup = 1200 * time.Millisecond
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelper(mode)
		return
	}
	os.Exit(m.Run())
}

// runHelper plays either the backend server or the tunnel client.
func runHelper(mode string) {
	switch mode {
	case "backend":
		serveBackend(300 * time.Millisecond)
	case "backend-slow":
		serveBackend(slowStartup)
	case "backend-silent":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "backend-crash":
		fmt.Fprintln(os.Stderr, "fatal: bad config")
		os.Exit(3)
	case "tunnel":
		if marker := os.Getenv(markerEnv); marker != "" {
			f, err := os.OpenFile(marker, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				_, _ = f.WriteString("started\n")
				_ = f.Close()
			}
		}
		os.Stderr.WriteString("INF | https://abcd-12")
		time.Sleep(30 * time.Millisecond)
		os.Stderr.WriteString("34.trycloudflare.com |\n")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

// serveBackend listens on $PORT after delay and answers share requests.
func serveBackend(delay time.Duration) {
	time.Sleep(delay)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/shares", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42"}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(":"+os.Getenv("PORT"), mux)
	os.Exit(1)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Server.Executable = exe
	cfg.Server.Port = freePort(t)
	cfg.Server.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Server.Env = map[string]string{helperEnv: backend}
	cfg.Server.StopTimeout = 2 * time.Second
	cfg.Server.RestartDelay = 50 * time.Millisecond
	cfg.Readiness.Grace = 50 * time.Millisecond
	cfg.Readiness.Interval = 50 * time.Millisecond
	cfg.Tunnel.Executable = exe
	cfg.Tunnel.Env = map[string]string{helperEnv: "tunnel"}
	cfg.Tunnel.StopTimeout = 2 * time.Second
	return cfg
}

func disableTunnel(cfg *config.Config) {
	off := false
	cfg.Tunnel.Enabled = &off
}

func startApp(t *testing.T, cfg *config.Config) (*App, <-chan Event) {
	t.Helper()
	a := New(cfg)
	events, cancel := a.Hub().Subscribe(64)
	t.Cleanup(func() {
		_ = a.Stop()
		cancel()
	})
	require.NoError(t, a.Start(context.Background()))
	return a, events
}

func waitFor(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	var seen []string
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("no %s event; saw %v", typ, seen)
			return Event{}
		}
	}
}

func killServer(t *testing.T, a *App) {
	t.Helper()
	pid := a.ServerStatus().PID
	require.NotZero(t, pid)
	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
}

func tunnelPID(t *testing.T, a *App) int {
	t.Helper()
	p := a.sup.Get(supervisor.RoleTunnel)
	require.NotNil(t, p, "tunnel should be running")
	return p.PID()
}

func processGone(pid int) func() bool {
	return func() bool {
		alive, err := process.PidExists(int32(pid))
		return err == nil && !alive
	}
}

func countStarts(t *testing.T, marker string) int {
	t.Helper()
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	return strings.Count(string(data), "started")
}

func TestApp_ReadyThenTunnelOnce(t *testing.T) {
	cfg := testConfig(t, "backend")
	marker := filepath.Join(t.TempDir(), "tunnel-starts")
	cfg.Tunnel.Env[markerEnv] = marker

	a, events := startApp(t, cfg)

	waitFor(t, events, EventServerReady)
	assert.True(t, a.Ready())

	ev := waitFor(t, events, string(tunnel.EventReady))
	assert.Equal(t, "https://abcd-1234.trycloudflare.com", ev.URL)

	res, err := a.CreateShare(context.Background(), share.Request{FolderPath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ID)
	assert.Equal(t, "https://abcd-1234.trycloudflare.com/share/42", res.PublicURL)
	assert.True(t, res.Tunnel)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, countStarts(t, marker), "tunnel discovery must run once per server lifetime")

drain:
	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, EventServerReady, ev.Type)
			assert.NotEqual(t, string(tunnel.EventReady), ev.Type)
		default:
			break drain
		}
	}

	st := a.ServerStatus()
	assert.True(t, st.Running)
	assert.True(t, st.Ready)
	assert.NotZero(t, st.PID)
	assert.Equal(t, tunnel.StatusReady, a.Tunnel().Status)
}

func TestApp_SlowServerBecomesReady(t *testing.T) {
	cfg := testConfig(t, "backend-slow")
	disableTunnel(cfg)
	cfg.Readiness.Interval = 100 * time.Millisecond

	started := time.Now()
	a, events := startApp(t, cfg)

	time.Sleep(slowStartup / 2)
	assert.False(t, a.Ready(), "server is still starting")
	_, err := a.CreateShare(context.Background(), share.Request{FolderPath: "/srv/files"})
	assert.ErrorIs(t, err, share.ErrNotReady)

	waitFor(t, events, EventServerReady)
	assert.GreaterOrEqual(t, time.Since(started), slowStartup)
	assert.True(t, a.Ready())

	res, err := a.CreateShare(context.Background(), share.Request{FolderPath: "/srv/files"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ID)
}

func TestApp_TunnelDisabledUsesLocalURL(t *testing.T) {
	cfg := testConfig(t, "backend")
	disableTunnel(cfg)

	a, events := startApp(t, cfg)
	assert.Equal(t, tunnel.StatusDisabled, a.Tunnel().Status)

	waitFor(t, events, EventServerReady)
	res, err := a.CreateShare(context.Background(), share.Request{FolderPath: "/srv/files"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d/share/42", cfg.Server.Port), res.PublicURL)
	assert.False(t, res.Tunnel)
}

func TestApp_ShareBeforeReady(t *testing.T) {
	cfg := testConfig(t, "backend-silent")
	disableTunnel(cfg)

	a, _ := startApp(t, cfg)
	_, err := a.CreateShare(context.Background(), share.Request{FolderPath: "/srv/files"})
	assert.ErrorIs(t, err, share.ErrNotReady)
	assert.False(t, a.Ready())
}

func TestApp_CrashWithoutRestart(t *testing.T) {
	cfg := testConfig(t, "backend-crash")
	disableTunnel(cfg)

	a, events := startApp(t, cfg)
	ev := waitFor(t, events, EventServerCrashed)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 3, *ev.ExitCode)
	assert.Contains(t, ev.Message, "fatal: bad config")

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, a.ServerStatus().Restarts)
	assert.False(t, a.ServerStatus().Running)
}

func TestApp_RestartOnExit(t *testing.T) {
	cfg := testConfig(t, "backend-crash")
	disableTunnel(cfg)
	cfg.Server.RestartOnExit = true

	a, events := startApp(t, cfg)
	waitFor(t, events, EventServerCrashed)
	waitFor(t, events, EventServerRestarting)
	waitFor(t, events, EventServerStarted)

	assert.Eventually(t, func() bool { return a.ServerStatus().Restarts >= 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestApp_ReadinessTimeoutStopsServer(t *testing.T) {
	cfg := testConfig(t, "backend-silent")
	disableTunnel(cfg)
	cfg.Readiness.MaxWait = 300 * time.Millisecond

	_, events := startApp(t, cfg)
	waitFor(t, events, EventReadinessTimeout)
	waitFor(t, events, EventServerStopped)
}

func TestApp_SpawnError(t *testing.T) {
	cfg := testConfig(t, "backend")
	cfg.Server.Executable = filepath.Join(t.TempDir(), "missing-server")

	a := New(cfg)
	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSpawn))

	recent := a.Hub().Recent(0)
	require.NotEmpty(t, recent)
	assert.Equal(t, EventServerSpawnError, recent[len(recent)-1].Type)
	assert.False(t, a.Running())
}

func TestApp_StopIsFinal(t *testing.T) {
	cfg := testConfig(t, "backend")
	disableTunnel(cfg)

	a, events := startApp(t, cfg)
	waitFor(t, events, EventServerReady)

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.False(t, a.Ready())
	assert.False(t, a.ServerStatus().Running)
	assert.Error(t, a.Start(context.Background()))
}

func TestApp_StopKillsTunnel(t *testing.T) {
	cfg := testConfig(t, "backend")

	a, events := startApp(t, cfg)
	waitFor(t, events, string(tunnel.EventReady))
	pid := tunnelPID(t, a)

	require.NoError(t, a.Stop())
	assert.Eventually(t, processGone(pid), 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, a.Tunnel().URL)
}

func TestApp_ServerExitStopsTunnel(t *testing.T) {
	cfg := testConfig(t, "backend")

	a, events := startApp(t, cfg)
	waitFor(t, events, string(tunnel.EventReady))
	pid := tunnelPID(t, a)

	killServer(t, a)
	waitFor(t, events, EventServerCrashed)
	waitFor(t, events, string(tunnel.EventStopped))

	snap := a.Tunnel()
	assert.Empty(t, snap.URL)
	assert.Equal(t, tunnel.StatusStopped, snap.Status)
	assert.False(t, a.Ready())
	assert.Eventually(t, processGone(pid), 5*time.Second, 20*time.Millisecond)
}

func TestApp_RestartRerunsTunnelDiscovery(t *testing.T) {
	cfg := testConfig(t, "backend")
	cfg.Server.RestartOnExit = true
	marker := filepath.Join(t.TempDir(), "tunnel-starts")
	cfg.Tunnel.Env[markerEnv] = marker

	a, events := startApp(t, cfg)
	waitFor(t, events, string(tunnel.EventReady))
	oldPID := tunnelPID(t, a)

	killServer(t, a)
	waitFor(t, events, string(tunnel.EventStopped))
	assert.Empty(t, a.Tunnel().URL, "a crashed server must not keep advertising its tunnel")

	waitFor(t, events, EventServerReady)
	ev := waitFor(t, events, string(tunnel.EventReady))
	assert.Equal(t, "https://abcd-1234.trycloudflare.com", ev.URL)
	assert.Equal(t, 2, countStarts(t, marker))
	assert.Equal(t, 1, a.ServerStatus().Restarts)
	assert.NotEqual(t, oldPID, tunnelPID(t, a))
	assert.Eventually(t, processGone(oldPID), 5*time.Second, 20*time.Millisecond)
}
