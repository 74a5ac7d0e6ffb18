package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/aoip/internal/app"
	"github.com/MrWong99/aoip/internal/config"
	"github.com/MrWong99/aoip/internal/engine"
	"github.com/MrWong99/aoip/internal/engine/mock"
	"github.com/MrWong99/aoip/internal/observe"
	"github.com/MrWong99/aoip/pkg/audio"
)

const testPeriod = 64

// freeUDPAddrs returns n loopback addresses whose ports were free a moment
// ago.
func freeUDPAddrs(t *testing.T, n int) []string {
	t.Helper()
	var (
		addrs []string
		conns []net.PacketConn
	)
	for range n {
		c, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve udp port: %v", err)
		}
		conns = append(conns, c)
		addrs = append(addrs, c.LocalAddr().String())
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return addrs
}

// loopbackConfig returns a config whose capture link sends to its own
// playback link over UDP.
func loopbackConfig(t *testing.T) *config.Config {
	t.Helper()
	addrs := freeUDPAddrs(t, 2)
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Audio: config.AudioConfig{
			Engine:     config.EngineClock,
			PeriodSize: testPeriod,
		},
		Gate: config.GateConfig{Enabled: true},
		Links: []config.LinkConfig{
			{
				Name:       "send",
				Direction:  config.DirectionCapture,
				LocalAddr:  addrs[0],
				RemoteAddr: addrs[1],
			},
			{
				Name:       "recv",
				Direction:  config.DirectionPlayback,
				LocalAddr:  addrs[1],
				RemoteAddr: addrs[0],
			},
		},
	}
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func testOptions(t *testing.T, extra ...app.Option) []app.Option {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts := []app.Option{
		app.WithMetrics(m),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		app.WithSession("test-session"),
		app.WithSuperviseInterval(10 * time.Millisecond),
	}
	return append(opts, extra...)
}

// start runs a in the background and returns a function that stops it and
// returns Run's error.
func start(t *testing.T, a *app.App) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApp_UDPLoopback(t *testing.T) {
	cfg := loopbackConfig(t)
	eng := &mock.Engine{}

	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(eng))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if eng.Spec.Inputs != 1 || eng.Spec.Outputs != 1 || eng.Spec.PeriodSize != testPeriod {
		t.Fatalf("engine spec = %+v", eng.Spec)
	}

	stop := start(t, a)
	waitFor(t, "engine start", eng.Running)

	in := [][]float32{make([]float32, testPeriod)}
	for i := range in[0] {
		in[0][i] = float32(i+1) / testPeriod
	}
	out := [][]float32{make([]float32, testPeriod)}

	waitFor(t, "looped audio", func() bool {
		eng.Tick(in, out)
		return out[0][testPeriod-1] != 0
	})
	if !slices.Equal(out[0], in[0]) {
		t.Fatalf("looped frame = %v, want %v", out[0], in[0])
	}

	snap := a.Snapshot()
	if snap.Session != "test-session" {
		t.Errorf("session = %q", snap.Session)
	}
	if len(snap.Links) != 2 {
		t.Fatalf("links = %+v", snap.Links)
	}
	for _, l := range snap.Links {
		if !l.Connected {
			t.Errorf("worker %s not connected", l.Worker)
		}
	}
	for _, ch := range snap.Channels {
		if ch.Frames == 0 {
			t.Errorf("channel %s/%d moved no frames", ch.Link, ch.Channel)
		}
	}

	if err := stop(); err != nil {
		t.Errorf("Run returned %v", err)
	}
	if eng.Running() {
		t.Error("engine still running after Run returned")
	}
}

func TestApp_GateClosedDeliversSilence(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.Gate.Enabled = false
	eng := &mock.Engine{}

	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(eng))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	stop := start(t, a)
	defer stop()
	waitFor(t, "engine start", eng.Running)

	in := [][]float32{slices.Repeat([]float32{0.5}, testPeriod)}
	out := [][]float32{slices.Repeat([]float32{1}, testPeriod)}
	for range 10 {
		eng.Tick(in, out)
	}
	for i, v := range out[0] {
		if v != 0 {
			t.Fatalf("out[%d] = %v with the gate closed", i, v)
		}
	}
	if got := a.Snapshot().Bridge.GatedPeriods; got != 10 {
		t.Errorf("gated periods = %d, want 10", got)
	}
}

func TestNew_StartupFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T, cfg *config.Config) *mock.Engine
		wantStage string
		wantIs    error
	}{
		{
			name: "engine unavailable",
			setup: func(t *testing.T, cfg *config.Config) *mock.Engine {
				return &mock.Engine{OpenErr: fmt.Errorf("%w: no device", engine.ErrUnavailable)}
			},
			wantStage: "engine",
			wantIs:    engine.ErrUnavailable,
		},
		{
			name: "period mismatch",
			setup: func(t *testing.T, cfg *config.Config) *mock.Engine {
				return &mock.Engine{OpenErr: engine.ErrPeriodMismatch}
			},
			wantStage: "engine",
			wantIs:    engine.ErrPeriodMismatch,
		},
		{
			name: "address in use",
			setup: func(t *testing.T, cfg *config.Config) *mock.Engine {
				c, err := net.ListenPacket("udp", cfg.Links[1].LocalAddr)
				if err != nil {
					t.Fatalf("occupy port: %v", err)
				}
				t.Cleanup(func() { _ = c.Close() })
				return &mock.Engine{}
			},
			wantStage: "link recv",
		},
		{
			name: "control plane port in use",
			setup: func(t *testing.T, cfg *config.Config) *mock.Engine {
				ln, err := net.Listen("tcp", "127.0.0.1:0")
				if err != nil {
					t.Fatal(err)
				}
				t.Cleanup(func() { _ = ln.Close() })
				cfg.Server.ListenAddr = ln.Addr().String()
				return &mock.Engine{}
			},
			wantStage: "control plane",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loopbackConfig(t)
			eng := tc.setup(t, cfg)

			_, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(eng))...)
			var se *app.StartupError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StartupError", err)
			}
			if se.Stage != tc.wantStage {
				t.Errorf("stage = %q, want %q", se.Stage, tc.wantStage)
			}
			if tc.wantIs != nil && !errors.Is(err, tc.wantIs) {
				t.Errorf("error = %v, want %v", err, tc.wantIs)
			}

			// Sockets opened before the failure must be released.
			c, err := net.ListenPacket("udp", cfg.Links[0].LocalAddr)
			if err != nil {
				t.Errorf("capture socket leaked: %v", err)
			} else {
				_ = c.Close()
			}
		})
	}
}

func TestRun_EngineStartFailure(t *testing.T) {
	cfg := loopbackConfig(t)
	eng := &mock.Engine{StartErr: engine.ErrUnavailable}

	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(eng))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	err = a.Run(context.Background())
	var se *app.StartupError
	if !errors.As(err, &se) || se.Stage != "engine start" {
		t.Fatalf("Run error = %v, want engine start StartupError", err)
	}
}

func TestRun_StopsEngineBeforeClosingSockets(t *testing.T) {
	cfg := loopbackConfig(t)
	eng := &mock.Engine{}

	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(eng))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	var openAtStop []bool
	eng.OnStop = func() {
		if openAtStop != nil {
			return
		}
		openAtStop = []bool{}
		for _, l := range a.Snapshot().Links {
			openAtStop = append(openAtStop, l.Connected)
		}
	}

	stop := start(t, a)
	waitFor(t, "engine start", eng.Running)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(openAtStop) == 0 {
		t.Fatal("engine was not stopped by Run")
	}
	for i, open := range openAtStop {
		if !open {
			t.Errorf("link %d already closed when the engine stopped", i)
		}
	}
	for _, l := range a.Snapshot().Links {
		if l.Connected {
			t.Errorf("link %s still open after Run returned", l.Worker)
		}
	}
}

func TestShutdown_StopsAndClosesEngineOnce(t *testing.T) {
	cfg := loopbackConfig(t)
	eng := &mock.Engine{}

	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(eng))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	want := []string{"open", "stop", "close"}
	if got := eng.Calls(); !slices.Equal(got, want) {
		t.Errorf("engine calls = %v, want %v", got, want)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	cfg := loopbackConfig(t)
	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(&mock.Engine{}))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown error = %v, want context.Canceled", err)
	}
}

func TestApp_ControlPlane(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Gate.Enabled = false

	a, err := app.New(context.Background(), cfg, testOptions(t,
		app.WithEngine(&mock.Engine{}),
		app.WithMetricsHandler(http.NotFoundHandler()),
	)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	stop := start(t, a)
	defer stop()

	base := "http://" + a.Addr().String()
	req, err := http.NewRequest(http.MethodPut, base+"/v1/gate", strings.NewReader(`{"enabled":true}`))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /v1/gate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /v1/gate status = %d", resp.StatusCode)
	}
	if !a.Gate().Enabled() {
		t.Error("gate not enabled through the control plane")
	}

	waitFor(t, "readiness", func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
}

// writeLoopbackYAML writes cfg's links to path as a config file with the
// given gate and log level, and sets its mtime.
func writeLoopbackYAML(t *testing.T, cfg *config.Config, path string, gate bool, level string, mtime time.Time) {
	t.Helper()
	body := fmt.Sprintf(`server:
  log_level: %s
audio:
  engine: clock
  period_size: %d
gate:
  enabled: %t
links:
  - name: send
    direction: capture
    local_addr: %q
    remote_addr: %q
  - name: recv
    direction: playback
    local_addr: %q
    remote_addr: %q
`, level, testPeriod, gate,
		cfg.Links[0].LocalAddr, cfg.Links[0].RemoteAddr,
		cfg.Links[1].LocalAddr, cfg.Links[1].RemoteAddr)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestApp_HotReloadsGateAndLogLevel(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.Gate.Enabled = false
	path := filepath.Join(t.TempDir(), "aoip.yaml")
	now := time.Now()
	writeLoopbackYAML(t, cfg, path, false, "info", now.Add(-time.Minute))

	var level slog.LevelVar
	a, err := app.New(context.Background(), cfg, testOptions(t,
		app.WithEngine(&mock.Engine{}),
		app.WithLevel(&level),
		app.WithConfigPath(path, 10*time.Millisecond),
	)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	writeLoopbackYAML(t, cfg, path, true, "debug", now)

	waitFor(t, "gate reload", a.Gate().Enabled)
	waitFor(t, "log level reload", func() bool { return level.Level() == slog.LevelDebug })
}

func TestApp_ReloadAppliesImmediately(t *testing.T) {
	cfg := loopbackConfig(t)
	cfg.Gate.Enabled = false
	path := filepath.Join(t.TempDir(), "aoip.yaml")
	now := time.Now()
	writeLoopbackYAML(t, cfg, path, false, "info", now.Add(-time.Minute))

	a, err := app.New(context.Background(), cfg, testOptions(t,
		app.WithEngine(&mock.Engine{}),
		app.WithConfigPath(path, time.Hour),
	)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.Reload() {
		t.Fatal("Reload applied an unchanged file")
	}
	writeLoopbackYAML(t, cfg, path, true, "info", now)
	if !a.Reload() {
		t.Fatal("Reload missed the new revision")
	}
	if !a.Gate().Enabled() {
		t.Error("gate not enabled after Reload")
	}
}

func TestApp_ReloadWithoutConfigPath(t *testing.T) {
	a, err := app.New(context.Background(), loopbackConfig(t), testOptions(t, app.WithEngine(&mock.Engine{}))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	if a.Reload() {
		t.Error("Reload without a config path reported a change")
	}
}

func TestSnapshot_DirectionsAndOrder(t *testing.T) {
	cfg := loopbackConfig(t)
	a, err := app.New(context.Background(), cfg, testOptions(t, app.WithEngine(&mock.Engine{}))...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	chans := a.Snapshot().Channels
	if len(chans) != 2 {
		t.Fatalf("channels = %+v", chans)
	}
	if chans[0].Link != "send" || chans[0].Direction != audio.Capture {
		t.Errorf("first channel = %+v", chans[0])
	}
	if chans[1].Link != "recv" || chans[1].Direction != audio.Playback {
		t.Errorf("second channel = %+v", chans[1])
	}
}
