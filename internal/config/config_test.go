package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aoip/internal/config"
	"github.com/MrWong99/aoip/pkg/audio"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: debug
  log_format: json
  listen_addr: ":9480"

audio:
  engine: clock
  sample_rate: 44100
  period_size: 128
  source:
    kind: tone
    frequency: 1000

gate:
  enabled: true

channels:
  ring_periods: 8
  degraded_after: 3
  recovery_timeout: 500ms

links:
  - name: studio
    direction: capture
    channels: 2
    transport: udp
    framing: tagged
    local_addr: "0.0.0.0:8096"
    remote_addr: "192.168.1.199:8096"
    read_timeout: 20ms
    write_timeout: 10ms
  - name: monitor
    direction: playback
    channels: 2
    transport: tcp
    role: connect
    framing: per_channel
    remote_addr: "10.0.0.5:9000"
    fallback_addrs: ["10.0.0.6:9000"]
    reconnect:
      backoff: 100ms
      max_backoff: 2s
      max_retries: 10
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.LogFormat != config.LogJSON {
		t.Errorf("log_format: got %q, want json", cfg.Server.LogFormat)
	}
	if cfg.Audio.Engine != config.EngineClock || cfg.Audio.SampleRate != 44100 || cfg.Audio.PeriodSize != 128 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Audio.Source.Frequency != 1000 {
		t.Errorf("source.frequency: got %g, want 1000", cfg.Audio.Source.Frequency)
	}
	if !cfg.Gate.Enabled {
		t.Error("gate.enabled: got false, want true")
	}
	if cfg.Channels.RecoveryTimeout != 500*time.Millisecond {
		t.Errorf("recovery_timeout: got %s, want 500ms", cfg.Channels.RecoveryTimeout)
	}
	if cfg.Channels.RecoveryProbes != config.DefaultRecoveryProbes {
		t.Errorf("recovery_probes: got %d, want default %d", cfg.Channels.RecoveryProbes, config.DefaultRecoveryProbes)
	}
	if len(cfg.Links) != 2 {
		t.Fatalf("links: got %d, want 2", len(cfg.Links))
	}

	studio := cfg.Links[0]
	if !studio.Tagged() || studio.Stream() || studio.Transports() != 1 {
		t.Errorf("studio: tagged=%v stream=%v transports=%d", studio.Tagged(), studio.Stream(), studio.Transports())
	}
	if studio.Direction.Audio() != audio.Capture {
		t.Errorf("studio direction: got %v", studio.Direction.Audio())
	}
	if studio.WriteTimeout != 10*time.Millisecond {
		t.Errorf("studio write_timeout: got %s", studio.WriteTimeout)
	}

	monitor := cfg.Links[1]
	if monitor.Direction.Audio() != audio.Playback {
		t.Errorf("monitor direction: got %v", monitor.Direction.Audio())
	}
	if monitor.Transports() != 2 {
		t.Errorf("monitor transports: got %d, want 2", monitor.Transports())
	}
	if got := monitor.Remotes(); len(got) != 2 || got[1] != "10.0.0.6:9000" {
		t.Errorf("monitor remotes: got %v", got)
	}
	if monitor.Reconnect.MaxRetries != 10 || monitor.Reconnect.Backoff != 100*time.Millisecond {
		t.Errorf("monitor reconnect: got %+v", monitor.Reconnect)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
links:
  - name: solo
    direction: playback
    local_addr: "127.0.0.1:7000"
    remote_addr: "127.0.0.1:7001"
  - name: mic
    direction: capture
    transport: tcp
    channels: 4
    remote_addr: "127.0.0.1:7002"
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo || cfg.Server.LogFormat != config.LogText {
		t.Errorf("server defaults: got %+v", cfg.Server)
	}
	if cfg.Server.ListenAddr != "" {
		t.Errorf("listen_addr should stay empty, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Audio.Engine != config.EnginePortAudio {
		t.Errorf("engine: got %q, want portaudio", cfg.Audio.Engine)
	}
	if cfg.Audio.SampleRate != config.DefaultSampleRate || cfg.Audio.PeriodSize != config.DefaultPeriodSize {
		t.Errorf("audio defaults: got %+v", cfg.Audio)
	}
	if cfg.Gate.Enabled {
		t.Error("gate should start disabled")
	}
	if cfg.Channels.RingPeriods != config.DefaultRingPeriods || cfg.Channels.DegradedAfter != config.DefaultDegradedAfter {
		t.Errorf("channel defaults: got %+v", cfg.Channels)
	}

	solo := cfg.Links[0]
	if solo.Channels != 1 || solo.Transport != config.TransportUDP || solo.Framing != config.FramingPerChannel {
		t.Errorf("single channel link defaults: got %+v", solo)
	}
	mic := cfg.Links[1]
	if mic.Role != config.RoleConnect || mic.Framing != config.FramingTagged {
		t.Errorf("tcp link defaults: got role=%q framing=%q", mic.Role, mic.Framing)
	}
	if mic.Reconnect.Backoff != config.DefaultReconnect || mic.Reconnect.MaxBackoff != config.DefaultMaxReconnect {
		t.Errorf("reconnect defaults: got %+v", mic.Reconnect)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
audio:
  engnie: clock
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "engnie") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aoip.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvLogLevel, "warn")
	t.Setenv(config.EnvListenAddr, "127.0.0.1:1")
	t.Setenv(config.EnvGateEnabled, "false")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:1" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Gate.Enabled {
		t.Error("gate should be disabled by the environment")
	}
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aoip.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(config.EnvGateEnabled, "maybe")

	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), config.EnvGateEnabled) {
		t.Fatalf("Load: got %v, want an error naming %s", err, config.EnvGateEnabled)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("AOIP_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AOIP_TEST_DOTENV", "")
	os.Unsetenv("AOIP_TEST_DOTENV")

	if err := config.LoadEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("AOIP_TEST_DOTENV"); got != "from-file" {
		t.Errorf("AOIP_TEST_DOTENV: got %q, want from-file", got)
	}
}

// ── types ─────────────────────────────────────────────────────────────────────

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		valid bool
		slog  slog.Level
	}{
		{config.LogDebug, true, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, true, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"trace", false, slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			if got := tt.level.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
			if got := tt.level.Level(); got != tt.slog {
				t.Errorf("Level() = %v, want %v", got, tt.slog)
			}
		})
	}
}

func TestChannelAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		addr    string
		i       int
		want    string
		wantErr bool
	}{
		{name: "first channel unchanged", addr: "10.0.0.1:8096", i: 0, want: "10.0.0.1:8096"},
		{name: "offset port", addr: "10.0.0.1:8096", i: 3, want: "10.0.0.1:8099"},
		{name: "ipv6", addr: "[::1]:5000", i: 1, want: "[::1]:5001"},
		{name: "ephemeral stays ephemeral", addr: "127.0.0.1:0", i: 5, want: "127.0.0.1:0"},
		{name: "empty", addr: "", i: 2, want: ""},
		{name: "overflow", addr: "10.0.0.1:65535", i: 1, wantErr: true},
		{name: "missing port", addr: "10.0.0.1", i: 1, wantErr: true},
		{name: "named port", addr: "10.0.0.1:http", i: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := config.ChannelAddr(tt.addr, tt.i)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ChannelAddr(%q, %d) error = %v, wantErr %v", tt.addr, tt.i, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ChannelAddr(%q, %d) = %q, want %q", tt.addr, tt.i, got, tt.want)
			}
		})
	}
}
