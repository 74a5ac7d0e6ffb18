package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/MrWong99/aoip/pkg/audio"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvLogLevel    = "AOIP_LOG_LEVEL"
	EnvListenAddr  = "AOIP_LISTEN_ADDR"
	EnvGateEnabled = "AOIP_GATE_ENABLED"
)

// Period and ring bounds enforced by [Validate].
const (
	MinPeriodSize  = 16
	MaxPeriodSize  = 8192
	MinRingPeriods = 2
	MaxRingPeriods = 64
	maxChannels    = 1 << 16

	// udpPayloadLimit is the largest UDP payload that fits a 1500 byte
	// Ethernet MTU without IP fragmentation.
	udpPayloadLimit = 1472
)

// Load reads the YAML configuration file at path, applies defaults and
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the given dotenv files (".env" when
// none are given) into the process environment. Variables already set are
// left alone and missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the AOIP_* variables returned by getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v := getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := getenv(EnvGateEnabled); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvGateEnabled, err)
		}
		cfg.Gate.Enabled = on
	}
	return nil
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	errs = append(errs, validateAudio(cfg.Audio)...)

	ch := cfg.Channels
	if ch.RingPeriods < MinRingPeriods || ch.RingPeriods > MaxRingPeriods {
		errs = append(errs, fmt.Errorf("channels.ring_periods %d out of range [%d, %d]", ch.RingPeriods, MinRingPeriods, MaxRingPeriods))
	}
	if ch.DegradedAfter < 1 {
		errs = append(errs, fmt.Errorf("channels.degraded_after must be at least 1, got %d", ch.DegradedAfter))
	}
	if ch.RecoveryTimeout < 0 {
		errs = append(errs, fmt.Errorf("channels.recovery_timeout must not be negative, got %s", ch.RecoveryTimeout))
	}
	if ch.RecoveryProbes < 1 {
		errs = append(errs, fmt.Errorf("channels.recovery_probes must be at least 1, got %d", ch.RecoveryProbes))
	}

	if len(cfg.Links) == 0 {
		errs = append(errs, errors.New("links: at least one link is required"))
	}
	seen := make(map[string]int, len(cfg.Links))
	for i, l := range cfg.Links {
		prefix := fmt.Sprintf("links[%d]", i)
		if l.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if j, dup := seen[l.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q duplicates links[%d]", prefix, l.Name, j))
		} else {
			seen[l.Name] = i
		}
		errs = append(errs, validateLink(prefix, l, cfg.Audio.PeriodSize)...)
	}

	return errors.Join(errs...)
}

func validateAudio(a AudioConfig) []error {
	var errs []error
	if !a.Engine.IsValid() {
		errs = append(errs, fmt.Errorf("audio.engine %q is invalid; valid values: portaudio, clock", a.Engine))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", a.SampleRate))
	}
	if a.PeriodSize < MinPeriodSize || a.PeriodSize > MaxPeriodSize {
		errs = append(errs, fmt.Errorf("audio.period_size %d out of range [%d, %d]", a.PeriodSize, MinPeriodSize, MaxPeriodSize))
	}
	if a.Engine == EngineClock {
		if !a.Source.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("audio.source.kind %q is invalid; valid values: silence, tone, file", a.Source.Kind))
		}
		if a.Source.Kind == SourceFile && a.Source.Path == "" {
			errs = append(errs, errors.New("audio.source.path is required for the file source"))
		}
		if a.Source.Frequency < 0 {
			errs = append(errs, fmt.Errorf("audio.source.frequency must not be negative, got %g", a.Source.Frequency))
		}
	}
	return errs
}

func validateLink(prefix string, l LinkConfig, periodSize int) []error {
	var errs []error
	if !l.Direction.IsValid() {
		errs = append(errs, fmt.Errorf("%s.direction %q is invalid; valid values: capture, playback", prefix, l.Direction))
	}
	if l.Channels < 1 || l.Channels > maxChannels {
		errs = append(errs, fmt.Errorf("%s.channels %d out of range [1, %d]", prefix, l.Channels, maxChannels))
	}
	if !l.Framing.IsValid() {
		errs = append(errs, fmt.Errorf("%s.framing %q is invalid; valid values: tagged, per_channel", prefix, l.Framing))
	}
	if l.ReadTimeout < 0 || l.WriteTimeout < 0 || l.AcceptTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s: timeouts must not be negative", prefix))
	}
	if l.Reconnect.Backoff < 0 || l.Reconnect.MaxBackoff < l.Reconnect.Backoff {
		errs = append(errs, fmt.Errorf("%s.reconnect: need 0 <= backoff <= max_backoff, got %s and %s", prefix, l.Reconnect.Backoff, l.Reconnect.MaxBackoff))
	}
	if l.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.reconnect.max_retries must not be negative", prefix))
	}

	switch l.Transport {
	case TransportUDP:
		if l.LocalAddr == "" || l.RemoteAddr == "" {
			errs = append(errs, fmt.Errorf("%s: udp links require local_addr and remote_addr", prefix))
		}
		if len(l.FallbackAddrs) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallback_addrs is only supported on tcp connect links", prefix))
		}
		size := audio.WireSize(periodSize)
		if l.Tagged() {
			size = audio.TaggedWireSize(periodSize)
		}
		if size > udpPayloadLimit {
			slog.Warn("config: udp frame exceeds the ethernet MTU and will be fragmented",
				"link", l.Name, "bytes", size)
		}
	case TransportTCP:
		switch l.Role {
		case RoleListen:
			if l.LocalAddr == "" {
				errs = append(errs, fmt.Errorf("%s: tcp listen links require local_addr", prefix))
			}
			if len(l.FallbackAddrs) > 0 {
				errs = append(errs, fmt.Errorf("%s.fallback_addrs is only supported on tcp connect links", prefix))
			}
		case RoleConnect:
			if l.RemoteAddr == "" {
				errs = append(errs, fmt.Errorf("%s: tcp connect links require remote_addr", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.role %q is invalid; valid values: listen, connect", prefix, l.Role))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: udp, tcp", prefix, l.Transport))
	}

	if l.Framing == FramingPerChannel && l.Channels > 1 {
		for _, addr := range append([]string{l.LocalAddr}, l.Remotes()...) {
			if _, err := ChannelAddr(addr, l.Channels-1); err != nil {
				errs = append(errs, fmt.Errorf("%s: per_channel framing: %w", prefix, err))
			}
		}
	}
	return errs
}
