// Package config provides the configuration schema, loader, and hot-reload
// watcher for the aoip bridge.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/MrWong99/aoip/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// EngineKind selects the audio engine implementation.
type EngineKind string

const (
	// EnginePortAudio drives the bridge from a PortAudio duplex stream.
	EnginePortAudio EngineKind = "portaudio"

	// EngineClock drives the bridge from a software clock with a synthetic
	// source. Useful on hosts without sound hardware.
	EngineClock EngineKind = "clock"
)

// IsValid reports whether e is a recognised engine.
func (e EngineKind) IsValid() bool {
	return e == EnginePortAudio || e == EngineClock
}

// SourceKind selects what the clock engine feeds into capture ports.
type SourceKind string

const (
	SourceSilence SourceKind = "silence"
	SourceTone    SourceKind = "tone"
	SourceFile    SourceKind = "file"
)

// IsValid reports whether s is a recognised source.
func (s SourceKind) IsValid() bool {
	switch s {
	case SourceSilence, SourceTone, SourceFile:
		return true
	}
	return false
}

// Direction is the data flow of a link relative to the audio engine.
type Direction string

const (
	DirectionCapture  Direction = "capture"
	DirectionPlayback Direction = "playback"
)

// IsValid reports whether d is a recognised direction.
func (d Direction) IsValid() bool {
	return d == DirectionCapture || d == DirectionPlayback
}

// Audio converts d to the codec's direction type.
func (d Direction) Audio() audio.Direction {
	if d == DirectionPlayback {
		return audio.Playback
	}
	return audio.Capture
}

// TransportKind selects the socket type of a link.
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportTCP TransportKind = "tcp"
)

// IsValid reports whether t is a recognised transport.
func (t TransportKind) IsValid() bool {
	return t == TransportUDP || t == TransportTCP
}

// Role selects which side of a TCP link establishes the connection.
type Role string

const (
	RoleListen  Role = "listen"
	RoleConnect Role = "connect"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleListen || r == RoleConnect
}

// Framing selects how channels of a link share sockets.
type Framing string

const (
	// FramingTagged multiplexes every channel of a link over one transport,
	// each frame prefixed by its channel index.
	FramingTagged Framing = "tagged"

	// FramingPerChannel gives channel i its own transport on port+i.
	FramingPerChannel Framing = "per_channel"
)

// IsValid reports whether f is a recognised framing.
func (f Framing) IsValid() bool {
	return f == FramingTagged || f == FramingPerChannel
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Gate     GateConfig     `yaml:"gate"`
	Channels ChannelsConfig `yaml:"channels"`
	Links    []LinkConfig   `yaml:"links"`
}

// ServerConfig holds logging and control-plane settings.
type ServerConfig struct {
	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// ListenAddr is the HTTP address for health, metrics, and the control
	// API (e.g. ":9480"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig selects and parameterises the audio engine.
type AudioConfig struct {
	Engine     EngineKind `yaml:"engine"`
	SampleRate int        `yaml:"sample_rate"`

	// PeriodSize is the number of samples per channel per callback. Every
	// frame on the wire carries exactly this many samples.
	PeriodSize int `yaml:"period_size"`

	// Device names the PortAudio device. Empty selects the host defaults.
	Device string `yaml:"device"`

	// Source feeds the clock engine's capture ports.
	Source SourceConfig `yaml:"source"`
}

// SourceConfig describes the synthetic source of the clock engine.
type SourceConfig struct {
	Kind      SourceKind `yaml:"kind"`
	Frequency float64    `yaml:"frequency"`

	// Path is an MP3 file looped by the "file" source.
	Path string `yaml:"path"`
}

// GateConfig holds the initial Run-Gate state.
type GateConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ChannelsConfig holds settings shared by every channel.
type ChannelsConfig struct {
	// RingPeriods is the capacity of each channel ring in frames.
	RingPeriods int `yaml:"ring_periods"`

	// DegradedAfter is the number of consecutive transport errors after
	// which a channel is marked degraded.
	DegradedAfter int `yaml:"degraded_after"`

	// RecoveryTimeout is how long a degraded channel stays skipped before
	// it probes its transport again.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// RecoveryProbes is the number of trial frames allowed while recovering.
	RecoveryProbes int `yaml:"recovery_probes"`
}

// LinkConfig describes one remote endpoint carrying a group of channels.
type LinkConfig struct {
	Name      string        `yaml:"name"`
	Direction Direction     `yaml:"direction"`
	Channels  int           `yaml:"channels"`
	Transport TransportKind `yaml:"transport"`

	// Role applies to TCP links only.
	Role    Role    `yaml:"role"`
	Framing Framing `yaml:"framing"`

	LocalAddr  string `yaml:"local_addr"`
	RemoteAddr string `yaml:"remote_addr"`

	// FallbackAddrs are tried in order when RemoteAddr cannot be reached.
	// TCP connect links only.
	FallbackAddrs []string `yaml:"fallback_addrs"`

	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	AcceptTimeout time.Duration `yaml:"accept_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig bounds the redial loop of stream links.
type ReconnectConfig struct {
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MaxRetries stops redialing after this many failed attempts.
	// Zero retries forever.
	MaxRetries int `yaml:"max_retries"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate      = 48000
	DefaultPeriodSize      = 256
	DefaultToneFrequency   = 440.0
	DefaultRingPeriods     = 4
	DefaultDegradedAfter   = 5
	DefaultRecoveryTimeout = 2 * time.Second
	DefaultRecoveryProbes  = 3
	DefaultReconnect       = 250 * time.Millisecond
	DefaultMaxReconnect    = 5 * time.Second
)

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = LogText
	}
	if c.Audio.Engine == "" {
		c.Audio.Engine = EnginePortAudio
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.PeriodSize == 0 {
		c.Audio.PeriodSize = DefaultPeriodSize
	}
	if c.Audio.Source.Kind == "" {
		c.Audio.Source.Kind = SourceTone
	}
	if c.Audio.Source.Frequency == 0 {
		c.Audio.Source.Frequency = DefaultToneFrequency
	}
	if c.Channels.RingPeriods == 0 {
		c.Channels.RingPeriods = DefaultRingPeriods
	}
	if c.Channels.DegradedAfter == 0 {
		c.Channels.DegradedAfter = DefaultDegradedAfter
	}
	if c.Channels.RecoveryTimeout == 0 {
		c.Channels.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.Channels.RecoveryProbes == 0 {
		c.Channels.RecoveryProbes = DefaultRecoveryProbes
	}
	for i := range c.Links {
		c.Links[i].applyDefaults()
	}
}

func (l *LinkConfig) applyDefaults() {
	if l.Channels == 0 {
		l.Channels = 1
	}
	if l.Transport == "" {
		l.Transport = TransportUDP
	}
	if l.Transport == TransportTCP && l.Role == "" {
		l.Role = RoleConnect
	}
	if l.Framing == "" {
		if l.Channels == 1 {
			l.Framing = FramingPerChannel
		} else {
			l.Framing = FramingTagged
		}
	}
	if l.Reconnect.Backoff == 0 {
		l.Reconnect.Backoff = DefaultReconnect
	}
	if l.Reconnect.MaxBackoff == 0 {
		l.Reconnect.MaxBackoff = DefaultMaxReconnect
	}
}

// Tagged reports whether the link multiplexes its channels.
func (l LinkConfig) Tagged() bool {
	return l.Framing == FramingTagged
}

// Stream reports whether the link runs over a TCP stream.
func (l LinkConfig) Stream() bool {
	return l.Transport == TransportTCP
}

// Transports returns the number of sockets the link opens.
func (l LinkConfig) Transports() int {
	if l.Tagged() {
		return 1
	}
	return l.Channels
}

// Remotes returns RemoteAddr followed by FallbackAddrs.
func (l LinkConfig) Remotes() []string {
	out := make([]string, 0, 1+len(l.FallbackAddrs))
	if l.RemoteAddr != "" {
		out = append(out, l.RemoteAddr)
	}
	return append(out, l.FallbackAddrs...)
}

// ChannelAddr offsets the port of addr by i, the address of channel i on a
// per-channel link. Empty addresses stay empty.
func ChannelAddr(addr string, i int) (string, error) {
	if addr == "" || i == 0 {
		return addr, nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("config: address %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("config: address %q: invalid port", addr)
	}
	if p == 0 {
		return addr, nil
	}
	if p+i > 65535 {
		return "", fmt.Errorf("config: address %q: port %d+%d out of range", addr, p, i)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+i)), nil
}
