package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Gate and log level changes are applied live; everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	GateChanged bool
	GateEnabled bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed sections that cannot be hot-reloaded.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.GateChanged || d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Gate.Enabled != new.Gate.Enabled {
		d.GateChanged = true
		d.GateEnabled = new.Gate.Enabled
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Channels != new.Channels {
		d.RestartRequired = append(d.RestartRequired, "channels")
	}
	if !slices.EqualFunc(old.Links, new.Links, linkEqual) {
		d.RestartRequired = append(d.RestartRequired, "links")
	}
	return d
}

func linkEqual(a, b LinkConfig) bool {
	return slices.Equal(a.FallbackAddrs, b.FallbackAddrs) &&
		a.Name == b.Name &&
		a.Direction == b.Direction &&
		a.Channels == b.Channels &&
		a.Transport == b.Transport &&
		a.Role == b.Role &&
		a.Framing == b.Framing &&
		a.LocalAddr == b.LocalAddr &&
		a.RemoteAddr == b.RemoteAddr &&
		a.ReadTimeout == b.ReadTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		a.AcceptTimeout == b.AcceptTimeout &&
		a.Reconnect == b.Reconnect
}
