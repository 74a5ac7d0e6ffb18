// Package audio defines the sample-level types shared by every stage of the
// aoip pipeline and the codec that turns them into bytes on the wire.
//
// A [Frame] is one period of float32 samples for a single channel. Its wire
// form, [WireFrame], is the big-endian IEEE-754 encoding of those samples,
// optionally preceded by a fixed-width channel index when several channels
// share one transport. Network byte order keeps the format portable across
// architectures.
//
// This package lives under pkg/ because transports and engines outside this
// repository are expected to produce and consume these types.
package audio

import (
	"fmt"
	"strings"
)

// Frame is one period of samples for one channel. Its length is the engine
// period size and never changes for the lifetime of a session.
type Frame []float32

// WireFrame is the byte-serialised form of a [Frame]. Its length is always
// [WireSize] (or [TaggedWireSize] for channel-tagged framing) of the frame
// length.
type WireFrame []byte

// Silence overwrites every sample of f with zero.
func Silence(f Frame) {
	clear(f)
}

// Direction is the data flow of a channel relative to the local audio engine.
type Direction int

const (
	// Capture moves samples from an engine input port to the network.
	Capture Direction = iota

	// Playback moves samples from the network to an engine output port.
	Playback
)

// String returns the lowercase name of the direction.
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// ParseDirection parses "capture" or "playback" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capture":
		return Capture, nil
	case "playback":
		return Playback, nil
	}
	return 0, fmt.Errorf("audio: unknown direction %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so directions can be
// written as plain words in configuration files.
func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
