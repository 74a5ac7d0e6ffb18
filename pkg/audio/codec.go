package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// SampleSize is the number of bytes one float32 sample occupies on the wire.
	SampleSize = 4

	// TagSize is the width of the channel-index prefix used when several
	// channels share a single transport.
	TagSize = 2
)

// ErrLengthMismatch is matched (via errors.Is) by every [*LengthError].
// A length mismatch is a programming error: frame and wire sizes are fixed
// when a session starts.
var ErrLengthMismatch = errors.New("audio: length mismatch")

// LengthError reports a buffer whose length disagrees with the frame it is
// paired with.
type LengthError struct {
	Op   string
	Want int
	Got  int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("audio: %s: length mismatch: want %d bytes, got %d", e.Op, e.Want, e.Got)
}

// Is reports whether target is [ErrLengthMismatch].
func (e *LengthError) Is(target error) bool {
	return target == ErrLengthMismatch
}

// WireSize returns the encoded size in bytes of a frame of n samples.
func WireSize(n int) int {
	return n * SampleSize
}

// TaggedWireSize returns the encoded size of a frame of n samples preceded by
// a channel index.
func TaggedWireSize(n int) int {
	return TagSize + WireSize(n)
}

// Encode writes the big-endian encoding of f into dst. len(dst) must equal
// WireSize(len(f)); otherwise dst is left untouched and a [*LengthError] is
// returned.
func Encode(dst WireFrame, f Frame) error {
	if len(dst) != WireSize(len(f)) {
		return &LengthError{Op: "encode", Want: WireSize(len(f)), Got: len(dst)}
	}
	for i, s := range f {
		binary.BigEndian.PutUint32(dst[i*SampleSize:], math.Float32bits(s))
	}
	return nil
}

// Decode fills dst from the big-endian encoding in w. len(w) must equal
// WireSize(len(dst)); otherwise dst is left untouched and a [*LengthError] is
// returned. A frame is never partially decoded.
func Decode(dst Frame, w WireFrame) error {
	if len(w) != WireSize(len(dst)) {
		return &LengthError{Op: "decode", Want: WireSize(len(dst)), Got: len(w)}
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.BigEndian.Uint32(w[i*SampleSize:]))
	}
	return nil
}

// EncodeFrame allocates and returns the wire encoding of f. Hot paths should
// use [Encode] with a reused buffer instead.
func EncodeFrame(f Frame) WireFrame {
	w := make(WireFrame, WireSize(len(f)))
	_ = Encode(w, f) // sizes agree by construction
	return w
}

// EncodeTagged writes channel ch followed by the encoding of f into dst.
// len(dst) must equal TaggedWireSize(len(f)).
func EncodeTagged(dst WireFrame, ch uint16, f Frame) error {
	if len(dst) != TaggedWireSize(len(f)) {
		return &LengthError{Op: "encode tagged", Want: TaggedWireSize(len(f)), Got: len(dst)}
	}
	binary.BigEndian.PutUint16(dst, ch)
	return Encode(dst[TagSize:], f)
}

// DecodeTagged reads the channel index from w and decodes the remaining
// payload into dst. len(w) must equal TaggedWireSize(len(dst)).
func DecodeTagged(dst Frame, w WireFrame) (uint16, error) {
	if len(w) != TaggedWireSize(len(dst)) {
		return 0, &LengthError{Op: "decode tagged", Want: TaggedWireSize(len(dst)), Got: len(w)}
	}
	ch := binary.BigEndian.Uint16(w)
	return ch, Decode(dst, w[TagSize:])
}
