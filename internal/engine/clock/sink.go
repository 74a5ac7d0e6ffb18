package clock

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/aoip/pkg/audio"
)

// Sink consumes playback samples from the clock engine.
type Sink interface {
	// Consume receives every output buffer after a period was processed.
	Consume(src []audio.Frame)
}

// Discard is a [Sink] that drops everything.
type Discard struct{}

// Consume implements [Sink].
func (Discard) Consume([]audio.Frame) {}

// Meter is a [Sink] that tracks the peak level of each channel. It is safe
// to read from other goroutines while the engine runs.
type Meter struct {
	peaks   []atomic.Uint32
	periods atomic.Uint64
	nonZero atomic.Uint64
}

// NewMeter returns a meter for the given number of channels.
func NewMeter(channels int) *Meter {
	return &Meter{peaks: make([]atomic.Uint32, channels)}
}

// Consume implements [Sink].
func (m *Meter) Consume(src []audio.Frame) {
	m.periods.Add(1)
	loud := false
	for i, f := range src {
		if i >= len(m.peaks) {
			break
		}
		p := audio.Peak(f)
		if p > 0 {
			loud = true
		}
		if p > math.Float32frombits(m.peaks[i].Load()) {
			m.peaks[i].Store(math.Float32bits(p))
		}
	}
	if loud {
		m.nonZero.Add(1)
	}
}

// Peaks returns the highest absolute sample seen per channel.
func (m *Meter) Peaks() []float32 {
	out := make([]float32, len(m.peaks))
	for i := range m.peaks {
		out[i] = math.Float32frombits(m.peaks[i].Load())
	}
	return out
}

// Periods returns how many periods were consumed.
func (m *Meter) Periods() uint64 { return m.periods.Load() }

// AudiblePeriods returns how many periods carried a non-zero sample.
func (m *Meter) AudiblePeriods() uint64 { return m.nonZero.Load() }
