package bridge

import "github.com/MrWong99/aoip/pkg/audio"

// PortStats is a snapshot of one port's counters.
type PortStats struct {
	Link      string          `json:"link"`
	Channel   int             `json:"channel"`
	Direction audio.Direction `json:"direction"`

	// Pushed counts capture frames handed to the ring.
	Pushed uint64 `json:"pushed"`

	// Dropped counts capture frames lost because the ring was busy.
	Dropped uint64 `json:"dropped"`

	// Overflows counts queued frames overwritten by newer ones.
	Overflows uint64 `json:"overflows"`

	// Underruns counts playback periods filled with silence because no frame
	// was ready.
	Underruns uint64 `json:"underruns"`

	// Mismatches counts engine buffers whose length differed from the period.
	Mismatches uint64 `json:"mismatches"`
}

// Stats is a snapshot of the bridge counters.
type Stats struct {
	Periods      uint64      `json:"periods"`
	GatedPeriods uint64      `json:"gated_periods"`
	Poisoned     uint64      `json:"poisoned"`
	Ports        []PortStats `json:"ports"`
}

// Underruns sums underruns over all playback ports.
func (s Stats) Underruns() uint64 {
	var n uint64
	for _, p := range s.Ports {
		n += p.Underruns
	}
	return n
}

// Overflows sums ring overflows over all ports.
func (s Stats) Overflows() uint64 {
	var n uint64
	for _, p := range s.Ports {
		n += p.Overflows
	}
	return n
}

// Stats returns a snapshot of all counters. It allocates and must not be
// called from the realtime callback.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Periods:      b.periods.Load(),
		GatedPeriods: b.gated.Load(),
		Poisoned:     b.poisoned.Load(),
		Ports:        make([]PortStats, 0, len(b.capture)+len(b.playback)),
	}
	for _, group := range [][]*Port{b.capture, b.playback} {
		for _, p := range group {
			s.Ports = append(s.Ports, PortStats{
				Link:       p.Link,
				Channel:    p.Channel,
				Direction:  p.Direction,
				Pushed:     p.pushed.Load(),
				Dropped:    p.dropped.Load(),
				Overflows:  p.Ring.Overflows(),
				Underruns:  p.underruns.Load(),
				Mismatches: p.mismatches.Load(),
			})
		}
	}
	return s
}
