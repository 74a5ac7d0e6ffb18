package clock_test

import (
	"bytes"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/aoip/internal/engine"
	"github.com/MrWong99/aoip/internal/engine/clock"
	"github.com/MrWong99/aoip/pkg/audio"
)

func passthrough(in, out [][]float32) {
	for i := range out {
		if i < len(in) {
			copy(out[i], in[i])
		} else {
			clear(out[i])
		}
	}
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  clock.Config
		spec engine.Spec
		fn   engine.ProcessFunc
		want error
	}{
		{"no ports", clock.Config{}, engine.Spec{PeriodSize: 64, SampleRate: 48000}, passthrough, engine.ErrUnavailable},
		{"zero rate", clock.Config{}, engine.Spec{Inputs: 1, PeriodSize: 64}, passthrough, engine.ErrUnavailable},
		{"nil func", clock.Config{}, engine.Spec{Inputs: 1, PeriodSize: 64, SampleRate: 48000}, nil, engine.ErrUnavailable},
		{"period mismatch", clock.Config{PeriodSize: 256}, engine.Spec{Inputs: 1, PeriodSize: 64, SampleRate: 48000}, passthrough, engine.ErrPeriodMismatch},
		{"ok", clock.Config{PeriodSize: 64}, engine.Spec{Inputs: 1, Outputs: 1, PeriodSize: 64, SampleRate: 48000}, passthrough, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := clock.New(tt.cfg)
			err := e.Open(tt.spec, tt.fn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open err = %v, want %v", err, tt.want)
			}
			_ = e.Close()
		})
	}
}

func TestStart_RequiresOpen(t *testing.T) {
	e := clock.New(clock.Config{})
	if err := e.Start(); !errors.Is(err, engine.ErrNotOpen) {
		t.Fatalf("Start err = %v, want ErrNotOpen", err)
	}
}

func TestEngine_RunsPeriods(t *testing.T) {
	meter := clock.NewMeter(2)
	e := clock.New(clock.Config{Source: clock.NewTone(440, 8000), Sink: meter})

	var calls atomic.Int64
	err := e.Open(engine.Spec{Inputs: 2, Outputs: 2, PeriodSize: 16, SampleRate: 8000}, func(in, out [][]float32) {
		calls.Add(1)
		passthrough(in, out)
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.Periods() < 10 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped := calls.Load()
	if stopped < 10 {
		t.Fatalf("only %d periods ran", stopped)
	}

	time.Sleep(10 * time.Millisecond)
	if calls.Load() != stopped {
		t.Error("callback invoked after Stop returned")
	}
	for i, p := range meter.Peaks() {
		if p < 0.4 || p > 0.5 {
			t.Errorf("channel %d peak = %v, want ~0.5", i, p)
		}
	}
	if meter.AudiblePeriods() == 0 {
		t.Error("no audible periods")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestTone_PhaseContinuity(t *testing.T) {
	tone := clock.NewTone(1000, 8000)
	a := []audio.Frame{make(audio.Frame, 4)}
	b := []audio.Frame{make(audio.Frame, 4)}
	tone.Fill(a)
	tone.Fill(b)

	// 1kHz at 8kHz is eight samples per cycle: the second period is the
	// negated first half-cycle.
	for i := range 4 {
		if math.Abs(float64(a[0][i]+b[0][i])) > 1e-6 {
			t.Errorf("sample %d: %v + %v != 0", i, a[0][i], b[0][i])
		}
	}
	if a[0][0] != 0 {
		t.Errorf("first sample = %v, want 0", a[0][0])
	}
}

func TestFile_LoopsAndSpreadsChannels(t *testing.T) {
	// Three stereo frames: L = 0x4000 (0.5), R = 0xC000 (-0.5).
	var pcm bytes.Buffer
	for range 3 {
		pcm.Write([]byte{0x00, 0x40, 0x00, 0xC0})
	}
	f := clock.NewPCMFile(pcm.Bytes())
	if f.Frames() != 3 {
		t.Fatalf("Frames = %d, want 3", f.Frames())
	}

	dst := []audio.Frame{make(audio.Frame, 5), make(audio.Frame, 5), make(audio.Frame, 5)}
	f.Fill(dst)
	for i := range 5 {
		if dst[0][i] != 0.5 || dst[1][i] != -0.5 || dst[2][i] != 0.5 {
			t.Fatalf("sample %d = %v/%v/%v", i, dst[0][i], dst[1][i], dst[2][i])
		}
	}
}

func TestFile_EmptyIsSilent(t *testing.T) {
	f := clock.NewPCMFile(nil)
	dst := []audio.Frame{{1, 1}}
	f.Fill(dst)
	if dst[0][0] != 0 || dst[0][1] != 0 {
		t.Errorf("empty file produced %v", dst[0])
	}
}

func TestDecodeMP3_RejectsGarbage(t *testing.T) {
	if _, err := clock.DecodeMP3(bytes.NewReader([]byte("not an mp3")), 48000); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMeter_TracksPeaks(t *testing.T) {
	m := clock.NewMeter(2)
	m.Consume([]audio.Frame{{0.1, -0.7}, {0, 0}})
	m.Consume([]audio.Frame{{0.3, 0.2}, {0, 0}})
	peaks := m.Peaks()
	if peaks[0] != 0.7 || peaks[1] != 0 {
		t.Errorf("peaks = %v", peaks)
	}
	if m.Periods() != 2 || m.AudiblePeriods() != 2 {
		t.Errorf("periods = %d audible = %d", m.Periods(), m.AudiblePeriods())
	}
}
