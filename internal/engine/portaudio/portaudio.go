// Package portaudio runs the bridge on a sound card through PortAudio.
//
// The stream is opened non-interleaved with float32 samples, so PortAudio
// hands the callback exactly the [][]float32 shape the bridge expects, one
// buffer per port of FramesPerBuffer samples.
package portaudio

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/aoip/internal/engine"
)

// Engine is an [engine.Engine] backed by a PortAudio stream.
type Engine struct {
	device string

	mu          sync.Mutex
	stream      *portaudio.Stream
	initialized bool
	running     bool
	fn          engine.ProcessFunc
	period      int

	xruns      atomic.Uint64
	mismatches atomic.Uint64
}

// New returns an engine using the named device for both directions, or the
// host defaults when device is empty.
func New(device string) *Engine {
	return &Engine{device: device}
}

var _ engine.Engine = (*Engine)(nil)

// Open implements [engine.Engine].
func (e *Engine) Open(spec engine.Spec, fn engine.ProcessFunc) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil process func", engine.ErrUnavailable)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return fmt.Errorf("%w: already open", engine.ErrUnavailable)
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %w", engine.ErrUnavailable, err)
	}
	e.initialized = true

	in, out, err := e.devices(spec)
	if err != nil {
		e.terminate()
		return err
	}

	params := portaudio.LowLatencyParameters(in, out)
	params.Input.Channels = spec.Inputs
	params.Output.Channels = spec.Outputs
	params.SampleRate = spec.SampleRate
	params.FramesPerBuffer = spec.PeriodSize

	e.fn = fn
	e.period = spec.PeriodSize
	stream, err := portaudio.OpenStream(params, e.callback)
	if err != nil {
		e.terminate()
		return fmt.Errorf("%w: open stream (%d in, %d out, %g Hz, %d frames): %w",
			engine.ErrUnavailable, spec.Inputs, spec.Outputs, spec.SampleRate, spec.PeriodSize, err)
	}
	e.stream = stream
	return nil
}

// devices resolves the input and output devices for spec. A nil device
// means the direction is unused.
func (e *Engine) devices(spec engine.Spec) (in, out *portaudio.DeviceInfo, err error) {
	if e.device != "" {
		all, err := portaudio.Devices()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: list devices: %w", engine.ErrUnavailable, err)
		}
		dev := findDevice(all, e.device)
		if dev == nil {
			return nil, nil, fmt.Errorf("%w: no device named %q", engine.ErrUnavailable, e.device)
		}
		in, out = dev, dev
	} else {
		if spec.Inputs > 0 {
			if in, err = portaudio.DefaultInputDevice(); err != nil {
				return nil, nil, fmt.Errorf("%w: default input device: %w", engine.ErrUnavailable, err)
			}
		}
		if spec.Outputs > 0 {
			if out, err = portaudio.DefaultOutputDevice(); err != nil {
				return nil, nil, fmt.Errorf("%w: default output device: %w", engine.ErrUnavailable, err)
			}
		}
	}
	if spec.Inputs == 0 {
		in = nil
	} else if in.MaxInputChannels < spec.Inputs {
		return nil, nil, fmt.Errorf("%w: %q has %d inputs, %d requested",
			engine.ErrUnavailable, in.Name, in.MaxInputChannels, spec.Inputs)
	}
	if spec.Outputs == 0 {
		out = nil
	} else if out.MaxOutputChannels < spec.Outputs {
		return nil, nil, fmt.Errorf("%w: %q has %d outputs, %d requested",
			engine.ErrUnavailable, out.Name, out.MaxOutputChannels, spec.Outputs)
	}
	return in, out, nil
}

// findDevice matches name exactly, then case-insensitively as a substring.
func findDevice(all []*portaudio.DeviceInfo, name string) *portaudio.DeviceInfo {
	for _, d := range all {
		if d.Name == name {
			return d
		}
	}
	lower := strings.ToLower(name)
	for _, d := range all {
		if strings.Contains(strings.ToLower(d.Name), lower) {
			return d
		}
	}
	return nil
}

// callback runs on PortAudio's realtime thread.
func (e *Engine) callback(in, out [][]float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if flags&(portaudio.InputUnderflow|portaudio.InputOverflow|portaudio.OutputUnderflow|portaudio.OutputOverflow) != 0 {
		e.xruns.Add(1)
	}
	if (len(in) > 0 && len(in[0]) != e.period) || (len(out) > 0 && len(out[0]) != e.period) {
		e.mismatches.Add(1)
	}
	e.fn(in, out)
}

// Start implements [engine.Engine].
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return engine.ErrNotOpen
	}
	if e.running {
		return nil
	}
	if err := e.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	e.running = true
	return nil
}

// Stop implements [engine.Engine]. PortAudio returns from Pa_StopStream only
// after the last callback has finished.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil || !e.running {
		return nil
	}
	e.running = false
	if err := e.stream.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop stream: %w", err)
	}
	return nil
}

// Close implements [engine.Engine].
func (e *Engine) Close() error {
	if err := e.Stop(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.stream != nil {
		err = e.stream.Close()
		e.stream = nil
	}
	e.terminate()
	if err != nil {
		return fmt.Errorf("portaudio: close stream: %w", err)
	}
	return nil
}

// terminate releases PortAudio. Must be called with e.mu held.
func (e *Engine) terminate() {
	if e.initialized {
		_ = portaudio.Terminate()
		e.initialized = false
	}
}

// Xruns implements [engine.XrunCounter].
func (e *Engine) Xruns() uint64 { return e.xruns.Load() }

// Mismatches returns how many callbacks delivered buffers of the wrong size.
func (e *Engine) Mismatches() uint64 { return e.mismatches.Load() }

// Device describes an audio device for listings.
type Device struct {
	Index             int     `json:"index"`
	Name              string  `json:"name"`
	HostAPI           string  `json:"host_api"`
	MaxInputs         int     `json:"max_inputs"`
	MaxOutputs        int     `json:"max_outputs"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
}

// Devices lists the devices PortAudio can see.
func Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %w", engine.ErrUnavailable, err)
	}
	defer func() { _ = portaudio.Terminate() }()

	all, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(all))
	for _, d := range all {
		dev := Device{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputs:         d.MaxInputChannels,
			MaxOutputs:        d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}
