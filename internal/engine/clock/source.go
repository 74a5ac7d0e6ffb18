package clock

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/aoip/pkg/audio"
)

// Source produces capture samples for the clock engine.
type Source interface {
	// Fill overwrites every buffer in dst with the next period of samples.
	Fill(dst []audio.Frame)
}

// Silence is a [Source] of zeros.
type Silence struct{}

// Fill implements [Source].
func (Silence) Fill(dst []audio.Frame) {
	for _, f := range dst {
		clear(f)
	}
}

// Tone is a [Source] producing a sine wave on every channel.
type Tone struct {
	Frequency  float64
	Amplitude  float32
	SampleRate float64

	phase float64
}

// NewTone returns a tone at freq Hz with amplitude 0.5.
func NewTone(freq, sampleRate float64) *Tone {
	return &Tone{Frequency: freq, Amplitude: 0.5, SampleRate: sampleRate}
}

// Fill implements [Source].
func (t *Tone) Fill(dst []audio.Frame) {
	if len(dst) == 0 || t.SampleRate <= 0 {
		return
	}
	step := 2 * math.Pi * t.Frequency / t.SampleRate
	n := len(dst[0])
	for i := range n {
		v := t.Amplitude * float32(math.Sin(t.phase+float64(i)*step))
		for _, f := range dst {
			f[i] = v
		}
	}
	t.phase = math.Mod(t.phase+float64(n)*step, 2*math.Pi)
}

// File is a [Source] that loops a decoded MP3 file. Stereo PCM is spread
// across the engine's inputs (input i plays file channel i%2).
type File struct {
	pcm    []byte
	frames int
	pos    int
	views  []audio.Frame
}

// OpenFile decodes the MP3 at path and resamples it to sampleRate.
func OpenFile(path string, sampleRate int) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clock: read source file: %w", err)
	}
	return DecodeMP3(bytes.NewReader(data), sampleRate)
}

// DecodeMP3 decodes a whole MP3 stream into a looping [File] source.
func DecodeMP3(r io.Reader, sampleRate int) (*File, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("clock: decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("clock: decode mp3: %w", err)
	}
	return NewPCMFile(audio.ResampleStereo16(pcm, dec.SampleRate(), sampleRate)), nil
}

// NewPCMFile wraps interleaved little-endian int16 stereo PCM, as produced
// by the MP3 decoder, in a looping [File] source.
func NewPCMFile(pcm []byte) *File {
	return &File{pcm: pcm, frames: audio.PCM16Frames(pcm, 2)}
}

// Frames returns the length of the loop in sample frames.
func (f *File) Frames() int { return f.frames }

// Fill implements [Source].
func (f *File) Fill(dst []audio.Frame) {
	if len(dst) == 0 {
		return
	}
	if f.frames == 0 {
		Silence{}.Fill(dst)
		return
	}
	if cap(f.views) < len(dst) {
		f.views = make([]audio.Frame, len(dst))
	}
	views := f.views[:len(dst)]
	period := len(dst[0])
	for done := 0; done < period; {
		for i := range dst {
			views[i] = dst[i][done:]
		}
		n := audio.DeinterleavePCM16(f.pcm, 2, f.pos, views)
		done += n
		f.pos += n
		if f.pos >= f.frames {
			f.pos = 0
		}
	}
}
