// Package pcm provides arithmetic over raw 16-bit little-endian PCM audio:
// conversions between byte counts, sample counts and durations, and a
// channel downmix helper. The dialog engine works exclusively in L16 mono.
package pcm

import (
	"fmt"
	"time"
)

const (
	// L16Mono8K represents audio/L16; rate=8000; channels=1
	L16Mono8K Format = iota
	// L16Mono16K represents audio/L16; rate=16000; channels=1
	L16Mono16K
	// L16Mono32K represents audio/L16; rate=32000; channels=1
	L16Mono32K
	// L16Mono48K represents audio/L16; rate=48000; channels=1
	L16Mono48K
)

// Format represents an audio format configuration.
type Format int

// FormatForRate returns the mono L16 format for the given sample rate.
// Only 8000, 16000, 32000 and 48000 Hz are supported.
func FormatForRate(rate int) (Format, error) {
	switch rate {
	case 8000:
		return L16Mono8K, nil
	case 16000:
		return L16Mono16K, nil
	case 32000:
		return L16Mono32K, nil
	case 48000:
		return L16Mono48K, nil
	}
	return 0, fmt.Errorf("pcm: unsupported sample rate %d (want 8000/16000/32000/48000)", rate)
}

// SampleRate returns the sample rate in Hz for this format.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono8K:
		return 8000
	case L16Mono16K:
		return 16000
	case L16Mono32K:
		return 32000
	case L16Mono48K:
		return 48000
	}
	panic("pcm: invalid audio format")
}

// Channels returns the number of audio channels for this format.
func (f Format) Channels() int { return 1 }

// Depth returns the bit depth for this format.
func (f Format) Depth() int { return 16 }

// Samples returns the number of samples in the given number of bytes.
func (f Format) Samples(bytes int) int {
	return bytes * 8 / f.Channels() / f.Depth()
}

// SamplesInDuration returns the number of samples in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int {
	return int(time.Duration(f.SampleRate()) * d / time.Second)
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int {
	return f.SamplesInDuration(d) * f.Channels() * f.Depth() / 8
}

// Duration returns the duration of the given number of bytes.
func (f Format) Duration(bytes int) time.Duration {
	return time.Duration(f.Samples(bytes)) * time.Second / time.Duration(f.SampleRate())
}

// BytesRate returns the byte rate of the audio data.
func (f Format) BytesRate() int {
	return f.SampleRate() * f.Channels() * f.Depth() / 8
}

// String returns a human-readable string representation of the format.
func (f Format) String() string {
	return fmt.Sprintf("audio/L16; rate=%d; channels=1", f.SampleRate())
}

// DownmixToMono averages interleaved s16le frames across channels,
// producing a mono s16le buffer. A trailing partial frame is dropped.
func DownmixToMono(data []byte, channels int) []byte {
	if channels <= 1 {
		return data
	}
	frameBytes := channels * 2
	frames := len(data) / frameBytes
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		acc := 0
		base := i * frameBytes
		for c := 0; c < channels; c++ {
			s := int(int16(uint16(data[base+c*2]) | uint16(data[base+c*2+1])<<8))
			acc += s
		}
		v := int16(acc / channels)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
