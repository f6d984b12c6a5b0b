// Package vad implements voice activity detection over 16-bit mono PCM
// frames, plus turn detection with pre-roll capture for conversational
// audio pipelines.
package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/voiceloop/voiceloop/pkg/pcm"
)

// Aggressiveness-indexed RMS thresholds, normalized to [0, 1].
// Higher aggressiveness requires more energy to count as speech.
var speechThresholds = [4]float64{0.006, 0.010, 0.015, 0.022}

// noiseRatio scales the tracked noise floor into an adaptive threshold.
const noiseRatio = 2.5

// Detector classifies fixed-size PCM frames as speech or silence using
// RMS energy with an adaptive noise floor.
type Detector struct {
	format     pcm.Format
	frameDur   time.Duration
	frameBytes int
	threshold  float64

	noiseFloor float64
	calibrated bool
}

// New creates a Detector. aggressiveness is 0 (most permissive) to 3
// (most strict). sampleRate must be 8000, 16000, 32000 or 48000 Hz and
// frameDuration must be 10, 20 or 30 ms.
func New(aggressiveness, sampleRate int, frameDuration time.Duration) (*Detector, error) {
	if aggressiveness < 0 || aggressiveness > 3 {
		return nil, fmt.Errorf("vad: aggressiveness %d out of range [0,3]", aggressiveness)
	}
	f, err := pcm.FormatForRate(sampleRate)
	if err != nil {
		return nil, err
	}
	switch frameDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond:
	default:
		return nil, fmt.Errorf("vad: unsupported frame duration %v (want 10ms/20ms/30ms)", frameDuration)
	}
	return &Detector{
		format:     f,
		frameDur:   frameDuration,
		frameBytes: f.BytesInDuration(frameDuration),
		threshold:  speechThresholds[aggressiveness],
	}, nil
}

// FrameBytes returns the expected frame size in bytes.
func (d *Detector) FrameBytes() int { return d.frameBytes }

// FrameDuration returns the configured frame duration.
func (d *Detector) FrameDuration() time.Duration { return d.frameDur }

// SampleRate returns the configured sample rate in Hz.
func (d *Detector) SampleRate() int { return d.format.SampleRate() }

// IsSpeech reports whether the frame contains speech. Frames shorter
// than the configured size are zero-padded and longer frames are
// truncated before classification.
func (d *Detector) IsSpeech(frame []byte) bool {
	if len(frame) > d.frameBytes {
		frame = frame[:d.frameBytes]
	} else if len(frame) < d.frameBytes {
		padded := make([]byte, d.frameBytes)
		copy(padded, frame)
		frame = padded
	}

	level := rms(frame)
	thr := d.threshold
	if d.calibrated && d.noiseFloor*noiseRatio > thr {
		thr = d.noiseFloor * noiseRatio
	}
	speech := level > thr
	if !speech {
		// Track the noise floor on silent frames only.
		if !d.calibrated {
			d.noiseFloor = level
			d.calibrated = true
		} else {
			d.noiseFloor = 0.95*d.noiseFloor + 0.05*level
		}
	}
	return speech
}

// ChunkVote splits a chunk of arbitrary size into frames, classifies
// each, and reports whether the fraction of speech frames meets the
// threshold. An empty chunk is not speech.
func (d *Detector) ChunkVote(chunk []byte, threshold float64) bool {
	if len(chunk) == 0 {
		return false
	}
	var total, speech int
	for off := 0; off < len(chunk); off += d.frameBytes {
		end := off + d.frameBytes
		if end > len(chunk) {
			end = len(chunk)
		}
		total++
		if d.IsSpeech(chunk[off:end]) {
			speech++
		}
	}
	return float64(speech)/float64(total) >= threshold
}

// Reset clears the adaptive noise floor.
func (d *Detector) Reset() {
	d.noiseFloor = 0
	d.calibrated = false
}

// rms computes the root-mean-square level of an s16le frame,
// normalized to [0, 1].
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(frame[i*2]) | uint16(frame[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
