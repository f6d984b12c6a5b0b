// Package audiodev manages microphone capture and speaker playback over
// PortAudio. When an echo-cancellation bridge is attached, capture comes
// from the bridge's cancelled output and playback goes through the
// bridge's reference pipe instead of a direct output stream.
package audiodev

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voiceloop/voiceloop/pkg/aec"
	"github.com/voiceloop/voiceloop/pkg/pcm"
)

// DefaultFrameSize is frames per capture read: 480 frames is 30ms at
// 16 kHz, the largest frame the voice-activity detector accepts.
const DefaultFrameSize = 480

const bridgeReadTimeout = 200 * time.Millisecond

var supportedRates = []int{8000, 16000, 32000, 48000}

// Config configures an audio channel.
type Config struct {
	// SampleRate in Hz. Must be 8000, 16000, 32000 or 48000
	// (default: 16000).
	SampleRate int

	// Channels of the direct capture path (default: 1).
	Channels int

	// FrameSize is frames per capture read (default: DefaultFrameSize).
	FrameSize int

	// InputDevice and OutputDevice select devices by name substring.
	// Empty selects the system defaults.
	InputDevice  string
	OutputDevice string

	// Bridge, when set, routes capture and playback through the echo
	// canceller. The channel starts and stops the bridge.
	Bridge *aec.Bridge

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Channel is a duplex audio endpoint. At most one capture stream is
// live at a time; starting a new one stops the previous.
type Channel struct {
	cfg Config

	mu      sync.Mutex
	capture *CaptureStream
	out     *portaudio.Stream
	outBuf  []int16
	closed  bool
}

// Open validates the configuration and initializes the audio backend.
func Open(cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()

	rateOK := false
	for _, r := range supportedRates {
		if cfg.SampleRate == r {
			rateOK = true
			break
		}
	}
	if !rateOK {
		return nil, fmt.Errorf("audiodev: unsupported sample rate %d (want one of %v)", cfg.SampleRate, supportedRates)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Channel{cfg: cfg}, nil
}

// SampleRate returns the configured sample rate.
func (c *Channel) SampleRate() int { return c.cfg.SampleRate }

// FrameSize returns frames per capture read.
func (c *Channel) FrameSize() int { return c.cfg.FrameSize }

// FrameBytes returns the byte size of one captured mono frame.
func (c *Channel) FrameBytes() int { return c.cfg.FrameSize * 2 }

// StartCapture begins capturing. With a bridge configured the external
// canceller is spawned and capture reads its cancelled output;
// otherwise a PortAudio input stream is opened.
func (c *Channel) StartCapture(ctx context.Context) (*CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("audiodev: channel closed")
	}
	if c.capture != nil {
		c.stopCaptureLocked()
	}

	if c.cfg.Bridge != nil {
		if err := c.cfg.Bridge.Start(ctx); err != nil {
			return nil, fmt.Errorf("start echo canceller: %w", err)
		}
		c.capture = &CaptureStream{ch: c, bridge: c.cfg.Bridge}
		c.cfg.Logger.Info("capture started", "source", "aec", "rate", c.cfg.SampleRate)
		return c.capture, nil
	}

	buf := make([]int16, c.cfg.FrameSize*c.cfg.Channels)
	stream, err := c.openInputStream(buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	c.capture = &CaptureStream{ch: c, stream: stream, buf: buf}
	c.cfg.Logger.Info("capture started", "source", "portaudio", "rate", c.cfg.SampleRate, "frame", c.cfg.FrameSize)
	return c.capture, nil
}

func (c *Channel) openInputStream(buf []int16) (*portaudio.Stream, error) {
	if c.cfg.InputDevice == "" {
		stream, err := portaudio.OpenDefaultStream(c.cfg.Channels, 0, float64(c.cfg.SampleRate), c.cfg.FrameSize, buf)
		if err != nil {
			return nil, fmt.Errorf("open input stream: %w", err)
		}
		return stream, nil
	}

	device, err := findDevice(c.cfg.InputDevice, true)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = c.cfg.Channels
	params.SampleRate = float64(c.cfg.SampleRate)
	params.FramesPerBuffer = c.cfg.FrameSize
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	return stream, nil
}

// StopCapture stops the live capture stream, if any.
func (c *Channel) StopCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCaptureLocked()
}

func (c *Channel) stopCaptureLocked() {
	if c.capture == nil {
		return
	}
	if c.capture.stream != nil {
		c.capture.stream.Stop()
		c.capture.stream.Close()
	}
	c.capture.done = true
	c.capture = nil
}

// Play writes PCM to the speaker. With a bridge configured the audio
// goes to the reference pipe and the canceller owns actual playback.
func (c *Channel) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if c.cfg.Bridge != nil {
		if err := c.cfg.Bridge.WriteReference(pcm); err != nil {
			return fmt.Errorf("write reference: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("audiodev: channel closed")
	}
	if c.out == nil {
		buf := make([]int16, c.cfg.FrameSize)
		stream, err := c.openOutputStream(buf)
		if err != nil {
			return err
		}
		if err := stream.Start(); err != nil {
			stream.Close()
			return fmt.Errorf("start output stream: %w", err)
		}
		c.out = stream
		c.outBuf = buf
	}

	samples := bytesToInt16(pcm)
	for off := 0; off < len(samples); off += len(c.outBuf) {
		n := copy(c.outBuf, samples[off:])
		// Zero-pad the trailing partial buffer.
		for i := n; i < len(c.outBuf); i++ {
			c.outBuf[i] = 0
		}
		if err := c.out.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

func (c *Channel) openOutputStream(buf []int16) (*portaudio.Stream, error) {
	if c.cfg.OutputDevice == "" {
		stream, err := portaudio.OpenDefaultStream(0, 1, float64(c.cfg.SampleRate), c.cfg.FrameSize, buf)
		if err != nil {
			return nil, fmt.Errorf("open output stream: %w", err)
		}
		return stream, nil
	}

	device, err := findDevice(c.cfg.OutputDevice, false)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(nil, device)
	params.Output.Channels = 1
	params.SampleRate = float64(c.cfg.SampleRate)
	params.FramesPerBuffer = c.cfg.FrameSize
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	return stream, nil
}

// Close stops capture and playback, tears down the bridge, and releases
// the audio backend.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.stopCaptureLocked()
	if c.out != nil {
		c.out.Stop()
		c.out.Close()
		c.out = nil
	}
	if c.cfg.Bridge != nil {
		if err := c.cfg.Bridge.Stop(); err != nil {
			c.cfg.Logger.Warn("stop echo canceller", "error", err)
		}
	}
	return portaudio.Terminate()
}

// CaptureStream delivers captured mono PCM frames.
type CaptureStream struct {
	ch     *Channel
	stream *portaudio.Stream
	buf    []int16
	bridge *aec.Bridge
	done   bool
}

// ReadFrame blocks until one frame of mono s16le PCM is available. On
// the bridge path a quiet canceller yields a short or empty slice
// rather than blocking past the read timeout.
func (s *CaptureStream) ReadFrame() ([]byte, error) {
	if s.done {
		return nil, fmt.Errorf("audiodev: capture stopped")
	}
	if s.bridge != nil {
		return s.bridge.ReadCancelledMono(s.ch.cfg.FrameSize, bridgeReadTimeout)
	}
	if err := s.stream.Read(); err != nil {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	frame := int16ToBytes(s.buf)
	if s.ch.cfg.Channels > 1 {
		frame = pcm.DownmixToMono(frame, s.ch.cfg.Channels)
	}
	return frame, nil
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func bytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
