// Package aec bridges an external acoustic echo cancellation process
// over a pair of named pipes. The bridge feeds playback audio to the
// canceller as the far-end reference and reads echo-cancelled capture
// audio back.
package aec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/voiceloop/voiceloop/pkg/pcm"
)

const (
	// DefaultInputPipe is where the bridge writes reference audio.
	DefaultInputPipe = "/tmp/ec.input"
	// DefaultOutputPipe is where the bridge reads cancelled capture audio.
	DefaultOutputPipe = "/tmp/ec.output"

	fifoWaitTimeout = 5 * time.Second
	fifoPollEvery   = 100 * time.Millisecond
	eagainBackoff   = time.Millisecond
	stopGrace       = 2 * time.Second
)

// ErrNotStarted is returned by pipe operations before Start succeeds.
var ErrNotStarted = errors.New("aec: bridge not started")

// Config describes the canceller process and its pipe contract.
type Config struct {
	// BinaryPath is the canceller executable. Empty means attach to
	// pipes created by an externally managed canceller.
	BinaryPath string

	// InputPipe receives the playback reference stream.
	InputPipe string
	// OutputPipe delivers the echo-cancelled capture stream,
	// interleaved s16le with Channels channels.
	OutputPipe string

	SampleRate int
	Channels   int
	// DelayMs is the estimated loudspeaker-to-microphone delay.
	DelayMs int
	// FilterLength is the adaptive filter length in samples.
	FilterLength int

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InputPipe == "" {
		out.InputPipe = DefaultInputPipe
	}
	if out.OutputPipe == "" {
		out.OutputPipe = DefaultOutputPipe
	}
	if out.SampleRate == 0 {
		out.SampleRate = 16000
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.FilterLength == 0 {
		out.FilterLength = 4096
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Bridge manages the canceller process and the two pipe endpoints.
type Bridge struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	waitCh  chan error
	refFD   int
	outFD   int
	started bool
}

// NewBridge creates a Bridge from cfg. Call Start before using it.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{cfg: cfg.withDefaults(), refFD: -1, outFD: -1}
}

// Start launches the canceller (unless attaching), waits for both
// pipes to appear as FIFOs, and opens the bridge's endpoints: the
// reference side blocking for writes, the cancelled side non-blocking
// for reads.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("aec: bridge already started")
	}

	if b.cfg.BinaryPath != "" {
		cmd := exec.Command(b.cfg.BinaryPath,
			"-i", b.cfg.InputPipe,
			"-o", b.cfg.OutputPipe,
			"-r", fmt.Sprint(b.cfg.SampleRate),
			"-c", fmt.Sprint(b.cfg.Channels),
			"-d", fmt.Sprint(b.cfg.DelayMs),
			"-f", fmt.Sprint(b.cfg.FilterLength),
		)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("aec: start %s: %w", b.cfg.BinaryPath, err)
		}
		b.cmd = cmd
		b.waitCh = make(chan error, 1)
		go func() { b.waitCh <- cmd.Wait() }()
		b.cfg.Logger.Info("aec: canceller started",
			"binary", b.cfg.BinaryPath, "pid", cmd.Process.Pid)
	}

	if err := b.awaitFIFOs(ctx); err != nil {
		b.teardownLocked()
		return err
	}

	refFD, err := unix.Open(b.cfg.InputPipe, unix.O_WRONLY, 0)
	if err != nil {
		b.teardownLocked()
		return fmt.Errorf("aec: open reference pipe %s: %w", b.cfg.InputPipe, err)
	}
	outFD, err := unix.Open(b.cfg.OutputPipe, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		unix.Close(refFD)
		b.teardownLocked()
		return fmt.Errorf("aec: open cancelled pipe %s: %w", b.cfg.OutputPipe, err)
	}

	b.refFD = refFD
	b.outFD = outFD
	b.started = true
	return nil
}

// awaitFIFOs polls until both pipe paths exist and are FIFOs.
func (b *Bridge) awaitFIFOs(ctx context.Context) error {
	deadline := time.Now().Add(fifoWaitTimeout)
	for {
		ok, err := isFIFO(b.cfg.InputPipe)
		if err == nil && ok {
			if ok2, err2 := isFIFO(b.cfg.OutputPipe); err2 == nil && ok2 {
				return nil
			} else if err2 != nil {
				return err2
			}
		} else if err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("aec: pipes %s/%s not ready after %v",
				b.cfg.InputPipe, b.cfg.OutputPipe, fifoWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fifoPollEvery):
		}
	}
}

func isFIFO(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("aec: stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFIFO {
		return false, fmt.Errorf("aec: %s exists but is not a FIFO", path)
	}
	return true, nil
}

// WriteReference writes playback audio into the reference pipe.
// EAGAIN from the pipe is retried after a short sleep.
func (b *Bridge) WriteReference(pcmData []byte) error {
	b.mu.Lock()
	fd := b.refFD
	started := b.started
	b.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	for len(pcmData) > 0 {
		n, err := unix.Write(fd, pcmData)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				time.Sleep(eagainBackoff)
				continue
			}
			return fmt.Errorf("aec: write reference: %w", err)
		}
		pcmData = pcmData[n:]
	}
	return nil
}

// ReadCancelled reads echo-cancelled capture audio, accumulating until
// at least minBytes arrive or the timeout expires. A timeout is not an
// error; the caller receives whatever arrived.
func (b *Bridge) ReadCancelled(minBytes int, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	fd := b.outFD
	started := b.started
	b.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	out := make([]byte, 0, minBytes)
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for len(out) < minBytes {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return out, fmt.Errorf("aec: read cancelled audio: %w", err)
		}
		if err == nil && n == 0 {
			// Writer side closed.
			return out, nil
		}
		if time.Now().After(deadline) {
			return out, nil
		}
		time.Sleep(eagainBackoff)
	}
	return out, nil
}

// ReadCancelledMono reads at least frames mono samples and downmixes
// the canceller's interleaved output to mono.
func (b *Bridge) ReadCancelledMono(frames int, timeout time.Duration) ([]byte, error) {
	raw, err := b.ReadCancelled(frames*2*b.cfg.Channels, timeout)
	if err != nil {
		return nil, err
	}
	return pcm.DownmixToMono(raw, b.cfg.Channels), nil
}

// Channels returns the configured channel count of the cancelled stream.
func (b *Bridge) Channels() int { return b.cfg.Channels }

// Stop closes both pipe endpoints and terminates the canceller,
// escalating to SIGKILL after a grace period.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started && b.cmd == nil {
		return nil
	}
	b.started = false
	b.teardownLocked()
	return nil
}

func (b *Bridge) teardownLocked() {
	if b.refFD >= 0 {
		unix.Close(b.refFD)
		b.refFD = -1
	}
	if b.outFD >= 0 {
		unix.Close(b.outFD)
		b.outFD = -1
	}
	if b.cmd == nil {
		return
	}
	b.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-b.waitCh:
	case <-time.After(stopGrace):
		b.cmd.Process.Kill()
		<-b.waitCh
	}
	b.cfg.Logger.Info("aec: canceller stopped", "pid", b.cmd.Process.Pid)
	b.cmd = nil
	b.waitCh = nil
}
