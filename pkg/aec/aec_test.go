package aec

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeCanceller stands in for the external canceller process: it opens
// the peer ends of both FIFOs and echoes the reference stream back as
// the cancelled stream.
func fakeCanceller(t *testing.T, input, output string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		inFD, err := unix.Open(input, unix.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer unix.Close(inFD)
		outFD, err := unix.Open(output, unix.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer unix.Close(outFD)

		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(inFD, buf)
			if n <= 0 || err != nil {
				return
			}
			if _, err := unix.Write(outFD, buf[:n]); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
}

func startTestBridge(t *testing.T, channels int) *Bridge {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "ec.input")
	output := filepath.Join(dir, "ec.output")
	if err := unix.Mkfifo(input, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	if err := unix.Mkfifo(output, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	fakeCanceller(t, input, output)

	b := NewBridge(Config{
		InputPipe:  input,
		OutputPipe: output,
		SampleRate: 16000,
		Channels:   channels,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestBridgeRoundTrip(t *testing.T) {
	b := startTestBridge(t, 1)

	payload := make([]byte, 640)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := b.WriteReference(payload); err != nil {
		t.Fatalf("WriteReference: %v", err)
	}

	got, err := b.ReadCancelled(len(payload), 2*time.Second)
	if err != nil {
		t.Fatalf("ReadCancelled: %v", err)
	}
	if len(got) < len(payload) {
		t.Fatalf("ReadCancelled returned %d bytes, want >= %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestBridgeReadTimeoutReturnsShort(t *testing.T) {
	b := startTestBridge(t, 1)

	start := time.Now()
	got, err := b.ReadCancelled(1000, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadCancelled: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes from idle canceller", len(got))
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the timeout", elapsed)
	}
}

func TestBridgeReadCancelledMono(t *testing.T) {
	b := startTestBridge(t, 2)

	// Four stereo frames: left 100, right 300 -> mono 200.
	var stereo []byte
	for i := 0; i < 4; i++ {
		stereo = append(stereo, 100, 0, 44, 1)
	}
	if err := b.WriteReference(stereo); err != nil {
		t.Fatalf("WriteReference: %v", err)
	}

	mono, err := b.ReadCancelledMono(4, 2*time.Second)
	if err != nil {
		t.Fatalf("ReadCancelledMono: %v", err)
	}
	if len(mono) != 8 {
		t.Fatalf("mono length = %d, want 8", len(mono))
	}
	for i := 0; i < 4; i++ {
		s := int16(uint16(mono[i*2]) | uint16(mono[i*2+1])<<8)
		if s != 200 {
			t.Fatalf("mono sample %d = %d, want 200", i, s)
		}
	}
}

func TestBridgeNotStarted(t *testing.T) {
	b := NewBridge(Config{InputPipe: "/nonexistent/in", OutputPipe: "/nonexistent/out"})
	if err := b.WriteReference([]byte{0}); err != ErrNotStarted {
		t.Fatalf("WriteReference err = %v, want ErrNotStarted", err)
	}
	if _, err := b.ReadCancelled(1, time.Millisecond); err != ErrNotStarted {
		t.Fatalf("ReadCancelled err = %v, want ErrNotStarted", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop on unstarted bridge: %v", err)
	}
}

func TestBridgeStartRejectsNonFIFO(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "ec.input")
	output := filepath.Join(dir, "ec.output")
	for _, p := range []string{input, output} {
		fd, err := unix.Open(p, unix.O_CREAT|unix.O_WRONLY, 0o600)
		if err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
		unix.Close(fd)
	}

	b := NewBridge(Config{InputPipe: input, OutputPipe: output})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Start(ctx); err == nil {
		b.Stop()
		t.Fatal("Start succeeded with regular files in place of FIFOs")
	}
}
