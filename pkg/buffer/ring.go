// Package buffer provides a generic overwrite-oldest ring buffer used for
// audio pre-roll frames and sliding analysis windows.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrDone is returned by Next when the buffer is closed for writing
// and fully drained.
var ErrDone = errors.New("buffer: no more elements")

// Ring is a thread-safe circular buffer of fixed capacity. Writes never
// block: when the buffer is full the oldest elements are overwritten, so
// the buffer always holds the most recent data. Reads block until data
// is available or the buffer is closed.
type Ring[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	buf        []T
	head, tail int64
	closeWrite bool
	closeErr   error
}

// NewRing creates a ring buffer holding at most size elements.
func NewRing[T any](size int) *Ring[T] {
	r := &Ring[T]{buf: make([]T, size)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of elements currently buffered.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Add appends one element, evicting the oldest when full.
func (r *Ring[T]) Add(t T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeErrLocked(); err != nil {
		return err
	}
	r.addLocked(t)
	r.cond.Broadcast()
	return nil
}

// Write appends all elements of p, evicting oldest elements as needed.
// It never blocks and always reports len(p) on success.
func (r *Ring[T]) Write(p []T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeErrLocked(); err != nil {
		return 0, err
	}
	for _, t := range p {
		r.addLocked(t)
	}
	r.cond.Broadcast()
	return len(p), nil
}

func (r *Ring[T]) addLocked(t T) {
	r.buf[r.tail%int64(len(r.buf))] = t
	r.tail++
	if r.tail-r.head > int64(len(r.buf)) {
		r.head++
	}
}

func (r *Ring[T]) writeErrLocked() error {
	if r.closeErr != nil {
		return fmt.Errorf("buffer: write to closed buffer: %w", r.closeErr)
	}
	if r.closeWrite {
		return fmt.Errorf("buffer: write to closed buffer: %w", io.ErrClosedPipe)
	}
	return nil
}

// Next removes and returns the oldest element, blocking until one is
// available. Returns ErrDone once the buffer is write-closed and empty.
func (r *Ring[T]) Next() (t T, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.head == r.tail {
		if r.closeErr != nil {
			err = fmt.Errorf("buffer: read from closed buffer: %w", r.closeErr)
			return
		}
		if r.closeWrite {
			err = ErrDone
			return
		}
		r.cond.Wait()
	}
	t = r.buf[r.head%int64(len(r.buf))]
	r.head++
	return t, nil
}

// Read copies up to len(p) buffered elements into p, blocking until at
// least one is available. Returns io.EOF once write-closed and empty.
func (r *Ring[T]) Read(p []T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.head == r.tail {
		if r.closeErr != nil {
			return 0, fmt.Errorf("buffer: read from closed buffer: %w", r.closeErr)
		}
		if r.closeWrite {
			return 0, io.EOF
		}
		r.cond.Wait()
	}
	n := 0
	for n < len(p) && r.head < r.tail {
		p[n] = r.buf[r.head%int64(len(r.buf))]
		r.head++
		n++
	}
	return n, nil
}

// Snapshot returns a copy of the buffered elements, oldest first,
// without consuming them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, int(r.tail-r.head))
	for i := r.head; i < r.tail; i++ {
		out = append(out, r.buf[i%int64(len(r.buf))])
	}
	return out
}

// Drain returns and removes all buffered elements, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, int(r.tail-r.head))
	for r.head < r.tail {
		out = append(out, r.buf[r.head%int64(len(r.buf))])
		r.head++
	}
	return out
}

// Reset discards all buffered elements.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = r.tail
}

// CloseWrite prevents further writes. Pending reads drain the remaining
// elements and then observe end of stream.
func (r *Ring[T]) CloseWrite() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeWrite = true
	r.cond.Broadcast()
	return nil
}

// CloseWithError closes the buffer; all pending and future operations
// fail with the given error.
func (r *Ring[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr == nil {
		r.closeErr = err
		r.closeWrite = true
		r.cond.Broadcast()
	}
	return nil
}

// Close closes the buffer. Equivalent to CloseWithError(io.ErrClosedPipe).
func (r *Ring[T]) Close() error {
	return r.CloseWithError(io.ErrClosedPipe)
}
