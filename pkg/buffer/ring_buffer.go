package buffer

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// ErrIteratorDone signals that the feed is closed and fully drained.
var ErrIteratorDone = errors.New("buffer: iterator done")

// RingBuffer is a thread-safe sliding window over the most recent
// values. When the buffer is full, Add overwrites the oldest value
// instead of blocking, so writers never stall behind slow readers.
//
// Head and tail are monotonically increasing counters; their distance
// is the window size and their remainders index into the backing
// slice.
type RingBuffer[T any] struct {
	writeNotify chan struct{}

	mu         sync.Mutex
	buf        []T
	head, tail int64
	closeWrite bool
}

// RingN creates a RingBuffer holding at most size values.
func RingN[T any](size int) *RingBuffer[T] {
	return &RingBuffer[T]{
		writeNotify: make(chan struct{}, 1),

		buf: make([]T, size),
	}
}

// Add appends one value to the feed. If the buffer is full the oldest
// value is overwritten and the head advances past it.
func (rb *RingBuffer[T]) Add(t T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closeWrite {
		return fmt.Errorf("buffer: write to closed buffer: %w", io.ErrClosedPipe)
	}
	rb.buf[rb.tail%int64(len(rb.buf))] = t
	rb.tail++
	if rb.tail-rb.head > int64(len(rb.buf)) {
		rb.head++
	}
	select {
	case rb.writeNotify <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest buffered value. It blocks until
// a value arrives, and returns ErrIteratorDone once the feed is closed
// and drained.
func (rb *RingBuffer[T]) Next() (t T, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.head == rb.tail {
		if rb.closeWrite {
			err = ErrIteratorDone
			return
		}
		rb.mu.Unlock()
		<-rb.writeNotify
		rb.mu.Lock()
	}
	t = rb.buf[rb.head%int64(len(rb.buf))]
	rb.head++
	return t, nil
}

// Snapshot returns a copy of the current window, oldest value first.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.head == rb.tail {
		return nil
	}
	h := rb.head % int64(len(rb.buf))
	t := rb.tail % int64(len(rb.buf))
	if h < t {
		return slices.Clone(rb.buf[h:t])
	}
	return slices.Concat(rb.buf[h:], rb.buf[:t])
}

// Len returns the number of values currently in the window.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.tail - rb.head)
}

// Reset discards all buffered values.
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = rb.tail
}

// CloseWrite closes the feed. Buffered values remain readable through
// Next and Snapshot; further Add calls fail.
func (rb *RingBuffer[T]) CloseWrite() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closeWrite {
		return nil
	}
	rb.closeWrite = true
	close(rb.writeNotify)
	return nil
}
