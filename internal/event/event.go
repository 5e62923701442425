// Package event provides the host-side readiness primitives the device
// workers are built on: eventfd wake events, timerfd deadlines, an epoll
// poller with per-source tags, and a registry for device-level event
// handlers.
package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event wraps a non-blocking eventfd. Signal and Clear are safe to call
// from different goroutines; the kernel serializes the counter.
type Event struct {
	fd int
}

// NewEvent creates a non-blocking eventfd with a zero counter.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: create eventfd: %w", err)
	}
	return &Event{fd: fd}, nil
}

// Signal increments the eventfd counter, waking any poller watching it.
func (e *Event) Signal() error {
	var buf [8]byte
	buf[0] = 1
	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("event: signal eventfd: %w", err)
	}
	return nil
}

// Clear drains the eventfd counter. Returns nil if the counter was
// already zero.
func (e *Event) Clear() error {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return fmt.Errorf("event: clear eventfd: %w", err)
	}
	return nil
}

// FD returns the underlying file descriptor for poller registration.
func (e *Event) FD() int {
	return e.fd
}

// Close releases the eventfd.
func (e *Event) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
