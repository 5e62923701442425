package event

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer wraps a non-blocking one-shot timerfd on the monotonic clock.
type Timer struct {
	fd int
}

// NewTimer creates a disarmed timerfd.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: create timerfd: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// ArmAfter arms the timer to fire once after d. A non-positive duration is
// rounded up to the smallest representable delay so the expiration is
// still delivered.
func (t *Timer) ArmAfter(d time.Duration) error {
	ns := d.Nanoseconds()
	if ns <= 0 {
		ns = 1
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(ns),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("event: arm timerfd: %w", err)
	}
	return nil
}

// Disarm cancels a pending expiration.
func (t *Timer) Disarm() error {
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("event: disarm timerfd: %w", err)
	}
	return nil
}

// Clear consumes a delivered expiration so the fd stops polling ready.
func (t *Timer) Clear() error {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return fmt.Errorf("event: clear timerfd: %w", err)
	}
	return nil
}

// FD returns the underlying file descriptor for poller registration.
func (t *Timer) FD() int {
	return t.fd
}

// Close releases the timerfd.
func (t *Timer) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}
