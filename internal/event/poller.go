package event

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Token tags a readiness source registered with a Poller. The worker loop
// dispatches on the token, never on the raw fd.
type Token uint32

// Ready is one delivered readiness notification.
type Ready struct {
	Token Token
}

// Poller is a thin epoll wrapper. It is owned by a single goroutine.
type Poller struct {
	epfd int
	buf  [8]unix.EpollEvent
}

// NewPoller creates an empty epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("event: create epoll: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

// Add registers fd for read readiness under the given token.
func (p *Poller) Add(fd int, tok Token) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(tok),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("event: register fd %d: %w", fd, err)
	}
	return nil
}

// Delete removes fd from the poller.
func (p *Poller) Delete(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("event: deregister fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered source is ready and fills out
// with the delivered tokens. Interrupted waits are restarted.
func (p *Poller) Wait(out []Ready) (int, error) {
	max := len(out)
	if max > len(p.buf) {
		max = len(p.buf)
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.buf[:max], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("event: epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			out[i] = Ready{Token: Token(p.buf[i].Fd)}
		}
		return n, nil
	}
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}
