package block

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/virtblk/internal/event"
	"github.com/tinyrange/virtblk/internal/ratelimit"
	"github.com/tinyrange/virtblk/internal/virtio"
	"github.com/tinyrange/virtblk/internal/vmem"
)

// Readiness source tags for the worker poller.
const (
	tokenQueueAvail event.Token = iota
	tokenEndIO
	tokenRateLimiter
	tokenKill
)

type controlKind int

const (
	ctrlPatchRateLimiters controlKind = iota
	ctrlTerminate
)

// workerControl is a command from the device controller. It is paired
// with a kill-event signal so the worker wakes up to read it.
type workerControl struct {
	kind  controlKind
	bytes ratelimit.BucketUpdate
	ops   ratelimit.BucketUpdate
}

// worker owns one virtqueue for the device's lifetime: the queue, the
// backend handle, the rate limiter, and the pending-request table. No
// other goroutine touches any of it; the controller communicates only
// through the control channel and the kill event.
type worker struct {
	log      *slog.Logger
	mem      vmem.Memory
	queue    *virtio.Queue
	backend  Backend
	deviceID []byte
	readOnly bool
	limiter  *ratelimit.Limiter

	// pending maps in-flight tokens to their requests. It is the only
	// reference from a completion token back to a request; dropping the
	// table on exit drops every pending request.
	pending map[uint16]*Request

	killEvt *event.Event
	ctrl    <-chan workerControl

	stopped bool
}

// run is the worker main loop: block on readiness, dispatch, repeat until
// terminated. Internal invariant violations end the loop with an error;
// guest misbehavior and backend I/O failures do not.
func (w *worker) run() error {
	defer w.limiter.Close()
	defer w.backend.Close()

	poller, err := event.NewPoller()
	if err != nil {
		return err
	}
	defer poller.Close()

	if err := poller.Add(w.queue.NotifyEvent.FD(), tokenQueueAvail); err != nil {
		return err
	}
	if err := poller.Add(w.backend.CompletionEvent().FD(), tokenEndIO); err != nil {
		return err
	}
	if err := poller.Add(w.limiter.Timer().FD(), tokenRateLimiter); err != nil {
		return err
	}
	if err := poller.Add(w.killEvt.FD(), tokenKill); err != nil {
		return err
	}

	ready := make([]event.Ready, 4)
	for !w.stopped {
		n, err := poller.Wait(ready)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := w.handleEvent(ready[i].Token); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *worker) handleEvent(tok event.Token) error {
	switch tok {
	case tokenQueueAvail:
		if err := w.queue.NotifyEvent.Clear(); err != nil {
			return err
		}
		return w.processQueue()

	case tokenRateLimiter:
		if err := w.limiter.Resume(); err != nil {
			return err
		}
		return w.processQueue()

	case tokenEndIO:
		if err := w.backend.CompletionEvent().Clear(); err != nil {
			return err
		}
		return w.ioComplete()

	case tokenKill:
		if err := w.killEvt.Clear(); err != nil {
			return err
		}
		w.handleControl()
		return nil

	default:
		return fmt.Errorf("%w: unknown poll token %d", ErrInternal, tok)
	}
}

// processQueue drains available descriptor chains in guest order. It
// stops early when the rate limiter denies admission, leaving the current
// chain in the ring for the unblock event.
func (w *worker) processQueue() error {
	var finalized bool
	for {
		chain, ok, err := w.queue.Pop()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		req, perr := ParseRequest(w.mem, chain, w.backend.MaxRequestSize())
		if perr != nil {
			// Malformed chain: there is no trustworthy status
			// descriptor to report through, so return the chain
			// unused and keep going.
			w.log.Debug("dropping malformed request", "err", perr)
			if err := w.queue.PushUsed(chain.Head, 0); err != nil {
				return err
			}
			finalized = true
			continue
		}

		if !w.limiter.TryConsume(uint64(req.totalLen), 1) {
			w.queue.UndoPop()
			break
		}

		if w.readOnly && writesBackend(req.Type) {
			if err := w.finalize(req, VIRTIO_BLK_S_IOERR, 1); err != nil {
				return err
			}
			finalized = true
			continue
		}

		deferred, eerr := req.Execute(w.backend, w.mem, w.deviceID, req.head)
		if deferred {
			w.pending[req.head] = req
			continue
		}
		if eerr != nil {
			w.log.Debug("request failed", "type", req.Type, "err", eerr)
		}
		if err := w.finalize(req, statusForError(eerr), immediateLen(req, eerr)); err != nil {
			return err
		}
		finalized = true
	}

	if finalized {
		return w.queue.SignalUsed()
	}
	return nil
}

// ioComplete matches backend completions against the pending table and
// finalizes them. A completion with no pending entry is an invariant
// violation and kills the worker.
func (w *worker) ioComplete() error {
	comps, err := w.backend.PollCompletions()
	if err != nil {
		return fmt.Errorf("poll completions: %w", err)
	}
	if len(comps) == 0 {
		return nil
	}
	for _, c := range comps {
		req, ok := w.pending[c.Token]
		if !ok {
			return fmt.Errorf("%w: completion for unknown token %d", ErrInternal, c.Token)
		}
		delete(w.pending, c.Token)

		status := uint8(VIRTIO_BLK_S_OK)
		written := uint32(1)
		if c.Err != nil {
			w.log.Debug("async request failed", "token", c.Token, "err", c.Err)
			status = VIRTIO_BLK_S_IOERR
		} else if req.Type == VIRTIO_BLK_T_IN {
			written = req.totalLen + 1
		}
		if err := w.finalize(req, status, written); err != nil {
			return err
		}
	}
	return w.queue.SignalUsed()
}

// finalize writes the status byte into guest memory and publishes the
// chain to the used ring. A failed status write (the guest revoked the
// address range) still returns the chain so the ring does not leak.
func (w *worker) finalize(req *Request, status uint8, written uint32) error {
	if err := vmem.WriteByte(w.mem, req.StatusAddr, status); err != nil {
		w.log.Warn("failed to write request status", "addr", req.StatusAddr, "err", err)
		written = 0
	}
	return w.queue.PushUsed(req.head, written)
}

// handleControl drains the control channel after a kill-event wakeup.
func (w *worker) handleControl() {
	for {
		select {
		case msg := <-w.ctrl:
			switch msg.kind {
			case ctrlPatchRateLimiters:
				w.limiter.Update(msg.bytes, msg.ops)
			case ctrlTerminate:
				w.log.Debug("worker terminating", "pending", len(w.pending))
				w.stopped = true
			}
		default:
			return
		}
	}
}

// writesBackend reports whether the request type modifies the backend.
func writesBackend(t uint32) bool {
	return t == VIRTIO_BLK_T_OUT || t == VIRTIO_BLK_T_DISCARD || t == VIRTIO_BLK_T_WRITE_ZEROES
}

// immediateLen is the used-ring length for an immediately-completed
// request: the status byte, plus the data for a successful read.
func immediateLen(req *Request, err error) uint32 {
	if err == nil && req.Type == VIRTIO_BLK_T_IN {
		return req.totalLen + 1
	}
	return 1
}
