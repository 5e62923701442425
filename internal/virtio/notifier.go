package virtio

import "github.com/tinyrange/virtblk/internal/event"

// Notifier delivers a used-buffer notification to the guest. The concrete
// implementation is transport-specific (irqfd, MMIO interrupt line).
type Notifier interface {
	Notify() error
}

// NoopNotifier discards notifications. Used in tests and for queues whose
// transport polls the used ring.
type NoopNotifier struct{}

func (NoopNotifier) Notify() error { return nil }

// EventNotifier signals an eventfd for each notification, irqfd-style.
type EventNotifier struct {
	Event *event.Event
}

func (n EventNotifier) Notify() error {
	return n.Event.Signal()
}
