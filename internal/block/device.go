package block

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/virtblk/internal/event"
	"github.com/tinyrange/virtblk/internal/ratelimit"
	"github.com/tinyrange/virtblk/internal/virtio"
	"github.com/tinyrange/virtblk/internal/vmem"
)

// Device is the virtio block device controller. It owns the backends and
// rate limiters until activation moves them into per-queue workers; after
// that it only holds the control channels and kill events needed to
// reconfigure and tear the workers down.
type Device struct {
	log  *slog.Logger
	info *virtio.DeviceInfo

	backends   []Backend
	limiters   []*ratelimit.Limiter
	queueSizes []uint16
	readOnly   bool

	mgr          *event.Manager
	subscriberID event.SubscriberID
	registered   bool

	kills []*event.Event
	ctrls []chan workerControl
	wg    sync.WaitGroup
}

// ActivateConfig carries the negotiated runtime resources from the
// transport: the guest memory and one configured queue per backend.
type ActivateConfig struct {
	Mem    vmem.Memory
	Queues []*virtio.Queue
}

// New creates a block device over the given backends, one queue per
// backend. limiters configures per-queue rate limiting and may be shorter
// than backends; missing entries are unlimited.
func New(backends []Backend, readOnly bool, queueSizes []uint16, mgr *event.Manager, limiters []*ratelimit.Limiter) (*Device, error) {
	if len(backends) == 0 {
		return nil, ErrInvalidInput
	}

	capacity := backends[0].Capacity()
	if capacity%SECTOR_SIZE != 0 {
		slog.Warn("disk size is not a multiple of the sector size; the tail is not visible to the guest",
			"size", capacity, "sector_size", SECTOR_SIZE)
	}

	features := virtioFeatureVersion1 | VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX
	if readOnly {
		features |= VIRTIO_BLK_F_RO
	}
	if len(backends) > 1 {
		features |= VIRTIO_BLK_F_MQ
	}

	configSpace := buildConfigSpace(capacity, backends[0].MaxRequestSize(), uint16(len(backends)))

	return &Device{
		log:        slog.With("device", BlkDriverName),
		info:       virtio.NewDeviceInfo(BlkDriverName, features, queueSizes, configSpace),
		backends:   backends,
		limiters:   limiters,
		queueSizes: queueSizes,
		readOnly:   readOnly,
		mgr:        mgr,
	}, nil
}

// buildConfigSpace produces the 64-byte little-endian configuration
// space: capacity in sectors at 0, max request size at 8, max segments at
// 12, reserved zeros, and the queue count at 34.
func buildConfigSpace(diskSize uint64, maxSize uint32, numQueues uint16) []byte {
	config := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint64(config[0:8], diskSize>>SECTOR_SHIFT)
	binary.LittleEndian.PutUint32(config[8:12], maxSize)
	binary.LittleEndian.PutUint32(config[12:16], configMaxSeg)
	binary.LittleEndian.PutUint16(config[34:36], numQueues)
	return config
}

// DeviceType returns the virtio device type.
func (d *Device) DeviceType() uint32 {
	return TYPE_BLOCK
}

// QueueMaxSizes returns the per-queue size limits.
func (d *Device) QueueMaxSizes() []uint16 {
	return d.queueSizes
}

// AvailFeatures returns one page of the advertised features.
func (d *Device) AvailFeatures(page uint32) uint32 {
	return d.info.AvailFeatures(page)
}

// AckFeatures records driver-acknowledged features.
func (d *Device) AckFeatures(page uint32, value uint32) {
	d.info.AckFeatures(page, value)
}

// ReadConfig reads from the device configuration space.
func (d *Device) ReadConfig(offset uint64, data []byte) error {
	return d.info.ReadConfig(offset, data)
}

// WriteConfig writes into the device configuration space.
func (d *Device) WriteConfig(offset uint64, data []byte) error {
	return d.info.WriteConfig(offset, data)
}

// Activate consumes the backends and spawns one worker per queue. The
// queue count must match the backend count.
func (d *Device) Activate(cfg ActivateConfig) error {
	if err := d.info.CheckQueueSizes(cfg.Queues); err != nil {
		return fmt.Errorf("%w: %v", ErrActivate, err)
	}
	if len(d.backends) != len(cfg.Queues) {
		return fmt.Errorf("%w: %d backends for %d queues", ErrActivate, len(d.backends), len(cfg.Queues))
	}

	for i, q := range cfg.Queues {
		backend := d.backends[i]

		limiter, err := d.takeLimiter(i)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrActivate, err)
		}
		killEvt, err := event.NewEvent()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrActivate, err)
		}
		ctrl := make(chan workerControl, 8)

		w := &worker{
			log:      d.log.With("queue", i),
			mem:      cfg.Mem,
			queue:    q,
			backend:  backend,
			deviceID: buildDeviceID(backend),
			readOnly: d.readOnly,
			limiter:  limiter,
			pending:  make(map[uint16]*Request),
			killEvt:  killEvt,
			ctrl:     ctrl,
		}

		d.kills = append(d.kills, killEvt)
		d.ctrls = append(d.ctrls, ctrl)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := w.run(); err != nil {
				w.log.Error("worker exited with error", "err", err)
			}
		}()
	}
	// Backends now belong to the workers.
	d.backends = nil
	d.limiters = nil

	d.subscriberID = d.mgr.Add(&deviceSubscriber{kills: d.kills, ctrls: d.ctrls})
	d.registered = true
	return nil
}

func (d *Device) takeLimiter(i int) (*ratelimit.Limiter, error) {
	if i < len(d.limiters) && d.limiters[i] != nil {
		return d.limiters[i], nil
	}
	return ratelimit.NewUnlimited()
}

// PatchRateLimiters broadcasts a bucket reconfiguration to every worker
// and wakes them so it applies on their next loop iteration.
func (d *Device) PatchRateLimiters(bytes, ops ratelimit.BucketUpdate) error {
	if len(d.ctrls) == 0 || len(d.kills) == 0 || len(d.ctrls) != len(d.kills) {
		d.log.Error("no control channel to deliver rate-limiter patch")
		return ErrInternal
	}
	msg := workerControl{kind: ctrlPatchRateLimiters, bytes: bytes, ops: ops}
	for _, c := range d.ctrls {
		select {
		case c <- msg:
		default:
			d.log.Error("control channel full, dropping rate-limiter patch")
			return ErrInternal
		}
	}
	for _, k := range d.kills {
		if err := k.Signal(); err != nil {
			d.log.Error("failed to wake worker for rate-limiter patch", "err", err)
			return ErrInternal
		}
	}
	return nil
}

// Remove tears the device down: deregister the event handler, terminate
// and join every worker, release the kill events. Safe to call multiple
// times and before activation.
func (d *Device) Remove() {
	if d.registered {
		if err := d.mgr.Remove(d.subscriberID); err != nil {
			d.log.Warn("failed to remove event handler", "err", err)
		}
		d.registered = false
	}

	terminateWorkers(d.ctrls, d.kills, d.log)
	d.wg.Wait()

	for _, k := range d.kills {
		if err := k.Close(); err != nil {
			d.log.Warn("failed to close kill event", "err", err)
		}
	}
	d.kills = nil
	d.ctrls = nil
}

// Reset is a no-op: queue state is renegotiated by the transport.
func (d *Device) Reset() error {
	return nil
}

func terminateWorkers(ctrls []chan workerControl, kills []*event.Event, log *slog.Logger) {
	for _, c := range ctrls {
		select {
		case c <- workerControl{kind: ctrlTerminate}:
		default:
			// Worker already draining or gone; the kill signal below
			// still wakes it.
		}
	}
	for _, k := range kills {
		if err := k.Signal(); err != nil {
			log.Warn("failed to signal kill event", "err", err)
		}
	}
}

// deviceSubscriber is the single event-handler object registered for the
// whole device. Closing it (when the manager drops the device) asks every
// worker to terminate.
type deviceSubscriber struct {
	kills []*event.Event
	ctrls []chan workerControl
}

func (s *deviceSubscriber) Close() error {
	terminateWorkers(s.ctrls, s.kills, slog.With("device", BlkDriverName))
	return nil
}
