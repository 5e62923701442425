package virtio

import (
	"fmt"
	"log/slog"
)

// DeviceInfo holds the transport-independent state every virtio device
// carries: the advertised feature set, the features the driver acked, the
// per-queue size limits, and the device configuration space.
type DeviceInfo struct {
	Name string

	log           *slog.Logger
	availFeatures uint64
	ackedFeatures uint64
	queueMaxSizes []uint16
	configSpace   []byte
}

// NewDeviceInfo creates the shared device state.
func NewDeviceInfo(name string, availFeatures uint64, queueMaxSizes []uint16, configSpace []byte) *DeviceInfo {
	return &DeviceInfo{
		Name:          name,
		log:           slog.With("device", name),
		availFeatures: availFeatures,
		queueMaxSizes: queueMaxSizes,
		configSpace:   configSpace,
	}
}

// AvailFeatures returns one 32-bit page of the advertised feature set.
func (i *DeviceInfo) AvailFeatures(page uint32) uint32 {
	switch page {
	case 0:
		return uint32(i.availFeatures)
	case 1:
		return uint32(i.availFeatures >> 32)
	default:
		return 0
	}
}

// AckFeatures records driver-acknowledged features for one page. Bits the
// device never offered are dropped with a warning.
func (i *DeviceInfo) AckFeatures(page uint32, value uint32) {
	var v, avail uint64
	switch page {
	case 0:
		v = uint64(value)
		avail = i.availFeatures & 0xffffffff
	case 1:
		v = uint64(value) << 32
		avail = i.availFeatures &^ 0xffffffff
	default:
		i.log.Warn("ack on unknown feature page", "page", page)
		return
	}
	if unknown := v &^ avail; unknown != 0 {
		i.log.Warn("driver acked unoffered feature bits", "bits", fmt.Sprintf("0x%x", unknown))
		v &= avail
	}
	i.ackedFeatures |= v
}

// AckedFeatures returns the accumulated negotiated feature set.
func (i *DeviceInfo) AckedFeatures() uint64 {
	return i.ackedFeatures
}

// QueueMaxSizes returns the per-queue size limits.
func (i *DeviceInfo) QueueMaxSizes() []uint16 {
	return i.queueMaxSizes
}

// ReadConfig copies from the configuration space into data. Reads beyond
// the config space are truncated to what exists.
func (i *DeviceInfo) ReadConfig(offset uint64, data []byte) error {
	if offset > uint64(len(i.configSpace)) {
		return fmt.Errorf("%s: config read at 0x%x beyond %d-byte config space", i.Name, offset, len(i.configSpace))
	}
	copy(data, i.configSpace[offset:])
	return nil
}

// WriteConfig copies data into the configuration space.
func (i *DeviceInfo) WriteConfig(offset uint64, data []byte) error {
	if offset > uint64(len(i.configSpace)) || uint64(len(data)) > uint64(len(i.configSpace))-offset {
		return fmt.Errorf("%s: config write at 0x%x+%d beyond %d-byte config space", i.Name, offset, len(data), len(i.configSpace))
	}
	copy(i.configSpace[offset:], data)
	return nil
}

// CheckQueueSizes validates the negotiated queues at activation time.
func (i *DeviceInfo) CheckQueueSizes(queues []*Queue) error {
	if len(queues) == 0 {
		return fmt.Errorf("%s: no queues supplied at activation", i.Name)
	}
	for n, q := range queues {
		if q.Size == 0 {
			return fmt.Errorf("%s: queue %d has zero size", i.Name, n)
		}
		if n < len(i.queueMaxSizes) && q.Size > i.queueMaxSizes[n] {
			return fmt.Errorf("%s: queue %d size %d exceeds limit %d", i.Name, n, q.Size, i.queueMaxSizes[n])
		}
	}
	return nil
}
