package block

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/virtblk/internal/ratelimit"
)

// TokenBucketConfig describes one token bucket in a device config file.
type TokenBucketConfig struct {
	Size         uint64 `yaml:"size"`
	OneTimeBurst uint64 `yaml:"one_time_burst"`
	RefillTimeMS uint64 `yaml:"refill_time_ms"`
}

func (c *TokenBucketConfig) bucket() ratelimit.TokenBucket {
	return ratelimit.TokenBucket{
		Size:         c.Size,
		OneTimeBurst: c.OneTimeBurst,
		RefillTime:   time.Duration(c.RefillTimeMS) * time.Millisecond,
	}
}

// RateLimiterConfig pairs the bandwidth and operation buckets for one
// queue. A nil bucket leaves that dimension unlimited.
type RateLimiterConfig struct {
	Bandwidth *TokenBucketConfig `yaml:"bandwidth"`
	Ops       *TokenBucketConfig `yaml:"ops"`
}

// DeviceConfig is the user-facing block device description, typically
// loaded from a YAML file.
type DeviceConfig struct {
	ID          string             `yaml:"id"`
	ReadOnly    bool               `yaml:"read_only"`
	NumQueues   uint16             `yaml:"num_queues"`
	QueueSize   uint16             `yaml:"queue_size"`
	RateLimiter *RateLimiterConfig `yaml:"rate_limiter"`
}

const (
	defaultNumQueues = 1
	defaultQueueSize = 128
)

// ParseConfig decodes a YAML device description and validates it.
func ParseConfig(r io.Reader) (*DeviceConfig, error) {
	var cfg DeviceConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("virtio-blk: decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a device description from a YAML file.
func LoadConfig(path string) (*DeviceConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: open config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

func (c *DeviceConfig) validate() error {
	if c.NumQueues == 0 {
		c.NumQueues = defaultNumQueues
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.QueueSize&(c.QueueSize-1) != 0 {
		return fmt.Errorf("%w: queue size %d is not a power of two", ErrInvalidInput, c.QueueSize)
	}
	return nil
}

// QueueSizes returns the per-queue size limits described by the config.
func (c *DeviceConfig) QueueSizes() []uint16 {
	sizes := make([]uint16, c.NumQueues)
	for i := range sizes {
		sizes[i] = c.QueueSize
	}
	return sizes
}

// Limiters builds one rate limiter per queue from the config. All queues
// share the same bucket parameters but each gets its own limiter state.
// On failure any limiters already built are closed.
func (c *DeviceConfig) Limiters() ([]*ratelimit.Limiter, error) {
	limiters := make([]*ratelimit.Limiter, 0, c.NumQueues)
	for i := uint16(0); i < c.NumQueues; i++ {
		var l *ratelimit.Limiter
		var err error
		if c.RateLimiter == nil {
			l, err = ratelimit.NewUnlimited()
		} else {
			var bytes, ops ratelimit.TokenBucket
			if c.RateLimiter.Bandwidth != nil {
				bytes = c.RateLimiter.Bandwidth.bucket()
			}
			if c.RateLimiter.Ops != nil {
				ops = c.RateLimiter.Ops.bucket()
			}
			l, err = ratelimit.NewLimiter(bytes, ops)
		}
		if err != nil {
			for _, built := range limiters {
				built.Close()
			}
			return nil, fmt.Errorf("virtio-blk: build rate limiter: %w", err)
		}
		limiters = append(limiters, l)
	}
	return limiters, nil
}
