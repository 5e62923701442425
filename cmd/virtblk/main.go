package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/virtblk/internal/block"
)

func run() error {
	quiet := flag.Bool("quiet", false, "validate only, print nothing on success")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `virtblk - validate virtio block device configs

USAGE:
  virtblk [flags] <config.yaml>

FLAGS:
  -quiet   Validate only, print nothing on success

The config is checked the same way the device checks it at creation
time: defaults are applied, queue sizes must be powers of two, and the
rate limiter buckets must be constructible.
`)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := block.LoadConfig(flag.Arg(0))
	if err != nil {
		return err
	}

	limiters, err := cfg.Limiters()
	if err != nil {
		return err
	}
	for _, l := range limiters {
		l.Close()
	}

	if *quiet {
		return nil
	}

	fmt.Printf("id:         %s\n", cfg.ID)
	fmt.Printf("read only:  %v\n", cfg.ReadOnly)
	fmt.Printf("queues:     %d x %d descriptors\n", cfg.NumQueues, cfg.QueueSize)
	if cfg.RateLimiter == nil {
		fmt.Printf("rate limit: none\n")
		return nil
	}
	if bw := cfg.RateLimiter.Bandwidth; bw != nil {
		fmt.Printf("bandwidth:  %d bytes / %d ms (burst %d)\n", bw.Size, bw.RefillTimeMS, bw.OneTimeBurst)
	}
	if ops := cfg.RateLimiter.Ops; ops != nil {
		fmt.Printf("ops:        %d / %d ms (burst %d)\n", ops.Size, ops.RefillTimeMS, ops.OneTimeBurst)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtblk: %v\n", err)
		os.Exit(1)
	}
}
