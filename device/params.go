// Package device implements the device-side half of the daemon: the
// DAX Cache Controller that owns the shared cache window and services
// MAP/UNMAP/SYNC/IO, and the device lifecycle state machine that wires
// it to the vhost-user transport.
package device

import (
	"fmt"

	"github.com/vhostfsd/vhostfsd/internal/constants"
)

// Params is the device property table: chardev, tag, num-request-queues,
// queue-size, vhostfd, cache-size, versiontable.
type Params struct {
	Chardev          string
	Tag              string
	NumRequestQueues int
	QueueSize        int
	VhostFD          int
	CacheSize        uint64
	VersionTablePath string
}

// DefaultParams returns the property defaults: one request queue, a
// queue depth of 128, and a 1 GiB DAX cache.
func DefaultParams() Params {
	return Params{
		NumRequestQueues: 1,
		QueueSize:        constants.DefaultQueueSize,
		VhostFD:          -1,
		CacheSize:        constants.DefaultCacheSize,
	}
}

// Validate checks the realize-time invariants: chardev present, tag
// non-empty and within the wire tag length, queue count and size sane,
// cache size zero or a power-of-two page multiple.
func (p Params) Validate() error {
	if p.Chardev == "" {
		return fmt.Errorf("device: chardev is required")
	}
	if p.Tag == "" {
		return fmt.Errorf("device: tag is required")
	}
	if len(p.Tag) > constants.MaxTagBytes {
		return fmt.Errorf("device: tag exceeds %d bytes", constants.MaxTagBytes)
	}
	if p.NumRequestQueues < 1 {
		return fmt.Errorf("device: num-request-queues must be >= 1")
	}
	if p.NumRequestQueues > constants.MaxRequestQueues {
		return fmt.Errorf("device: more than %d request queue is not supported", constants.MaxRequestQueues)
	}
	if p.QueueSize <= 0 || !isPowerOfTwo(uint64(p.QueueSize)) {
		return fmt.Errorf("device: queue-size must be a power of two")
	}
	if p.CacheSize != 0 {
		if p.CacheSize < constants.MinCacheSize || !isPowerOfTwo(p.CacheSize) {
			return fmt.Errorf("device: cache-size must be zero or a power of two >= one page")
		}
	}
	return nil
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
