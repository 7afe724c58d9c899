// Package constants holds default tunables shared across the daemon and
// device packages.
package constants

// Slave-channel message shape. The same entry count applies to MAP,
// UNMAP, SYNC and IO.
const (
	// MaxSlaveEntries bounds the number of ranges carried by one
	// slave-channel RPC message.
	MaxSlaveEntries = 256

	// UnmapWholeCache is the sentinel length meaning "the entire cache"
	// on an UNMAP entry.
	UnmapWholeCache = ^uint64(0)
)

// Queue and pool defaults.
const (
	// DefaultQueueSize is the default virtqueue depth (must be a power
	// of two).
	DefaultQueueSize = 128

	// DefaultThreadPoolSize bounds the number of worker goroutines that
	// service one request queue.
	DefaultThreadPoolSize = 64

	// MaxRequestQueues is fixed at 1 by design (spec.md's explicit
	// non-goal: qidx >= valid_queues is rejected).
	MaxRequestQueues = 1
)

// Cache window defaults.
const (
	// DefaultCacheSize is the default DAX cache window size (1 GiB). A
	// value of 0 disables DAX entirely.
	DefaultCacheSize = 1 << 30

	// MinCacheSize is one page; cache windows smaller than this (but
	// nonzero) are rejected at realize time.
	MinCacheSize = 4096
)

// Wire/config limits.
const (
	// MaxTagBytes is the maximum length of the virtio-fs tag, matching
	// the wire layout of virtio_fs_config.tag.
	MaxTagBytes = 36

	// FuseInHeaderSize is sizeof(struct fuse_in_header) on the wire.
	FuseInHeaderSize = 40

	// FuseOutHeaderSize is sizeof(struct fuse_out_header) on the wire.
	FuseOutHeaderSize = 16
)
