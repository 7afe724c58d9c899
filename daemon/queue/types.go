// Package queue implements the data-plane half of the daemon: the Queue
// Worker that turns one popped descriptor-chain element into a FUSE
// session call and a reply, the Queue Pump (and its notification-queue
// sibling) that drive the worker pool from kick eventfds, and the
// Notification Sender that pushes daemon-originated messages the other
// direction.
package queue

import (
	"sync"

	"github.com/vhostfsd/vhostfsd/fuse"
	"github.com/vhostfsd/vhostfsd/internal/logging"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

// Info is the per-queue state described by the data model: an index, a
// kick/kill eventfd pair, the mutex serializing pop/push/notify on this
// queue's virtqueue, and a back-pointer to the owning device so the
// pump and workers can reach the dispatch rwlock and the FUSE session.
type Info struct {
	Index   int
	Queue   vhostuser.Queue
	KickFD  int
	KillFD  int
	mu      sync.Mutex
	Device  Device
	pool    *WorkerPool
	logger  *logging.Logger
	stopped chan struct{}
	started bool
}

// Device is the narrow slice of the Session Controller a queue-info
// object needs: the dispatch rwlock (read-locked around pop/push/notify
// to exclude in-flight control-plane mutation), the FUSE session
// workers dispatch into, and a slave-channel client for unmappable IO.
type Device interface {
	DispatchRLock()
	DispatchRUnlock()
	Session() fuse.Session
	SlaveIO(flags uint64, fd int, fdOffset, cOffset uint64, length uint32) (int64, error)
}
