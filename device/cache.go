package device

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/internal/constants"
	"github.com/vhostfsd/vhostfsd/internal/logging"
	"github.com/vhostfsd/vhostfsd/internal/wire"
)

// GuestMemory resolves a guest physical address range to a host-visible
// slice. It stands in for the system memory region a real vhost-user
// memory-table implementation would provide; that machinery is an
// external collaborator out of scope here.
type GuestMemory interface {
	Resolve(addr uint64, length uint32) ([]byte, error)
}

// Cache is the device-side DAX Cache Controller: it owns a fixed-size
// shared window of host memory and services the four slave RPCs
// against it.
type Cache struct {
	mu     sync.Mutex
	window []byte // nil if cache_size == 0 (DAX disabled)
	size   uint64
	mapped []bool // per-page, true where a file mapping currently overrides the PROT_NONE base
	mem    GuestMemory
	logger *logging.Logger
}

// NewCache allocates the cache window as an anonymous, private,
// PROT_NONE mapping of size bytes (zero disables DAX entirely). The
// window is not registered with any guest memory map here.
func NewCache(size uint64, mem GuestMemory) (*Cache, error) {
	c := &Cache{size: size, mem: mem, logger: logging.Default().Named("dax-cache")}
	if size == 0 {
		return c, nil
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("device: allocate cache window: %w", err)
	}
	c.window = b
	c.mapped = make([]bool, size/uint64(unix.Getpagesize()))
	return c, nil
}

// Close unmaps the cache window. Called at device unrealize time.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window == nil {
		return nil
	}
	err := unix.Munmap(c.window)
	c.window = nil
	return err
}

// Enabled reports whether DAX is enabled (cache_size != 0).
func (c *Cache) Enabled() bool { return c.size != 0 }

func (c *Cache) inBounds(offset, length uint64) bool {
	if length == 0 {
		return true
	}
	end := offset + length
	if end < offset { // overflow
		return false
	}
	return offset < c.size && end <= c.size
}

// Map splices ranges of fd into the cache at the offsets in msg. Any
// failure triggers a best-effort Unmap over the same message before
// returning the failing errno.
func (c *Cache) Map(msg wire.SlaveMessage, fd int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Enabled() {
		return -int64(unix.EINVAL)
	}

	applied := 0
	for _, e := range msg.Entries {
		if e.Len == 0 {
			continue
		}
		if !c.inBounds(e.COffset, e.Len) {
			c.rollback(msg, applied)
			return -int64(unix.EINVAL)
		}
		prot := unix.PROT_READ
		if e.Flags&wire.SlaveFlagWritable != 0 {
			prot |= unix.PROT_WRITE
		}
		dst := c.window[e.COffset : e.COffset+e.Len]
		if err := mmapFixed(addrOf(dst), len(dst), prot, unix.MAP_SHARED|unix.MAP_FIXED, fd, int64(e.FDOffset)); err != nil {
			c.rollback(msg, applied)
			return -int64(errnoOf(err))
		}
		c.markMapped(e.COffset, e.Len, true)
		applied++
	}
	return 0
}

// rollback unmaps the first n applied entries of msg, best effort.
func (c *Cache) rollback(msg wire.SlaveMessage, n int) {
	for _, e := range msg.Entries {
		if n == 0 {
			break
		}
		if e.Len == 0 {
			continue
		}
		_ = c.restoreProtNone(e.COffset, e.Len)
		c.markMapped(e.COffset, e.Len, false)
		n--
	}
}

// Unmap restores anonymous PROT_NONE pages over the cache ranges in
// msg. An all-ones length on a disabled cache is silently accepted (the
// unmount path); any other UNMAP on a disabled cache is an error.
func (c *Cache) Unmap(msg wire.SlaveMessage) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Enabled() {
		for _, e := range msg.Entries {
			if e.Len != constants.UnmapWholeCache {
				return -int64(unix.EINVAL)
			}
		}
		return 0
	}

	var firstErr error
	for _, e := range msg.Entries {
		if e.Len == 0 {
			continue
		}
		length := e.Len
		if length == constants.UnmapWholeCache {
			length = c.size - e.COffset
		}
		if !c.inBounds(e.COffset, length) {
			if firstErr == nil {
				firstErr = unix.EINVAL
			}
			continue
		}
		if err := c.restoreProtNone(e.COffset, length); err != nil && firstErr == nil {
			firstErr = err
		}
		c.markMapped(e.COffset, length, false)
	}
	if firstErr != nil {
		return -int64(errnoOf(firstErr))
	}
	return 0
}

// Sync flushes dirty cache pages backing the ranges in msg with
// MS_SYNC. Per-entry failures are recorded but do not abort the loop.
func (c *Cache) Sync(msg wire.SlaveMessage) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Enabled() {
		return -int64(unix.EINVAL)
	}
	var firstErr error
	for _, e := range msg.Entries {
		if e.Len == 0 {
			continue
		}
		if !c.inBounds(e.COffset, e.Len) {
			if firstErr == nil {
				firstErr = unix.EINVAL
			}
			continue
		}
		region := c.window[e.COffset : e.COffset+e.Len]
		if err := unix.Msync(region, unix.MS_SYNC); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return -int64(errnoOf(firstErr))
	}
	return 0
}

// IO transfers bytes between fd and the guest physical addresses in
// msg. SlaveFlagReadable on an entry means the guest is the reader:
// bytes flow file-to-RAM (pread into the resolved host slice).
// SlaveFlagWritable means the guest is the writer: bytes flow RAM-to-
// file (pwrite from the resolved host slice). fd is closed before
// returning, success or failure.
func (c *Cache) IO(msg wire.SlaveMessage, fd int) int64 {
	defer unix.Close(fd)

	if !c.Enabled() || c.mem == nil {
		return -int64(unix.EINVAL)
	}

	var total int64
	for _, e := range msg.Entries {
		if e.Len == 0 {
			continue
		}
		host, err := c.mem.Resolve(e.COffset, uint32(e.Len))
		if err != nil {
			return -int64(errnoOf(err))
		}
		switch {
		case e.Flags&wire.SlaveFlagReadable != 0:
			n, err := unix.Pread(fd, host, int64(e.FDOffset))
			if err != nil {
				return -int64(errnoOf(err))
			}
			total += int64(n)
		case e.Flags&wire.SlaveFlagWritable != 0:
			n, err := unix.Pwrite(fd, host, int64(e.FDOffset))
			if err != nil {
				return -int64(errnoOf(err))
			}
			total += int64(n)
		default:
			return -int64(unix.EINVAL)
		}
	}
	return total
}

func (c *Cache) markMapped(offset, length uint64, v bool) {
	pageSize := uint64(unix.Getpagesize())
	start := offset / pageSize
	end := (offset + length + pageSize - 1) / pageSize
	for i := start; i < end && int(i) < len(c.mapped); i++ {
		c.mapped[i] = v
	}
}

func (c *Cache) restoreProtNone(offset, length uint64) error {
	dst := c.window[offset : offset+length]
	return mmapFixed(addrOf(dst), len(dst), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0)
}

// addrOf returns the virtual address backing a slice, for use as the
// fixed target address of an overlay mmap.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// mmapFixed issues the raw mmap(2) syscall at a caller-chosen address,
// a case golang.org/x/sys/unix.Mmap does not expose (it always lets the
// kernel pick the address).
func mmapFixed(addr uintptr, length, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
