// Package slave implements the slave-channel client: the daemon side of
// the MAP/UNMAP/SYNC/IO back-channel RPCs serviced by the device's DAX
// cache controller. One connection carries one outstanding RPC at a
// time, mirroring the synchronous, single-fd-at-a-time control style
// the rest of this stack uses for its other RPC client.
package slave

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/internal/errkind"
	"github.com/vhostfsd/vhostfsd/internal/logging"
	"github.com/vhostfsd/vhostfsd/internal/wire"
)

// Op identifies one of the four back-channel RPCs.
type Op uint32

const (
	OpMap Op = iota
	OpUnmap
	OpSync
	OpIO
)

func (o Op) String() string {
	switch o {
	case OpMap:
		return "MAP"
	case OpUnmap:
		return "UNMAP"
	case OpSync:
		return "SYNC"
	case OpIO:
		return "IO"
	default:
		return "UNKNOWN"
	}
}

const headerSize = 8 // op u32, entry count u32

// Client issues MAP/UNMAP/SYNC/IO RPCs over a connected socket to the
// device. Only one RPC may be in flight at a time.
type Client struct {
	fd     int
	mu     sync.Mutex
	logger *logging.Logger
}

// NewClient wraps an already-connected socket fd (the back-channel
// established by the session controller at realize time).
func NewClient(fd int) *Client {
	return &Client{fd: fd, logger: logging.Default().Named("slave")}
}

// Close closes the underlying back-channel socket.
func (c *Client) Close() error {
	return unix.Close(c.fd)
}

// call sends op with msg's entries (and, if fd >= 0, fd as ancillary
// data) and returns the signed 64-bit result the device replies with.
func (c *Client) call(op Op, msg wire.SlaveMessage, fd int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	body := wire.MarshalSlaveMessage(msg)
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(op))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(msg.Entries)))

	var rights []byte
	if fd >= 0 {
		rights = unix.UnixRights(fd)
	}
	if err := unix.Sendmsg(c.fd, append(hdr, body...), rights, nil, 0); err != nil {
		return 0, errkind.Wrap(fmt.Sprintf("slave.%s", op), errkind.KindBackChannel, err)
	}

	reply := make([]byte, 8)
	n, _, _, _, err := unix.Recvmsg(c.fd, reply, nil, 0)
	if err != nil {
		return 0, errkind.Wrap(fmt.Sprintf("slave.%s", op), errkind.KindBackChannel, err)
	}
	if n < 8 {
		return 0, errkind.New(fmt.Sprintf("slave.%s", op), errkind.KindBackChannel, "short reply")
	}
	result := int64(binary.LittleEndian.Uint64(reply))
	if result < 0 {
		return result, errkind.NewQueue(fmt.Sprintf("slave.%s", op), -1, errkind.KindBackChannel,
			fmt.Sprintf("device returned errno %d", -result))
	}
	return result, nil
}

// Map splices ranges of fd into the cache at the offsets described by
// msg. On failure, Map best-effort rolls back by issuing Unmap over the
// same message before returning the original error.
func (c *Client) Map(msg wire.SlaveMessage, fd int) (int64, error) {
	res, err := c.call(OpMap, msg, fd)
	if err != nil {
		c.logger.Warn("MAP failed, rolling back", "err", err)
		if _, uerr := c.call(OpUnmap, msg, -1); uerr != nil {
			c.logger.Error("rollback UNMAP also failed", "err", uerr)
		}
		return res, err
	}
	return res, nil
}

// Unmap restores anonymous PROT_NONE pages over the cache ranges in msg.
func (c *Client) Unmap(msg wire.SlaveMessage) (int64, error) {
	return c.call(OpUnmap, msg, -1)
}

// Sync flushes dirty cache pages backing the ranges in msg.
func (c *Client) Sync(msg wire.SlaveMessage) (int64, error) {
	return c.call(OpSync, msg, -1)
}

// IO transfers bytes between fd and the guest physical addresses
// described by msg, in the direction given by each entry's flags. The
// device closes fd after the call completes, success or failure.
func (c *Client) IO(msg wire.SlaveMessage, fd int) (int64, error) {
	return c.call(OpIO, msg, fd)
}
