package slave

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/internal/wire"
)

// fakeDevice reads one RPC header+body off fd and writes back a single
// int64 result, mimicking the device side of the back-channel wire
// format without implementing the real cache controller.
func fakeDevice(t *testing.T, fd int, result int64) {
	t.Helper()
	hdr := make([]byte, headerSize)
	n, err := unix.Read(fd, hdr)
	if err != nil || n != headerSize {
		t.Errorf("fakeDevice: read header: n=%d err=%v", n, err)
		return
	}
	entries := binary.LittleEndian.Uint32(hdr[4:8])
	if entries > 0 {
		body := make([]byte, entries*32)
		if _, err := unix.Read(fd, body); err != nil {
			t.Errorf("fakeDevice: read body: %v", err)
			return
		}
	}
	reply := make([]byte, 8)
	binary.LittleEndian.PutUint64(reply, uint64(result))
	if err := unix.Sendmsg(fd, reply, nil, nil, 0); err != nil {
		t.Errorf("fakeDevice: sendmsg: %v", err)
	}
}

func newPair(t *testing.T) (clientFD, deviceFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestClientMapSuccess(t *testing.T) {
	cfd, dfd := newPair(t)
	defer unix.Close(dfd)
	c := NewClient(cfd)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		fakeDevice(t, dfd, 0)
		close(done)
	}()

	msg := wire.SlaveMessage{Entries: []wire.SlaveEntry{{Flags: wire.SlaveFlagReadable, COffset: 0, FDOffset: 0, Len: 4096}}}
	res, err := c.Map(msg, -1)
	<-done
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if res != 0 {
		t.Fatalf("res = %d, want 0", res)
	}
}

func TestClientMapFailureRollsBack(t *testing.T) {
	cfd, dfd := newPair(t)
	defer unix.Close(dfd)
	c := NewClient(cfd)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		fakeDevice(t, dfd, -int64(unix.EINVAL)) // MAP fails
		fakeDevice(t, dfd, 0)                   // rollback UNMAP succeeds
		close(done)
	}()

	msg := wire.SlaveMessage{Entries: []wire.SlaveEntry{{COffset: 4096, Len: 4096}}}
	_, err := c.Map(msg, -1)
	<-done
	if err == nil {
		t.Fatal("expected Map error")
	}
}

func TestClientIOTransfer(t *testing.T) {
	cfd, dfd := newPair(t)
	defer unix.Close(dfd)
	c := NewClient(cfd)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		fakeDevice(t, dfd, 2048)
		close(done)
	}()

	msg := wire.SlaveMessage{Entries: []wire.SlaveEntry{{Flags: wire.SlaveFlagReadable, Len: 2048}}}
	res, err := c.IO(msg, -1)
	<-done
	if err != nil {
		t.Fatalf("IO: %v", err)
	}
	if res != 2048 {
		t.Fatalf("res = %d, want 2048", res)
	}
}
