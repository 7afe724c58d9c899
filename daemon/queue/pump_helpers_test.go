package queue

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"
)

func mustEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	return fd
}

func kickInfo(t *testing.T, info *Info) {
	t.Helper()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	if _, err := unix.Write(info.KickFD, buf); err != nil {
		t.Fatalf("kick: %v", err)
	}
}
