package queue

import "golang.org/x/sys/unix"

// preadRetry performs one pread, restarting on EINTR. A transient
// EINTR is the one error kind this layer retries locally rather than
// surfacing.
func preadRetry(fd int, buf []byte, offset int64) (int, error) {
	for {
		n, err := unix.Pread(fd, buf, offset)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
