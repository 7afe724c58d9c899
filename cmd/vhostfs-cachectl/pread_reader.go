package main

import "golang.org/x/sys/unix"

// preadReader is the default replay backend: a plain pread(2) per
// trace entry, matching how device.Cache.IO itself moves bytes when
// servicing a real IO RPC.
type preadReader struct {
	fd  int
	buf []byte
}

func (r *preadReader) ReadAt(length int, offset int64) (int, error) {
	if len(r.buf) < length {
		r.buf = make([]byte, length)
	}
	return unix.Pread(r.fd, r.buf[:length], offset)
}

func (r *preadReader) Close() error { return nil }
