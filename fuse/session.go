package fuse

// BufVec is one contiguous span of a descriptor chain's data, either
// guest memory mapped into this process or (when the span falls in an
// unmappable region of the DAX window) left unbacked with only its
// length known. Session implementations that need the bytes of an
// unbacked span must go through ReplyChannel's file-region path instead.
type BufVec struct {
	Data []byte // nil if unbacked
	Len  int
}

// Mappable reports whether Data holds the real bytes for this span.
func (b BufVec) Mappable() bool { return b.Data != nil }

// ReplyChannel is how a Session sends a reply back through the queue
// worker that invoked it. Implementations own the descriptor chain's
// sink iovecs and the slave-channel client needed to deliver file data
// into sink iovecs that are not mapped into this process.
type ReplyChannel interface {
	// SendReplyIOV writes header followed by payload into the request's
	// sink iovecs and recycles the descriptor. It is used for replies
	// that do not reference file-backed data (GETATTR, LOOKUP, error
	// replies, zero-length WRITE/READ acks).
	SendReplyIOV(header, payload []byte) error

	// SendReplyDataIOV writes header, then length bytes of a file's
	// contents starting at offset, into the sink iovecs. Bytes for sink
	// iovecs mapped into this process are read from fd directly; the
	// rest go to the unmappable sink iovecs through slave IO RPCs, and
	// a back-channel failure is returned as the error.
	SendReplyDataIOV(header []byte, fd int, offset int64, length uint32) error
}

// Session is the opaque FUSE request processor. The daemon never
// interprets filesystem semantics: it reconstructs a request's bytes
// into in and hands them, with a reply path, to Process.
type Session interface {
	// BufferSize is the largest request this session will accept,
	// including fuse_in_header.
	BufferSize() int

	// Process handles one request described by in (already stitched
	// into request order by the queue worker's reconstruction policy)
	// and replies via reply. Process must not block indefinitely; it
	// is invoked on a bounded worker goroutine.
	Process(in []BufVec, reply ReplyChannel)
}
