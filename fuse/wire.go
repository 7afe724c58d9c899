// Package fuse defines the slice of the FUSE wire protocol the daemon
// must parse to route a request, and the Session interface the daemon
// dispatches into. Filesystem semantics themselves are out of scope: a
// Session is an opaque collaborator the way spec.md describes
// `session.process(buffer, channel)`.
package fuse

import "encoding/binary"

// Opcode is a FUSE request opcode. The queue worker special-cases only
// WRITE and READ; the other named opcodes are those the passthrough
// Session in package fs handles. The worker passes every other opcode
// to the Session unexamined.
type Opcode uint32

const (
	OpLookup  Opcode = 1
	OpForget  Opcode = 2
	OpGetattr Opcode = 3
	OpSetattr Opcode = 4
	OpOpen    Opcode = 14
	OpRead    Opcode = 15
	OpWrite   Opcode = 16
	OpStatfs  Opcode = 17
	OpRelease Opcode = 18
	OpInit    Opcode = 26
)

// InHeaderSize is sizeof(struct fuse_in_header) on the wire.
const InHeaderSize = 40

// WriteInSize is sizeof(struct fuse_write_in) on the wire.
const WriteInSize = 40

// ReadInSize is sizeof(struct fuse_read_in) on the wire.
const ReadInSize = 40

// OutHeaderSize is sizeof(struct fuse_out_header) on the wire.
const OutHeaderSize = 16

// InHeader is the fixed header prefixing every FUSE request.
type InHeader struct {
	Len    uint32
	Opcode Opcode
	Unique uint64
	NodeID uint64
	UID    uint32
	GID    uint32
	PID    uint32
}

// DecodeInHeader parses the leading InHeaderSize bytes of a request. The
// caller must have already verified len(buf) >= InHeaderSize.
func DecodeInHeader(buf []byte) InHeader {
	return InHeader{
		Len:    binary.LittleEndian.Uint32(buf[0:4]),
		Opcode: Opcode(binary.LittleEndian.Uint32(buf[4:8])),
		Unique: binary.LittleEndian.Uint64(buf[8:16]),
		NodeID: binary.LittleEndian.Uint64(buf[16:24]),
		UID:    binary.LittleEndian.Uint32(buf[24:28]),
		GID:    binary.LittleEndian.Uint32(buf[28:32]),
		PID:    binary.LittleEndian.Uint32(buf[32:36]),
	}
}

// WriteIn is the fixed header immediately following fuse_in_header on a
// WRITE request.
type WriteIn struct {
	FH      uint64
	Offset  uint64
	Size    uint32
	WriteFl uint32
}

// DecodeWriteIn parses fuse_write_in.
func DecodeWriteIn(buf []byte) WriteIn {
	return WriteIn{
		FH:      binary.LittleEndian.Uint64(buf[0:8]),
		Offset:  binary.LittleEndian.Uint64(buf[8:16]),
		Size:    binary.LittleEndian.Uint32(buf[16:20]),
		WriteFl: binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// ReadIn is the fixed header immediately following fuse_in_header on a
// READ request.
type ReadIn struct {
	FH     uint64
	Offset uint64
	Size   uint32
}

// DecodeReadIn parses fuse_read_in.
func DecodeReadIn(buf []byte) ReadIn {
	return ReadIn{
		FH:     binary.LittleEndian.Uint64(buf[0:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Size:   binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// EncodeOutHeader writes fuse_out_header into the first OutHeaderSize
// bytes of dst.
func EncodeOutHeader(dst []byte, length uint32, errno int32, unique uint64) {
	binary.LittleEndian.PutUint32(dst[0:4], length)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(errno))
	binary.LittleEndian.PutUint64(dst[8:16], unique)
}

// RewriteOutLen overwrites just the length field of an already-encoded
// fuse_out_header, for the case where a short read shortens a reply
// after the header was built.
func RewriteOutLen(header []byte, length uint32) {
	binary.LittleEndian.PutUint32(header[0:4], length)
}
