// Package fs implements a passthrough fuse.Session backed by a local
// directory: every nodeID maps to a path under the root, file handles
// are raw fds, and replies are encoded in the same manual
// binary.LittleEndian style the rest of this stack uses for wire
// structs. Filesystem semantics beyond the opcode set implemented
// here (LOOKUP, GETATTR, SETATTR, OPEN, READ, WRITE, STATFS, RELEASE,
// INIT, FORGET) are not implemented.
package fs

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/fuse"
	"github.com/vhostfsd/vhostfsd/internal/logging"
)

const (
	rootNodeID = 1
	attrSize   = 88 // sizeof(struct fuse_attr)

	fattrMode = 1 << 0
	fattrSize = 1 << 3
)

// Session is a passthrough FUSE session rooted at a local directory.
type Session struct {
	root    string
	bufSize int

	mu       sync.Mutex
	paths    map[uint64]string // nodeID -> path relative to root; "" is root
	nextNode uint64

	handles sync.Map // fh uint64 -> fd int
	nextFH  atomic.Uint64

	logger *logging.Logger
}

// NewSession builds a passthrough session rooted at root, accepting
// requests up to bufSize bytes.
func NewSession(root string, bufSize int) *Session {
	return &Session{
		root:     root,
		bufSize:  bufSize,
		paths:    map[uint64]string{rootNodeID: ""},
		nextNode: rootNodeID + 1,
		logger:   logging.Default().Named("passthrough"),
	}
}

// BufferSize implements fuse.Session.
func (s *Session) BufferSize() int { return s.bufSize }

// Process implements fuse.Session, dispatching by opcode.
func (s *Session) Process(in []fuse.BufVec, reply fuse.ReplyChannel) {
	if len(in) == 0 || len(in[0].Data) < fuse.InHeaderSize {
		return
	}
	hdr := fuse.DecodeInHeader(in[0].Data)
	switch hdr.Opcode {
	case fuse.OpInit:
		s.handleInit(hdr, reply)
	case fuse.OpLookup:
		s.handleLookup(hdr, in[0].Data, reply)
	case fuse.OpGetattr:
		s.handleGetattr(hdr, reply)
	case fuse.OpSetattr:
		s.handleSetattr(hdr, in[0].Data, reply)
	case fuse.OpOpen:
		s.handleOpen(hdr, in[0].Data, reply)
	case fuse.OpRead:
		s.handleRead(hdr, in[0].Data, reply)
	case fuse.OpWrite:
		s.handleWrite(hdr, in, reply)
	case fuse.OpStatfs:
		s.handleStatfs(hdr, reply)
	case fuse.OpRelease:
		s.handleRelease(hdr, in[0].Data, reply)
	case fuse.OpForget:
		// No reply: FORGET is fire-and-forget per the FUSE protocol.
	default:
		s.replyErrno(hdr, unix.ENOSYS, reply)
	}
}

func (s *Session) hostPath(nodeID uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.paths[nodeID]
	if !ok {
		return "", false
	}
	return filepath.Join(s.root, rel), true
}

func (s *Session) relChild(parent uint64, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, ok := s.paths[parent]
	if !ok {
		return "", false
	}
	if base == "" {
		return name, true
	}
	return base + "/" + name, true
}

func (s *Session) internNode(rel string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.paths {
		if p == rel {
			return id
		}
	}
	id := s.nextNode
	s.nextNode++
	s.paths[id] = rel
	return id
}

func (s *Session) allocFH(fd int) uint64 {
	fh := s.nextFH.Add(1)
	s.handles.Store(fh, fd)
	return fh
}

func (s *Session) fdFor(fh uint64) (int, bool) {
	v, ok := s.handles.Load(fh)
	if !ok {
		return 0, false
	}
	return v.(int), true
}

func (s *Session) handleInit(hdr fuse.InHeader, reply fuse.ReplyChannel) {
	extra := make([]byte, 40)
	binary.LittleEndian.PutUint32(extra[0:4], 7)
	binary.LittleEndian.PutUint32(extra[4:8], 31)
	binary.LittleEndian.PutUint32(extra[8:12], 128*1024)
	binary.LittleEndian.PutUint32(extra[12:16], 0)
	binary.LittleEndian.PutUint16(extra[16:18], 16)
	binary.LittleEndian.PutUint16(extra[18:20], 32)
	binary.LittleEndian.PutUint32(extra[20:24], uint32(s.bufSize))
	binary.LittleEndian.PutUint32(extra[24:28], 1)
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleLookup(hdr fuse.InHeader, body []byte, reply fuse.ReplyChannel) {
	name := cstring(body[fuse.InHeaderSize:])
	rel, ok := s.relChild(hdr.NodeID, name)
	if !ok {
		s.replyErrno(hdr, unix.ENOENT, reply)
		return
	}
	var st unix.Stat_t
	if err := unix.Lstat(filepath.Join(s.root, rel), &st); err != nil {
		s.replyErrno(hdr, errnoOf(err), reply)
		return
	}
	nodeID := s.internNode(rel)
	extra := make([]byte, 40+attrSize)
	binary.LittleEndian.PutUint64(extra[0:8], nodeID)
	binary.LittleEndian.PutUint64(extra[16:24], 1) // entry_valid
	binary.LittleEndian.PutUint64(extra[24:32], 1) // attr_valid
	encodeAttr(extra[40:], nodeID, st)
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleGetattr(hdr fuse.InHeader, reply fuse.ReplyChannel) {
	path, ok := s.hostPath(hdr.NodeID)
	if !ok {
		s.replyErrno(hdr, unix.ENOENT, reply)
		return
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		s.replyErrno(hdr, errnoOf(err), reply)
		return
	}
	extra := make([]byte, 16+attrSize)
	binary.LittleEndian.PutUint64(extra[0:8], 1)
	encodeAttr(extra[16:], hdr.NodeID, st)
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleSetattr(hdr fuse.InHeader, body []byte, reply fuse.ReplyChannel) {
	path, ok := s.hostPath(hdr.NodeID)
	if !ok {
		s.replyErrno(hdr, unix.ENOENT, reply)
		return
	}
	if len(body) < fuse.InHeaderSize+88 {
		s.replyErrno(hdr, unix.EINVAL, reply)
		return
	}
	setattrIn := body[fuse.InHeaderSize:]
	valid := binary.LittleEndian.Uint32(setattrIn[0:4])
	if valid&fattrSize != 0 {
		size := binary.LittleEndian.Uint64(setattrIn[16:24])
		if err := unix.Truncate(path, int64(size)); err != nil {
			s.replyErrno(hdr, errnoOf(err), reply)
			return
		}
	}
	if valid&fattrMode != 0 {
		mode := binary.LittleEndian.Uint32(setattrIn[68:72])
		if err := unix.Chmod(path, mode); err != nil {
			s.replyErrno(hdr, errnoOf(err), reply)
			return
		}
	}
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		s.replyErrno(hdr, errnoOf(err), reply)
		return
	}
	extra := make([]byte, 16+attrSize)
	binary.LittleEndian.PutUint64(extra[0:8], 1)
	encodeAttr(extra[16:], hdr.NodeID, st)
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleOpen(hdr fuse.InHeader, body []byte, reply fuse.ReplyChannel) {
	path, ok := s.hostPath(hdr.NodeID)
	if !ok {
		s.replyErrno(hdr, unix.ENOENT, reply)
		return
	}
	if len(body) < fuse.InHeaderSize+4 {
		s.replyErrno(hdr, unix.EINVAL, reply)
		return
	}
	flags := binary.LittleEndian.Uint32(body[fuse.InHeaderSize : fuse.InHeaderSize+4])
	fd, err := unix.Open(path, int(flags)|unix.O_CLOEXEC, 0o644)
	if err != nil {
		s.replyErrno(hdr, errnoOf(err), reply)
		return
	}
	fh := s.allocFH(fd)
	extra := make([]byte, 16)
	binary.LittleEndian.PutUint64(extra[0:8], fh)
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleRead(hdr fuse.InHeader, body []byte, reply fuse.ReplyChannel) {
	if len(body) < fuse.InHeaderSize+fuse.ReadInSize {
		s.replyErrno(hdr, unix.EINVAL, reply)
		return
	}
	ri := fuse.DecodeReadIn(body[fuse.InHeaderSize:])
	fd, ok := s.fdFor(ri.FH)
	if !ok {
		s.replyErrno(hdr, unix.EBADF, reply)
		return
	}
	header := make([]byte, fuse.OutHeaderSize)
	fuse.EncodeOutHeader(header, fuse.OutHeaderSize, 0, hdr.Unique)
	if err := reply.SendReplyDataIOV(header, fd, int64(ri.Offset), ri.Size); err != nil {
		s.replyErrno(hdr, unix.EIO, reply)
	}
}

func (s *Session) handleWrite(hdr fuse.InHeader, in []fuse.BufVec, reply fuse.ReplyChannel) {
	if len(in) == 0 || len(in[0].Data) < fuse.InHeaderSize+fuse.WriteInSize {
		s.replyErrno(hdr, unix.EINVAL, reply)
		return
	}
	wi := fuse.DecodeWriteIn(in[0].Data[fuse.InHeaderSize:])
	fd, ok := s.fdFor(wi.FH)
	if !ok {
		s.replyErrno(hdr, unix.EBADF, reply)
		return
	}

	var payload [][]byte
	if len(in) > 1 {
		for _, v := range in[1:] {
			payload = append(payload, v.Data)
		}
	} else if rest := in[0].Data[fuse.InHeaderSize+fuse.WriteInSize:]; len(rest) > 0 {
		payload = [][]byte{rest}
	}

	written := 0
	off := int64(wi.Offset)
	for _, seg := range payload {
		if len(seg) == 0 {
			continue
		}
		n, err := unix.Pwrite(fd, seg, off+int64(written))
		if err != nil {
			if written == 0 {
				s.replyErrno(hdr, errnoOf(err), reply)
				return
			}
			break
		}
		written += n
		if n < len(seg) {
			break
		}
	}

	extra := make([]byte, 8)
	binary.LittleEndian.PutUint32(extra[0:4], uint32(written))
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleStatfs(hdr fuse.InHeader, reply fuse.ReplyChannel) {
	path, ok := s.hostPath(hdr.NodeID)
	if !ok {
		path = s.root
	}
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		s.replyErrno(hdr, errnoOf(err), reply)
		return
	}
	extra := make([]byte, 80) // fuse_kstatfs
	binary.LittleEndian.PutUint64(extra[0:8], st.Blocks)
	binary.LittleEndian.PutUint64(extra[8:16], st.Bfree)
	binary.LittleEndian.PutUint64(extra[16:24], st.Bavail)
	binary.LittleEndian.PutUint64(extra[24:32], st.Files)
	binary.LittleEndian.PutUint64(extra[32:40], st.Ffree)
	binary.LittleEndian.PutUint32(extra[40:44], uint32(st.Bsize))
	binary.LittleEndian.PutUint32(extra[44:48], 255)
	binary.LittleEndian.PutUint32(extra[48:52], uint32(st.Frsize))
	s.sendSimple(hdr, extra, reply)
}

func (s *Session) handleRelease(hdr fuse.InHeader, body []byte, reply fuse.ReplyChannel) {
	if len(body) >= fuse.InHeaderSize+8 {
		fh := binary.LittleEndian.Uint64(body[fuse.InHeaderSize : fuse.InHeaderSize+8])
		if fd, ok := s.fdFor(fh); ok {
			_ = unix.Close(fd)
			s.handles.Delete(fh)
		}
	}
	s.sendSimple(hdr, nil, reply)
}

func (s *Session) sendSimple(hdr fuse.InHeader, extra []byte, reply fuse.ReplyChannel) {
	header := make([]byte, fuse.OutHeaderSize)
	fuse.EncodeOutHeader(header, uint32(fuse.OutHeaderSize+len(extra)), 0, hdr.Unique)
	if err := reply.SendReplyIOV(header, extra); err != nil {
		s.logger.Warn("send reply failed", "opcode", hdr.Opcode, "err", err)
	}
}

func (s *Session) replyErrno(hdr fuse.InHeader, errno unix.Errno, reply fuse.ReplyChannel) {
	header := make([]byte, fuse.OutHeaderSize)
	fuse.EncodeOutHeader(header, fuse.OutHeaderSize, -int32(errno), hdr.Unique)
	_ = reply.SendReplyIOV(header, nil)
}

func encodeAttr(dst []byte, nodeID uint64, st unix.Stat_t) {
	binary.LittleEndian.PutUint64(dst[0:8], nodeID)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(st.Size))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(st.Blocks))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(st.Atim.Sec))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(st.Mtim.Sec))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(st.Ctim.Sec))
	binary.LittleEndian.PutUint32(dst[48:52], uint32(st.Atim.Nsec))
	binary.LittleEndian.PutUint32(dst[52:56], uint32(st.Mtim.Nsec))
	binary.LittleEndian.PutUint32(dst[56:60], uint32(st.Ctim.Nsec))
	binary.LittleEndian.PutUint32(dst[60:64], st.Mode)
	binary.LittleEndian.PutUint32(dst[64:68], uint32(st.Nlink))
	binary.LittleEndian.PutUint32(dst[68:72], st.Uid)
	binary.LittleEndian.PutUint32(dst[72:76], st.Gid)
	binary.LittleEndian.PutUint32(dst[76:80], uint32(st.Rdev))
	binary.LittleEndian.PutUint32(dst[80:84], uint32(st.Blksize))
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

var _ fuse.Session = (*Session)(nil)
