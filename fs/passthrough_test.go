package fs

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/fuse"
)

// capturingReply records what a Session sent back, resolving
// SendReplyDataIOV by reading the referenced file range itself so tests
// can assert on the final bytes without a real descriptor chain.
type capturingReply struct {
	header  []byte
	payload []byte
	err     error
}

func (r *capturingReply) SendReplyIOV(header, payload []byte) error {
	r.header = append([]byte(nil), header...)
	r.payload = append([]byte(nil), payload...)
	return nil
}

func (r *capturingReply) SendReplyDataIOV(header []byte, fd int, offset int64, length uint32) error {
	buf := make([]byte, length)
	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		return err
	}
	r.header = append([]byte(nil), header...)
	r.payload = buf[:n]
	return nil
}

func reqHeader(opcode fuse.Opcode, unique, nodeID uint64, extra int) []byte {
	buf := make([]byte, fuse.InHeaderSize+extra)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(opcode))
	binary.LittleEndian.PutUint64(buf[8:16], unique)
	binary.LittleEndian.PutUint64(buf[16:24], nodeID)
	return buf
}

func TestLookupGetattrOpenReadWriteRelease(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	sess := NewSession(root, 1<<20)

	// LOOKUP "hello.txt" under the root node.
	lookupReq := reqHeader(fuse.OpLookup, 1, rootNodeID, 0)
	lookupReq = append(lookupReq, []byte("hello.txt\x00")...)
	var lookupReply capturingReply
	sess.Process([]fuse.BufVec{{Data: lookupReq}}, &lookupReply)
	if len(lookupReply.payload) != 40+attrSize {
		t.Fatalf("lookup payload len = %d, want %d", len(lookupReply.payload), 40+attrSize)
	}
	childNode := binary.LittleEndian.Uint64(lookupReply.payload[0:8])
	if childNode == rootNodeID {
		t.Fatal("lookup returned the root node id for a child")
	}

	// GETATTR on the looked-up node.
	getattrReq := reqHeader(fuse.OpGetattr, 2, childNode, 0)
	var getattrReply capturingReply
	sess.Process([]fuse.BufVec{{Data: getattrReq}}, &getattrReply)
	if len(getattrReply.payload) != 16+attrSize {
		t.Fatalf("getattr payload len = %d, want %d", len(getattrReply.payload), 16+attrSize)
	}
	size := binary.LittleEndian.Uint64(getattrReply.payload[16+8 : 16+16])
	if size != uint64(len("hello world")) {
		t.Fatalf("getattr size = %d, want %d", size, len("hello world"))
	}

	// OPEN the node read-write.
	openReq := reqHeader(fuse.OpOpen, 3, childNode, 4)
	binary.LittleEndian.PutUint32(openReq[fuse.InHeaderSize:fuse.InHeaderSize+4], 2 /* O_RDWR */)
	var openReply capturingReply
	sess.Process([]fuse.BufVec{{Data: openReq}}, &openReply)
	if len(openReply.payload) != 16 {
		t.Fatalf("open payload len = %d, want 16", len(openReply.payload))
	}
	fh := binary.LittleEndian.Uint64(openReply.payload[0:8])

	// READ the whole file back.
	readReq := reqHeader(fuse.OpRead, 4, childNode, fuse.ReadInSize)
	binary.LittleEndian.PutUint64(readReq[fuse.InHeaderSize:fuse.InHeaderSize+8], fh)
	binary.LittleEndian.PutUint64(readReq[fuse.InHeaderSize+8:fuse.InHeaderSize+16], 0)
	binary.LittleEndian.PutUint32(readReq[fuse.InHeaderSize+16:fuse.InHeaderSize+20], 64)
	var readReply capturingReply
	sess.Process([]fuse.BufVec{{Data: readReq}}, &readReply)
	if string(readReply.payload) != "hello world" {
		t.Fatalf("read payload = %q, want %q", readReply.payload, "hello world")
	}

	// WRITE an appended tail via the generic inline path.
	writeExtra := fuse.WriteInSize + len("!!!")
	writeReq := reqHeader(fuse.OpWrite, 5, childNode, writeExtra)
	binary.LittleEndian.PutUint64(writeReq[fuse.InHeaderSize:fuse.InHeaderSize+8], fh)
	binary.LittleEndian.PutUint64(writeReq[fuse.InHeaderSize+8:fuse.InHeaderSize+16], uint64(len("hello world")))
	binary.LittleEndian.PutUint32(writeReq[fuse.InHeaderSize+16:fuse.InHeaderSize+20], uint32(len("!!!")))
	copy(writeReq[fuse.InHeaderSize+fuse.WriteInSize:], "!!!")
	var writeReply capturingReply
	sess.Process([]fuse.BufVec{{Data: writeReq}}, &writeReply)
	written := binary.LittleEndian.Uint32(writeReply.payload[0:4])
	if written != uint32(len("!!!")) {
		t.Fatalf("written = %d, want %d", written, len("!!!"))
	}

	// RELEASE the handle.
	releaseReq := reqHeader(fuse.OpRelease, 6, childNode, 8)
	binary.LittleEndian.PutUint64(releaseReq[fuse.InHeaderSize:fuse.InHeaderSize+8], fh)
	var releaseReply capturingReply
	sess.Process([]fuse.BufVec{{Data: releaseReq}}, &releaseReply)
	if _, ok := sess.fdFor(fh); ok {
		t.Fatal("handle still registered after RELEASE")
	}

	got, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "hello world!!!" {
		t.Fatalf("file contents = %q, want %q", got, "hello world!!!")
	}
}

func TestLookupMissingReturnsErrno(t *testing.T) {
	root := t.TempDir()
	sess := NewSession(root, 1<<20)

	req := reqHeader(fuse.OpLookup, 1, rootNodeID, 0)
	req = append(req, []byte("nope\x00")...)
	var reply capturingReply
	sess.Process([]fuse.BufVec{{Data: req}}, &reply)

	errno := int32(binary.LittleEndian.Uint32(reply.header[4:8]))
	if errno == 0 {
		t.Fatal("expected a non-zero errno for a missing entry")
	}
}

func TestInitAdvertisesMaxWrite(t *testing.T) {
	sess := NewSession(t.TempDir(), 1<<16)
	req := reqHeader(fuse.OpInit, 1, 0, 0)
	var reply capturingReply
	sess.Process([]fuse.BufVec{{Data: req}}, &reply)

	maxWrite := binary.LittleEndian.Uint32(reply.payload[20:24])
	if maxWrite != 1<<16 {
		t.Fatalf("max_write = %d, want %d", maxWrite, 1<<16)
	}
}
