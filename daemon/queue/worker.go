package queue

import (
	"github.com/vhostfsd/vhostfsd/daemon/copy"
	"github.com/vhostfsd/vhostfsd/fuse"
	"github.com/vhostfsd/vhostfsd/internal/errkind"
	"github.com/vhostfsd/vhostfsd/internal/wire"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

// Worker handles exactly one popped element: it reconstructs a FUSE
// request from the element's "out" vectors, invokes the session, and
// pushes the element with whatever the session wrote into the "in"
// vectors (or zero length if the session sent no reply).
type Worker struct {
	info      *Info
	queue     vhostuser.Queue
	elem      vhostuser.Element
	replySent bool
}

func newWorker(info *Info, q vhostuser.Queue, elem vhostuser.Element) *Worker {
	return &Worker{info: info, queue: q, elem: elem}
}

// Run executes the worker's contract: produce zero or one reply, push
// the descriptor exactly once.
func (w *Worker) Run() {
	defer w.ensurePushed()

	elem := w.elem
	outReadable := elem.OutReadable()
	if outReadable < 1 || copy.TotalLen(elem.Out[:outReadable]) < fuse.InHeaderSize {
		panic(errkind.NewQueue("worker.reconstruct", w.info.Index, errkind.KindProtocol,
			"readable out region smaller than fuse_in_header"))
	}

	session := w.info.Device.Session()
	bufSize := session.BufferSize()
	total := copy.TotalLen(elem.Out[:outReadable])
	if total > bufSize {
		panic(errkind.NewQueue("worker.reconstruct", w.info.Index, errkind.KindProtocol,
			"readable out region exceeds session buffer size"))
	}

	headerBuf := make([]byte, fuse.InHeaderSize)
	copy.GatherCopy(headerBuf, elem.Out[:1])
	hdr := fuse.DecodeInHeader(headerBuf)

	bufVecs := w.reconstruct(elem, outReadable, hdr)
	session.Process(bufVecs, w)
}

// reconstruct selects one of the three input-reconstruction strategies
// from the queue worker's contract: the unmappable WRITE fast path, the
// unmappable READ passthrough, or the generic gather-copy path.
func (w *Worker) reconstruct(elem vhostuser.Element, outReadable int, hdr fuse.InHeader) []fuse.BufVec {
	switch {
	case elem.BadOutNum == 0 && len(elem.Out) > 2 && hdr.Opcode == fuse.OpWrite &&
		len(elem.Out[0]) == fuse.InHeaderSize && len(elem.Out[1]) == fuse.WriteInSize:
		return w.reconstructFastWrite(elem)

	case elem.BadInNum > 0 && outReadable == 2 && len(elem.Out) == 2 && hdr.Opcode == fuse.OpRead:
		return w.reconstructUnmappableRead(elem)

	case elem.BadInNum == 0 && elem.BadOutNum == 0:
		return w.reconstructGeneric(elem, outReadable)

	default:
		panic(errkind.NewQueue("worker.reconstruct", w.info.Index, errkind.KindProtocol,
			"unmappable layout matches no supported reconstruction strategy"))
	}
}

func (w *Worker) reconstructFastWrite(elem vhostuser.Element) []fuse.BufVec {
	headers := make([]byte, fuse.InHeaderSize+fuse.WriteInSize)
	copy.GatherCopy(headers, elem.Out[:2])

	vecs := make([]fuse.BufVec, 0, len(elem.Out)-1)
	vecs = append(vecs, fuse.BufVec{Data: headers, Len: len(headers)})
	for _, seg := range elem.Out[2:] {
		vecs = append(vecs, fuse.BufVec{Data: seg, Len: len(seg)})
	}
	return vecs
}

func (w *Worker) reconstructUnmappableRead(elem vhostuser.Element) []fuse.BufVec {
	headers := make([]byte, fuse.InHeaderSize+fuse.ReadInSize)
	copy.GatherCopy(headers, elem.Out)
	return []fuse.BufVec{{Data: headers, Len: len(headers)}}
}

func (w *Worker) reconstructGeneric(elem vhostuser.Element, outReadable int) []fuse.BufVec {
	total := copy.TotalLen(elem.Out[:outReadable])
	buf := make([]byte, total)
	copy.GatherCopy(buf, elem.Out[:outReadable])
	return []fuse.BufVec{{Data: buf, Len: total}}
}

// ensurePushed pushes the element with zero length if the session never
// called a reply helper, satisfying the invariant that exactly one push
// occurs per popped element.
func (w *Worker) ensurePushed() {
	if w.replySent {
		return
	}
	w.push(0)
}

func (w *Worker) push(usedLen uint32) {
	w.info.mu.Lock()
	w.info.Device.DispatchRLock()
	defer w.info.Device.DispatchRUnlock()
	defer w.info.mu.Unlock()

	if err := w.queue.Push(w.elem, usedLen); err != nil {
		panic(errkind.Wrap("worker.push", errkind.KindTransportFatal, err))
	}
	if err := w.queue.Notify(); err != nil {
		panic(errkind.Wrap("worker.notify", errkind.KindTransportFatal, err))
	}
}

// sink returns the writable prefix of the element's "in" vectors.
func (w *Worker) sink() [][]byte {
	return w.elem.In[:w.elem.InWritable()]
}

// SendReplyIOV implements fuse.ReplyChannel for plain replies with no
// attached file payload.
func (w *Worker) SendReplyIOV(header, payload []byte) error {
	sink := w.sink()
	total := copy.TotalLen(sink)
	need := len(header) + len(payload)
	if need > total {
		return errkind.NewQueue("worker.send_reply_iov", w.info.Index, errkind.KindBufferTooSmall,
			"sink iovecs too small for reply")
	}
	n := copy.CopyIovec(sink, [][]byte{header, payload}, need)
	w.push(uint32(n))
	w.replySent = true
	return nil
}

// SendReplyDataIOV implements fuse.ReplyChannel for replies whose
// payload is a range of an open file: the header is copied into the
// sink first, then as much of the file as fits is read directly into
// the remaining sink iovecs, with any unmappable tail serviced through
// the slave IO RPC.
func (w *Worker) SendReplyDataIOV(header []byte, fd int, pos int64, length uint32) error {
	sink := w.sink()
	if copy.TotalLen(sink) < len(header) {
		return errkind.NewQueue("worker.send_reply_data_iov", w.info.Index, errkind.KindBufferTooSmall,
			"sink too small for reply header")
	}
	copy.CopyIovec(sink, [][]byte{header}, len(header))
	remaining := copy.Advance(sink, len(header))

	written, err := w.readIntoIovec(remaining, fd, pos, length)
	if err != nil {
		return err
	}

	total := written
	if total < int(length) {
		n, err := w.serviceUnmappableTail(fd, pos+int64(written), int(length)-total)
		if err != nil {
			return err
		}
		total += n
	}

	fuse.RewriteOutLen(header, uint32(len(header)+total))
	copy.CopyIovec(sink, [][]byte{header}, len(header))
	w.push(uint32(len(header) + total))
	w.replySent = true
	return nil
}

// readIntoIovec performs a vectored read from fd at pos into dst,
// retrying on short reads until dst is full, length bytes have been
// read, or EOF is reached.
func (w *Worker) readIntoIovec(dst [][]byte, fd int, pos int64, length uint32) (int, error) {
	want := int(length)
	if cap := copy.TotalLen(dst); want > cap {
		want = cap
	}
	written := 0
	for written < want {
		buf := make([]byte, want-written)
		n, err := preadRetry(fd, buf, pos+int64(written))
		if n > 0 {
			copy.CopyIovec(copy.Advance(dst, written), [][]byte{buf[:n]}, n)
			written += n
		}
		if err != nil || n == 0 {
			break
		}
	}
	return written, nil
}

// serviceUnmappableTail delivers up to want bytes of file data at
// offset into the element's trailing unmappable "in" entries via the
// slave IO RPC, one entry at a time, stopping early if the device
// returns zero. A back-channel error is returned to the caller.
func (w *Worker) serviceUnmappableTail(fd int, offset int64, want int) (int, error) {
	device := w.info.Device
	delivered := 0
	for _, span := range w.elem.UnmappableIn() {
		if delivered >= want {
			break
		}
		chunk := int(span.Len)
		if want-delivered < chunk {
			chunk = want - delivered
		}
		n, err := device.SlaveIO(wire.SlaveFlagReadable, fd, uint64(offset+int64(delivered)), span.Addr, uint32(chunk))
		if err != nil {
			return delivered, err
		}
		if n <= 0 {
			break
		}
		delivered += int(n)
	}
	return delivered, nil
}
