package queue

import (
	"testing"
	"time"

	"github.com/vhostfsd/vhostfsd/fuse"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

// TestQueueKillDrainsPool exercises end-to-end scenario 6: killing a
// pump while it is blocked in ppoll causes it to exit, drain its pool,
// and leave no descriptor unpushed.
func TestQueueKillDrainsPool(t *testing.T) {
	session := &echoSession{bufSize: 4096, reply: make([]byte, 8)}
	device := &fakeDevice{session: session}

	q := &vhostuser.MemQueue{}
	info, err := NewInfo(0, q, mustEventfd(t), device, 2)
	if err != nil {
		t.Fatalf("NewInfo: %v", err)
	}
	info.StartPump(false)

	elem := vhostuser.Element{
		Index: 0,
		Out:   [][]byte{inHeader(fuse.OpGetattr, 1, fuse.InHeaderSize)},
		In:    [][]byte{make([]byte, fuse.OutHeaderSize+8)},
	}
	q.Feed(elem)
	kickInfo(t, info)

	time.Sleep(20 * time.Millisecond)
	info.Stop()

	if len(q.Pushed()) != 1 {
		t.Fatalf("pushed %d elements, want 1 (no leaked descriptor)", len(q.Pushed()))
	}
}
