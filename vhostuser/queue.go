// Package vhostuser models the narrow slice of the vhost-user framing
// library the daemon depends on: popping and pushing descriptor-chain
// elements on a virtqueue, notifying the guest, and dispatching
// control-plane messages. The real wire protocol (message framing over
// the control socket, virtqueue ring layout, memory-table negotiation)
// is an external collaborator out of scope for this module; what lives
// here is the interface shape the rest of the daemon is written
// against, plus an in-process Transport usable by tests and by the
// vhostfsd CLI without a real guest attached.
package vhostuser

import (
	"fmt"
	"sync"
)

// Element is one popped descriptor-chain entry. Out is guest-to-daemon
// data, In is daemon-to-guest. BadOutNum/BadInNum count trailing
// unmappable entries in Out/In respectively: those entries carry only a
// guest physical address and length (Out[i] or In[i] is nil, and the
// address/length live in OutSpans/InSpans) because the daemon process
// cannot map the guest physical memory they describe.
type Element struct {
	Index     uint16
	Out       [][]byte
	In        [][]byte
	BadOutNum int
	BadInNum  int
	OutSpans  []Span // guest physical spans for the trailing unmappable Out entries
	InSpans   []Span // guest physical spans for the trailing unmappable In entries
}

// Span describes one guest physical memory range the daemon could not
// map directly, for later servicing via the slave IO RPC.
type Span struct {
	Addr uint64
	Len  uint32
}

// OutReadable returns the number of leading Out entries that are
// directly readable (not in the unmappable tail).
func (e *Element) OutReadable() int { return len(e.Out) - e.BadOutNum }

// InWritable returns the number of leading In entries that are directly
// writable.
func (e *Element) InWritable() int { return len(e.In) - e.BadInNum }

// UnmappableIn returns the guest physical spans of the trailing
// unmappable In entries, in order.
func (e *Element) UnmappableIn() []Span { return e.InSpans }

// Queue is the narrow surface the Queue Pump and Queue Worker need from
// a single virtqueue: pop available elements, push a used length back,
// and raise the guest's notification. Implementations are responsible
// for their own internal locking of the ring structures; callers still
// hold the per-queue mutex described by the concurrency model around
// pop/push/notify to serialize access between the pump and workers.
type Queue interface {
	// Pop returns the next available element, or ok=false if none is
	// currently available.
	Pop() (Element, bool)

	// Push marks elem's index used with usedLen bytes written to its In
	// vector and makes it visible to the guest.
	Push(elem Element, usedLen uint32) error

	// Notify raises the queue's used-ring interrupt.
	Notify() error
}

// Transport is the narrow surface the Session Controller needs: get a
// queue by index, dispatch one control-plane event from the vhost-user
// socket, register the callback table the control messages above
// invoke, and hand back the kick eventfd negotiated for a queue via
// SET_VRING_KICK. The real wire protocol (control-socket framing,
// memory-table negotiation, SET_VRING_KICK/CALL handling) is an
// external collaborator out of scope for this module.
type Transport interface {
	GetQueue(idx int) Queue
	Dispatch() error
	RegisterCallbacks(cb Callbacks)
	QueueKickFD(idx int) (int, error)
}

// MemQueue is an in-process Queue backed by a slice of pending
// elements and a record of pushed (index, usedLen) pairs. It exists so
// the rest of the daemon can be exercised without a real vhost-user
// connection: tests enqueue elements with Feed and observe pushes via
// Pushed.
type MemQueue struct {
	mu      sync.Mutex
	pending []Element
	pushed  []PushRecord
	notifs  int
}

// PushRecord captures one call to Push, for test assertions.
type PushRecord struct {
	Index   uint16
	UsedLen uint32
}

// Feed appends elements to the pending queue, as if the guest had made
// them available.
func (q *MemQueue) Feed(elems ...Element) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, elems...)
}

func (q *MemQueue) Pop() (Element, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Element{}, false
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	return e, true
}

func (q *MemQueue) Push(elem Element, usedLen uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, PushRecord{Index: elem.Index, UsedLen: usedLen})
	return nil
}

func (q *MemQueue) Notify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifs++
	return nil
}

// Pushed returns the recorded pushes so far, in order.
func (q *MemQueue) Pushed() []PushRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PushRecord, len(q.pushed))
	copy(out, q.pushed)
	return out
}

// Notifications returns the number of Notify calls so far.
func (q *MemQueue) Notifications() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifs
}

var _ Queue = (*MemQueue)(nil)

// MemTransport is an in-process Transport backed by MemQueues and
// caller-supplied kick fds, for exercising the Session Controller
// without a real vhost-user control socket.
type MemTransport struct {
	mu       sync.Mutex
	queues   map[int]Queue
	kickFDs  map[int]int
	cb       Callbacks
	dispatch func() error
}

// NewMemTransport builds an empty transport; callers register queues
// and kick fds with AddQueue before use.
func NewMemTransport() *MemTransport {
	return &MemTransport{queues: make(map[int]Queue), kickFDs: make(map[int]int)}
}

// AddQueue registers a queue and the kick fd the Session Controller
// would have received for it via SET_VRING_KICK.
func (t *MemTransport) AddQueue(idx int, q Queue, kickFD int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[idx] = q
	t.kickFDs[idx] = kickFD
}

// SetDispatchFunc overrides Dispatch's behavior; the default is a no-op
// returning nil, since there is no real control socket to read from.
func (t *MemTransport) SetDispatchFunc(f func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatch = f
}

// Callbacks returns the callback table most recently registered, for
// test assertions that the Session Controller wired the right hooks.
func (t *MemTransport) Callbacks() Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb
}

func (t *MemTransport) GetQueue(idx int) Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queues[idx]
}

func (t *MemTransport) Dispatch() error {
	t.mu.Lock()
	f := t.dispatch
	t.mu.Unlock()
	if f == nil {
		return nil
	}
	return f()
}

func (t *MemTransport) RegisterCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *MemTransport) QueueKickFD(idx int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, ok := t.kickFDs[idx]
	if !ok {
		return 0, fmt.Errorf("vhostuser: no kick fd registered for queue %d", idx)
	}
	return fd, nil
}

var _ Transport = (*MemTransport)(nil)
