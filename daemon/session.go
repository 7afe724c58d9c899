// Package daemon implements the Session Controller: the single
// listening socket, the predeclared hi-prio/notification/request
// queues, and the vhost-user dispatch loop that serializes control-
// plane message handling against the data-plane pumps via the dispatch
// rwlock.
package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/daemon/queue"
	"github.com/vhostfsd/vhostfsd/daemon/slave"
	"github.com/vhostfsd/vhostfsd/fuse"
	"github.com/vhostfsd/vhostfsd/internal/constants"
	"github.com/vhostfsd/vhostfsd/internal/errkind"
	"github.com/vhostfsd/vhostfsd/internal/logging"
	"github.com/vhostfsd/vhostfsd/internal/wire"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

// Queue indices for the three predeclared virtqueues.
const (
	QueueHiPrio  = 0
	QueueNotify  = 1
	QueueRequest = 2
)

// Config is the set of properties a Session is realized with.
type Config struct {
	// SocketPath is the AF_UNIX/SOCK_STREAM path this session listens
	// on. Exactly one connection is accepted before the listener is
	// closed.
	SocketPath string

	// LockDir is the directory the pid-lock file is written under. The
	// lock file's name is SocketPath with '/' replaced by '.', suffixed
	// ".pid".
	LockDir string

	// Tag is the virtio-fs tag advertised in the device config space.
	Tag string

	// NumRequestQueues must be constants.MaxRequestQueues; any other
	// value is a realize-time configuration error.
	NumRequestQueues int

	// ThreadPoolSize bounds the worker goroutines servicing the
	// hi-prio and request queues.
	ThreadPoolSize int

	// Transport is the vhost-user control-plane/virtqueue collaborator.
	// Its wire protocol implementation is out of scope for this module;
	// Session only drives it through the narrow Transport interface.
	Transport vhostuser.Transport

	// Session is the opaque FUSE request processor requests are handed
	// to.
	Session fuse.Session

	// SlaveClient issues MAP/UNMAP/SYNC/IO back-channel RPCs to the
	// device side. Nil disables unmappable-region servicing (requests
	// that would need it fail with KindBackChannel).
	SlaveClient *slave.Client

	// Metrics and Observer are ambient; both default if unset.
	Metrics  *Metrics
	Observer Observer
}

// Session is the Session Controller: realize wires the listening
// socket and the three predeclared queues; run drives the vhost-user
// dispatch loop until asked to exit.
type Session struct {
	cfg Config

	dispatchMu sync.RWMutex

	transport vhostuser.Transport
	session   fuse.Session
	slave     *slave.Client

	hiPrio  *queue.Info
	notify  *queue.Info
	request *queue.Info

	notifyEnabled atomic.Bool
	fuseFD        int // poisoned sentinel; this daemon never opens a real /dev/fuse fd

	listener *net.UnixListener
	conn     *net.UnixConn
	pidLock  string

	killFD   int
	exited   chan struct{}
	exitOnce sync.Once
	runOnce  sync.Once

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// NewSession constructs a Session from cfg without touching the
// filesystem or network; Realize performs the side-effecting setup.
func NewSession(cfg Config) *Session {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}
	if cfg.ThreadPoolSize <= 0 {
		cfg.ThreadPoolSize = constants.DefaultThreadPoolSize
	}
	return &Session{
		cfg:       cfg,
		transport: cfg.Transport,
		session:   cfg.Session,
		slave:     cfg.SlaveClient,
		fuseFD:    -1,
		metrics:   metrics,
		observer:  observer,
		logger:    logging.Default().Named("session"),
	}
}

// pidLockPath derives the sibling pid-lock file path for socketPath
// under dir: '/' replaced by '.', suffixed ".pid".
func pidLockPath(dir, socketPath string) string {
	name := strings.ReplaceAll(socketPath, "/", ".") + ".pid"
	return filepath.Join(dir, name)
}

// Realize performs the one-time setup described by §4.G: listen
// directory, pid-lock file, bind/listen/accept-one/close, predeclared
// queues wired to their kick fds, and the callback table registered
// with the transport. The FUSE FD sentinel is poisoned (-1): this
// daemon speaks virtio-fs over the vhost-user queues, never a real
// /dev/fuse character device.
func (s *Session) Realize() error {
	if s.cfg.NumRequestQueues != constants.MaxRequestQueues {
		return fmt.Errorf("daemon: more than %d request queue is not supported", constants.MaxRequestQueues)
	}

	if dir := filepath.Dir(s.cfg.SocketPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("daemon: create socket directory: %w", err)
		}
	}

	lockDir := s.cfg.LockDir
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	s.pidLock = pidLockPath(lockDir, s.cfg.SocketPath)
	if err := os.WriteFile(s.pidLock, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("daemon: write pid-lock file: %w", err)
	}

	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln.(*net.UnixListener)

	conn, err := s.listener.Accept()
	if err != nil {
		s.listener.Close()
		return fmt.Errorf("daemon: accept: %w", err)
	}
	s.conn = conn.(*net.UnixConn)
	s.listener.Close()
	s.listener = nil

	killFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return fmt.Errorf("daemon: create kill eventfd: %w", err)
	}
	s.killFD = killFD
	s.exited = make(chan struct{})

	s.transport.RegisterCallbacks(s.buildCallbacks())

	for idx, slot := range []**queue.Info{&s.hiPrio, &s.notify, &s.request} {
		q := s.transport.GetQueue(idx)
		kickFD, err := s.transport.QueueKickFD(idx)
		if err != nil {
			return fmt.Errorf("daemon: queue %d kick fd: %w", idx, err)
		}
		info, err := queue.NewInfo(idx, q, kickFD, s, s.cfg.ThreadPoolSize)
		if err != nil {
			return fmt.Errorf("daemon: build queue %d: %w", idx, err)
		}
		*slot = info
	}

	s.logger.Info("session realized", "socket", s.cfg.SocketPath, "tag", s.cfg.Tag)
	return nil
}

// buildCallbacks constructs the six-hook table §4.G requires.
func (s *Session) buildCallbacks() vhostuser.Callbacks {
	return vhostuser.Callbacks{
		GetFeatures: func() uint64 {
			return vhostuser.FeatureVersion1 | vhostuser.FeatureFSNotification | vhostuser.FeatureProtocol
		},
		SetFeatures: func(acked uint64) {
			s.notifyEnabled.Store(acked&vhostuser.FeatureFSNotification != 0)
		},
		QueueSetStarted: func(qidx int, started bool) error {
			return s.queueSetStarted(qidx, started)
		},
		QueueIsProcessedInOrder: func(qidx int) bool { return false },
		GetProtocolFeatures: func() uint64 {
			return vhostuser.ProtocolFeatureConfig
		},
		GetConfig: func() []byte {
			cfg := wire.NewFSConfig(s.cfg.Tag, uint32(s.cfg.NumRequestQueues), notifyBufSize())
			return wire.MarshalFSConfig(cfg)
		},
	}
}

// notifyBufSize returns the wire size of the largest notification
// structure this daemon emits.
func notifyBufSize() uint32 {
	return constants.FuseOutHeaderSize
}

func (s *Session) queueSetStarted(qidx int, started bool) error {
	var info *queue.Info
	switch qidx {
	case QueueHiPrio:
		info = s.hiPrio
	case QueueNotify:
		info = s.notify
	case QueueRequest:
		info = s.request
	default:
		return errkind.New("session.queue_set_started", errkind.KindProtocol,
			fmt.Sprintf("unknown queue index %d", qidx))
	}
	if info == nil {
		return errkind.New("session.queue_set_started", errkind.KindProtocol, "queue not realized")
	}
	if !started {
		info.Stop()
		return nil
	}
	info.StartPump(qidx == QueueNotify)
	return nil
}

// Run drives the dispatch loop until Stop is called or dispatch fails
// fatally. Each control-socket event takes the dispatch rwlock for
// writing, which excludes every queue pump and worker from popping,
// pushing, or notifying for the duration of the control message.
func (s *Session) Run() error {
	entered := false
	s.runOnce.Do(func() { entered = true })
	if !entered {
		return nil
	}
	defer close(s.exited)

	sockFD, err := s.controlSocketFD()
	if err != nil {
		return err
	}

	fds := []unix.PollFd{
		{Fd: int32(sockFD), Events: unix.POLLIN},
		{Fd: int32(s.killFD), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Ppoll(fds, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errkind.Wrap("session.run", errkind.KindTransportFatal, err)
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			return nil
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			if err := s.dispatchOnce(); err != nil {
				return err
			}
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return errkind.New("session.run", errkind.KindTransportFatal, "control socket closed")
		}
	}
}

func (s *Session) dispatchOnce() error {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if err := s.transport.Dispatch(); err != nil {
		return errkind.Wrap("session.dispatch", errkind.KindTransportFatal, err)
	}
	return nil
}

func (s *Session) controlSocketFD() (int, error) {
	sc, err := s.conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("daemon: control socket syscall conn: %w", err)
	}
	var fd int
	cerr := sc.Control(func(fdv uintptr) { fd = int(fdv) })
	if cerr != nil {
		return 0, fmt.Errorf("daemon: control socket fd: %w", cerr)
	}
	return fd, nil
}

// Stop asks Run to exit and, if Run has been entered, waits for it; a
// Run entered after Stop returns at once. Stop then stops every queue.
func (s *Session) Stop() {
	s.exitOnce.Do(func() {
		one := make([]byte, 8)
		one[0] = 1
		_, _ = unix.Write(s.killFD, one)
	})
	ran := true
	s.runOnce.Do(func() { ran = false })
	if ran && s.exited != nil {
		<-s.exited
	}
	for _, info := range []*queue.Info{s.hiPrio, s.notify, s.request} {
		if info != nil {
			info.Stop()
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.pidLock != "" {
		_ = os.Remove(s.pidLock)
	}
	_ = unix.Close(s.killFD)
}

// DispatchRLock/DispatchRUnlock implement queue.Device: queue pumps and
// workers read-lock the same rwlock the control thread write-locks
// around Dispatch.
func (s *Session) DispatchRLock()   { s.dispatchMu.RLock() }
func (s *Session) DispatchRUnlock() { s.dispatchMu.RUnlock() }

// Session implements queue.Device by returning the opaque FUSE
// request processor.
func (s *Session) Session() fuse.Session { return s.session }

// SlaveIO implements queue.Device's unmappable-region IO path by
// issuing a one-entry IO RPC to the device's DAX cache controller.
func (s *Session) SlaveIO(flags uint64, fd int, fdOffset, cOffset uint64, length uint32) (int64, error) {
	if s.slave == nil {
		return 0, errkind.New("session.slave_io", errkind.KindBackChannel, "no slave channel configured")
	}
	msg := wire.SlaveMessage{Entries: []wire.SlaveEntry{
		{Flags: flags, FDOffset: fdOffset, COffset: cOffset, Len: uint64(length)},
	}}
	n, err := s.slave.IO(msg, fd)
	s.observer.OnBackChannel(err == nil)
	return n, err
}

var _ queue.Device = (*Session)(nil)
