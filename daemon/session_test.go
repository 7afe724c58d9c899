package daemon

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/fuse"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

type noopSession struct{}

func (noopSession) BufferSize() int { return 4096 }
func (noopSession) Process(in []fuse.BufVec, reply fuse.ReplyChannel) {}

func mustEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}
	return fd
}

func newTestTransport(t *testing.T) *vhostuser.MemTransport {
	t.Helper()
	tr := vhostuser.NewMemTransport()
	tr.AddQueue(QueueHiPrio, &vhostuser.MemQueue{}, mustEventfd(t))
	tr.AddQueue(QueueNotify, &vhostuser.MemQueue{}, mustEventfd(t))
	tr.AddQueue(QueueRequest, &vhostuser.MemQueue{}, mustEventfd(t))
	return tr
}

// TestRealizeBindsAcceptsAndWritesPidLock exercises the realize-time
// side effects named by the session controller: socket directory
// creation, pid-lock file, and single-connection accept.
func TestRealizeBindsAcceptsAndWritesPidLock(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "sock", "vhostfs.sock")
	lockDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		t.Fatalf("mkdir lockdir: %v", err)
	}

	sess := NewSession(Config{
		SocketPath:       socketPath,
		LockDir:          lockDir,
		Tag:              "myfs",
		NumRequestQueues: 1,
		Transport:        newTestTransport(t),
		Session:          noopSession{},
	})

	realizeErr := make(chan error, 1)
	go func() { realizeErr <- sess.Realize() }()

	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := <-realizeErr; err != nil {
		t.Fatalf("Realize: %v", err)
	}

	if _, err := os.Stat(sess.pidLock); err != nil {
		t.Fatalf("pid-lock file missing: %v", err)
	}
	content, err := os.ReadFile(sess.pidLock)
	if err != nil {
		t.Fatalf("read pid-lock: %v", err)
	}
	if len(content) == 0 {
		t.Fatal("pid-lock file empty")
	}

	sess.Stop()
}

// TestRealizeRejectsMultipleRequestQueues covers the "more than one
// request queue" configuration-error exit path.
func TestRealizeRejectsMultipleRequestQueues(t *testing.T) {
	sess := NewSession(Config{
		SocketPath:       filepath.Join(t.TempDir(), "sock"),
		Tag:              "myfs",
		NumRequestQueues: 2,
		Transport:        newTestTransport(t),
		Session:          noopSession{},
	})
	if err := sess.Realize(); err == nil {
		t.Fatal("expected error for NumRequestQueues=2")
	}
}

// TestCallbacksFeatureNegotiation covers the callback table's feature
// negotiation hooks and its device config.
func TestCallbacksFeatureNegotiation(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "vhostfs.sock")

	sess := NewSession(Config{
		SocketPath:       socketPath,
		LockDir:          dir,
		Tag:              "myfs",
		NumRequestQueues: 1,
		Transport:        newTestTransport(t),
		Session:          noopSession{},
	})

	realizeErr := make(chan error, 1)
	go func() { realizeErr <- sess.Realize() }()

	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := <-realizeErr; err != nil {
		t.Fatalf("Realize: %v", err)
	}
	defer sess.Stop()

	cb := sess.transport.(*vhostuser.MemTransport).Callbacks()
	features := cb.GetFeatures()
	if features&vhostuser.FeatureFSNotification == 0 {
		t.Fatal("FeatureFSNotification not advertised")
	}

	cb.SetFeatures(vhostuser.FeatureFSNotification)
	if !sess.notifyEnabled.Load() {
		t.Fatal("notifyEnabled not set after acking FeatureFSNotification")
	}

	cfgBytes := cb.GetConfig()
	if len(cfgBytes) == 0 {
		t.Fatal("GetConfig returned empty config")
	}
}
