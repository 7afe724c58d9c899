// Command vhostfsd is a standalone entry point for the Session
// Controller: it parses the property table from flags, wires a
// passthrough-to-local-directory FUSE backend and the DAX cache
// controller, and runs until SIGINT or SIGTERM.
//
// In production this daemon is started by a hypervisor's device-model
// CLI, which negotiates the vhost-user control connection and the
// virtqueues themselves; that wire protocol is an external
// collaborator out of scope for this module. This entry point drives
// the same Session Controller and DAX Cache Controller through an
// in-process vhostuser.Transport so the stack can be exercised
// end-to-end without a real guest attached.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/daemon"
	"github.com/vhostfsd/vhostfsd/device"
	"github.com/vhostfsd/vhostfsd/fs"
	"github.com/vhostfsd/vhostfsd/internal/logging"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

func main() {
	socketPath := flag.String("socket", "", "vhost-user control socket path (required)")
	lockDir := flag.String("lock-dir", "/var/run/vhostfsd", "directory for the pid-lock file")
	tag := flag.String("tag", "myfs", "virtio-fs tag advertised to the guest")
	root := flag.String("root", "", "backend root directory to serve (required)")
	cacheSize := flag.Uint64("cache-size", 1<<30, "DAX cache window size in bytes; 0 disables DAX")
	threadPoolSize := flag.Int("thread-pool-size", 64, "worker goroutines per request queue")
	queueSize := flag.Int("queue-size", 128, "virtqueue depth, must be a power of two")
	flag.Parse()

	if *socketPath == "" || *root == "" {
		fmt.Fprintln(os.Stderr, "vhostfsd: -socket and -root are required")
		os.Exit(2)
	}

	logger := logging.Default().Named("vhostfsd")

	params := device.Params{
		Chardev:          *socketPath,
		Tag:              *tag,
		NumRequestQueues: 1,
		QueueSize:        *queueSize,
		VhostFD:          -1,
		CacheSize:        *cacheSize,
	}
	if err := params.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	cache, err := device.NewCache(params.CacheSize, nil)
	if err != nil {
		logger.Error("allocate cache window", "err", err)
		os.Exit(1)
	}

	bus := noopBus{}
	lifecycle := device.NewLifecycle(bus, bus, bus, cache)

	transport, cleanup, err := newStandaloneTransport()
	if err != nil {
		logger.Error("build transport", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	fuseSession := fs.NewSession(*root, 1<<20)

	sess := daemon.NewSession(daemon.Config{
		SocketPath:       *socketPath,
		LockDir:          *lockDir,
		Tag:              *tag,
		NumRequestQueues: 1,
		ThreadPoolSize:   *threadPoolSize,
		Transport:        transport,
		Session:          fuseSession,
	})

	if err := sess.Realize(); err != nil {
		logger.Error("realize session", "err", err)
		os.Exit(1)
	}

	if err := lifecycle.Start(vhostuser.FeatureVersion1 | vhostuser.FeatureFSNotification); err != nil {
		logger.Error("start device lifecycle", "err", err)
		sess.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run() }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-runErr:
		if err != nil {
			logger.Error("session run failed", "err", err)
		}
	}

	sess.Stop()
	lifecycle.Unrealize()
	logger.Info("vhostfsd exiting")
}

// noopBus is the bus-facing collaborator device.Lifecycle drives. A
// real PCI/qbus transport would enable host notifiers, install guest
// interrupt sources and start vhost proper; this standalone entry
// point has no bus to wire to, so every step is a no-op and the
// virtqueues are driven entirely in-process by newStandaloneTransport.
type noopBus struct{}

func (noopBus) EnableHostNotifiers() error                       { return nil }
func (noopBus) DisableHostNotifiers()                             {}
func (noopBus) InstallGuestNotifiers(ackedFeatures uint64) error  { return nil }
func (noopBus) RemoveGuestNotifiers()                             {}
func (noopBus) StartVhost(ackedFeatures uint64) error             { return nil }
func (noopBus) StopVhost()                                        {}
func (noopBus) UnmaskAllQueues() error                            { return nil }

// newStandaloneTransport builds an in-process vhostuser.Transport with
// the three predeclared queues and real kick eventfds, for exercising
// the full daemon without a real vhost-user wire-protocol connection.
func newStandaloneTransport() (*vhostuser.MemTransport, func(), error) {
	tr := vhostuser.NewMemTransport()
	var fds []int
	for _, idx := range []int{daemon.QueueHiPrio, daemon.QueueNotify, daemon.QueueRequest} {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
		if err != nil {
			for _, f := range fds {
				unix.Close(f)
			}
			return nil, nil, fmt.Errorf("vhostfsd: create kick eventfd: %w", err)
		}
		fds = append(fds, fd)
		tr.AddQueue(idx, &vhostuser.MemQueue{}, fd)
	}
	cleanup := func() {
		for _, f := range fds {
			unix.Close(f)
		}
	}
	return tr, cleanup, nil
}
