package device

import (
	"fmt"
	"sync"

	"github.com/vhostfsd/vhostfsd/internal/logging"
)

// HostNotifier enables or disables the host-side eventfd notifiers used
// to kick virtqueues without a full vmexit. The bus-level wiring behind
// it is an external collaborator out of scope here.
type HostNotifier interface {
	EnableHostNotifiers() error
	DisableHostNotifiers()
}

// GuestNotifierInstaller installs or removes the guest-visible
// interrupt sources for each virtqueue via the parent bus.
type GuestNotifierInstaller interface {
	InstallGuestNotifiers(ackedFeatures uint64) error
	RemoveGuestNotifiers()
}

// VhostStarter starts or stops the underlying vhost backend and masks
// or unmasks virtqueue interrupts.
type VhostStarter interface {
	StartVhost(ackedFeatures uint64) error
	StopVhost()
	UnmaskAllQueues() error
}

// Lifecycle drives realize/start/stop/unrealize for the virtio device
// object: set_status toggles start/stop on DRIVER_OK transitions while
// the VM is running; unrealize forces stop before releasing state.
type Lifecycle struct {
	mu      sync.Mutex
	started bool

	host  HostNotifier
	guest GuestNotifierInstaller
	vhost VhostStarter
	cache *Cache

	logger *logging.Logger
}

// NewLifecycle wires the lifecycle state machine to its collaborators.
func NewLifecycle(host HostNotifier, guest GuestNotifierInstaller, vhost VhostStarter, cache *Cache) *Lifecycle {
	return &Lifecycle{host: host, guest: guest, vhost: vhost, cache: cache, logger: logging.Default().Named("lifecycle")}
}

// Started reports whether the device is currently started.
func (l *Lifecycle) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Start brings the vhost backend up: host notifiers, guest notifiers,
// vhost itself, then unmasks interrupts. Any step's failure unwinds the
// steps completed so far, in reverse.
func (l *Lifecycle) Start(ackedFeatures uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	if err := l.host.EnableHostNotifiers(); err != nil {
		return fmt.Errorf("device: enable host notifiers: %w", err)
	}
	if err := l.guest.InstallGuestNotifiers(ackedFeatures); err != nil {
		l.host.DisableHostNotifiers()
		return fmt.Errorf("device: install guest notifiers: %w", err)
	}
	if err := l.vhost.StartVhost(ackedFeatures); err != nil {
		l.guest.RemoveGuestNotifiers()
		l.host.DisableHostNotifiers()
		return fmt.Errorf("device: start vhost: %w", err)
	}
	if err := l.vhost.UnmaskAllQueues(); err != nil {
		l.vhost.StopVhost()
		l.guest.RemoveGuestNotifiers()
		l.host.DisableHostNotifiers()
		return fmt.Errorf("device: unmask queues: %w", err)
	}

	l.started = true
	l.logger.Info("device started")
	return nil
}

// Stop tears the backend down in the reverse of Start's order: vhost,
// then guest notifiers, then host notifiers.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.vhost.StopVhost()
	l.guest.RemoveGuestNotifiers()
	l.host.DisableHostNotifiers()
	l.started = false
	l.logger.Info("device stopped")
}

// SetStatus implements the set_status callback: it starts or stops the
// backend on a DRIVER_OK transition while the VM is running.
func (l *Lifecycle) SetStatus(driverOK, vmRunning bool, ackedFeatures uint64) error {
	if driverOK && vmRunning {
		return l.Start(ackedFeatures)
	}
	l.Stop()
	return nil
}

// Unrealize forces a stop, then releases vhost, user-channel, and
// virtio state: here, that is the cache window.
func (l *Lifecycle) Unrealize() error {
	l.Stop()
	if l.cache != nil {
		return l.cache.Close()
	}
	return nil
}
