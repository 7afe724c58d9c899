package queue

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/vhostfsd/vhostfsd/internal/constants"
	"github.com/vhostfsd/vhostfsd/internal/errkind"
	"github.com/vhostfsd/vhostfsd/internal/logging"
	"github.com/vhostfsd/vhostfsd/vhostuser"
)

// NewInfo builds a queue-info object and spawns its kill eventfd, but
// does not yet start the pump goroutine; callers call StartPump once
// the queue is wired to its device.
func NewInfo(index int, q vhostuser.Queue, kickFD int, device Device, poolSize int) (*Info, error) {
	killFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, errkind.Wrap("queue.new_info", errkind.KindTransportFatal, err)
	}
	return &Info{
		Index:   index,
		Queue:   q,
		KickFD:  kickFD,
		KillFD:  killFD,
		Device:  device,
		pool:    NewWorkerPool(poolSize),
		logger:  logging.Default().Named("queue-pump"),
		stopped: make(chan struct{}),
	}, nil
}

// StartPump spawns the queue's poll thread. notify selects the
// Notification Queue Pump behavior (drain kicks, never dispatch)
// instead of the ordinary Queue Pump.
func (info *Info) StartPump(notify bool) {
	info.started = true
	go info.pumpLoop(notify)
}

// Stop signals the pump thread to exit and waits for it (when StartPump
// has run), drains the worker pool (immediate=false, wait=true per the
// queue-kill contract), then closes the kill eventfd.
func (info *Info) Stop() {
	if info.started {
		one := make([]byte, 8)
		binary.LittleEndian.PutUint64(one, 1)
		_, _ = unix.Write(info.KillFD, one)
		<-info.stopped
	}
	info.pool.Drain(false, true)
	_ = unix.Close(info.KillFD)
}

func (info *Info) pumpLoop(notify bool) {
	defer close(info.stopped)

	fds := []unix.PollFd{
		{Fd: int32(info.KickFD), Events: unix.POLLIN},
		{Fd: int32(info.KillFD), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Ppoll(fds, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			info.logger.Error("ppoll failed", "queue", info.Index, "err", err)
			return
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			return
		}
		if fds[0].Revents&unix.POLLERR != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			info.drainKick()
			if !notify {
				info.dispatchAvailable()
			}
		}
	}
}

func (info *Info) drainKick() {
	buf := make([]byte, 8)
	_, _ = unix.Read(info.KickFD, buf)
}

func (info *Info) dispatchAvailable() {
	info.Device.DispatchRLock()
	info.mu.Lock()
	defer info.mu.Unlock()
	defer info.Device.DispatchRUnlock()

	for {
		elem, ok := info.Queue.Pop()
		if !ok {
			break
		}
		w := newWorker(info, info.Queue, elem)
		info.pool.Submit(w.Run)
	}
}

// MaxQueueIndex equals constants.MaxRequestQueues, the number of
// request queues supported. The session controller does not consult
// it: the single request queue sits at index 2, after the hi-prio (0)
// and notification (1) queues.
const MaxQueueIndex = constants.MaxRequestQueues
