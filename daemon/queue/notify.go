package queue

import (
	"github.com/vhostfsd/vhostfsd/daemon/copy"
	"github.com/vhostfsd/vhostfsd/internal/errkind"
)

// NotificationSender pushes daemon-originated messages (unique id zero)
// onto the notification queue. It is called by the session outside the
// normal request/reply flow, so it takes the same locking protocol a
// Worker's push does rather than running on a pump goroutine.
type NotificationSender struct {
	info *Info
}

// NewNotificationSender builds a sender bound to the notification
// queue's info object.
func NewNotificationSender(info *Info) *NotificationSender {
	return &NotificationSender{info: info}
}

// ErrNoSpace is returned when no descriptor is currently available on
// the notification queue. Per the design notes this is accepted as a
// known limitation rather than buffered on a ring.
var ErrNoSpace = errkind.New("notify.send", errkind.KindBufferTooSmall, "no descriptor available on notification queue")

// Send copies notification's bytes into the next available descriptor
// on the notification queue and pushes it.
func (s *NotificationSender) Send(notification [][]byte) error {
	s.info.mu.Lock()
	s.info.Device.DispatchRLock()
	defer s.info.Device.DispatchRUnlock()
	defer s.info.mu.Unlock()

	elem, ok := s.info.Queue.Pop()
	if !ok {
		return ErrNoSpace
	}

	sink := elem.In[:elem.InWritable()]
	need := copy.TotalLen(notification)
	if copy.TotalLen(sink) < need {
		_ = s.info.Queue.Push(elem, 0)
		return errkind.NewQueue("notify.send", s.info.Index, errkind.KindBufferTooSmall,
			"sink too small for notification")
	}

	n := copy.CopyIovec(sink, notification, need)
	if err := s.info.Queue.Push(elem, uint32(n)); err != nil {
		return errkind.Wrap("notify.send", errkind.KindTransportFatal, err)
	}
	if err := s.info.Queue.Notify(); err != nil {
		return errkind.Wrap("notify.send", errkind.KindTransportFatal, err)
	}
	return nil
}
