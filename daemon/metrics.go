package daemon

import (
	"sync/atomic"
	"time"
)

// Metrics tracks request-pump statistics: a total request count, op
// and byte counts for READ and WRITE, errors, and back-channel RPC
// activity.
type Metrics struct {
	RequestsTotal   atomic.Uint64
	ReadOps         atomic.Uint64
	WriteOps        atomic.Uint64
	ReadBytes       atomic.Uint64
	WriteBytes      atomic.Uint64
	ProtocolErrors  atomic.Uint64
	BackChannelOps  atomic.Uint64
	BackChannelErrs atomic.Uint64
	NotificationsSent atomic.Uint64
	NotificationsDropped atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a zeroed metrics instance stamped with the current
// time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Observer receives notifications of daemon activity. The default
// implementation folds everything into a Metrics instance; callers may
// substitute their own (a structured-logging observer, a test spy).
type Observer interface {
	OnRequest(opcode uint32)
	OnRead(bytes uint64)
	OnWrite(bytes uint64)
	OnProtocolError()
	OnBackChannel(success bool)
	OnNotification(sent bool)
}

// MetricsObserver is the default Observer, recording everything into a
// Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps metrics as an Observer.
func NewMetricsObserver(metrics *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

func (o *MetricsObserver) OnRequest(opcode uint32) { o.metrics.RequestsTotal.Add(1) }
func (o *MetricsObserver) OnRead(bytes uint64)     { o.metrics.ReadOps.Add(1); o.metrics.ReadBytes.Add(bytes) }
func (o *MetricsObserver) OnWrite(bytes uint64)    { o.metrics.WriteOps.Add(1); o.metrics.WriteBytes.Add(bytes) }
func (o *MetricsObserver) OnProtocolError()        { o.metrics.ProtocolErrors.Add(1) }
func (o *MetricsObserver) OnBackChannel(success bool) {
	o.metrics.BackChannelOps.Add(1)
	if !success {
		o.metrics.BackChannelErrs.Add(1)
	}
}
func (o *MetricsObserver) OnNotification(sent bool) {
	if sent {
		o.metrics.NotificationsSent.Add(1)
	} else {
		o.metrics.NotificationsDropped.Add(1)
	}
}

// NoOpObserver discards everything; used when no Observer is configured.
type NoOpObserver struct{}

func (NoOpObserver) OnRequest(uint32)          {}
func (NoOpObserver) OnRead(uint64)             {}
func (NoOpObserver) OnWrite(uint64)            {}
func (NoOpObserver) OnProtocolError()          {}
func (NoOpObserver) OnBackChannel(bool)        {}
func (NoOpObserver) OnNotification(bool)       {}

var _ Observer = NoOpObserver{}
var _ Observer = (*MetricsObserver)(nil)
