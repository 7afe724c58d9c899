package vhostuser

import "encoding/binary"

// Feature bits this daemon advertises via get_features / negotiates via
// set_features.
const (
	FeatureVersion1      uint64 = 1 << 32
	FeatureFSNotification uint64 = 1 << 0
	FeatureProtocol       uint64 = 1 << 30
)

// Protocol feature bits advertised via get_protocol_features.
const (
	ProtocolFeatureConfig uint64 = 1 << 9
)

// MessageHeader is the fixed 12-byte prefix of every vhost-user control
// message: request id, flags, and payload size.
type MessageHeader struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

const MessageHeaderSize = 12

// DecodeMessageHeader parses the leading MessageHeaderSize bytes of a
// control-socket read.
func DecodeMessageHeader(buf []byte) MessageHeader {
	return MessageHeader{
		Request: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:   binary.LittleEndian.Uint32(buf[4:8]),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// EncodeMessageHeader serializes hdr into the first MessageHeaderSize
// bytes of dst.
func EncodeMessageHeader(dst []byte, hdr MessageHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], hdr.Request)
	binary.LittleEndian.PutUint32(dst[4:8], hdr.Flags)
	binary.LittleEndian.PutUint32(dst[8:12], hdr.Size)
}

// Request identifies a vhost-user control message this daemon handles.
// Only the subset the Session Controller's callback table names is
// enumerated; any other request is passed through to the Transport
// unexamined.
type Request uint32

const (
	ReqGetFeatures          Request = 1
	ReqSetFeatures          Request = 2
	ReqSetVringKick         Request = 12
	ReqSetVringCall         Request = 13
	ReqGetProtocolFeatures  Request = 15
	ReqSetProtocolFeatures  Request = 16
	ReqGetConfig            Request = 24
	ReqSetVringEnable       Request = 18
)

// Callbacks is the table the Session Controller registers with the
// Transport's dispatch loop. It mirrors §4.G exactly: six hooks, each
// corresponding to one vhost-user control message this daemon cares
// about.
type Callbacks struct {
	// GetFeatures returns the feature bitmap this daemon advertises.
	GetFeatures func() uint64

	// SetFeatures records which of the advertised features the driver
	// acknowledged. Implementations set the notification-enabled flag
	// iff FeatureFSNotification was acknowledged.
	SetFeatures func(acked uint64)

	// QueueSetStarted is invoked on VHOST_USER_SET_VRING_ENABLE,
	// started indicating whether the queue is being enabled or
	// disabled.
	QueueSetStarted func(qidx int, started bool) error

	// QueueIsProcessedInOrder always returns false for this transport.
	QueueIsProcessedInOrder func(qidx int) bool

	// GetProtocolFeatures returns the protocol feature bitmap.
	GetProtocolFeatures func() uint64

	// GetConfig returns the marshaled virtio_fs_config payload.
	GetConfig func() []byte
}
