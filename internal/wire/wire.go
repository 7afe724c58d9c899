// Package wire marshals the fixed-layout structures that cross process
// boundaries on this daemon's sockets: the virtio_fs_config device config
// and the slave-channel message array. Layout is little-endian, field
// by field, following the same manual encoding/binary style the rest of
// this stack uses for wire structs (no reflection, no generic codec).
package wire

import (
	"encoding/binary"

	"github.com/vhostfsd/vhostfsd/internal/constants"
)

// SlaveEntry is one range within a slave-channel message.
type SlaveEntry struct {
	Flags    uint64
	FDOffset uint64
	COffset  uint64
	Len      uint64
}

// Entry flag bits.
const (
	SlaveFlagReadable uint64 = 1 << 0
	SlaveFlagWritable uint64 = 1 << 1
)

const slaveEntrySize = 32

// SlaveMessage is the fixed-size array carried by MAP/UNMAP/SYNC/IO RPCs.
type SlaveMessage struct {
	Entries []SlaveEntry
}

// MarshalSlaveMessage encodes up to constants.MaxSlaveEntries entries.
func MarshalSlaveMessage(msg SlaveMessage) []byte {
	n := len(msg.Entries)
	if n > constants.MaxSlaveEntries {
		n = constants.MaxSlaveEntries
	}
	buf := make([]byte, n*slaveEntrySize)
	for i := 0; i < n; i++ {
		e := msg.Entries[i]
		off := i * slaveEntrySize
		binary.LittleEndian.PutUint64(buf[off:], e.Flags)
		binary.LittleEndian.PutUint64(buf[off+8:], e.FDOffset)
		binary.LittleEndian.PutUint64(buf[off+16:], e.COffset)
		binary.LittleEndian.PutUint64(buf[off+24:], e.Len)
	}
	return buf
}

// UnmarshalSlaveMessage decodes a byte buffer produced by
// MarshalSlaveMessage.
func UnmarshalSlaveMessage(data []byte) SlaveMessage {
	n := len(data) / slaveEntrySize
	entries := make([]SlaveEntry, n)
	for i := 0; i < n; i++ {
		off := i * slaveEntrySize
		entries[i] = SlaveEntry{
			Flags:    binary.LittleEndian.Uint64(data[off:]),
			FDOffset: binary.LittleEndian.Uint64(data[off+8:]),
			COffset:  binary.LittleEndian.Uint64(data[off+16:]),
			Len:      binary.LittleEndian.Uint64(data[off+24:]),
		}
	}
	return SlaveMessage{Entries: entries}
}

// FSConfig mirrors the wire layout of struct virtio_fs_config: a
// fixed-size, NUL-padded tag followed by two little-endian u32 fields.
type FSConfig struct {
	Tag               [constants.MaxTagBytes]byte
	NumRequestQueues  uint32
	NotifyBufSize     uint32
}

const fsConfigSize = constants.MaxTagBytes + 4 + 4

// MarshalFSConfig encodes the device config space.
func MarshalFSConfig(cfg FSConfig) []byte {
	buf := make([]byte, fsConfigSize)
	copy(buf[:constants.MaxTagBytes], cfg.Tag[:])
	binary.LittleEndian.PutUint32(buf[constants.MaxTagBytes:], cfg.NumRequestQueues)
	binary.LittleEndian.PutUint32(buf[constants.MaxTagBytes+4:], cfg.NotifyBufSize)
	return buf
}

// NewFSConfig builds a config struct from a tag string, truncating or
// NUL-padding to constants.MaxTagBytes as the wire format requires.
func NewFSConfig(tag string, numQueues, notifyBufSize uint32) FSConfig {
	var cfg FSConfig
	cfg.NumRequestQueues = numQueues
	cfg.NotifyBufSize = notifyBufSize
	b := []byte(tag)
	if len(b) > constants.MaxTagBytes {
		b = b[:constants.MaxTagBytes]
	}
	copy(cfg.Tag[:], b)
	return cfg
}
