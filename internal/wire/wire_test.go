package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlaveMessageRoundTrip(t *testing.T) {
	msg := SlaveMessage{Entries: []SlaveEntry{
		{Flags: SlaveFlagReadable, FDOffset: 0x1000, COffset: 0x2000, Len: 4096},
		{Flags: SlaveFlagWritable, FDOffset: 0x9000, COffset: 0xa000, Len: 8192},
	}}

	encoded := MarshalSlaveMessage(msg)
	require.Len(t, encoded, len(msg.Entries)*slaveEntrySize)

	decoded := UnmarshalSlaveMessage(encoded)
	assert.Equal(t, msg.Entries, decoded.Entries)
}

func TestMarshalSlaveMessageTruncatesToMaxEntries(t *testing.T) {
	entries := make([]SlaveEntry, 300)
	for i := range entries {
		entries[i] = SlaveEntry{Len: uint64(i)}
	}
	encoded := MarshalSlaveMessage(SlaveMessage{Entries: entries})
	assert.Len(t, encoded, 256*slaveEntrySize)
}

func TestFSConfigRoundTripFields(t *testing.T) {
	cfg := NewFSConfig("myfs", 1, 16)
	encoded := MarshalFSConfig(cfg)
	require.Len(t, encoded, fsConfigSize)

	assert.Equal(t, byte('m'), encoded[0])
	assert.Equal(t, byte('y'), encoded[1])
	assert.Equal(t, byte(0), encoded[4])
}

func TestNewFSConfigTruncatesLongTag(t *testing.T) {
	longTag := ""
	for i := 0; i < 50; i++ {
		longTag += "x"
	}
	cfg := NewFSConfig(longTag, 1, 16)

	tagLen := 0
	for _, b := range cfg.Tag {
		if b == 0 {
			break
		}
		tagLen++
	}
	assert.Equal(t, 36, tagLen)
}
