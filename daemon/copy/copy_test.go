package copy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherCopy(t *testing.T) {
	cases := []struct {
		name string
		dst  int
		iov  [][]byte
		want string
		n    int
	}{
		{"exact fit", 5, [][]byte{[]byte("hel"), []byte("lo")}, "hello", 5},
		{"truncated", 3, [][]byte{[]byte("hel"), []byte("lo")}, "hel", 3},
		{"empty iov", 5, nil, "", 0},
		{"dst larger than input", 10, [][]byte{[]byte("hi")}, "hi", 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dst := make([]byte, c.dst)
			n := GatherCopy(dst, c.iov)
			require.Equal(t, c.n, n)
			assert.Equal(t, []byte(c.want), dst[:n])
		})
	}
}

// TestCopyIovecRoundTrip checks law L1: scattering a gathered buffer
// back out through independently-shaped iovecs reproduces the original
// bytes regardless of how the source and destination are chunked.
func TestCopyIovecRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		src     [][]byte
		dstSpan []int
	}{
		{"uneven split", [][]byte{[]byte("abcd"), []byte("ef"), []byte("ghijk")}, []int{3, 1, 7}},
		{"single src, many dst", [][]byte{[]byte("abcdefghijk")}, []int{1, 1, 1, 8}},
		{"many src, single dst", [][]byte{[]byte("a"), []byte("b"), []byte("cdefghijk")}, []int{11}},
	}
	want := []byte("abcdefghijk")
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dst := make([][]byte, len(c.dstSpan))
			for i, sz := range c.dstSpan {
				dst[i] = make([]byte, sz)
			}
			n := CopyIovec(dst, c.src, len(want))
			require.Equal(t, len(want), n)

			var got []byte
			for _, d := range dst {
				got = append(got, d...)
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestCopyIovecShortDst(t *testing.T) {
	src := [][]byte{[]byte("abcdef")}
	dst := [][]byte{make([]byte, 3)}
	n := CopyIovec(dst, src, 6)
	require.Equal(t, 3, n)
	assert.Equal(t, []byte("abc"), dst[0])
}

func TestTotalLen(t *testing.T) {
	iov := [][]byte{[]byte("a"), []byte("bcd"), nil, []byte("ef")}
	assert.Equal(t, 6, TotalLen(iov))
}
