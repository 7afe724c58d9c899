// Package copy implements the descriptor copier: the small routines
// (only Advance allocates) that gather a scattered descriptor chain into one
// contiguous buffer and scatter a reply back across the guest's sink
// iovecs. Everything here is pure data movement with no knowledge of
// FUSE, vhost-user or the DAX cache.
package copy

// GatherCopy copies bytes from iov, in order, into dst until dst is
// full or iov is exhausted, and returns the number of bytes copied.
// Source and destination spans need not align: a source entry may be
// split across several destination writes and vice versa.
func GatherCopy(dst []byte, iov [][]byte) int {
	n := 0
	for _, src := range iov {
		if n >= len(dst) {
			break
		}
		c := copy(dst[n:], src)
		n += c
		if c < len(src) {
			break
		}
	}
	return n
}

// CopyIovec copies up to n bytes from src into dst, where both src and
// dst are lists of independently-sized spans. Each side advances its
// own cursor independently, so spans on either side may straddle
// boundaries on the other. Returns the number of bytes actually copied,
// which is less than n only if src or dst runs out of room first.
func CopyIovec(dst, src [][]byte, n int) int {
	var si, di int      // current source/dest entry index
	var so, do int       // offset within current entry
	copied := 0
	for copied < n && si < len(src) && di < len(dst) {
		s := src[si][so:]
		d := dst[di][do:]
		if len(s) == 0 {
			si++
			so = 0
			continue
		}
		if len(d) == 0 {
			di++
			do = 0
			continue
		}
		want := n - copied
		if want > len(s) {
			want = len(s)
		}
		if want > len(d) {
			want = len(d)
		}
		c := copy(d[:want], s[:want])
		copied += c
		so += c
		do += c
	}
	return copied
}

// Advance returns the sub-list of iov remaining after dropping the
// first n bytes, splitting the entry that straddles the boundary.
func Advance(iov [][]byte, n int) [][]byte {
	for i, seg := range iov {
		if n < len(seg) {
			rest := make([][]byte, 0, len(iov)-i)
			rest = append(rest, seg[n:])
			rest = append(rest, iov[i+1:]...)
			return rest
		}
		n -= len(seg)
	}
	return nil
}

// TotalLen returns the sum of the lengths of every span in iov.
func TotalLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}
