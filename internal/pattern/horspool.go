package pattern

import "bytes"

// horspool is a Boyer-Moore-Horspool substring finder. The shift table
// is built once per literal so every scan skips ahead by up to the
// needle length on a mismatch.
type horspool struct {
	needle []byte
	shift  [256]int
}

func newHorspool(needle []byte) *horspool {
	h := &horspool{needle: needle}
	m := len(needle)
	for i := range h.shift {
		h.shift[i] = m
	}
	for i := 0; i < m-1; i++ {
		h.shift[needle[i]] = m - 1 - i
	}
	return h
}

// index returns the offset of the first occurrence of the needle in
// data, or -1.
func (h *horspool) index(data []byte) int {
	m := len(h.needle)
	switch {
	case m == 0:
		return 0
	case m == 1:
		return bytes.IndexByte(data, h.needle[0])
	case m > len(data):
		return -1
	}
	last := h.needle[m-1]
	for i := 0; i+m <= len(data); {
		c := data[i+m-1]
		if c == last && bytes.Equal(data[i:i+m-1], h.needle[:m-1]) {
			return i
		}
		i += h.shift[c]
	}
	return -1
}
