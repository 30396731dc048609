package pattern

import "time"

// Set is an ordered collection of patterns. Order is registration order,
// which breaks ties between matches starting at the same offset.
type Set struct {
	patterns []Pattern
}

// NewSet returns a Set of patterns in the given order.
func NewSet(patterns ...Pattern) *Set {
	return &Set{patterns: append([]Pattern(nil), patterns...)}
}

// Len is the number of patterns.
func (s *Set) Len() int { return len(s.patterns) }

// At returns the i-th registered pattern.
func (s *Set) At(i int) Pattern { return s.patterns[i] }

// EOFIndex returns the index of the first EOF pattern, or -1.
func (s *Set) EOFIndex() int {
	for i, p := range s.patterns {
		if p.Kind() == KindEOF {
			return i
		}
	}
	return -1
}

// HasEOF reports whether the set contains an EOF pattern.
func (s *Set) HasEOF() bool { return s.EOFIndex() >= 0 }

// Timeout returns the shortest Timeout pattern in the set and its index.
// ok is false if the set has none.
func (s *Set) Timeout() (d time.Duration, index int, ok bool) {
	index = -1
	for i, p := range s.patterns {
		if pd, isTimeout := Duration(p); isTimeout && (!ok || pd < d) {
			d, index, ok = pd, i, true
		}
	}
	return d, index, ok
}

// Describe returns a description of each pattern, in order.
func (s *Set) Describe() []string {
	out := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		out[i] = p.String()
	}
	return out
}
