// Package match selects the winning pattern in a window of output.
//
// Every byte pattern in the set is run over the whole window. The match
// with the smallest start offset wins; when several start at the same
// offset, the one registered first wins. Structural patterns (EOF,
// Timeout) are skipped here and resolved by the session.
//
// Find holds no state between calls. Callers re-scan the full window
// after each chunk of new output, so a pattern split across chunks is
// found as soon as its last byte arrives.
//
// While the window can still grow, callers use Settle instead. It holds
// a match back while a literal or glob that would outrank it could still
// complete with more bytes, so that scanning after each chunk picks what
// one scan over the whole output would. A held match is released with
// Find once the stream ends or the deadline passes. Regexes are the
// exception: a regex is matched as it reads at scan time, and neither a
// quantifier that could extend nor a regex that could still start earlier
// is waited for.
package match

import (
	"github.com/peterje/expectty/internal/pattern"
)

// Result describes a successful match.
type Result struct {
	// Index is the position of the winning pattern in its set.
	Index int
	// Pattern is the winning pattern.
	Pattern pattern.Pattern
	// Start and End delimit Match within the window.
	Start, End int
	// Before, Match and After partition the window. Each is an owned copy.
	Before, Match, After []byte
}

// Find scans data with every byte pattern in set. ok is false when none
// matches; that is not an error, more data may still produce one.
func Find(data []byte, set *pattern.Set) (res *Result, ok bool) {
	best, bestStart, bestEnd := -1, -1, -1
	for i := range set.Len() {
		f, isFinder := set.At(i).(pattern.Finder)
		if !isFinder {
			continue
		}
		start, end := f.Find(data)
		if start < 0 {
			continue
		}
		// Strictly smaller keeps the earlier registration on a tie.
		if best < 0 || start < bestStart {
			best, bestStart, bestEnd = i, start, end
			if start == 0 {
				break
			}
		}
	}
	if best < 0 {
		return nil, false
	}
	return Split(data, set.At(best), best, bestStart, bestEnd), true
}

// Settle is Find for a window that may still grow. ok is false when
// nothing matches yet or when the best match could still be displaced:
// some pattern could begin a match before it, or at the same offset and
// registered earlier, once more bytes arrive.
func Settle(data []byte, set *pattern.Set) (res *Result, ok bool) {
	res, ok = Find(data, set)
	if !ok {
		return nil, false
	}
	for i := range set.Len() {
		p, isPartial := set.At(i).(pattern.Partial)
		if !isPartial {
			continue
		}
		at := p.Partial(data)
		if at < 0 {
			continue
		}
		if at < res.Start || at == res.Start && i < res.Index {
			return nil, false
		}
	}
	return res, true
}

// Split builds a Result for the span [start, end) of data.
func Split(data []byte, p pattern.Pattern, index, start, end int) *Result {
	return &Result{
		Index:   index,
		Pattern: p,
		Start:   start,
		End:     end,
		Before:  clone(data[:start]),
		Match:   clone(data[start:end]),
		After:   clone(data[end:]),
	}
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}
