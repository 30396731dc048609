// Package pattern defines the recognizers an expect call waits for.
//
// Literal, Regex and Glob patterns scan bytes and implement Finder. EOF
// and Timeout patterns never match bytes; the session engine resolves
// them when the stream closes or the deadline passes.
package pattern

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/peterje/expectty/internal/errs"
)

// Kind tags a Pattern variant.
type Kind int

const (
	KindLiteral Kind = iota + 1
	KindRegex
	KindGlob
	KindEOF
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindRegex:
		return "regex"
	case KindGlob:
		return "glob"
	case KindEOF:
		return "eof"
	case KindTimeout:
		return "timeout"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Pattern is an immutable recognizer.
type Pattern interface {
	Kind() Kind
	// String describes the pattern for errors and logs.
	String() string
}

// Finder is implemented by patterns that match bytes.
type Finder interface {
	Pattern
	// Find returns the leftmost match in data, or -1, -1.
	Find(data []byte) (start, end int)
}

// Partial is implemented by byte patterns that can tell whether output
// seen so far may still grow into a match.
type Partial interface {
	Finder
	// Partial returns the smallest offset at which the tail of data could
	// begin a match once more bytes arrive, or -1. It says nothing about
	// offsets where a match is already complete.
	Partial(data []byte) int
}

// Literal matches an exact byte sequence.
func Literal(s string) Pattern { return LiteralBytes([]byte(s)) }

// LiteralBytes matches an exact byte sequence. b is copied.
func LiteralBytes(b []byte) Pattern {
	needle := append([]byte(nil), b...)
	return &literal{needle: needle, finder: newHorspool(needle)}
}

type literal struct {
	needle []byte
	finder *horspool
}

func (*literal) Kind() Kind { return KindLiteral }

func (l *literal) String() string { return strconv.Quote(string(l.needle)) }

func (l *literal) Find(data []byte) (int, int) {
	i := l.finder.index(data)
	if i < 0 {
		return -1, -1
	}
	return i, i + len(l.needle)
}

func (l *literal) Partial(data []byte) int {
	for s := max(0, len(data)-len(l.needle)+1); s < len(data); s++ {
		if bytes.HasPrefix(l.needle, data[s:]) {
			return s
		}
	}
	return -1
}

// Regex compiles src as an RE2 expression through the shared cache.
// A malformed source fails here with a PatternError.
func Regex(src string) (Pattern, error) {
	re, err := compile("regex:"+src, func() (*regexp.Regexp, error) {
		return regexp.Compile(src)
	})
	if err != nil {
		return nil, &errs.PatternError{Kind: "regex", Source: src, Err: err}
	}
	return &compiled{kind: KindRegex, src: src, re: re}, nil
}

// MustRegex is like Regex but panics on a malformed source. Intended for
// package-level pattern variables.
func MustRegex(src string) Pattern {
	p, err := Regex(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Glob compiles a shell-style glob that matches anywhere in the output.
// See translateGlob for the syntax.
func Glob(src string) (Pattern, error) {
	re, err := compile("glob:"+src, func() (*regexp.Regexp, error) {
		expr, err := translateGlob(src)
		if err != nil {
			return nil, err
		}
		return regexp.Compile(expr)
	})
	if err != nil {
		return nil, &errs.PatternError{Kind: "glob", Source: src, Err: err}
	}
	prefix, err := compile("globprefix:"+src, func() (*regexp.Regexp, error) {
		expr, err := translateGlobPrefix(src)
		if err != nil {
			return nil, err
		}
		return regexp.Compile(expr)
	})
	if err != nil {
		return nil, &errs.PatternError{Kind: "glob", Source: src, Err: err}
	}
	return &compiled{kind: KindGlob, src: src, re: re, prefix: prefix}, nil
}

// GlobMatch reports whether the whole of name matches the glob src. It
// shares the compile cache with Glob under its own key namespace.
func GlobMatch(src, name string) (bool, error) {
	re, err := compile("globpath:"+src, func() (*regexp.Regexp, error) {
		expr, err := translateGlob(src)
		if err != nil {
			return nil, err
		}
		return regexp.Compile(`^(?:` + expr + `)$`)
	})
	if err != nil {
		return false, &errs.PatternError{Kind: "glob", Source: src, Err: err}
	}
	return re.MatchString(name), nil
}

// compiled is a regex or glob backed by a cached *regexp.Regexp, which
// is safe for concurrent use. prefix is set for globs only.
type compiled struct {
	kind   Kind
	src    string
	re     *regexp.Regexp
	prefix *regexp.Regexp
}

func (c *compiled) Kind() Kind { return c.kind }

func (c *compiled) String() string { return fmt.Sprintf("%s(%s)", c.kind, c.src) }

func (c *compiled) Find(data []byte) (int, int) {
	loc := c.re.FindIndex(data)
	if loc == nil {
		return -1, -1
	}
	return loc[0], loc[1]
}

// Partial always reports -1 for a regex: whether an arbitrary expression
// could still match is not decidable from its compiled form, so a regex
// match is taken as it reads at scan time.
func (c *compiled) Partial(data []byte) int {
	if c.prefix == nil {
		return -1
	}
	// A multi-byte character cut off at the end of data cannot match its
	// token yet; test the bytes before it.
	tail := data
	for n := 1; n < utf8.UTFMax && n <= len(data); n++ {
		if utf8.RuneStart(data[len(data)-n]) {
			if !utf8.FullRune(data[len(data)-n:]) {
				tail = data[:len(data)-n]
			}
			break
		}
	}
	loc := c.prefix.FindIndex(tail)
	if loc == nil || loc[0] >= len(data) {
		return -1
	}
	return loc[0]
}

// EOF matches when the output stream closes.
func EOF() Pattern { return eofPattern{} }

type eofPattern struct{}

func (eofPattern) Kind() Kind     { return KindEOF }
func (eofPattern) String() string { return "eof" }

// Timeout matches when d elapses without any other pattern matching.
func Timeout(d time.Duration) Pattern { return timeoutPattern{d: d} }

type timeoutPattern struct {
	d time.Duration
}

func (timeoutPattern) Kind() Kind       { return KindTimeout }
func (t timeoutPattern) String() string { return "timeout(" + t.d.String() + ")" }

// Duration returns the deadline of a Timeout pattern, or false for any
// other kind.
func Duration(p Pattern) (time.Duration, bool) {
	t, ok := p.(timeoutPattern)
	return t.d, ok
}
