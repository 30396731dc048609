// Package buffer accumulates unconsumed terminal output.
//
// A Buffer starts on a small fixed-capacity ring. When the unconsumed
// backlog would exceed the promotion threshold it migrates, once and for
// good, onto an anonymous memory mapping reserved at the configured
// ceiling, so large backlogs never trigger reallocation copies.
//
// Positions are absolute byte offsets into the stream: Written counts
// every byte ever appended, Consumed counts bytes released to callers.
// A Buffer is not safe for concurrent use.
package buffer

import (
	"fmt"
	"os"

	"github.com/peterje/expectty/internal/errs"
)

const (
	DefaultRingCapacity       = 64 * 1024
	DefaultPromotionThreshold = DefaultRingCapacity
	DefaultMaxSize            = 256 * 1024 * 1024
)

// Config sizes a Buffer.
type Config struct {
	// RingCapacity is the size of the initial ring in bytes.
	RingCapacity int `yaml:"ring_capacity"`
	// PromotionThreshold is the unconsumed size above which the buffer
	// moves to mapped storage. Must not exceed RingCapacity.
	PromotionThreshold int `yaml:"promotion_threshold"`
	// MaxSize is the absolute ceiling on unconsumed bytes.
	MaxSize int64 `yaml:"max_size"`
}

// DefaultConfig returns the sizes used when a Config field is zero.
func DefaultConfig() Config {
	return Config{
		RingCapacity:       DefaultRingCapacity,
		PromotionThreshold: DefaultPromotionThreshold,
		MaxSize:            DefaultMaxSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RingCapacity == 0 {
		c.RingCapacity = d.RingCapacity
	}
	if c.PromotionThreshold == 0 {
		c.PromotionThreshold = min(d.PromotionThreshold, c.RingCapacity)
	}
	if c.MaxSize == 0 {
		c.MaxSize = d.MaxSize
	}
	return c
}

// Validate reports inconsistent sizes. Zero fields are filled with defaults first.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.RingCapacity < 0:
		return fmt.Errorf("buffer: ring capacity must be positive, got %d", c.RingCapacity)
	case c.PromotionThreshold < 0 || c.PromotionThreshold > c.RingCapacity:
		return fmt.Errorf("buffer: promotion threshold %d must be within ring capacity %d",
			c.PromotionThreshold, c.RingCapacity)
	case c.MaxSize < int64(c.RingCapacity):
		return fmt.Errorf("buffer: max size %d is below ring capacity %d", c.MaxSize, c.RingCapacity)
	}
	return nil
}

// storage is the backing variant of a Buffer: a ring or a mapped region.
type storage interface {
	// append stores p after the existing bytes. The caller guarantees room.
	append(p []byte) error
	// view returns the stored bytes as one contiguous slice.
	view() []byte
	// discard drops n bytes from the front.
	discard(n int)
	// size is the number of stored bytes.
	size() int
	// release frees the backing memory.
	release() error
}

// Buffer holds the bytes between the consumed cursor and the write cursor.
type Buffer struct {
	cfg      Config
	store    storage
	promoted bool
	closed   bool

	written  int64
	consumed int64
	readPos  int64
}

// New returns an empty ring-backed Buffer.
func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Buffer{
		cfg:   cfg,
		store: newRing(cfg.RingCapacity),
	}, nil
}

// Append extends the buffer with p, promoting to mapped storage first if
// the unconsumed size would exceed the promotion threshold. Nothing is
// appended if the result would exceed the ceiling.
func (b *Buffer) Append(p []byte) error {
	if b.closed {
		return &errs.NotRunningError{Op: "append", State: "closed"}
	}
	if len(p) == 0 {
		return nil
	}
	need := b.Len() + int64(len(p))
	if need > b.cfg.MaxSize {
		return &errs.CapacityError{Requested: need, Max: b.cfg.MaxSize}
	}
	if !b.promoted && need > int64(b.cfg.PromotionThreshold) {
		if err := b.promote(); err != nil {
			return err
		}
	}
	if err := b.store.append(p); err != nil {
		return &errs.IOError{Op: "append", Err: err}
	}
	b.written += int64(len(p))
	b.check()
	return nil
}

func (b *Buffer) promote() error {
	m, err := newMapped(b.cfg.MaxSize)
	if err != nil {
		return &errs.IOError{Op: "promote", Err: err}
	}
	if err := m.append(b.store.view()); err != nil {
		_ = m.release()
		return &errs.IOError{Op: "promote", Err: err}
	}
	if err := b.store.release(); err != nil {
		_ = m.release()
		return &errs.IOError{Op: "promote", Err: err}
	}
	b.store = m
	b.promoted = true
	return nil
}

// Unconsumed returns the bytes between the consumed and write cursors.
// The slice aliases internal storage: callers must not modify it, and it
// is valid only until the next Append, ConsumeThrough or Close.
func (b *Buffer) Unconsumed() []byte {
	if b.closed {
		return nil
	}
	return b.store.view()
}

// ConsumeThrough permanently discards every byte before pos.
func (b *Buffer) ConsumeThrough(pos int64) error {
	if pos < b.consumed || pos > b.written {
		return &errs.InvalidPositionError{Position: pos, Consumed: b.consumed, Written: b.written}
	}
	if b.closed {
		return &errs.NotRunningError{Op: "consume", State: "closed"}
	}
	b.store.discard(int(pos - b.consumed))
	b.consumed = pos
	if b.readPos < pos {
		b.readPos = pos
	}
	b.check()
	return nil
}

// Advance moves the read position, which marks how far a successful match
// has scanned. It never discards bytes.
func (b *Buffer) Advance(pos int64) error {
	if pos < b.readPos || pos > b.written {
		return &errs.InvalidPositionError{Position: pos, Consumed: b.readPos, Written: b.written}
	}
	b.readPos = pos
	return nil
}

// Written is the total number of bytes ever appended.
func (b *Buffer) Written() int64 { return b.written }

// Consumed is the total number of bytes released.
func (b *Buffer) Consumed() int64 { return b.consumed }

// ReadPosition is the end of the last successful match.
func (b *Buffer) ReadPosition() int64 { return b.readPos }

// Len is the number of unconsumed bytes.
func (b *Buffer) Len() int64 { return b.written - b.consumed }

// Promoted reports whether the buffer has moved to mapped storage.
func (b *Buffer) Promoted() bool { return b.promoted }

// Close releases the backing storage. Safe to call more than once.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.store.release()
}

// check panics on cursor corruption; reaching it is a programming error.
func (b *Buffer) check() {
	if b.consumed > b.readPos || b.readPos > b.written {
		panic(fmt.Sprintf("buffer: cursor invariant violated: consumed=%d read=%d written=%d",
			b.consumed, b.readPos, b.written))
	}
	if got := int64(b.store.size()); got != b.written-b.consumed {
		panic(fmt.Sprintf("buffer: stored %d bytes, cursors span %d", got, b.written-b.consumed))
	}
}

// ring is fixed-capacity circular storage. It never grows; Buffer
// promotes before a write could overflow it.
type ring struct {
	data []byte
	head int // offset of the first stored byte
	n    int // number of stored bytes
}

func newRing(capacity int) *ring {
	return &ring{data: make([]byte, capacity)}
}

func (r *ring) append(p []byte) error {
	if r.n+len(p) > len(r.data) {
		panic(fmt.Sprintf("buffer: ring overflow: %d + %d > %d", r.n, len(p), len(r.data)))
	}
	tail := (r.head + r.n) % len(r.data)
	copied := copy(r.data[tail:], p)
	copy(r.data, p[copied:])
	r.n += len(p)
	return nil
}

func (r *ring) view() []byte {
	if r.head+r.n <= len(r.data) {
		return r.data[r.head : r.head+r.n]
	}
	// Wrapped: rotate so the stored bytes start at zero. Later views stay
	// zero-copy until the next wrap.
	linear := make([]byte, r.n)
	first := copy(linear, r.data[r.head:])
	copy(linear[first:], r.data[:r.n-first])
	copy(r.data, linear)
	r.head = 0
	return r.data[:r.n]
}

func (r *ring) discard(n int) {
	r.head = (r.head + n) % len(r.data)
	r.n -= n
	if r.n == 0 {
		r.head = 0
	}
}

func (r *ring) size() int { return r.n }

func (r *ring) release() error {
	r.data = nil
	r.head, r.n = 0, 0
	return nil
}

// mapped is storage on an anonymous mapping sized to the ceiling. Pages
// become resident only as they are written. committed is the page-aligned
// prefix of region made usable by commitPages.
type mapped struct {
	region     []byte
	start, end int
	committed  int
}

func newMapped(size int64) (*mapped, error) {
	page := int64(os.Getpagesize())
	size = (size + page - 1) / page * page
	region, err := mapRegion(int(size))
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", size, err)
	}
	return &mapped{region: region}, nil
}

func (m *mapped) append(p []byte) error {
	if m.end+len(p) > len(m.region) {
		m.compact()
	}
	if need := pageAlign(m.end + len(p)); need > m.committed {
		if err := commitPages(m.region[m.committed:need]); err != nil {
			return fmt.Errorf("commit %d bytes: %w", need-m.committed, err)
		}
		m.committed = need
	}
	m.end += copy(m.region[m.end:], p)
	return nil
}

// compact slides the live bytes to the front and returns the freed tail
// pages to the OS.
func (m *mapped) compact() {
	n := copy(m.region, m.region[m.start:m.end])
	m.start, m.end = 0, n
	releasePages(m.region[pageAlign(n):])
}

func pageAlign(n int) int {
	page := os.Getpagesize()
	return (n + page - 1) / page * page
}

func (m *mapped) view() []byte { return m.region[m.start:m.end] }

func (m *mapped) discard(n int) {
	m.start += n
	if m.start == m.end {
		m.start, m.end = 0, 0
	}
}

func (m *mapped) size() int { return m.end - m.start }

func (m *mapped) release() error {
	if m.region == nil {
		return nil
	}
	err := unmapRegion(m.region)
	m.region = nil
	m.start, m.end, m.committed = 0, 0, 0
	return err
}
