package session

import (
	"fmt"
	"time"

	"github.com/peterje/expectty/internal/buffer"
)

const (
	DefaultTimeout            = 30 * time.Second
	DefaultReadChunkSize      = 32 * 1024
	DefaultWriteQueueCapacity = 64 * 1024
)

// Config tunes a session. Zero fields take their defaults.
type Config struct {
	RingCapacity       int   `yaml:"ring_capacity"`
	PromotionThreshold int   `yaml:"promotion_threshold"`
	MaxBufferSize      int64 `yaml:"max_buffer_size"`

	// RegexCacheCapacity resizes the process-wide compiled pattern cache
	// when the session starts. Zero leaves the cache as it is.
	RegexCacheCapacity int `yaml:"regex_cache_capacity"`

	// DefaultTimeout bounds an Expect whose context has no deadline and
	// whose pattern set has no Timeout pattern.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// ReadChunkSize is the size of each backend read.
	ReadChunkSize int `yaml:"read_chunk_size"`

	// WriteQueueCapacity caps input bytes accepted but not yet written.
	WriteQueueCapacity int `yaml:"write_queue_capacity"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	b := buffer.DefaultConfig()
	return Config{
		RingCapacity:       b.RingCapacity,
		PromotionThreshold: b.PromotionThreshold,
		MaxBufferSize:      b.MaxSize,
		DefaultTimeout:     DefaultTimeout,
		ReadChunkSize:      DefaultReadChunkSize,
		WriteQueueCapacity: DefaultWriteQueueCapacity,
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
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.ReadChunkSize == 0 {
		c.ReadChunkSize = d.ReadChunkSize
	}
	if c.WriteQueueCapacity == 0 {
		c.WriteQueueCapacity = d.WriteQueueCapacity
	}
	return c
}

func (c Config) bufferConfig() buffer.Config {
	return buffer.Config{
		RingCapacity:       c.RingCapacity,
		PromotionThreshold: c.PromotionThreshold,
		MaxSize:            c.MaxBufferSize,
	}
}

// Validate reports out-of-range fields after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if err := c.bufferConfig().Validate(); err != nil {
		return err
	}
	switch {
	case c.RegexCacheCapacity < 0:
		return fmt.Errorf("session: regex cache capacity must not be negative, got %d", c.RegexCacheCapacity)
	case c.DefaultTimeout < 0:
		return fmt.Errorf("session: default timeout must not be negative, got %s", c.DefaultTimeout)
	case c.ReadChunkSize < 0:
		return fmt.Errorf("session: read chunk size must be positive, got %d", c.ReadChunkSize)
	case c.WriteQueueCapacity < 0:
		return fmt.Errorf("session: write queue capacity must be positive, got %d", c.WriteQueueCapacity)
	}
	return nil
}
