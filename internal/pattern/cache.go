package pattern

import (
	"fmt"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheCapacity is the number of compiled expressions the shared
// cache retains before evicting the least recently used.
const DefaultCacheCapacity = 256

// regexCache is process-wide and never torn down. Entries are pure
// functions of their source text. Keys carry a "regex:", "glob:",
// "globprefix:" or "globpath:" prefix.
type regexCache struct {
	entries *lru.Cache[string, *regexp.Regexp]
	group   singleflight.Group
}

var sharedCache = sync.OnceValue(func() *regexCache {
	entries, err := lru.New[string, *regexp.Regexp](DefaultCacheCapacity)
	if err != nil {
		panic(err)
	}
	return &regexCache{entries: entries}
})

// compile returns the cached expression for key, building it at most once
// across concurrent callers. Failed compiles are not cached.
func compile(key string, build func() (*regexp.Regexp, error)) (*regexp.Regexp, error) {
	c := sharedCache()
	if re, ok := c.entries.Get(key); ok {
		return re, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if re, ok := c.entries.Get(key); ok {
			return re, nil
		}
		re, err := build()
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, re)
		return re, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*regexp.Regexp), nil
}

// SetCacheCapacity resizes the shared cache, evicting the least recently
// used entries if it shrinks.
func SetCacheCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("pattern: cache capacity must be positive, got %d", n)
	}
	sharedCache().entries.Resize(n)
	return nil
}

// CacheLen reports how many compiled expressions the shared cache holds.
func CacheLen() int { return sharedCache().entries.Len() }

// cached reports whether key is resident without touching its recency.
func cached(key string) bool { return sharedCache().entries.Contains(key) }
