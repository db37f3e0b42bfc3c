package engine

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"meshval/internal/analyzer"
)

const defaultResultCacheSize = 256

// ResultCache keeps recent analyzer results keyed by document fingerprint
// and the settings they were produced with. Results are shared between
// callers and must not be mutated.
type ResultCache struct {
	lru *lru.Cache[string, *analyzer.Result]
}

// NewResultCache returns a cache holding up to size results. A size of
// zero or less disables caching.
func NewResultCache(size int) *ResultCache {
	if size <= 0 {
		return &ResultCache{}
	}
	c, err := lru.New[string, *analyzer.Result](size)
	if err != nil {
		return &ResultCache{}
	}
	return &ResultCache{lru: c}
}

func resultKey(a analyzer.Analyzer, fingerprint string) string {
	return fmt.Sprintf("%s|%d|%t|%s", fingerprint, a.MaxDepth, a.Strict, strings.Join(a.Presets, ","))
}

func (c *ResultCache) get(key string) (*analyzer.Result, bool) {
	if c == nil || c.lru == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *ResultCache) add(key string, res *analyzer.Result) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(key, res)
}

// Len reports how many results are cached.
func (c *ResultCache) Len() int {
	if c == nil || c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
