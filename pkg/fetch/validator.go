package fetch

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// validatorTTL bounds how long a conditional-GET validator is trusted
// before a fresh unconditional fetch is forced regardless.
const validatorTTL = 24 * time.Hour

type validator struct {
	etag         string
	lastModified string
}

// validatorCache memoizes the last-seen ETag/Last-Modified per URL, the
// way the teacher's pkg/repo/cachelru.go memoizes response bodies — here
// repurposed to cache only the small validators, since the pool remains
// the body cache.
type validatorCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, validator]
}

func newValidatorCache() *validatorCache {
	return &validatorCache{
		lru: expirable.NewLRU[string, validator](256, nil, validatorTTL),
	}
}

func (c *validatorCache) get(url string) (validator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(url)
}

func (c *validatorCache) put(url string, v validator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(url, v)
}
