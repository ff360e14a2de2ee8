package engine

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"gateguard/internal/model"
)

// ResultCache remembers recent check-in results by check-in id so a
// redelivered check-in is answered without touching the store.
type ResultCache struct {
	lru *expirable.LRU[string, model.CheckinResult]
}

func NewResultCache(size int, ttl time.Duration) *ResultCache {
	if size <= 0 {
		size = 50000
	}
	return &ResultCache{lru: expirable.NewLRU[string, model.CheckinResult](size, nil, ttl)}
}

func (c *ResultCache) Get(id string) (model.CheckinResult, bool) {
	if id == "" {
		return model.CheckinResult{}, false
	}
	return c.lru.Get(id)
}

func (c *ResultCache) Put(res model.CheckinResult) {
	if res.CheckinID == "" {
		return
	}
	c.lru.Add(res.CheckinID, res)
}

func (c *ResultCache) Purge() {
	c.lru.Purge()
}
