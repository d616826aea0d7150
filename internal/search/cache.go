package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Cached wraps a provider with an in-memory TTL cache. The scheduled
// agent tends to repeat the same lookups across cycles; repeated
// queries within the TTL are served without an upstream call. Errors
// are never cached.
type Cached struct {
	inner Provider
	cache *cache.Cache
}

// NewCached wraps p. A non-positive ttl returns a cache that expires
// entries after one hour.
func NewCached(p Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{inner: p, cache: cache.New(ttl, 2*ttl)}
}

// Name returns the wrapped provider's name.
func (c *Cached) Name() string { return c.inner.Name() }

// Search implements Provider.
func (c *Cached) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	key := fmt.Sprintf("search\x00%s\x00%d\x00%s", normalizeQuery(query), opts.Count, opts.Language)
	if v, ok := c.cache.Get(key); ok {
		return append([]Result(nil), v.([]Result)...), nil
	}
	results, err := c.inner.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, append([]Result(nil), results...))
	return results, nil
}

// Ask implements Answerer when the wrapped provider does.
func (c *Cached) Ask(ctx context.Context, system, prompt string) (string, error) {
	a, ok := c.inner.(Answerer)
	if !ok {
		return "", fmt.Errorf("%s: %w", c.inner.Name(), ErrNoAnswerer)
	}
	key := "ask\x00" + system + "\x00" + normalizeQuery(prompt)
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}
	answer, err := a.Ask(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(key, answer)
	return answer, nil
}

// CanAnswer reports whether the wrapped provider implements Answerer.
func (c *Cached) CanAnswer() bool {
	_, ok := c.inner.(Answerer)
	return ok
}

// Len returns the number of cached entries.
func (c *Cached) Len() int {
	return c.cache.ItemCount()
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
