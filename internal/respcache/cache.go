package respcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxEntries         = 50
	DefaultFallbackMaxEntries = 500
	DefaultDeadline           = 6 * time.Second
	DefaultLateLimit          = 30 * time.Second
)

// ErrDeadline is returned by Serve when compute misses its deadline and no fallback exists.
var ErrDeadline = errors.New("response cache: compute deadline exceeded")

// ErrComputePanic wraps a panic recovered from a compute function.
var ErrComputePanic = errors.New("response cache: compute panicked")

// Source reports where a served payload came from.
type Source int

const (
	SourceCache Source = iota
	SourceFresh
	SourceStale
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "HIT"
	case SourceFresh:
		return "MISS"
	case SourceStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// Result is one served payload.
type Result struct {
	Payload []byte
	Source  Source
	// Age is set for stale results.
	Age time.Duration
}

// Options size the cache.
type Options struct {
	MaxEntries         int
	FallbackMaxEntries int
	Deadline           time.Duration
	// LateLimit bounds a compute that outlives its deadline.
	LateLimit time.Duration
	// Observe receives "hit", "miss", "stale" or "error" for every Serve.
	Observe func(outcome string)
	Now     func() time.Time
}

type entry struct {
	payload   []byte
	writtenAt time.Time
	expiresAt time.Time
}

// Cache is a bounded TTL cache with a longer-lived fallback copy of every entry.
type Cache struct {
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	primary  map[string]entry
	fallback map[string]entry
}

// New builds an empty cache.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.FallbackMaxEntries <= 0 {
		opts.FallbackMaxEntries = DefaultFallbackMaxEntries
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.LateLimit <= 0 {
		opts.LateLimit = DefaultLateLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		opts:     opts,
		now:      now,
		primary:  make(map[string]entry),
		fallback: make(map[string]entry),
	}
}

// Key derives a deterministic cache key from a request identity.
// Query parameters are sorted by name and value.
func Key(method, path string, query url.Values) string {
	key := strings.ToUpper(method) + " " + path
	if len(query) == 0 {
		return key
	}
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return key + "?" + b.String()
}

// Get returns an unexpired primary entry.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.primary[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.primary, key)
		return nil, false
	}
	return e.payload, true
}

// Put stores payload in the primary layer for ttl and mirrors it into the fallback layer.
func (c *Cache) Put(key string, payload []byte, ttl time.Duration) {
	now := c.now()
	e := entry{payload: payload, writtenAt: now, expiresAt: now.Add(ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary[key] = e
	c.fallback[key] = e
	evictOldestHalf(c.primary, c.opts.MaxEntries)
	evictOldestHalf(c.fallback, c.opts.FallbackMaxEntries)
}

// GetFallback returns the last successful payload for key and its age.
func (c *Cache) GetFallback(key string) ([]byte, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.fallback[key]
	if !ok {
		return nil, 0, false
	}
	return e.payload, c.now().Sub(e.writtenAt), true
}

// InvalidatePrefix drops primary entries whose key starts with prefix. Fallback copies survive.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.primary {
		if strings.HasPrefix(key, prefix) {
			delete(c.primary, key)
			n++
		}
	}
	return n
}

// Len returns the primary and fallback entry counts.
func (c *Cache) Len() (primary, fallback int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.primary), len(c.fallback)
}

// Serve returns a cached payload for key or runs compute under the cache deadline.
// On compute failure or deadline the last successful payload is served as stale.
// A compute that succeeds after the deadline still refreshes the cache.
func (c *Cache) Serve(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) (Result, error) {
	if payload, ok := c.Get(key); ok {
		c.observe("hit")
		return Result{Payload: payload, Source: SourceCache}, nil
	}

	type outcome struct {
		payload []byte
		err     error
	}
	done := make(chan outcome, 1)

	computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LateLimit)
	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrComputePanic, p)}
			}
		}()
		payload, err := compute(computeCtx)
		if err == nil {
			c.Put(key, payload, ttl)
		}
		done <- outcome{payload: payload, err: err}
	}()

	timer := time.NewTimer(c.opts.Deadline)
	defer timer.Stop()

	var err error
	select {
	case out := <-done:
		if out.err == nil {
			c.observe("miss")
			return Result{Payload: out.payload, Source: SourceFresh}, nil
		}
		err = out.err
	case <-timer.C:
		err = ErrDeadline
	case <-ctx.Done():
		err = ctx.Err()
	}

	var nf *noFallbackError
	if errors.As(err, &nf) {
		c.observe("error")
		return Result{}, nf.err
	}
	if payload, age, ok := c.GetFallback(key); ok {
		c.observe("stale")
		return Result{Payload: payload, Source: SourceStale, Age: age}, nil
	}
	c.observe("error")
	return Result{}, err
}

type noFallbackError struct {
	err error
}

func (e *noFallbackError) Error() string { return e.err.Error() }
func (e *noFallbackError) Unwrap() error { return e.err }

// NoFallback marks a compute error that must be returned as-is instead of served stale.
func NoFallback(err error) error {
	return &noFallbackError{err: err}
}

func (c *Cache) observe(outcome string) {
	if c.opts.Observe != nil {
		c.opts.Observe(outcome)
	}
}

// evictOldestHalf drops the oldest half of m once it exceeds limit.
func evictOldestHalf(m map[string]entry, limit int) {
	if len(m) <= limit {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(m))
	for k, e := range m {
		all = append(all, aged{key: k, at: e.writtenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)/2] {
		delete(m, a.key)
	}
}
