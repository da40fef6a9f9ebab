// Package cache provides the in-memory schema document cache.
//
// Each (name, version) key is fetched at most once at a time: the first
// caller creates a pending entry and starts the fetch, later callers wait on
// the same entry. Ready documents are kept in least-recently-accessed order
// and evicted once their total size passes the byte budget. Documents that
// are leased to an in-progress response are never evicted.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/git-pkgs/schemaloader/internal/core"
)

const (
	// DefaultBudget is the default total size of cached documents.
	DefaultBudget = 256 << 20

	// DefaultFetchTimeout bounds one fetch, including its retry.
	DefaultFetchTimeout = 2 * time.Minute

	// DefaultJanitorInterval is how often idle entries are swept.
	DefaultJanitorInterval = time.Minute

	// DefaultRetryDelay is the initial delay before retrying a transient failure.
	DefaultRetryDelay = 200 * time.Millisecond
)

// ErrClosed is returned by a cache that has been closed.
var ErrClosed = errors.New("schema cache closed")

// Source is the part of a store the cache fetches documents from.
type Source interface {
	FetchDocument(ctx context.Context, name, version string) (*core.RawDocument, error)
}

// State is the lifecycle state of a cache entry.
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type entry struct {
	key   core.Key
	state State
	doc   *core.SchemaDocument
	err   error

	// done is closed once the fetch terminates; doc or err is set before.
	done chan struct{}

	waiters    int
	leases     int
	elem       *list.Element
	lastAccess time.Time
}

// Cache is a single-flight, byte-budgeted cache of schema documents.
type Cache struct {
	source          Source
	budget          int64
	maxIdle         time.Duration
	janitorInterval time.Duration
	fetchTimeout    time.Duration
	retryDelay      time.Duration
	logger          log.Logger
	registerer      prometheus.Registerer
	metrics         *metrics
	now             func() time.Time

	mu      sync.Mutex
	entries map[core.Key]*entry
	lru     *list.List // ready entries, most recently accessed first
	bytes   int64
	closed  bool

	hits      uint64
	misses    uint64
	evictions uint64

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithBudget sets the byte budget. Zero or negative means unbounded.
func WithBudget(bytes int64) Option {
	return func(c *Cache) {
		c.budget = bytes
	}
}

// WithMaxIdle evicts entries not accessed for d. Zero disables idle expiry.
func WithMaxIdle(d time.Duration) Option {
	return func(c *Cache) {
		c.maxIdle = d
	}
}

// WithJanitorInterval sets how often the background sweep runs.
func WithJanitorInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.janitorInterval = d
	}
}

// WithFetchTimeout bounds each fetch from the source.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = d
	}
}

// WithRetryDelay sets the initial backoff before the single retry.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Cache) {
		c.retryDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithRegisterer registers the cache metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.registerer = reg
	}
}

// New creates a cache over source and starts its janitor. Close must be
// called to stop it.
func New(source Source, opts ...Option) *Cache {
	c := &Cache{
		source:          source,
		budget:          DefaultBudget,
		janitorInterval: DefaultJanitorInterval,
		fetchTimeout:    DefaultFetchTimeout,
		retryDelay:      DefaultRetryDelay,
		logger:          log.NewNopLogger(),
		now:             time.Now,
		entries:         make(map[core.Key]*entry),
		lru:             list.New(),
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.registerer)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.janitorInterval > 0 {
		c.wg.Add(1)
		go c.janitor()
	}
	return c
}

// GetOrFetch returns a lease on the document for (name, version), fetching
// it if needed. The caller must Release the lease once done reading.
//
// If ctx ends while waiting, the caller detaches and the fetch continues for
// the remaining waiters and future callers. If ctx has already ended before
// a fetch would start, nothing is started.
func (c *Cache) GetOrFetch(ctx context.Context, name, version string) (*Lease, error) {
	key := core.Key{Name: name, Version: version}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	e, ok := c.entries[key]
	switch {
	case ok && e.state == StateReady:
		lease := c.acquireLocked(e)
		c.hits++
		c.mu.Unlock()
		c.metrics.requests.WithLabelValues("hit").Inc()
		return lease, nil

	case ok:
		c.metrics.requests.WithLabelValues("joined").Inc()

	default:
		if err := ctx.Err(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		e = &entry{key: key, state: StatePending, done: make(chan struct{})}
		c.entries[key] = e
		c.misses++
		c.metrics.requests.WithLabelValues("miss").Inc()
		c.metrics.pending.Inc()

		c.wg.Add(1)
		go c.fetch(e)
	}
	e.waiters++
	c.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
		c.mu.Lock()
		e.waiters--
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.waiters--
	if e.err != nil {
		return nil, e.err
	}
	return c.acquireLocked(e), nil
}

// fetch loads one entry and publishes the outcome to every waiter.
func (c *Cache) fetch(e *entry) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	doc, err := c.load(ctx, e.key)
	if err != nil && c.ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.metrics.observeFetch(err, time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.pending.Dec()
	current := c.entries[e.key] == e

	if err != nil {
		e.state = StateFailed
		e.err = err
		if current {
			delete(c.entries, e.key)
		}
		level.Warn(c.logger).Log("msg", "schema fetch failed", "package", e.key.Name, "version", e.key.Version, "err", err)
		close(e.done)
		return
	}

	e.state = StateReady
	e.doc = doc
	e.lastAccess = c.now()
	if current {
		e.elem = c.lru.PushFront(e)
		c.bytes += doc.SizeBytes
		c.evictLocked()
	}
	level.Debug(c.logger).Log("msg", "schema cached", "package", e.key.Name, "version", e.key.Version, "bytes", doc.SizeBytes, "digest", doc.Digest)
	c.updateGaugesLocked()
	close(e.done)
}

// load fetches and parses a document, retrying a transient failure once.
func (c *Cache) load(ctx context.Context, key core.Key) (*core.SchemaDocument, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryDelay
	exp.MaxElapsedTime = c.fetchTimeout
	exp.Reset()
	retries := backoff.WithMaxRetries(exp, 1)

	for {
		raw, err := c.source.FetchDocument(ctx, key.Name, key.Version)
		if err == nil {
			return core.ParseDocument(key.Name, key.Version, raw)
		}
		if !core.IsTransient(err) {
			return nil, err
		}

		delay := retries.NextBackOff()
		if delay == backoff.Stop {
			return nil, err
		}
		c.metrics.retries.Inc()
		level.Info(c.logger).Log("msg", "retrying schema fetch", "package", key.Name, "version", key.Version, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

func (c *Cache) acquireLocked(e *entry) *Lease {
	e.leases++
	e.lastAccess = c.now()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	return &Lease{cache: c, entry: e}
}

func (c *Cache) releaseLocked(e *entry) {
	e.leases--
	if c.budget > 0 && c.bytes > c.budget {
		c.evictLocked()
		c.updateGaugesLocked()
	}
}

// evictLocked drops the least recently accessed unleased ready entries until
// the cache fits its budget. Pending entries are not in the list.
func (c *Cache) evictLocked() {
	if c.budget <= 0 {
		return
	}
	for elem := c.lru.Back(); elem != nil && c.bytes > c.budget; {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.leases == 0 {
			c.removeLocked(e)
			c.evictions++
			c.metrics.evictions.WithLabelValues("budget").Inc()
			level.Debug(c.logger).Log("msg", "evicted schema", "package", e.key.Name, "version", e.key.Version, "bytes", e.doc.SizeBytes)
		}
		elem = prev
	}
}

func (c *Cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
		c.bytes -= e.doc.SizeBytes
	}
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
}

// sweep expires idle entries and re-applies the budget.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxIdle > 0 {
		cutoff := c.now().Add(-c.maxIdle)
		for elem := c.lru.Back(); elem != nil; {
			prev := elem.Prev()
			e := elem.Value.(*entry)
			if !e.lastAccess.Before(cutoff) {
				break
			}
			if e.leases == 0 {
				c.removeLocked(e)
				c.evictions++
				c.metrics.evictions.WithLabelValues("idle").Inc()
			}
			elem = prev
		}
	}
	c.evictLocked()
	c.updateGaugesLocked()
}

func (c *Cache) janitor() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Invalidate drops the ready entry for (name, version). A pending fetch for
// the key is left to finish.
func (c *Cache) Invalidate(name, version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[core.Key{Name: name, Version: version}]
	if !ok || e.state != StateReady {
		return false
	}
	c.removeLocked(e)
	c.updateGaugesLocked()
	return true
}

// Purge drops every ready entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		c.removeLocked(elem.Value.(*entry))
		elem = next
	}
	c.updateGaugesLocked()
}

// Close stops the janitor, cancels in-flight fetches, waits for them and
// flushes the cache. It is safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.stop)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[core.Key]*entry)
	c.lru.Init()
	c.bytes = 0
	c.updateGaugesLocked()
	return nil
}

func (c *Cache) updateGaugesLocked() {
	c.metrics.entries.Set(float64(c.lru.Len()))
	c.metrics.bytes.Set(float64(c.bytes))
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries   int
	Pending   int
	Bytes     int64
	Budget    int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   c.lru.Len(),
		Pending:   len(c.entries) - c.lru.Len(),
		Bytes:     c.bytes,
		Budget:    c.budget,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// EntryInfo describes one cache entry.
type EntryInfo struct {
	Key        core.Key
	State      State
	SizeBytes  int64
	LastAccess time.Time
	Leases     int
	Waiters    int
}

// Entries returns a snapshot of all entries, most recently accessed ready
// entries first, followed by pending ones.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, len(c.entries))
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		out = append(out, EntryInfo{
			Key:        e.key,
			State:      e.state,
			SizeBytes:  e.doc.SizeBytes,
			LastAccess: e.lastAccess,
			Leases:     e.leases,
		})
	}
	for _, e := range c.entries {
		if e.state == StatePending {
			out = append(out, EntryInfo{Key: e.key, State: e.state, Waiters: e.waiters})
		}
	}
	return out
}

// Lease is a reference to a cached document held while it is being read.
type Lease struct {
	cache *Cache
	entry *entry
	once  sync.Once
}

// Document returns the leased document. It must not be modified.
func (l *Lease) Document() *core.SchemaDocument {
	return l.entry.doc
}

// Release returns the lease. Further calls are no-ops.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cache.mu.Lock()
		defer l.cache.mu.Unlock()
		l.cache.releaseLocked(l.entry)
	})
}
