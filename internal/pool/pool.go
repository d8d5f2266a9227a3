// Package pool serializes access to the node store through a bounded set
// of leased connections.
//
// A lease is a temporary, non-transferable borrow: Acquire hands a
// connection to exactly one caller, Release gives it back. Requests past
// capacity either wait in a bounded queue or fail fast, per configuration.
// A background reaper closes connections that sit idle too long or fail a
// liveness probe, and records probe latency for the health surface.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Masa712/DIVERGE-sub003/internal/store"
)

var (
	// ErrExhausted means all leases are out and the pool is configured to
	// fail fast, or the waiter queue is full. Retryable with backoff.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrTimeout means a queued acquire waited past the lease timeout.
	// Retryable with backoff.
	ErrTimeout = errors.New("pool: acquire timeout")

	// ErrClosed means the pool has been torn down.
	ErrClosed = errors.New("pool: closed")
)

// Config tunes the pool. Zero values take the defaults below.
type Config struct {
	MaxSize       int           // maximum concurrent leases
	LeaseTimeout  time.Duration // how long a queued acquire waits
	FailFast      bool          // reject instead of queueing when at capacity
	MaxWaiters    int           // queue bound; beyond it acquires fail fast
	IdleTimeout   time.Duration // reaper closes connections idle this long
	ProbeInterval time.Duration // reaper cadence
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Second
	}
	if c.MaxWaiters <= 0 {
		c.MaxWaiters = 4 * c.MaxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	return c
}

// ─── Pool ────────────────────────────────────────────────────────────────────

type pooledConn struct {
	id          int64
	conn        store.Conn
	createdAt   time.Time
	lastUsedAt  time.Time
	leaseHolder string
}

// Conn is a leased connection. It exposes the full store contract and must
// be returned with Release (or use WithConn, which guarantees it).
type Conn struct {
	store.Conn
	pc *pooledConn
}

// Pool is a bounded pool of store connections.
type Pool struct {
	cfg    Config
	dialer store.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	idle    []*pooledConn
	leased  map[int64]*pooledConn
	open    int // idle + leased + dials in flight
	waiters int
	nextID  int64
	closed  bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	acquires  atomic.Int64
	exhausted atomic.Int64
	timeouts  atomic.Int64

	probeMu      sync.Mutex
	probeLatency time.Duration
	probeErr     string
	probeAt      time.Time
}

// New creates the pool and starts its reaper.
func New(dialer store.Dialer, cfg Config, log zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:    cfg,
		dialer: dialer,
		log:    log.With().Str("component", "pool").Logger(),
		leased: make(map[int64]*pooledConn),
		notify: make(chan struct{}, cfg.MaxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.reap()
	return p
}

// Acquire leases a connection, dialing a new one if the pool is under
// capacity. holder labels the lease in Status output. At capacity the call
// queues up to the lease timeout unless FailFast is set or the queue is
// full, in which case it returns ErrExhausted immediately.
func (p *Pool) Acquire(ctx context.Context, holder string) (*Conn, error) {
	p.acquires.Add(1)

	timer := time.NewTimer(p.cfg.LeaseTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.lease(pc, holder)
			p.mu.Unlock()
			return &Conn{Conn: pc.conn, pc: pc}, nil
		}

		if p.open < p.cfg.MaxSize {
			p.open++
			id := p.nextID
			p.nextID++
			p.mu.Unlock()
			return p.dial(ctx, id, holder)
		}

		if p.cfg.FailFast || p.waiters >= p.cfg.MaxWaiters {
			p.mu.Unlock()
			p.exhausted.Add(1)
			return nil, ErrExhausted
		}

		p.waiters++
		p.mu.Unlock()

		select {
		case <-p.notify:
			p.decWaiters()
			// Re-check under the lock; another waiter may have won.
		case <-timer.C:
			p.decWaiters()
			p.timeouts.Add(1)
			return nil, ErrTimeout
		case <-ctx.Done():
			p.decWaiters()
			p.timeouts.Add(1)
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-p.stop:
			p.decWaiters()
			return nil, ErrClosed
		}
	}
}

func (p *Pool) decWaiters() {
	p.mu.Lock()
	p.waiters--
	p.mu.Unlock()
}

func (p *Pool) lease(pc *pooledConn, holder string) {
	pc.leaseHolder = holder
	pc.lastUsedAt = time.Now()
	p.leased[pc.id] = pc
}

func (p *Pool) dial(ctx context.Context, id int64, holder string) (*Conn, error) {
	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		p.wake()
		return nil, fmt.Errorf("pool: dial: %w", err)
	}

	pc := &pooledConn{id: id, conn: conn, createdAt: time.Now()}
	p.mu.Lock()
	p.lease(pc, holder)
	p.mu.Unlock()
	return &Conn{Conn: conn, pc: pc}, nil
}

// Release returns a leased connection to the pool.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	pc, ok := p.leased[c.pc.id]
	if !ok {
		p.mu.Unlock()
		return // double release
	}
	delete(p.leased, pc.id)
	pc.leaseHolder = ""
	pc.lastUsedAt = time.Now()

	if p.closed {
		p.open--
		p.mu.Unlock()
		pc.conn.Close()
		return
	}

	p.idle = append(p.idle, pc)
	p.mu.Unlock()
	p.wake()
}

// WithConn leases a connection for the duration of fn, releasing it on
// every exit path including panics.
func (p *Pool) WithConn(ctx context.Context, holder string, fn func(store.Conn) error) error {
	c, err := p.Acquire(ctx, holder)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Close tears the pool down: idle connections are closed now, leased ones
// when released, and the reaper exits.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	close(p.stop)
	for _, pc := range idle {
		pc.conn.Close()
	}
	<-p.done
	return nil
}

// ─── Reaper ──────────────────────────────────────────────────────────────────

func (p *Pool) reap() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.probe()
		}
	}
}

// probe takes the idle connections out of rotation, closes stale or dead
// ones, and returns the rest. Leased connections are never probed — their
// holders notice failures themselves.
func (p *Pool) probe() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var keep []*pooledConn
	var lastErr string
	var latency time.Duration
	probed := 0

	for _, pc := range idle {
		if time.Since(pc.lastUsedAt) > p.cfg.IdleTimeout {
			p.retire(pc, "idle timeout")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		start := time.Now()
		err := pc.conn.Ping(ctx)
		cancel()

		if err != nil {
			lastErr = err.Error()
			p.retire(pc, err.Error())
			continue
		}
		latency += time.Since(start)
		probed++
		keep = append(keep, pc)
	}

	p.mu.Lock()
	if p.closed {
		// Close ran while the probe held these out of rotation; it never
		// saw them, so they are closed here.
		p.open -= len(keep)
		p.mu.Unlock()
		for _, pc := range keep {
			pc.conn.Close()
		}
		return
	}
	p.idle = append(p.idle, keep...)
	p.mu.Unlock()
	for range keep {
		p.wake()
	}

	p.probeMu.Lock()
	p.probeAt = time.Now()
	p.probeErr = lastErr
	if probed > 0 {
		p.probeLatency = latency / time.Duration(probed)
	}
	p.probeMu.Unlock()
}

func (p *Pool) retire(pc *pooledConn, reason string) {
	p.log.Debug().Int64("conn_id", pc.id).Str("reason", reason).Msg("retiring connection")
	pc.conn.Close()
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
	p.wake() // capacity freed; a waiter may dial a replacement
}

// ─── Status ──────────────────────────────────────────────────────────────────

// ConnStatus describes one pooled connection for the health surface.
type ConnStatus struct {
	ID          int64     `json:"id"`
	State       string    `json:"state"` // idle | leased
	LeaseHolder string    `json:"lease_holder,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at"`
	Age         string    `json:"age"`
}

// Status is a point-in-time snapshot of the pool. Safe to poll frequently;
// it takes the pool lock only long enough to copy counters.
type Status struct {
	MaxSize      int          `json:"max_size"`
	Open         int          `json:"open"`
	Idle         int          `json:"idle"`
	Leased       int          `json:"leased"`
	Waiting      int          `json:"waiting"`
	Acquires     int64        `json:"acquires"`
	Exhausted    int64        `json:"exhausted"`
	Timeouts     int64        `json:"timeouts"`
	ProbeLatency string       `json:"probe_latency,omitempty"`
	ProbeError   string       `json:"probe_error,omitempty"`
	LastProbeAt  time.Time    `json:"last_probe_at,omitzero"`
	Connections  []ConnStatus `json:"connections"`
}

// Status reports pool health without perturbing it.
func (p *Pool) Status() Status {
	p.mu.Lock()
	st := Status{
		MaxSize:   p.cfg.MaxSize,
		Open:      p.open,
		Idle:      len(p.idle),
		Leased:    len(p.leased),
		Waiting:   p.waiters,
		Acquires:  p.acquires.Load(),
		Exhausted: p.exhausted.Load(),
		Timeouts:  p.timeouts.Load(),
	}
	for _, pc := range p.idle {
		st.Connections = append(st.Connections, connStatus(pc, "idle"))
	}
	for _, pc := range p.leased {
		st.Connections = append(st.Connections, connStatus(pc, "leased"))
	}
	p.mu.Unlock()

	p.probeMu.Lock()
	if p.probeLatency > 0 {
		st.ProbeLatency = p.probeLatency.String()
	}
	st.ProbeError = p.probeErr
	st.LastProbeAt = p.probeAt
	p.probeMu.Unlock()
	return st
}

func connStatus(pc *pooledConn, state string) ConnStatus {
	return ConnStatus{
		ID:          pc.id,
		State:       state,
		LeaseHolder: pc.leaseHolder,
		LastUsedAt:  pc.lastUsedAt,
		Age:         time.Since(pc.createdAt).Round(time.Millisecond).String(),
	}
}
