package xpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/internal"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xqueue"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xsync"
)

const (
	msgErrDialFailed    = "dial failed"
	prefixErrDialFailed = msgErrDialFailed + ": "
)

var (
	ErrPoolClosed    = errors.New("connection pool closed")
	ErrPoolQueueFull = errors.New("too many outstanding acquire requests for connection pool")
	ErrNotBorrowed   = errors.New("connection is not currently borrowed")
	ErrForeignConn   = errors.New("connection does not belong to this pool")
	ErrDialFailed    = errors.New(msgErrDialFailed)

	errMaxIdleExceeded     = errors.New("connection idle timeout exceeded")
	errMaxLifespanExceeded = errors.New("connection max lifespan exceeded")
)

// DialError is returned by Acquire when a new connection could not be
// opened, including when the partition's dial breaker is open.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return prefixErrDialFailed + e.Addr + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error {
	return e.Err
}

func (e *DialError) Is(target error) bool {
	return target == ErrDialFailed
}

// Timeout reports whether the dial ran out of connect time.
func (e *DialError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Acquired is the single value delivered by Pool.Acquire.
type Acquired struct {
	Conn *Conn
	Err  error
}

// Pool is one partition of a PoolMap.
type Pool interface {
	// Acquire borrows an idle connection or dials a new one. The channel
	// yields exactly one value.
	Acquire(ctx context.Context) <-chan Acquired
	// Release ends a borrow. Closed connections are only accounted for;
	// open ones are kept idle when pooling is enabled and closed otherwise.
	Release(c *Conn) error
}

type Stats struct {
	Idle     int
	Borrowed int64
	Open     int64
	Dialed   uint64
}

type partition struct {
	m        *PoolMap
	key      ChannelKey
	idle     xqueue.LIFO[*Conn]
	sema     *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker[net.Conn]
	waiting  atomic.Int64
	borrowed atomic.Int64
	open     atomic.Int64
	dialed   atomic.Uint64
}

// PoolMap partitions connections by ChannelKey.
type PoolMap struct {
	cfg        poolConfig
	partitions xsync.Map[ChannelKey, *partition]
	creating   singleflight.Group
	wg         sync.WaitGroup
	stop       context.CancelFunc
	closed     atomic.Bool
}

func NewPoolMap(options ...PoolOption) (*PoolMap, error) {
	cfg := defaultPoolConfig()
	for _, op := range options {
		op(&cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	m := &PoolMap{
		cfg:        cfg,
		partitions: xsync.NewMap[ChannelKey, *partition](),
	}

	m.start(context.Background(), cfg.maintenanceInterval)

	return m, nil
}

// Get returns the partition for key, creating it on first use.
func (m *PoolMap) Get(key ChannelKey) Pool {
	return m.get(key)
}

func (m *PoolMap) get(key ChannelKey) *partition {
	if p, ok := m.partitions.Load(key); ok {
		return p
	}

	// singleflight keeps concurrent first requests from allocating and
	// discarding duplicate idle stacks and breakers
	v, _, _ := m.creating.Do(key.String(), func() (any, error) {
		if p, ok := m.partitions.Load(key); ok {
			return p, nil
		}

		p := m.newPartition(key)
		p, _ = m.partitions.LoadOrStore(key, p)
		return p, nil
	})

	return v.(*partition)
}

func (m *PoolMap) newPartition(key ChannelKey) *partition {
	op := xqueue.LIFOOpts()
	var lifoOpts []xqueue.LIFOOption
	if m.cfg.size > 0 {
		lifoOpts = append(lifoOpts, op.MaxCapacity(m.cfg.size))
	}

	idle, err := xqueue.NewLIFO[*Conn](lifoOpts...)
	if err != nil {
		panic(err)
	}

	p := &partition{
		m:    m,
		key:  key,
		idle: idle,
	}

	if m.cfg.size > 0 {
		p.sema = semaphore.NewWeighted(int64(m.cfg.size))
	}

	if !m.cfg.breakerDisabled {
		p.breaker = newDialBreaker(key, m.cfg.breakerSettings, m.cfg.logger)
	}

	return p
}

// Stats reports the state of key's partition.
func (m *PoolMap) Stats(key ChannelKey) Stats {
	p, ok := m.partitions.Load(key)
	if !ok {
		return Stats{}
	}

	return Stats{
		Idle:     p.idle.Len(),
		Borrowed: p.borrowed.Load(),
		Open:     p.open.Load(),
		Dialed:   p.dialed.Load(),
	}
}

func (m *PoolMap) PoolSize() int {
	return m.cfg.size
}

func (p *partition) Acquire(ctx context.Context) <-chan Acquired {
	result := make(chan Acquired, 1)

	go func() {
		c, err := p.acquire(ctx)
		result <- Acquired{c, err}
	}()

	return result
}

func (p *partition) acquire(ctx context.Context) (*Conn, error) {
	if p.m.closed.Load() {
		return nil, ErrPoolClosed
	}

	if p.sema != nil && !p.sema.TryAcquire(1) {
		if n := p.waiting.Add(1); n > int64(p.m.cfg.queueSize) {
			p.waiting.Add(-1)
			return nil, ErrPoolQueueFull
		}

		err := p.sema.Acquire(ctx, 1)
		p.waiting.Add(-1)
		if err != nil {
			return nil, fmt.Errorf("waiting for a pooled connection to %s: %w", p.key.Address(), err)
		}
	}

	if c, ok := p.nextIdle(ctx); ok {
		c.borrowed.Store(true)
		p.borrowed.Add(1)
		return c, nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		if p.sema != nil {
			p.sema.Release(1)
		}
		return nil, err
	}

	c.borrowed.Store(true)
	p.borrowed.Add(1)
	return c, nil
}

// nextIdle pops idle connections until one is still usable, closing the
// ones that are not.
func (p *partition) nextIdle(ctx context.Context) (*Conn, bool) {
	for {
		c, ok := p.idle.Get()
		if !ok {
			return nil, false
		}

		if err := p.checkIdle(c); err != nil {
			p.m.cfg.logger.LogAttrs(ctx, slog.LevelDebug,
				"discarding idle connection",
				slog.String("key", p.key.String()),
				slog.String("reason", err.Error()),
			)
			ignoredErr := c.Close()
			_ = ignoredErr
			continue
		}

		p.m.cfg.logger.LogAttrs(ctx, slog.LevelDebug,
			"reusing connection",
			slog.String("key", p.key.String()),
		)
		return c, true
	}
}

func (p *partition) checkIdle(c *Conn) error {
	if !c.IsOpen() {
		return net.ErrClosed
	}

	if d := p.m.cfg.idleTimeout; d > 0 && time.Since(c.lastIdleAt) >= d {
		return errMaxIdleExceeded
	}

	if d := p.m.cfg.maxLifespan; d > 0 && time.Since(c.CreatedAt()) >= d {
		return errMaxLifespanExceeded
	}

	if c.bufReader.Buffered() > 0 {
		return internal.ErrUnsolicitedData
	}

	if err := internal.Probe(c); err != nil && !errors.Is(err, internal.ErrNotSyscallConn) {
		return err
	}

	return nil
}

type keepAliveObserver interface {
	SetKeepAliveConfig(config net.KeepAliveConfig) error
}

func (p *partition) dial(ctx context.Context) (*Conn, error) {
	addr := p.key.Address()

	if d := p.key.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	dial := func() (net.Conn, error) {
		return p.m.cfg.dialer.DialContext(ctx, "tcp", addr)
	}

	var conn net.Conn
	var err error
	if p.breaker != nil {
		conn, err = p.breaker.Execute(dial)
	} else {
		conn, err = dial()
	}
	if err != nil {
		return nil, &DialError{Addr: addr, Err: err}
	}

	if c, ok := conn.(keepAliveObserver); ok {
		err := c.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable: true,

			// recommend 30–60s to detect dead peer in a minute or less
			Idle: 30 * time.Second,

			// recommend 5–10s to detect dead peer in a minute or less
			// and retry keepalive frequently
			Interval: 5 * time.Second,

			// recommended 3–5 to fail fast but tolerate some packet loss
			Count: 3,
		})
		if err != nil {
			ignoredErr := conn.Close()
			_ = ignoredErr
			return nil, &DialError{Addr: addr, Err: fmt.Errorf("failed to set keep-alive config on connection: %w", err)}
		}
	}

	p.open.Add(1)
	p.dialed.Add(1)

	p.m.cfg.logger.LogAttrs(ctx, slog.LevelDebug,
		"new connection",
		slog.String("key", p.key.String()),
		slog.String("local_addr", conn.LocalAddr().String()),
	)

	return newConn(conn, p), nil
}

func (p *partition) Release(c *Conn) error {
	if c.part != p {
		return ErrForeignConn
	}

	if !c.borrowed.CompareAndSwap(true, false) {
		return ErrNotBorrowed
	}
	p.borrowed.Add(-1)

	if p.sema != nil {
		defer p.sema.Release(1)
	}

	if !c.IsOpen() {
		return nil
	}

	if p.m.cfg.size == 0 || p.m.closed.Load() {
		return c.Close()
	}

	c.lastIdleAt = time.Now()
	if !p.idle.Put(c) {
		return c.Close()
	}

	return nil
}

// Close stops maintenance and closes every idle connection. Borrowed
// connections are closed when they are released.
func (m *PoolMap) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrPoolClosed
	}

	m.shutdown()

	var errs []error
	m.partitions.Range(func(_ ChannelKey, p *partition) bool {
		drained, err := p.idle.Close()
		if err != nil {
			return true
		}
		for _, c := range drained {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})

	return errors.Join(errs...)
}
