package xpool

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
)

// holdServer accepts connections and keeps them open until the test ends.
type holdServer struct {
	ln       net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	accepted chan struct{}
}

func newHoldServer(t *testing.T) *holdServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &holdServer{ln: ln, accepted: make(chan struct{}, 1024)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			s.accepted <- struct{}{}
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
	})

	return s
}

// awaitAccepted blocks until n more connections have been recorded.
func (s *holdServer) awaitAccepted(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-s.accepted:
		case <-time.After(5 * time.Second):
			t.Fatalf("server accepted %d of %d connections", i, n)
		}
	}
}

func (s *holdServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *holdServer) key(t *testing.T) ChannelKey {
	t.Helper()

	u, err := url.Parse("http://" + s.ln.Addr().String() + "/")
	require.NoError(t, err)

	k, err := NewChannelKey(u, time.Second, nil)
	require.NoError(t, err)

	return k
}

func acquire(t *testing.T, p Pool) *Conn {
	t.Helper()

	r := <-p.Acquire(context.Background())
	require.NoError(t, r.Err)
	require.NotNil(t, r.Conn)

	return r.Conn
}

func TestChannelKey(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		require.NoError(t, err)
		return u
	}

	l := xexec.NewLoop("key", nil)
	defer l.Close()

	k, err := NewChannelKey(parse("HTTPS://example.com/x"), time.Second, l)
	require.NoError(t, err)
	assert.Equal(t, ChannelKey{Scheme: "https", Host: "example.com", Port: 443, ConnectTimeout: time.Second, LoopID: l.ID()}, k)
	assert.True(t, k.Secure())
	assert.Equal(t, "example.com:443", k.Address())

	k, err = NewChannelKey(parse("http://[::1]:8080/"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), k.Port)
	assert.Equal(t, "[::1]:8080", k.Address())
	assert.False(t, k.Secure())

	same, err := NewChannelKey(parse("http://[::1]:8080/other?q=1"), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, k, same, "path and query do not partition")

	other, err := NewChannelKey(parse("http://[::1]:8080/"), time.Second, nil)
	require.NoError(t, err)
	assert.NotEqual(t, k, other, "connect timeout partitions")

	_, err = NewChannelKey(parse("ftp://example.com/"), 0, nil)
	assert.ErrorIs(t, err, errUnsupportedScheme)

	_, err = NewChannelKey(parse("http:///nohost"), 0, nil)
	assert.ErrorIs(t, err, errNoHostInRequestURL)

	_, err = NewChannelKey(parse("http://example.com:0/"), 0, nil)
	assert.ErrorIs(t, err, errInvalidPort)
}

func TestPool(t *testing.T) {
	t.Run("reuse", testPoolReuse)
	t.Run("pooling disabled", testPoolDisabled)
	t.Run("double release", testPoolDoubleRelease)
	t.Run("closed conn release", testPoolClosedConnRelease)
	t.Run("stale idle skipped", testPoolStaleIdleSkipped)
	t.Run("queue full", testPoolQueueFull)
	t.Run("waiter gets released conn", testPoolWaiter)
	t.Run("dial failure", testPoolDialFailure)
	t.Run("idle eviction", testPoolIdleEviction)
	t.Run("max lifespan", testPoolMaxLifespan)
	t.Run("max lifespan eviction", testPoolMaxLifespanEviction)
	t.Run("close", testPoolClose)
}

func testPoolReuse(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(2))
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)
	assert.Same(t, p, m.Get(key))

	c := acquire(t, p)
	assert.Equal(t, key, c.Key())
	assert.Equal(t, int64(1), m.Stats(key).Borrowed)

	require.NoError(t, p.Release(c))
	assert.Equal(t, Stats{Idle: 1, Borrowed: 0, Open: 1, Dialed: 1}, m.Stats(key))

	again := acquire(t, p)
	assert.Same(t, c, again)
	assert.Equal(t, uint64(1), m.Stats(key).Dialed)
	require.NoError(t, p.Release(again))
}

func testPoolDisabled(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(0))
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)

	c := acquire(t, p)
	require.NoError(t, p.Release(c))
	assert.False(t, c.IsOpen(), "release closes when pooling is disabled")

	c2 := acquire(t, p)
	assert.NotSame(t, c, c2)
	require.NoError(t, p.Release(c2))
	assert.Equal(t, Stats{Idle: 0, Borrowed: 0, Open: 0, Dialed: 2}, m.Stats(key))
}

func testPoolDoubleRelease(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(1))
	require.NoError(t, err)
	defer m.Close()

	p := m.Get(s.key(t))
	c := acquire(t, p)
	require.NoError(t, p.Release(c))
	assert.ErrorIs(t, p.Release(c), ErrNotBorrowed)

	other, err := NewPoolMap()
	require.NoError(t, err)
	defer other.Close()
	assert.ErrorIs(t, other.Get(s.key(t)).Release(c), ErrForeignConn)
}

func testPoolClosedConnRelease(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(1))
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)
	c := acquire(t, p)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	require.NoError(t, p.Release(c))

	assert.Equal(t, Stats{Idle: 0, Borrowed: 0, Open: 0, Dialed: 1}, m.Stats(key))

	// the slot was returned
	c2 := acquire(t, p)
	require.NoError(t, p.Release(c2))
}

func testPoolStaleIdleSkipped(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(1))
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)
	c := acquire(t, p)
	require.NoError(t, p.Release(c))

	s.awaitAccepted(t, 1)
	s.closeAll()
	time.Sleep(50 * time.Millisecond)

	c2 := acquire(t, p)
	assert.NotSame(t, c, c2)
	assert.False(t, c.IsOpen())
	require.NoError(t, p.Release(c2))
}

func testPoolQueueFull(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(1), PoolOpts().QueueSize(0))
	require.NoError(t, err)
	defer m.Close()

	p := m.Get(s.key(t))
	c := acquire(t, p)

	r := <-p.Acquire(context.Background())
	assert.ErrorIs(t, r.Err, ErrPoolQueueFull)
	assert.Nil(t, r.Conn)

	require.NoError(t, p.Release(c))
}

func testPoolWaiter(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(1))
	require.NoError(t, err)
	defer m.Close()

	p := m.Get(s.key(t))
	c := acquire(t, p)

	waiting := p.Acquire(context.Background())
	select {
	case <-waiting:
		t.Fatal("acquire must wait while the only slot is borrowed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Release(c))

	r := <-waiting
	require.NoError(t, r.Err)
	assert.Same(t, c, r.Conn)
	require.NoError(t, p.Release(r.Conn))

	ctx, cancel := context.WithCancel(context.Background())
	held := acquire(t, p)
	cancel()
	r = <-p.Acquire(ctx)
	assert.ErrorIs(t, r.Err, context.Canceled)
	require.NoError(t, p.Release(held))
}

func testPoolDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	u, err := url.Parse("http://" + addr)
	require.NoError(t, err)
	key, err := NewChannelKey(u, time.Second, nil)
	require.NoError(t, err)

	m, err := NewPoolMap(PoolOpts().Size(1), PoolOpts().DialBreaker(gobreaker.Settings{
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}))
	require.NoError(t, err)
	defer m.Close()

	p := m.Get(key)
	for i := 0; i < 2; i++ {
		r := <-p.Acquire(context.Background())
		var de *DialError
		require.ErrorAs(t, r.Err, &de)
		assert.ErrorIs(t, r.Err, ErrDialFailed)
		assert.False(t, de.Timeout())
	}

	r := <-p.Acquire(context.Background())
	assert.ErrorIs(t, r.Err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, r.Err, ErrDialFailed)
}

type timeoutDialer struct{}

func (timeoutDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDialTimeout(t *testing.T) {
	m, err := NewPoolMap(PoolOpts().Dialer(timeoutDialer{}), PoolOpts().DisableDialBreaker())
	require.NoError(t, err)
	defer m.Close()

	u, err := url.Parse("http://192.0.2.1/")
	require.NoError(t, err)
	key, err := NewChannelKey(u, 20*time.Millisecond, nil)
	require.NoError(t, err)

	r := <-m.Get(key).Acquire(context.Background())
	var de *DialError
	require.ErrorAs(t, r.Err, &de)
	assert.True(t, de.Timeout())
	assert.Equal(t, "192.0.2.1:80", de.Addr)
}

func testPoolIdleEviction(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(
		PoolOpts().Size(2),
		PoolOpts().IdleTimeout(20*time.Millisecond),
		PoolOpts().MaintenanceInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)
	c := acquire(t, p)
	require.NoError(t, p.Release(c))

	assert.Eventually(t, func() bool {
		return m.Stats(key).Idle == 0 && !c.IsOpen()
	}, time.Second, 5*time.Millisecond)
}

func testPoolMaxLifespan(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(1), PoolOpts().MaxLifespan(200*time.Millisecond))
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)

	c := acquire(t, p)
	require.NoError(t, p.Release(c))

	c2 := acquire(t, p)
	assert.Same(t, c, c2, "young connections are reused")
	require.NoError(t, p.Release(c2))

	time.Sleep(time.Until(c.CreatedAt().Add(250 * time.Millisecond)))

	c3 := acquire(t, p)
	assert.NotSame(t, c, c3)
	assert.False(t, c.IsOpen())
	require.NoError(t, p.Release(c3))

	assert.Equal(t, uint64(2), m.Stats(key).Dialed)
}

func testPoolMaxLifespanEviction(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(
		PoolOpts().Size(1),
		PoolOpts().MaxLifespan(20*time.Millisecond),
		PoolOpts().MaintenanceInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	key := s.key(t)
	p := m.Get(key)
	c := acquire(t, p)
	require.NoError(t, p.Release(c))

	assert.Eventually(t, func() bool {
		return m.Stats(key).Idle == 0 && !c.IsOpen()
	}, time.Second, 5*time.Millisecond)
}

func testPoolClose(t *testing.T) {
	s := newHoldServer(t)
	m, err := NewPoolMap(PoolOpts().Size(2))
	require.NoError(t, err)

	p := m.Get(s.key(t))
	idle := acquire(t, p)
	borrowed := acquire(t, p)
	require.NoError(t, p.Release(idle))

	require.NoError(t, m.Close())
	assert.True(t, errors.Is(m.Close(), ErrPoolClosed))
	assert.False(t, idle.IsOpen())
	assert.True(t, borrowed.IsOpen())

	require.NoError(t, p.Release(borrowed))
	assert.False(t, borrowed.IsOpen(), "released after close means closed")

	r := <-p.Acquire(context.Background())
	assert.ErrorIs(t, r.Err, ErrPoolClosed)
}

func TestPoolConfig(t *testing.T) {
	_, err := NewPoolMap(PoolOpts().Size(-1))
	assert.Error(t, err)

	_, err = NewPoolMap(PoolOpts().QueueSize(-1))
	assert.Error(t, err)

	_, err = NewPoolMap(PoolOpts().MaintenanceInterval(0))
	assert.Error(t, err)
}
