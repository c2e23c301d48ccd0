package xpool

import (
	"bufio"
	"net"
	"sync/atomic"
	"time"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
)

const readBufferSize = 4096

type _netConn = net.Conn

// Conn is a pooled transport connection. It is borrowed by one request at
// a time and must be handed back with Release exactly once per borrow.
//
// Everything except Close, IsOpen and the loop binding belongs to the
// borrower's execution loop while borrowed.
type Conn struct {
	_netConn
	bufReader *bufio.Reader
	pipeline  *xpipe.Pipeline
	part      *partition
	loop      atomic.Pointer[xexec.Loop]
	createdAt time.Time

	// lastIdleAt is written by Release before the conn is published to the
	// idle stack, and read only by whoever pops it.
	lastIdleAt time.Time

	borrowed atomic.Bool
	closed   atomic.Bool
}

func newConn(c net.Conn, part *partition) *Conn {
	return &Conn{
		_netConn:  c,
		bufReader: bufio.NewReaderSize(c, readBufferSize),
		pipeline:  xpipe.New(),
		part:      part,
		createdAt: time.Now(),
	}
}

func (c *Conn) Key() ChannelKey {
	return c.part.key
}

// Pipeline survives across borrows. Handlers that belong to one request
// must be removed before the conn is released.
func (c *Conn) Pipeline() *xpipe.Pipeline {
	return c.pipeline
}

// Reader is the buffered reader over the current transport. Buffered bytes
// carry over between borrows, so all reads must go through it.
func (c *Conn) Reader() *bufio.Reader {
	return c.bufReader
}

// NetConn returns the current transport, which is the TLS conn once Upgrade
// has been called.
func (c *Conn) NetConn() net.Conn {
	return c._netConn
}

// Upgrade replaces the transport with wrap(current), as done once per
// physical connection for TLS. Must be called before anything is read.
func (c *Conn) Upgrade(wrap func(net.Conn) net.Conn) {
	c._netConn = wrap(c._netConn)
	c.bufReader = bufio.NewReaderSize(c._netConn, readBufferSize)
}

func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Conn) BoundLoop() *xexec.Loop {
	return c.loop.Load()
}

func (c *Conn) BindLoop(l *xexec.Loop) {
	c.loop.Store(l)
}

// Close closes the transport. Only the first call has an effect; the pool
// still needs a Release to account for the borrow.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.part.open.Add(-1)
	return c._netConn.Close()
}

func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}
