package xhttp

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpool"
)

const (
	// chunks posted to the loop but not yet consumed
	codecWindow = 16

	// once detached, at most this much of an unread body is discarded to
	// keep the connection reusable
	maxDrainBytes = 256 << 10
	drainTimeout  = 5 * time.Second
)

// codec reads one exchange from a connection on its own goroutine and
// posts the decoded events to the owning loop, where they enter the
// pipeline after this stage.
//
// When the stage is removed the reader stops posting and drains whatever
// is left of the response so the connection can go back to the pool.
type codec struct {
	loop      *xexec.Loop
	conn      *xpool.Conn
	method    string
	chunkSize int
	ctx       *xpipe.Context
	credits   chan struct{}
	stop      chan struct{}

	mu       sync.Mutex
	started  bool
	finished bool
	stopping bool
	reusable bool
	onFinish func(reusable bool)
}

func newCodec(loop *xexec.Loop, conn *xpool.Conn, method string, chunkSize int) *codec {
	credits := make(chan struct{}, codecWindow)
	for range codecWindow {
		credits <- struct{}{}
	}

	return &codec{
		loop:      loop,
		conn:      conn,
		method:    method,
		chunkSize: chunkSize,
		credits:   credits,
		stop:      make(chan struct{}),
	}
}

func (c *codec) HandlerAdded(ctx *xpipe.Context) {
	c.ctx = ctx
}

func (c *codec) HandlerRemoved(*xpipe.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopping {
		return
	}
	c.stopping = true
	close(c.stop)

	if c.started && !c.finished {
		// bound the drain; finish clears it again
		ignoredErr := c.conn.SetReadDeadline(time.Now().Add(drainTimeout))
		_ = ignoredErr
	}
}

func (c *codec) HandleEvent(ctx *xpipe.Context, ev any) {
	ctx.FireNext(ev)
}

// start begins reading. It is a no-op once the stage has been removed.
func (c *codec) start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopping {
		return
	}
	c.started = true

	go c.read()
}

// whenFinished calls fn once the reader is done with the connection,
// immediately if it already is. reusable is false unless a complete
// exchange was read and the connection was left at a message boundary.
func (c *codec) whenFinished(fn func(reusable bool)) {
	c.mu.Lock()
	if !c.started || c.finished {
		reusable := c.started && c.reusable
		c.mu.Unlock()
		fn(reusable)
		return
	}
	c.onFinish = fn
	c.mu.Unlock()
}

func (c *codec) finish(reusable bool) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.stopping && reusable {
		if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
			reusable = false
		}
	}
	c.reusable = reusable
	fn := c.onFinish
	c.onFinish = nil
	c.mu.Unlock()

	if fn != nil {
		fn(reusable)
	}
}

func (c *codec) isStopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *codec) post(ev any) {
	err := c.loop.Execute(func() {
		c.ctx.FireNext(ev)
	})
	_ = err
}

func (c *codec) releaseCredit() {
	select {
	case c.credits <- struct{}{}:
	default:
	}
}

func (c *codec) read() {
	// every early return leaves the connection mid-exchange
	defer c.finish(false)

	br := c.conn.Reader()
	req := &http.Request{Method: c.method}

	var resp *http.Response
	for {
		var err error
		resp, err = http.ReadResponse(br, req)
		if err != nil {
			c.postReadError(err)
			return
		}

		if resp.ProtoMajor != 1 {
			c.post(connError{err: &ProtocolError{Err: fmt.Errorf("unsupported HTTP protocol version in response %d.%d", resp.ProtoMajor, resp.ProtoMinor)}})
			return
		}

		c.post(responseHead{resp: resp})

		if !isInterim(resp.StatusCode) {
			break
		}

		c.post(responseLast{})

		if c.isStopping() {
			return
		}
	}

	complete, err := c.readBody(resp.Body)
	if err != nil {
		c.postReadError(err)
		return
	}

	if !complete {
		return
	}

	// the body is fully read, so the connection is settled before anyone
	// sees the last frame
	c.finish(!resp.Close)
	c.post(responseLast{trailer: resp.Trailer})
}

// readBody posts body chunks until EOF. It reports complete=false when the
// stage was removed and the rest of the body could not be drained.
func (c *codec) readBody(body io.Reader) (complete bool, _ error) {
	for {
		select {
		case <-c.credits:
		case <-c.stop:
			return c.drain(body), nil
		}

		buf := make([]byte, c.chunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			c.post(responseContent{data: buf[:n], done: sync.OnceFunc(c.releaseCredit)})
		} else {
			c.releaseCredit()
		}

		if errors.Is(err, io.EOF) {
			return true, nil
		}

		if err != nil {
			return false, err
		}
	}
}

func (c *codec) drain(body io.Reader) bool {
	n, err := io.CopyN(io.Discard, body, maxDrainBytes+1)
	return errors.Is(err, io.EOF) && n <= maxDrainBytes
}

func (c *codec) postReadError(err error) {
	if isInactive(err) {
		c.post(connInactive{})
		return
	}

	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, net.ErrClosed) {
		c.post(connError{err: err})
		return
	}

	c.post(connError{err: &ProtocolError{Err: err}})
}

func isInactive(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
