package xhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"golang.org/x/net/http/httpguts"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpool"
)

const (
	tlsHandlerName         = "tls"
	codecHandlerName       = "codec"
	readTimeoutHandlerName = "readTimeout"
	redirectHandlerName    = "redirect"
	decompressHandlerName  = "decompressor"
	consumerHandlerName    = "consumer"
)

// CompletionSink receives the outcome of a request, including any redirects
// it followed. Exactly one of its methods is called, exactly once.
type CompletionSink[T any] interface {
	Success(T)
	Error(error)
}

type namedHandler struct {
	name    string
	handler xpipe.Handler
}

type newConsumerFunc[T any] func(*requestAction[T]) xpipe.Handler

// execution points at the attempt currently driving a redirect chain so
// the chain can be aborted from outside. Owned by the chain's loop.
type execution[T any] struct {
	current *requestAction[T]
}

// abort fails whichever attempt is current. Must run on the loop.
func (e *execution[T]) abort(err error) {
	if a := e.current; a != nil {
		a.fail(err)
	}
}

// requestAction is one hop of a request: it borrows a connection, runs the
// exchange through the connection's pipeline and then disposes of the
// connection, or hands the sink to the next hop on a followed redirect.
//
// Past construction, everything but the single-shot flags is accessed only
// from tasks on loop.
type requestAction[T any] struct {
	ctx           context.Context
	client        *Client
	loop          *xexec.Loop
	logger        *slog.Logger
	cfg           *RequestConfig
	key           xpool.ChannelKey
	pool          xpool.Pool
	redirectCount int
	configurer    Action
	newConsumer   newConsumerFunc[T]
	exec          *execution[T]
	sink          CompletionSink[T]

	conn           *xpool.Conn
	codec          *codec
	expectContinue bool
	// bodyPending is set while a body exists that is held back for a
	// 100 Continue
	bodyPending bool
	writeDone   chan struct{}

	fired    atomic.Bool
	disposed atomic.Bool
}

func newRequestAction[T any](ctx context.Context, c *Client, loop *xexec.Loop, uri *url.URL, redirectCount int, configurer Action, newConsumer newConsumerFunc[T]) (*requestAction[T], error) {
	cfg, err := newRequestConfig(&c.cfg, uri, configurer)
	if err != nil {
		return nil, err
	}

	key, err := xpool.NewChannelKey(cfg.URI, cfg.ConnectTimeout, loop)
	if err != nil {
		return nil, fmt.Errorf("invalid request URI %q: %w", cfg.URI.Redacted(), err)
	}

	if err := cfg.finalizeHeaders(c.pools.PoolSize()); err != nil {
		return nil, err
	}

	return &requestAction[T]{
		ctx:           ctx,
		client:        c,
		loop:          loop,
		logger:        c.cfg.logger,
		cfg:           cfg,
		key:           key,
		pool:          c.pools.Get(key),
		redirectCount: redirectCount,
		configurer:    configurer,
		newConsumer:   newConsumer,
	}, nil
}

// connect starts the hop. The outcome, or the hand-off to a successor, is
// reported through sink.
func (a *requestAction[T]) connect(sink CompletionSink[T]) {
	a.sink = sink
	xexec.Await(a.loop, a.pool.Acquire(a.ctx), a.acquired)
}

func (a *requestAction[T]) acquired(r xpool.Acquired) {
	if r.Err != nil {
		a.connectFailure(r.Err)
		return
	}
	conn := r.Conn

	if a.disposed.Load() {
		// aborted while waiting on the pool
		a.release(conn)
		return
	}

	if conn.BoundLoop() == a.loop {
		a.send(conn)
		return
	}

	xexec.Await(a.loop, xexec.Deregister(conn), func(error) {
		xexec.Await(a.loop, a.loop.Register(conn), func(err error) {
			if err != nil {
				ignoredErr := conn.Close()
				_ = ignoredErr
				a.release(conn)
				a.connectFailure(fmt.Errorf("failed to register connection on %s: %w", a.loop, err))
				return
			}

			if a.disposed.Load() {
				a.release(conn)
				return
			}

			a.send(conn)
		})
	})
}

func (a *requestAction[T]) connectFailure(err error) {
	a.cfg.Body = nil

	var de *xpool.DialError
	if errors.As(err, &de) && de.Timeout() {
		err = &ConnectTimeoutError{
			Timeout: a.cfg.ConnectTimeout,
			URI:     a.cfg.URI.String(),
			Err:     err,
		}
	}

	a.error(err)
}

func (a *requestAction[T]) send(conn *xpool.Conn) {
	a.codec = newCodec(a.loop, conn, a.cfg.Method, a.cfg.ResponseMaxChunkSize)
	a.conn = conn
	p := conn.Pipeline()

	a.expectContinue = httpguts.HeaderValuesContainsToken(a.cfg.Headers["Expect"], "100-continue")
	a.bodyPending = a.expectContinue && len(a.cfg.Body) > 0

	handshake := noHandshake()
	if a.key.Secure() {
		stage, ok := p.Get(tlsHandlerName).(*tlsStage)
		if !ok {
			stage = newTLSStage(conn, a.cfg.TLSConfig, a.cfg.ConnectTimeout)
			if err := p.AddLast(tlsHandlerName, stage); err != nil {
				a.fail(err)
				return
			}
		}
		handshake = stage.handshake()
	}

	stages := []namedHandler{
		{codecHandlerName, a.codec},
		{readTimeoutHandlerName, newReadTimeout(a.loop, a.cfg.ReadTimeout)},
		{redirectHandlerName, newRedirectHandler(a)},
	}
	if a.cfg.DecompressResponse {
		stages = append(stages, namedHandler{decompressHandlerName, newDecompressor(a.cfg.ResponseMaxChunkSize, a.cfg.MaxContentLength)})
	}
	stages = append(stages, namedHandler{consumerHandlerName, a.newConsumer(a)})

	for _, s := range stages {
		if err := p.AddLast(s.name, s.handler); err != nil {
			a.fail(err)
			return
		}
	}

	xexec.Await(a.loop, handshake, func(err error) {
		if a.disposed.Load() {
			return
		}

		if err != nil {
			a.fail(err)
			return
		}

		a.codec.start()
		a.writeHead()
	})
}

func (a *requestAction[T]) writeHead() {
	var buf bytes.Buffer
	buf.WriteString(a.cfg.Method)
	buf.WriteByte(' ')
	buf.WriteString(a.cfg.URI.RequestURI())
	buf.WriteString(" HTTP/1.1\r\n")
	if err := a.cfg.Headers.Write(&buf); err != nil {
		a.fail(err)
		return
	}
	buf.WriteString("\r\n")

	if !a.bodyPending {
		buf.Write(a.cfg.Body)
		a.cfg.Body = nil
	}

	a.write(buf.Bytes())
}

// writeBody sends a body held back for 100 Continue.
func (a *requestAction[T]) writeBody() {
	if !a.bodyPending {
		return
	}
	a.bodyPending = false

	body := a.cfg.Body
	a.cfg.Body = nil
	a.write(body)
}

// write sends b on a helper goroutine, after any earlier write finished.
func (a *requestAction[T]) write(b []byte) {
	conn := a.conn
	prev := a.writeDone
	done := make(chan struct{})
	a.writeDone = done

	result := make(chan error, 1)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}

		_, err := conn.Write(b)
		result <- err
	}()

	xexec.Await(a.loop, result, func(err error) {
		if err != nil {
			a.fail(fmt.Errorf("failed to write request to %s: %w", a.key.Address(), err))
		}
	})
}

func (a *requestAction[T]) keepAlive(resp *http.Response) bool {
	return isKeepAlive(resp, a.cfg.Headers)
}

func (a *requestAction[T]) decorate(err error) error {
	if errors.Is(err, errReadIdle) {
		return &ReadTimeoutError{
			Timeout: a.cfg.ReadTimeout,
			URI:     a.cfg.URI.String(),
			Host:    a.cfg.URI.Host,
		}
	}

	return err
}

// fail reports err and force-disposes the connection.
func (a *requestAction[T]) fail(err error) {
	a.error(a.decorate(err))
	a.forceDispose()
}

func (a *requestAction[T]) success(v T) {
	if a.fired.CompareAndSwap(false, true) {
		a.sink.Success(v)
	}
}

// error is dropped once the attempt was disposed: by then the sink either
// has its result or belongs to a successor.
func (a *requestAction[T]) error(err error) {
	if a.disposed.Load() {
		return
	}

	if a.fired.CompareAndSwap(false, true) {
		a.logger.LogAttrs(a.ctx, slog.LevelDebug,
			"request failed",
			slog.String("method", a.cfg.Method),
			slog.String("uri", a.cfg.URI.Redacted()),
			slog.String("error", err.Error()),
		)
		a.sink.Error(err)
	}
}

func (a *requestAction[T]) forceDispose() {
	a.dispose(true)
}

// dispose detaches this attempt's stages from the connection and gives the
// connection back to the pool, closing it first when it cannot be reused.
// Only the first call has an effect.
func (a *requestAction[T]) dispose(forceClose bool) {
	if !a.disposed.CompareAndSwap(false, true) {
		return
	}

	conn := a.conn
	if conn == nil {
		// still acquiring; the acquire continuation releases the conn
		return
	}

	p := conn.Pipeline()
	for _, name := range [...]string{codecHandlerName, readTimeoutHandlerName, redirectHandlerName} {
		if _, err := p.Remove(name); err != nil {
			forceClose = true
		}
	}

	if p.Get(decompressHandlerName) != nil {
		ignoredHandler, ignoredErr := p.Remove(decompressHandlerName)
		_, _ = ignoredHandler, ignoredErr
	}

	if _, err := p.Remove(consumerHandlerName); err != nil {
		forceClose = true
	}

	if forceClose || a.bodyPending || a.client.pools.PoolSize() == 0 {
		ignoredErr := conn.Close()
		_ = ignoredErr
	}

	a.codec.whenFinished(func(reusable bool) {
		if !reusable {
			ignoredErr := conn.Close()
			_ = ignoredErr
		}
		a.release(conn)
	})
}

func (a *requestAction[T]) release(conn *xpool.Conn) {
	if err := a.pool.Release(conn); err != nil {
		a.logger.LogAttrs(a.ctx, slog.LevelError,
			"failed to release pooled connection",
			slog.String("key", a.key.String()),
			slog.String("error", err.Error()),
		)
	}
}

// successor builds the next hop of a followed redirect.
func (a *requestAction[T]) successor(target *url.URL, configurer Action) (*requestAction[T], error) {
	next, err := newRequestAction(a.ctx, a.client, a.loop, target, a.redirectCount+1, configurer, a.newConsumer)
	if err != nil {
		return nil, err
	}
	next.exec = a.exec

	return next, nil
}

// handOff passes the sink to next and starts it as a new task, so long
// redirect chains do not grow the stack. The caller must have disposed a.
func (a *requestAction[T]) handOff(next *requestAction[T]) {
	sink := a.sink
	if next.exec != nil {
		next.exec.current = next
	}

	if err := a.loop.Execute(func() { next.connect(sink) }); err != nil {
		next.sink = sink
		next.connectFailure(err)
	}
}
