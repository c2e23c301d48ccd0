// Package xhttp executes HTTP/1.1 requests over pooled connections.
//
// Every request is pinned to an execution loop, taken from the request
// context when set with xexec.WithLoop and picked round-robin from the
// client's own loops otherwise. All protocol state of the request lives on
// that loop, and so does the completion of asynchronous requests.
package xhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpool"
)

type Client struct {
	cfg    clientConfig
	pools  *xpool.PoolMap
	loops  *xexec.Group
	closed atomic.Bool
}

func NewClient(options ...ClientOption) (*Client, error) {
	cfg := defaultClientConfig()
	for _, op := range options {
		op(&cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	pools, err := xpool.NewPoolMap(cfg.poolOptions()...)
	if err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	return &Client{
		cfg:   cfg,
		pools: pools,
		loops: xexec.NewGroup("xhttp", cfg.loops, cfg.logger),
	}, nil
}

// Stats reports the pool partition that requests to uri with the default
// connect timeout use when pinned to loop.
func (c *Client) Stats(uri string, loop *xexec.Loop) (xpool.Stats, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return xpool.Stats{}, err
	}

	key, err := xpool.NewChannelKey(u, c.cfg.connectTimeout, loop)
	if err != nil {
		return xpool.Stats{}, err
	}

	return c.pools.Stats(key), nil
}

func (c *Client) Get(ctx context.Context, uri string, action Action) (*ReceivedResponse, error) {
	return c.Request(ctx, uri, Action(func(s *RequestSpec) error {
		s.Get()
		return nil
	}).Append(action))
}

func (c *Client) Post(ctx context.Context, uri string, action Action) (*ReceivedResponse, error) {
	return c.Request(ctx, uri, Action(func(s *RequestSpec) error {
		s.Post()
		return nil
	}).Append(action))
}

// Request executes a request and waits for the fully read response.
// Cancelling ctx fails the request and discards its connection.
func (c *Client) Request(ctx context.Context, uri string, action Action) (*ReceivedResponse, error) {
	return await(ctx, c, uri, action, newAggregator, c.cfg.responseIntercept)
}

// RequestStream executes a request and returns once the response head has
// arrived. The caller must close the response body.
func (c *Client) RequestStream(ctx context.Context, uri string, action Action) (*StreamedResponse, error) {
	var onSuccess func(*StreamedResponse)
	if fn := c.cfg.responseIntercept; fn != nil {
		onSuccess = func(r *StreamedResponse) {
			fn(r.head())
		}
	}

	return await(ctx, c, uri, action, newStreamer, onSuccess)
}

// RequestAsync starts a request and reports its outcome to sink from the
// request's execution loop. An error is returned, and sink left untouched,
// only when the request could not be started.
func (c *Client) RequestAsync(ctx context.Context, uri string, action Action, sink CompletionSink[*ReceivedResponse]) error {
	_, _, err := start(ctx, c, uri, action, newAggregator, c.cfg.responseIntercept, sink)
	return err
}

// Close stops the client's loops and closes idle connections. Requests
// still in flight are completed or failed as their connections report back.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}

	return errors.Join(c.loops.Close(), c.pools.Close())
}

func start[T any](ctx context.Context, c *Client, uri string, action Action, newConsumer newConsumerFunc[T], onSuccess func(T), sink CompletionSink[T]) (*xexec.Loop, *execution[T], error) {
	if c.closed.Load() {
		return nil, nil, ErrClientClosed
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid request URI: %w", err)
	}

	loop, ok := xexec.FromContext(ctx)
	if !ok {
		loop = c.loops.Next()
	}

	a, err := newRequestAction(ctx, c, loop, u, 0, action, newConsumer)
	if err != nil {
		return nil, nil, err
	}

	exec := &execution[T]{current: a}
	a.exec = exec

	sink = &interceptSink[T]{
		ctx:       ctx,
		loop:      loop,
		logger:    c.cfg.logger,
		next:      sink,
		onSuccess: onSuccess,
		onError:   c.cfg.errorIntercept,
	}

	if err := loop.Execute(func() { a.connect(sink) }); err != nil {
		return nil, nil, err
	}

	return loop, exec, nil
}

type result[T any] struct {
	v   T
	err error
}

// chanSink buffers the single outcome of a request.
type chanSink[T any] chan result[T]

func (s chanSink[T]) Success(v T) {
	s <- result[T]{v: v}
}

func (s chanSink[T]) Error(err error) {
	s <- result[T]{err: err}
}

func await[T any](ctx context.Context, c *Client, uri string, action Action, newConsumer newConsumerFunc[T], onSuccess func(T)) (T, error) {
	var zero T

	results := make(chanSink[T], 1)
	loop, exec, err := start(ctx, c, uri, action, newConsumer, onSuccess, results)
	if err != nil {
		return zero, err
	}

	select {
	case r := <-results:
		return r.v, r.err
	case <-ctx.Done():
	}

	cause := ctx.Err()
	if err := loop.Execute(func() { exec.abort(cause) }); err != nil {
		return zero, errors.Join(cause, err)
	}

	// abort is a no-op if the outcome was decided in the meantime
	r := <-results
	return r.v, r.err
}

// interceptSink runs the client's response and error intercepts ahead of
// the caller's sink. A panicking intercept is logged and does not keep the
// outcome from the caller.
type interceptSink[T any] struct {
	ctx       context.Context
	loop      *xexec.Loop
	logger    *slog.Logger
	next      CompletionSink[T]
	onSuccess func(T)
	onError   func(error)
}

func (s *interceptSink[T]) Success(v T) {
	if fn := s.onSuccess; fn != nil {
		s.run("response", func() { fn(v) })
	}

	s.next.Success(v)
}

func (s *interceptSink[T]) Error(err error) {
	if fn := s.onError; fn != nil {
		s.run("error", func() { fn(err) })
	}

	s.next.Error(err)
}

func (s *interceptSink[T]) run(kind string, fn func()) {
	err := s.loop.RunSync(func() error {
		fn()
		return nil
	})
	if err != nil {
		s.logger.LogAttrs(s.ctx, slog.LevelError,
			"panic: "+kind+" intercept",
			slog.String("remediation", "recovered and ignored"),
			slog.String("error", err.Error()),
		)
	}
}
