package xhttp

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrClientClosed     = errors.New("http client closed")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrReadTimeout      = errors.New("read timeout")
	ErrPrematureClosure = errors.New("connection closed prematurely")
	ErrContentTooLarge  = errors.New("response content exceeds max content length")

	// errReadIdle is raised by the read timeout stage and rewritten into a
	// *ReadTimeoutError before anyone sees it.
	errReadIdle = errors.New("no inbound data within read timeout")
)

// ConnectTimeoutError replaces a dial that timed out. It unwraps to the
// original cause.
type ConnectTimeoutError struct {
	Timeout time.Duration
	URI     string
	Err     error
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("connect timeout (%s) connecting to %s", e.Timeout, e.URI)
}

func (e *ConnectTimeoutError) Unwrap() error {
	return e.Err
}

func (e *ConnectTimeoutError) Is(target error) bool {
	return target == ErrConnectTimeout
}

// ReadTimeoutError is returned when no response data arrived for Timeout.
type ReadTimeoutError struct {
	Timeout time.Duration
	URI     string
	Host    string
}

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("read timeout (%s) waiting on HTTP server at %s", e.Timeout, e.URI)
}

func (e *ReadTimeoutError) Is(target error) bool {
	return target == ErrReadTimeout
}

// PrematureClosureError is returned when the server closed the connection
// before the response was complete.
type PrematureClosureError struct {
	URI string
}

func (e *PrematureClosureError) Error() string {
	return "server " + e.URI + " closed the connection prematurely"
}

func (e *PrematureClosureError) Unwrap() error {
	return io.ErrUnexpectedEOF
}

func (e *PrematureClosureError) Is(target error) bool {
	return target == ErrPrematureClosure
}

// RedirectObserverError carries an error returned, or a panic raised, by a
// RedirectObserver. The redirect is not followed.
type RedirectObserverError struct {
	Err error
}

func (e *RedirectObserverError) Error() string {
	return "redirect observer failed: " + e.Err.Error()
}

func (e *RedirectObserverError) Unwrap() error {
	return e.Err
}

type ContentTooLargeError struct {
	Limit int
}

func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("%s of %d bytes", ErrContentTooLarge.Error(), e.Limit)
}

func (e *ContentTooLargeError) Is(target error) bool {
	return target == ErrContentTooLarge
}

// ProtocolError reports a response that could not be parsed or that
// arrived in an order HTTP/1.1 does not allow.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "malformed HTTP response: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
