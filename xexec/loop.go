// Package xexec provides execution contexts: event loops that run posted
// tasks one at a time on a single goroutine.
//
// State owned by a loop is only touched from its tasks, so it needs no
// locking. Blocking work is done on helper goroutines and its result is
// posted back to the owning loop with Await.
package xexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	ErrLoopClosed        = errors.New("execution loop closed")
	ErrAlreadyRegistered = errors.New("already registered on an execution loop")
)

var loopIDs atomic.Uint64

// PanicError carries a value recovered from a task or a RunSync callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

type Loop struct {
	id     uint64
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a loop goroutine. A nil logger means slog.Default().
func NewLoop(name string, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		id:     loopIDs.Add(1),
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go l.run()

	return l
}

// ID is unique per process and never zero.
func (l *Loop) ID() uint64 {
	return l.id
}

func (l *Loop) String() string {
	return fmt.Sprintf("%s#%d", l.name, l.id)
}

// Execute queues fn to run on the loop after every task queued before it.
// It never blocks, so it is safe to call from a task of the same loop.
func (l *Loop) Execute(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return nil
}

func (l *Loop) run() {
	defer close(l.done)

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		closed := l.closed
		l.mu.Unlock()

		for i, fn := range batch {
			l.runTask(fn)
			batch[i] = nil
		}

		if len(batch) != 0 {
			continue
		}

		if closed {
			return
		}

		<-l.wake
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelError,
				"panic: execution loop task",
				slog.String("loop", l.String()),
				slog.String("remediation", "recovered and ignored"),
				slog.Any("recover", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	fn()
}

// RunSync invokes fn inline and converts a panic into a *PanicError.
//
// It must be called from a task running on l. It exists so that user
// supplied callbacks run with a known owner and cannot tear down the task
// that called them.
func (l *Loop) RunSync(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	return fn()
}

// Close stops accepting tasks, runs those already queued and waits for the
// loop goroutine to exit. It must not be called from a task of l.
//
// Subsequent calls return ErrLoopClosed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	<-l.done
	return nil
}

// Await waits for ch on a helper goroutine and then runs fn with the
// received value as a task on l.
//
// If l has been closed fn runs on the helper goroutine instead: nothing else
// can be running on a closed loop, so single ownership still holds and
// cleanup carried by fn is never lost.
func Await[T any](l *Loop, ch <-chan T, fn func(T)) {
	go func() {
		v := <-ch
		if err := l.Execute(func() { fn(v) }); err != nil {
			fn(v)
		}
	}()
}

type loopKey struct{}

// WithLoop returns a context that pins work started with it to l.
func WithLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

func FromContext(ctx context.Context) (*Loop, bool) {
	l, ok := ctx.Value(loopKey{}).(*Loop)
	return l, ok && l != nil
}
