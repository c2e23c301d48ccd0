package xqueue

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
)

type lifo[T any] struct {
	mu          sync.Mutex
	stack       []T
	maxCapacity int
	closed      bool
}

// LIFO is a bounded stack safe for concurrent use.
//
// Idle connections are pushed and popped from the top so the most recently
// used (and so least likely to have been reaped by the server) is reused first.
type LIFO[T any] interface {
	Get() (T, bool)
	Put(T) bool
	Len() int
	WithWriteLock(func(*[]T))
	// Close prevents further puts and returns every element still held.
	Close() ([]T, error)
}

type lifoConfig struct {
	initialCapacity    int
	maxCapacity        int
	initialCapacitySet bool
	maxCapacitySet     bool
}

func (cfg *lifoConfig) validate() error {
	if !cfg.maxCapacitySet {
		if cfg.initialCapacitySet {
			cfg.maxCapacity = cfg.initialCapacity
		} else {
			cfg.maxCapacity = math.MaxInt
		}
	}

	if cfg.initialCapacity < 0 {
		return errors.New("initialCapacity must be greater than or equal to 0")
	}

	if cfg.maxCapacity <= 0 || cfg.maxCapacity < cfg.initialCapacity {
		return errors.New("maxCapacity must be greater than zero and greater than or equal to initialCapacity")
	}

	return nil
}

type LIFOOption func(*lifoConfig)

type lifoOptions struct{}

func (lifoOptions) InitialCapacity(n int) LIFOOption {
	return func(cfg *lifoConfig) {
		cfg.initialCapacity = n
		cfg.initialCapacitySet = true
	}
}

func (lifoOptions) MaxCapacity(n int) LIFOOption {
	return func(cfg *lifoConfig) {
		cfg.maxCapacity = n
		cfg.maxCapacitySet = true
	}
}

func LIFOOpts() lifoOptions {
	return lifoOptions{}
}

func NewLIFO[T any](options ...LIFOOption) (LIFO[T], error) {
	cfg := lifoConfig{}

	for _, op := range options {
		op(&cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid LIFO config: %w", err)
	}

	var stack []T
	if cfg.initialCapacity > 0 {
		stack = make([]T, 0, cfg.initialCapacity)
	}

	return &lifo[T]{
		stack:       stack,
		maxCapacity: cfg.maxCapacity,
	}, nil
}

func (q *lifo[T]) Get() (T, bool) {
	var zeroVal T

	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.stack) - 1
	if i == -1 {
		return zeroVal, false
	}

	v := q.stack[i]
	q.stack[i] = zeroVal
	q.stack = q.stack[:i]

	return v, true
}

// Put returns false when the queue is full or closed; the caller keeps
// ownership of v in that case.
func (q *lifo[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.stack) == q.maxCapacity {
		return false
	}

	q.stack = append(q.stack, v)
	return true
}

func (q *lifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.stack)
}

func (q *lifo[T]) WithWriteLock(f func(*[]T)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f(&q.stack)
}

func (q *lifo[T]) Close() ([]T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	q.closed = true

	drained := q.stack
	q.stack = nil

	return drained, nil
}
