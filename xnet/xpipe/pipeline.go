// Package xpipe implements an ordered chain of named inbound event handlers.
//
// A Pipeline is not safe for concurrent use; it belongs to whichever
// execution loop owns the connection it is attached to.
package xpipe

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName = errors.New("handler name already in pipeline")
	ErrNotFound      = errors.New("handler not found in pipeline")
)

type Handler interface {
	// HandleEvent receives ev. Call ctx.FireNext to pass it on; not calling
	// it swallows the event.
	HandleEvent(ctx *Context, ev any)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx *Context, ev any)

func (f HandlerFunc) HandleEvent(ctx *Context, ev any) {
	f(ctx, ev)
}

// Lifecycle is implemented by handlers that need to know when they are
// attached or detached.
type Lifecycle interface {
	HandlerAdded(ctx *Context)
	HandlerRemoved(ctx *Context)
}

// Context is a handler's position in its pipeline.
type Context struct {
	name     string
	handler  Handler
	pipeline *Pipeline
	prev     *Context
	next     *Context
	removed  bool
}

func (c *Context) Name() string {
	return c.name
}

func (c *Context) Pipeline() *Pipeline {
	return c.pipeline
}

// Removed reports whether the handler has been detached. Timers and
// goroutines owned by a handler use it to drop late events.
func (c *Context) Removed() bool {
	return c.removed
}

// FireNext passes ev to the next handler. Events fired from a detached
// handler, or past the tail, are dropped.
func (c *Context) FireNext(ev any) {
	if c.removed {
		return
	}

	if n := c.next; n != nil {
		n.handler.HandleEvent(n, ev)
	}
}

type Pipeline struct {
	head *Context
	tail *Context
	size int
}

func New() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) find(name string) *Context {
	for c := p.head; c != nil; c = c.next {
		if c.name == name {
			return c
		}
	}

	return nil
}

// AddLast appends h under name.
func (p *Pipeline) AddLast(name string, h Handler) error {
	if p.find(name) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	c := &Context{name: name, handler: h, pipeline: p, prev: p.tail}
	if p.tail == nil {
		p.head = c
	} else {
		p.tail.next = c
	}
	p.tail = c
	p.size++

	if lc, ok := h.(Lifecycle); ok {
		lc.HandlerAdded(c)
	}

	return nil
}

// Get returns the handler registered under name, or nil.
func (p *Pipeline) Get(name string) Handler {
	if c := p.find(name); c != nil {
		return c.handler
	}

	return nil
}

// Remove detaches the handler registered under name and returns it.
//
// The detached context keeps its successor pointer only so an event being
// handled right now can unwind; FireNext on it is a no-op.
func (p *Pipeline) Remove(name string) (Handler, error) {
	c := p.find(name)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if c.prev == nil {
		p.head = c.next
	} else {
		c.prev.next = c.next
	}
	if c.next == nil {
		p.tail = c.prev
	} else {
		c.next.prev = c.prev
	}
	c.removed = true
	p.size--

	if lc, ok := c.handler.(Lifecycle); ok {
		lc.HandlerRemoved(c)
	}

	return c.handler, nil
}

// Fire delivers ev to the first handler.
func (p *Pipeline) Fire(ev any) {
	if c := p.head; c != nil {
		c.handler.HandleEvent(c, ev)
	}
}

func (p *Pipeline) Names() []string {
	names := make([]string, 0, p.size)
	for c := p.head; c != nil; c = c.next {
		names = append(names, c.name)
	}

	return names
}

func (p *Pipeline) Len() int {
	return p.size
}
