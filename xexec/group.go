package xexec

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Group is a fixed set of loops handed out round-robin.
type Group struct {
	loops []*Loop
	next  atomic.Uint64
}

func NewGroup(name string, n int, logger *slog.Logger) *Group {
	if n <= 0 {
		n = 1
	}

	loops := make([]*Loop, n)
	for i := range loops {
		loops[i] = NewLoop(fmt.Sprintf("%s-%d", name, i), logger)
	}

	return &Group{loops: loops}
}

func (g *Group) Next() *Loop {
	idx := (g.next.Add(1) - 1) % uint64(len(g.loops))
	return g.loops[idx]
}

func (g *Group) Len() int {
	return len(g.loops)
}

// Close closes every loop concurrently and returns the first error.
func (g *Group) Close() error {
	var eg errgroup.Group
	for _, l := range g.loops {
		eg.Go(l.Close)
	}

	return eg.Wait()
}
