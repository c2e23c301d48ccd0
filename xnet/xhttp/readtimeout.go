package xhttp

import (
	"time"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xexec"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
)

// readTimeout fires errReadIdle downstream when no inbound event has passed
// through it for timeout. The clock starts when the stage is added.
type readTimeout struct {
	loop    *xexec.Loop
	timeout time.Duration
	ctx     *xpipe.Context
	last    time.Time
	timer   *time.Timer
}

func newReadTimeout(loop *xexec.Loop, timeout time.Duration) *readTimeout {
	return &readTimeout{loop: loop, timeout: timeout}
}

func (r *readTimeout) HandlerAdded(ctx *xpipe.Context) {
	r.ctx = ctx
	if r.timeout <= 0 {
		return
	}

	r.last = time.Now()
	r.timer = time.AfterFunc(r.timeout, r.expired)
}

func (r *readTimeout) HandlerRemoved(*xpipe.Context) {
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *readTimeout) HandleEvent(ctx *xpipe.Context, ev any) {
	if r.timer != nil {
		r.last = time.Now()
	}
	ctx.FireNext(ev)
}

func (r *readTimeout) expired() {
	err := r.loop.Execute(func() {
		if r.ctx.Removed() {
			return
		}

		idle := time.Since(r.last)
		if idle < r.timeout {
			r.timer.Reset(r.timeout - idle)
			return
		}

		r.ctx.FireNext(connError{err: errReadIdle})
	})
	_ = err
}
