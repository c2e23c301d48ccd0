package xhttp

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
)

var errNoResponseHead = errors.New("response content arrived before a response head")

// aggregator is the terminal stage that collects the whole body and
// completes with a *ReceivedResponse.
type aggregator struct {
	a    *requestAction[*ReceivedResponse]
	head *http.Response
	body bytes.Buffer
}

func newAggregator(a *requestAction[*ReceivedResponse]) xpipe.Handler {
	return &aggregator{a: a}
}

func (c *aggregator) HandleEvent(_ *xpipe.Context, ev any) {
	a := c.a

	switch ev := ev.(type) {
	case responseHead:
		c.head = ev.resp
		c.body.Reset()
	case responseContent:
		ev.release()
		if c.head == nil {
			a.fail(&ProtocolError{Err: errNoResponseHead})
			return
		}

		if c.body.Len()+len(ev.data) > a.cfg.MaxContentLength {
			a.fail(&ContentTooLargeError{Limit: a.cfg.MaxContentLength})
			return
		}
		c.body.Write(ev.data)
	case responseLast:
		if c.head == nil {
			a.fail(&ProtocolError{Err: errNoResponseHead})
			return
		}

		resp := newReceivedResponse(c.head, c.body.Bytes(), ev.trailer)
		a.dispose(!a.keepAlive(c.head))
		a.success(resp)
	case connError:
		a.fail(ev.err)
	case connInactive:
		a.fail(&PrematureClosureError{URI: a.cfg.URI.String()})
	}
}

// streamer is the terminal stage that completes with a *StreamedResponse as
// soon as the head arrives and feeds the body as it is read.
type streamer struct {
	a    *requestAction[*StreamedResponse]
	head *http.Response
	body *streamBody
}

func newStreamer(a *requestAction[*StreamedResponse]) xpipe.Handler {
	return &streamer{a: a}
}

func (c *streamer) HandleEvent(_ *xpipe.Context, ev any) {
	a := c.a

	switch ev := ev.(type) {
	case responseHead:
		c.head = ev.resp
		loop := a.loop
		c.body = newStreamBody(func() {
			// the reader gave up early; the rest of the body is not wanted
			err := loop.Execute(a.forceDispose)
			_ = err
		})

		a.success(&StreamedResponse{
			status:     ev.resp.StatusCode,
			statusText: ev.resp.Status,
			proto:      ev.resp.Proto,
			header:     ev.resp.Header,
			Body:       c.body,
		})
	case responseContent:
		if c.body == nil {
			ev.release()
			a.fail(&ProtocolError{Err: errNoResponseHead})
			return
		}
		c.body.push(ev)
	case responseLast:
		if c.body == nil {
			a.fail(&ProtocolError{Err: errNoResponseHead})
			return
		}
		c.body.finish(nil)
		a.dispose(!a.keepAlive(c.head))
	case connError:
		c.fail(a.decorate(ev.err))
	case connInactive:
		c.fail(&PrematureClosureError{URI: a.cfg.URI.String()})
	}
}

func (c *streamer) fail(err error) {
	if c.body != nil {
		c.body.finish(err)
	}
	c.a.fail(err)
}
