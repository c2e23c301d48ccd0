package xhttp

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
)

type redirectState uint8

const (
	stateAwaitingResponse redirectState = iota
	stateAwaitingContinue
	stateStreamingBodyContinuation
	stateRedirected
	stateDone
)

func (s redirectState) String() string {
	switch s {
	case stateAwaitingResponse:
		return "AwaitingResponse"
	case stateAwaitingContinue:
		return "AwaitingContinue"
	case stateStreamingBodyContinuation:
		return "StreamingBodyContinuation"
	case stateRedirected:
		return "Redirected"
	case stateDone:
		return "Done"
	}

	return fmt.Sprintf("redirectState(%d)", uint8(s))
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return true
	}

	return false
}

// absolutizeRedirect resolves a Location value against the URI that
// produced it.
func absolutizeRedirect(requestURI *url.URL, location string) (*url.URL, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return url.Parse(location)
	}

	if strings.HasPrefix(location, "//") {
		return url.Parse(requestURI.Scheme + ":" + location)
	}

	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}

	path := loc.Path
	if !strings.HasPrefix(path, "/") {
		path = getParentPath(requestURI.Path) + path
	}

	return &url.URL{
		Scheme:   requestURI.Scheme,
		User:     requestURI.User,
		Host:     requestURI.Host,
		Path:     path,
		RawQuery: loc.RawQuery,
	}, nil
}

// getParentPath returns path up to and including its last slash.
func getParentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "/"
	}

	parent := path[:i+1]
	if parent[0] != '/' {
		parent = "/" + parent
	}

	return parent
}

// redirectHandler sits between the codec stages and the consumer. It holds
// back the request body until the server sends 100 Continue, and it turns
// followable redirects into a new attempt instead of a result.
type redirectHandler[T any] struct {
	a     *requestAction[T]
	state redirectState
	// skipLast swallows the last frame of an interim response nobody waits on
	skipLast bool
}

func newRedirectHandler[T any](a *requestAction[T]) *redirectHandler[T] {
	h := &redirectHandler[T]{a: a}
	if a.expectContinue {
		h.state = stateAwaitingContinue
	}

	return h
}

func (h *redirectHandler[T]) HandleEvent(ctx *xpipe.Context, ev any) {
	switch ev := ev.(type) {
	case connInactive:
		if h.state == stateRedirected {
			return
		}
		ctx.FireNext(connError{err: &PrematureClosureError{URI: h.a.cfg.URI.String()}})
	case responseHead:
		h.onHead(ctx, ev)
	case responseContent:
		if h.state == stateRedirected || h.state == stateStreamingBodyContinuation || h.skipLast {
			ev.release()
			return
		}
		ctx.FireNext(ev)
	case responseLast:
		switch {
		case h.state == stateStreamingBodyContinuation:
			// the 100 Continue exchange is over, the real response follows the body
			h.state = stateAwaitingResponse
			h.a.writeBody()
		case h.skipLast:
			h.skipLast = false
		case h.state == stateRedirected:
		default:
			ctx.FireNext(ev)
		}
	default:
		ctx.FireNext(ev)
	}
}

func (h *redirectHandler[T]) onHead(ctx *xpipe.Context, ev responseHead) {
	status := ev.resp.StatusCode

	if isInterim(status) {
		if status == http.StatusContinue && h.state == stateAwaitingContinue {
			h.state = stateStreamingBodyContinuation
			return
		}
		h.skipLast = true
		return
	}

	if h.state == stateAwaitingContinue && !isRedirect(status) {
		// the server answered without wanting the body
		h.state = stateAwaitingResponse
	}

	location := ev.resp.Header.Get("Location")
	if isRedirect(status) && h.a.redirectCount < h.a.cfg.MaxRedirects && location != "" {
		if h.follow(ev.resp, location) {
			return
		}
	}

	h.state = stateDone
	ctx.FireNext(ev)
}

// follow reports whether the response was consumed, either because a new
// attempt took over or because the attempt failed.
func (h *redirectHandler[T]) follow(resp *http.Response, location string) bool {
	a := h.a
	status := resp.StatusCode

	configurer := a.configurer
	if configurer == nil {
		configurer = noopAction
	}

	if observer := a.cfg.OnRedirect; observer != nil {
		var result Action
		err := a.loop.RunSync(func() error {
			var err error
			result, err = observer(newReceivedResponse(resp, nil, nil))
			return err
		})
		if err != nil {
			h.state = stateDone
			a.fail(&RedirectObserverError{Err: err})
			return true
		}

		if result == nil {
			// the observer declined the redirect
			return false
		}
		configurer = configurer.Append(result)
	}

	next := configurer.Append(func(s *RequestSpec) error {
		if status == http.StatusMovedPermanently || status == http.StatusFound {
			s.Get().Body(nil)
		}
		return nil
	})

	loop := a.loop
	bound := func(s *RequestSpec) error {
		return loop.RunSync(func() error {
			return next(s)
		})
	}

	target, err := absolutizeRedirect(a.cfg.URI, location)
	if err != nil {
		h.state = stateDone
		a.fail(&ProtocolError{Err: fmt.Errorf("invalid redirect location %q: %w", location, err)})
		return true
	}

	successor, err := a.successor(target, bound)
	if err != nil {
		h.state = stateDone
		a.fail(err)
		return true
	}

	a.logger.LogAttrs(a.ctx, slog.LevelDebug,
		"following redirect",
		slog.Int("status", status),
		slog.String("from", a.cfg.URI.String()),
		slog.String("to", target.String()),
		slog.Int("hop", successor.redirectCount),
	)

	h.state = stateRedirected
	a.dispose(!a.keepAlive(resp))
	a.handOff(successor)

	return true
}
