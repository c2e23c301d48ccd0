package xhttp

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	cte := &ConnectTimeoutError{Timeout: 2 * time.Second, URI: "http://a.com/x", Err: context.DeadlineExceeded}
	assert.Equal(t, "connect timeout (2s) connecting to http://a.com/x", cte.Error())
	assert.ErrorIs(t, cte, ErrConnectTimeout)
	assert.ErrorIs(t, cte, context.DeadlineExceeded)

	rte := &ReadTimeoutError{Timeout: 150 * time.Millisecond, URI: "http://a.com:81/x", Host: "a.com:81"}
	assert.Equal(t, "read timeout (150ms) waiting on HTTP server at http://a.com:81/x", rte.Error())
	assert.ErrorIs(t, rte, ErrReadTimeout)

	pce := &PrematureClosureError{URI: "http://a.com/"}
	assert.Equal(t, "server http://a.com/ closed the connection prematurely", pce.Error())
	assert.ErrorIs(t, pce, ErrPrematureClosure)
	assert.ErrorIs(t, pce, io.ErrUnexpectedEOF)

	cause := errors.New("boom")
	roe := &RedirectObserverError{Err: cause}
	assert.ErrorIs(t, roe, cause)

	assert.ErrorIs(t, &ContentTooLargeError{Limit: 10}, ErrContentTooLarge)
	assert.ErrorIs(t, &ProtocolError{Err: io.ErrShortBuffer}, io.ErrShortBuffer)
}
