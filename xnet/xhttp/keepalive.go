package xhttp

import (
	"net/http"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xascii"
)

const (
	headerValConnKeepAlive = "keep-alive"
	headerValConnClose     = "close"
)

type parseHeaderResult struct {
	Connection struct {
		KeepAlive bool
		Close     bool
		NotEmpty  bool
	}
}

// parseHeader returns data about the Connection header of a request or a
// response without allocating.
func parseHeader(h http.Header) parseHeaderResult {
	var result parseHeaderResult
	if h == nil {
		return result
	}

	v, ok := h["Connection"]
	if !ok || len(v) == 0 {
		return result
	}

	result.Connection.NotEmpty = true
	result.Connection.KeepAlive = xascii.ContainsToken(v, headerValConnKeepAlive)
	result.Connection.Close = xascii.ContainsToken(v, headerValConnClose)

	return result
}

// isKeepAlive reports whether the connection that carried resp may be
// reused after the exchange with a request sent with reqHeader.
func isKeepAlive(resp *http.Response, reqHeader http.Header) bool {
	if resp.Close {
		return false
	}

	if reqH := parseHeader(reqHeader); reqH.Connection.Close {
		return false
	}

	respH := parseHeader(resp.Header)
	if respH.Connection.Close {
		return false
	}

	if resp.ProtoMajor != 1 {
		return false
	}

	switch resp.ProtoMinor {
	case 0:
		return respH.Connection.KeepAlive
	case 1:
		return true
	}

	return false
}
