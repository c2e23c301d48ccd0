package xhttp

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsolutizeRedirect(t *testing.T) {
	testCases := []struct {
		name     string
		request  string
		location string
		expected string
	}{
		{"absolute path", "http://a.com/x/y", "/z", "http://a.com/z"},
		{"relative path", "http://a.com/x/y", "z", "http://a.com/x/z"},
		{"protocol relative", "https://a.com/x", "//b.com/p", "https://b.com/p"},
		{"absolute http", "http://a.com/x", "http://c.com/q", "http://c.com/q"},
		{"absolute https", "http://a.com/x", "https://c.com/q?r=1", "https://c.com/q?r=1"},
		{"relative from root", "http://a.com", "z", "http://a.com/z"},
		{"relative from directory", "http://a.com/x/", "z", "http://a.com/x/z"},
		{"keeps port and user info", "http://u:p@a.com:8080/x/y", "z?k=v", "http://u:p@a.com:8080/x/z?k=v"},
		{"takes redirect query only", "http://a.com/x?old=1", "/y?new=2", "http://a.com/y?new=2"},
		{"drops fragment", "http://a.com/x", "/y#frag", "http://a.com/y"},
		{"query only", "http://a.com/x/y", "?q=1", "http://a.com/x/?q=1"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := url.Parse(tc.request)
			require.NoError(t, err)

			actual, err := absolutizeRedirect(u, tc.location)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual.String())
		})
	}
}

func TestGetParentPath(t *testing.T) {
	assert.Equal(t, "/", getParentPath(""))
	assert.Equal(t, "/", getParentPath("x"))
	assert.Equal(t, "/", getParentPath("/"))
	assert.Equal(t, "/", getParentPath("/x"))
	assert.Equal(t, "/x/", getParentPath("/x/y"))
	assert.Equal(t, "/x/y/", getParentPath("/x/y/"))
	assert.Equal(t, "/x/", getParentPath("x/y"))
}

func TestIsRedirect(t *testing.T) {
	for _, code := range []int{301, 302, 303, 307} {
		assert.True(t, isRedirect(code), code)
	}

	for _, code := range []int{200, 300, 304, 305, 306, 308, 400} {
		assert.False(t, isRedirect(code), code)
	}
}

func TestRedirectStateString(t *testing.T) {
	assert.Equal(t, "AwaitingContinue", stateAwaitingContinue.String())
	assert.Equal(t, "StreamingBodyContinuation", stateStreamingBodyContinuation.String())
	assert.Equal(t, "redirectState(42)", redirectState(42).String())
}

func TestIsInterim(t *testing.T) {
	assert.True(t, isInterim(http.StatusContinue))
	assert.True(t, isInterim(http.StatusEarlyHints))
	assert.False(t, isInterim(http.StatusSwitchingProtocols))
	assert.False(t, isInterim(http.StatusOK))
}
