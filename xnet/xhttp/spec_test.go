package xhttp

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *url.URL {
	t.Helper()

	u, err := url.Parse(s)
	require.NoError(t, err)

	return u
}

func TestActionAppend(t *testing.T) {
	var order []string
	step := func(name string) Action {
		return func(*RequestSpec) error {
			order = append(order, name)
			return nil
		}
	}

	var nilAction Action
	assert.Nil(t, nilAction.Append(nil))

	a := nilAction.Append(step("a")).Append(nil).Append(step("b"))
	require.NoError(t, a(&RequestSpec{}))
	assert.Equal(t, []string{"a", "b"}, order)

	boom := errors.New("boom")
	failing := Action(func(*RequestSpec) error { return boom }).Append(step("never"))
	assert.ErrorIs(t, failing(&RequestSpec{}), boom)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestNewRequestConfig(t *testing.T) {
	cfg := defaultClientConfig()
	cfg.requestIntercept = func(s *RequestSpec) error {
		s.Header("X-Intercepted", "yes")
		return nil
	}

	rc, err := newRequestConfig(&cfg, mustParse(t, "http://a.com/x"), func(s *RequestSpec) error {
		s.Post().
			Header("X-Test", "1").
			BodyString("payload").
			ReadTimeout(time.Second).
			ConnectTimeout(2 * time.Second).
			MaxRedirects(3).
			DecompressResponse(false)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "POST", rc.Method)
	assert.Equal(t, "1", rc.Headers.Get("X-Test"))
	assert.Equal(t, "yes", rc.Headers.Get("X-Intercepted"))
	assert.Equal(t, []byte("payload"), rc.Body)
	assert.Equal(t, time.Second, rc.ReadTimeout)
	assert.Equal(t, 2*time.Second, rc.ConnectTimeout)
	assert.Equal(t, 3, rc.MaxRedirects)
	assert.False(t, rc.DecompressResponse)
	assert.Equal(t, defaultResponseMaxChunkSize, rc.ResponseMaxChunkSize)
	assert.Equal(t, defaultMaxContentLength, rc.MaxContentLength)
}

func TestNewRequestConfigDefaults(t *testing.T) {
	cfg := defaultClientConfig()
	u := mustParse(t, "http://a.com/x")

	rc, err := newRequestConfig(&cfg, u, nil)
	require.NoError(t, err)

	assert.Equal(t, "GET", rc.Method)
	assert.Equal(t, defaultReadTimeout, rc.ReadTimeout)
	assert.Equal(t, defaultConnectTimeout, rc.ConnectTimeout)
	assert.Equal(t, defaultMaxRedirects, rc.MaxRedirects)
	assert.True(t, rc.DecompressResponse)
	assert.NotSame(t, u, rc.URI)
}

func TestNewRequestConfigInvalid(t *testing.T) {
	cfg := defaultClientConfig()
	u := mustParse(t, "http://a.com/x")

	testCases := []struct {
		name   string
		action Action
	}{
		{"method", func(s *RequestSpec) error { s.Method("BAD METHOD"); return nil }},
		{"header name", func(s *RequestSpec) error { s.Headers()["Bad Name"] = []string{"v"}; return nil }},
		{"header value", func(s *RequestSpec) error { s.Header("X-Bad", "a\r\nb"); return nil }},
		{"read timeout", func(s *RequestSpec) error { s.ReadTimeout(-1); return nil }},
		{"max redirects", func(s *RequestSpec) error { s.MaxRedirects(-1); return nil }},
		{"chunk size", func(s *RequestSpec) error { s.ResponseMaxChunkSize(0); return nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newRequestConfig(&cfg, u, tc.action)
			assert.ErrorContains(t, err, "invalid request")
		})
	}

	boom := errors.New("boom")
	_, err := newRequestConfig(&cfg, u, func(*RequestSpec) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestFinalizeHeaders(t *testing.T) {
	cfg := defaultClientConfig()

	t.Run("pooled", func(t *testing.T) {
		rc, err := newRequestConfig(&cfg, mustParse(t, "http://a.com:8080/x"), func(s *RequestSpec) error {
			s.BodyString("abc")
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, rc.finalizeHeaders(4))

		assert.Equal(t, "a.com:8080", rc.Headers.Get("Host"))
		assert.Equal(t, "", rc.Headers.Get("Connection"))
		assert.Equal(t, "3", rc.Headers.Get("Content-Length"))
		assert.Equal(t, acceptEncodingOffer, rc.Headers.Get("Accept-Encoding"))
	})

	t.Run("pooling disabled", func(t *testing.T) {
		rc, err := newRequestConfig(&cfg, mustParse(t, "http://a.com/x"), func(s *RequestSpec) error {
			s.Header("Host", "override.example").
				Header("Accept-Encoding", "identity").
				DecompressResponse(true)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, rc.finalizeHeaders(0))

		assert.Equal(t, "override.example", rc.Headers.Get("Host"))
		assert.Equal(t, "close", rc.Headers.Get("Connection"))
		assert.Equal(t, "", rc.Headers.Get("Content-Length"))
		assert.Equal(t, "identity", rc.Headers.Get("Accept-Encoding"))
	})

	t.Run("idna host", func(t *testing.T) {
		rc, err := newRequestConfig(&cfg, mustParse(t, "http://bücher.example/"), nil)
		require.NoError(t, err)
		require.NoError(t, rc.finalizeHeaders(1))

		assert.Equal(t, "xn--bcher-kva.example", rc.Headers.Get("Host"))
	})
}
