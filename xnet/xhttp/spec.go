package xhttp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"
)

const acceptEncodingOffer = "gzip, deflate, zstd"

// Action configures a request. It is applied again on every redirect hop,
// so it must not assume it runs once.
type Action func(*RequestSpec) error

func noopAction(*RequestSpec) error {
	return nil
}

// Append returns an action running a and then next. Either may be nil.
func (a Action) Append(next Action) Action {
	switch {
	case a == nil:
		return next
	case next == nil:
		return a
	}

	return func(s *RequestSpec) error {
		if err := a(s); err != nil {
			return err
		}
		return next(s)
	}
}

// RedirectObserver sees each redirect response that is about to be followed,
// with an empty body. A non-nil Action is applied to the next hop on top of
// the original configuration. A nil Action stops the redirect from being
// followed and the redirect response becomes the result.
type RedirectObserver func(*ReceivedResponse) (Action, error)

// RequestSpec is the mutable request under construction.
type RequestSpec struct {
	uri                  *url.URL
	method               string
	headers              http.Header
	body                 []byte
	tlsConfig            *tls.Config
	onRedirect           RedirectObserver
	connectTimeout       time.Duration
	readTimeout          time.Duration
	maxRedirects         int
	responseMaxChunkSize int
	maxContentLength     int
	decompress           bool
}

func newRequestSpec(cfg *clientConfig, uri *url.URL) *RequestSpec {
	u := *uri
	return &RequestSpec{
		uri:                  &u,
		method:               http.MethodGet,
		headers:              http.Header{},
		tlsConfig:            cfg.tlsConfig,
		connectTimeout:       cfg.connectTimeout,
		readTimeout:          cfg.readTimeout,
		maxRedirects:         cfg.maxRedirects,
		responseMaxChunkSize: cfg.responseMaxChunkSize,
		maxContentLength:     cfg.maxContentLength,
		decompress:           cfg.decompress,
	}
}

// URI is the target of this hop. Changing it is not supported; redirects are
// resolved by the engine.
func (s *RequestSpec) URI() *url.URL {
	return s.uri
}

func (s *RequestSpec) Method(method string) *RequestSpec {
	s.method = method
	return s
}

func (s *RequestSpec) Get() *RequestSpec {
	return s.Method(http.MethodGet)
}

func (s *RequestSpec) Post() *RequestSpec {
	return s.Method(http.MethodPost)
}

func (s *RequestSpec) Put() *RequestSpec {
	return s.Method(http.MethodPut)
}

func (s *RequestSpec) Delete() *RequestSpec {
	return s.Method(http.MethodDelete)
}

func (s *RequestSpec) Head() *RequestSpec {
	return s.Method(http.MethodHead)
}

// Headers returns the live header map.
func (s *RequestSpec) Headers() http.Header {
	return s.headers
}

func (s *RequestSpec) Header(key, value string) *RequestSpec {
	s.headers.Set(key, value)
	return s
}

// Body sets the payload. The slice is owned by the request until it has
// been written.
func (s *RequestSpec) Body(b []byte) *RequestSpec {
	s.body = b
	return s
}

func (s *RequestSpec) BodyString(body string) *RequestSpec {
	return s.Body([]byte(body))
}

func (s *RequestSpec) ConnectTimeout(d time.Duration) *RequestSpec {
	s.connectTimeout = d
	return s
}

// ReadTimeout bounds the time between two inbound reads. Zero disables it.
// The clock starts once a connection is borrowed, so a TLS handshake that is
// still running when it elapses is reported as a read timeout.
func (s *RequestSpec) ReadTimeout(d time.Duration) *RequestSpec {
	s.readTimeout = d
	return s
}

func (s *RequestSpec) MaxRedirects(n int) *RequestSpec {
	s.maxRedirects = n
	return s
}

// TLSConfig is only consulted on the first request of a physical connection;
// later borrows of the same connection keep the established session.
func (s *RequestSpec) TLSConfig(c *tls.Config) *RequestSpec {
	s.tlsConfig = c
	return s
}

func (s *RequestSpec) OnRedirect(fn RedirectObserver) *RequestSpec {
	s.onRedirect = fn
	return s
}

func (s *RequestSpec) DecompressResponse(enabled bool) *RequestSpec {
	s.decompress = enabled
	return s
}

func (s *RequestSpec) ResponseMaxChunkSize(n int) *RequestSpec {
	s.responseMaxChunkSize = n
	return s
}

// MaxContentLength caps an aggregated body. Compressed bodies are buffered
// before decoding, so when decompression applies it also caps both the
// encoded and decoded size of a streamed body.
func (s *RequestSpec) MaxContentLength(n int) *RequestSpec {
	s.maxContentLength = n
	return s
}

// RequestConfig is the frozen configuration of one hop.
type RequestConfig struct {
	URI                  *url.URL
	Method               string
	Headers              http.Header
	Body                 []byte
	TLSConfig            *tls.Config
	OnRedirect           RedirectObserver
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	MaxRedirects         int
	ResponseMaxChunkSize int
	MaxContentLength     int
	DecompressResponse   bool
}

func (s *RequestSpec) validate() error {
	if s.method == "" || !httpguts.ValidHeaderFieldName(s.method) {
		return fmt.Errorf("invalid method %q", s.method)
	}

	for k, vs := range s.headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("invalid header field name %q", k)
		}
		for _, v := range vs {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("invalid header field value for %q", k)
			}
		}
	}

	if s.connectTimeout < 0 {
		return errors.New("connect timeout must be greater than or equal to 0")
	}

	if s.readTimeout < 0 {
		return errors.New("read timeout must be greater than or equal to 0")
	}

	if s.maxRedirects < 0 {
		return errors.New("max redirects must be greater than or equal to 0")
	}

	if s.responseMaxChunkSize <= 0 {
		return errors.New("response max chunk size must be greater than 0")
	}

	if s.maxContentLength <= 0 {
		return errors.New("max content length must be greater than 0")
	}

	return nil
}

// newRequestConfig applies configurer and then the client's request
// intercepts to a fresh RequestSpec for uri.
func newRequestConfig(cfg *clientConfig, uri *url.URL, configurer Action) (*RequestConfig, error) {
	s := newRequestSpec(cfg, uri)

	if configurer != nil {
		if err := configurer(s); err != nil {
			return nil, err
		}
	}

	if cfg.requestIntercept != nil {
		if err := cfg.requestIntercept(s); err != nil {
			return nil, err
		}
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	return &RequestConfig{
		URI:                  s.uri,
		Method:               s.method,
		Headers:              s.headers,
		Body:                 s.body,
		TLSConfig:            s.tlsConfig,
		OnRedirect:           s.onRedirect,
		ConnectTimeout:       s.connectTimeout,
		ReadTimeout:          s.readTimeout,
		MaxRedirects:         s.maxRedirects,
		ResponseMaxChunkSize: s.responseMaxChunkSize,
		MaxContentLength:     s.maxContentLength,
		DecompressResponse:   s.decompress,
	}, nil
}

// finalizeHeaders fills in the headers the wire needs and the caller did
// not set.
func (rc *RequestConfig) finalizeHeaders(poolSize int) error {
	h := rc.Headers

	if h.Get("Host") == "" {
		host, err := httpguts.PunycodeHostPort(rc.URI.Host)
		if err != nil {
			return fmt.Errorf("invalid host %q: %w", rc.URI.Host, err)
		}
		h.Set("Host", host)
	}

	if poolSize == 0 {
		h.Set("Connection", "close")
	}

	if n := len(rc.Body); n > 0 {
		h.Set("Content-Length", strconv.Itoa(n))
	}

	if rc.DecompressResponse && h.Get("Accept-Encoding") == "" {
		h.Set("Accept-Encoding", acceptEncodingOffer)
	}

	return nil
}
