package xhttp

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpool"
)

const (
	defaultMaxContentLength     = 1 << 20
	defaultReadTimeout          = 30 * time.Second
	defaultConnectTimeout       = 30 * time.Second
	defaultResponseMaxChunkSize = 8192
	defaultMaxRedirects         = 10
)

type clientConfig struct {
	logger               *slog.Logger
	dialer               xpool.Dialer
	breakerSettings      *gobreaker.Settings
	tlsConfig            *tls.Config
	requestIntercept     Action
	responseIntercept    func(*ReceivedResponse)
	errorIntercept       func(error)
	poolSize             int
	poolQueueSize        int
	idleTimeout          time.Duration
	maxConnLifespan      time.Duration
	maintenanceInterval  time.Duration
	maxContentLength     int
	readTimeout          time.Duration
	connectTimeout       time.Duration
	responseMaxChunkSize int
	maxRedirects         int
	loops                int
	decompress           bool
	breakerDisabled      bool
}

func (cfg *clientConfig) validate() error {
	if cfg.poolSize < 0 {
		return errors.New("pool size must be greater than or equal to 0")
	}

	if cfg.poolQueueSize < 0 {
		return errors.New("pool queue size must be greater than or equal to 0")
	}

	if cfg.idleTimeout < 0 {
		return errors.New("idle timeout must be greater than or equal to 0")
	}

	if cfg.maxConnLifespan < 0 {
		return errors.New("max connection lifespan must be greater than or equal to 0")
	}

	if cfg.maxContentLength <= 0 {
		return errors.New("max content length must be greater than 0")
	}

	if cfg.readTimeout < 0 {
		return errors.New("read timeout must be greater than or equal to 0")
	}

	if cfg.connectTimeout < 0 {
		return errors.New("connect timeout must be greater than or equal to 0")
	}

	if cfg.responseMaxChunkSize <= 0 {
		return errors.New("response max chunk size must be greater than 0")
	}

	if cfg.maxRedirects < 0 {
		return errors.New("max redirects must be greater than or equal to 0")
	}

	if cfg.loops <= 0 {
		return errors.New("number of execution loops must be greater than 0")
	}

	return nil
}

func (cfg *clientConfig) poolOptions() []xpool.PoolOption {
	op := xpool.PoolOpts()

	options := []xpool.PoolOption{
		op.Size(cfg.poolSize),
		op.QueueSize(cfg.poolQueueSize),
		op.IdleTimeout(cfg.idleTimeout),
		op.MaxLifespan(cfg.maxConnLifespan),
		op.Logger(cfg.logger),
	}

	if cfg.maintenanceInterval > 0 {
		options = append(options, op.MaintenanceInterval(cfg.maintenanceInterval))
	}

	if cfg.dialer != nil {
		options = append(options, op.Dialer(cfg.dialer))
	}

	if cfg.breakerDisabled {
		options = append(options, op.DisableDialBreaker())
	} else if cfg.breakerSettings != nil {
		options = append(options, op.DialBreaker(*cfg.breakerSettings))
	}

	return options
}

type ClientOption func(*clientConfig)

type clientOptions struct{}

// ClientOpts is the namespace of client options.
func ClientOpts() clientOptions {
	return clientOptions{}
}

// PoolSize is the number of connections per partition that may be in use
// and kept idle. Zero, the default, disables pooling: every request uses a
// new connection and sends Connection: close.
func (clientOptions) PoolSize(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolSize = n
	}
}

// PoolQueueSize bounds the requests waiting on a full partition. Requests
// past the bound fail with xpool.ErrPoolQueueFull.
func (clientOptions) PoolQueueSize(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolQueueSize = n
	}
}

// IdleTimeout closes pooled connections idle for longer than d. Zero means
// no timeout.
func (clientOptions) IdleTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.idleTimeout = d
	}
}

// MaxConnLifespan retires pooled connections older than d instead of
// reusing them. Zero disables it.
func (clientOptions) MaxConnLifespan(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxConnLifespan = d
	}
}

// MaintenanceInterval is how often idle connections are checked for
// eviction when an IdleTimeout or MaxConnLifespan is set.
func (clientOptions) MaintenanceInterval(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maintenanceInterval = d
	}
}

// MaxContentLength is the default for RequestSpec.MaxContentLength.
func (clientOptions) MaxContentLength(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxContentLength = n
	}
}

// ReadTimeout is the default for RequestSpec.ReadTimeout.
func (clientOptions) ReadTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.readTimeout = d
	}
}

func (clientOptions) ConnectTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = d
	}
}

func (clientOptions) ResponseMaxChunkSize(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.responseMaxChunkSize = n
	}
}

func (clientOptions) MaxRedirects(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxRedirects = n
	}
}

// Loops is the number of execution loops requests are spread over when the
// caller's context does not pin one. Defaults to GOMAXPROCS.
func (clientOptions) Loops(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.loops = n
	}
}

func (clientOptions) Logger(l *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = l
	}
}

func (clientOptions) Dialer(d xpool.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

func (clientOptions) DialBreaker(s gobreaker.Settings) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerSettings = &s
		cfg.breakerDisabled = false
	}
}

func (clientOptions) DisableDialBreaker() ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerSettings = nil
		cfg.breakerDisabled = true
	}
}

// TLSConfig is the default for requests that do not set their own.
func (clientOptions) TLSConfig(c *tls.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tlsConfig = c
	}
}

func (clientOptions) DecompressResponse(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.decompress = enabled
	}
}

// RequestIntercept runs on every request after its own configuration,
// on every hop. Intercepts are additive.
func (clientOptions) RequestIntercept(a Action) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestIntercept = cfg.requestIntercept.Append(a)
	}
}

// ResponseIntercept sees every successful response before the caller does.
// Streamed responses are presented with an empty body. Intercepts are
// additive.
func (clientOptions) ResponseIntercept(fn func(*ReceivedResponse)) ClientOption {
	return func(cfg *clientConfig) {
		prev := cfg.responseIntercept
		if prev == nil {
			cfg.responseIntercept = fn
			return
		}
		cfg.responseIntercept = func(r *ReceivedResponse) {
			prev(r)
			fn(r)
		}
	}
}

// ErrorIntercept sees every failed request before the caller does.
// Intercepts are additive.
func (clientOptions) ErrorIntercept(fn func(error)) ClientOption {
	return func(cfg *clientConfig) {
		prev := cfg.errorIntercept
		if prev == nil {
			cfg.errorIntercept = fn
			return
		}
		cfg.errorIntercept = func(err error) {
			prev(err)
			fn(err)
		}
	}
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		poolQueueSize:        math.MaxInt32,
		maxContentLength:     defaultMaxContentLength,
		readTimeout:          defaultReadTimeout,
		connectTimeout:       defaultConnectTimeout,
		responseMaxChunkSize: defaultResponseMaxChunkSize,
		maxRedirects:         defaultMaxRedirects,
		loops:                runtime.GOMAXPROCS(0),
		decompress:           true,
	}
}
