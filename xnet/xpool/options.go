package xpool

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultMaintenanceInterval = 30 * time.Second
	defaultBreakerTimeout      = 10 * time.Second
	defaultBreakerTripAfter    = 5
)

// Dialer opens transport connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type poolConfig struct {
	dialer              Dialer
	logger              *slog.Logger
	breakerSettings     *gobreaker.Settings
	size                int
	queueSize           int
	idleTimeout         time.Duration
	maxLifespan         time.Duration
	maintenanceInterval time.Duration
	breakerDisabled     bool
}

func (cfg *poolConfig) validate() error {
	if cfg.size < 0 {
		return errors.New("pool size must be greater than or equal to 0")
	}

	if cfg.queueSize < 0 {
		return errors.New("pool queue size must be greater than or equal to 0")
	}

	if cfg.idleTimeout < 0 {
		return errors.New("idle timeout must be greater than or equal to 0")
	}

	if cfg.maxLifespan < 0 {
		return errors.New("max connection lifespan must be greater than or equal to 0")
	}

	if cfg.maintenanceInterval <= 0 {
		return errors.New("maintenance interval must be greater than 0")
	}

	return nil
}

type PoolOption func(*poolConfig)

type poolOptions struct{}

// PoolOpts is the namespace of pool options.
func PoolOpts() poolOptions {
	return poolOptions{}
}

// Size is the maximum number of connections borrowed at once per partition,
// which is also the number kept idle. Zero disables pooling: every borrow
// dials and every release closes.
func (poolOptions) Size(n int) PoolOption {
	return func(cfg *poolConfig) {
		cfg.size = n
	}
}

// QueueSize bounds how many acquirers may wait for a busy partition before
// Acquire fails fast with ErrPoolQueueFull.
func (poolOptions) QueueSize(n int) PoolOption {
	return func(cfg *poolConfig) {
		cfg.queueSize = n
	}
}

// IdleTimeout closes connections idle for longer than d. Zero keeps them
// until the server closes them.
func (poolOptions) IdleTimeout(d time.Duration) PoolOption {
	return func(cfg *poolConfig) {
		cfg.idleTimeout = d
	}
}

// MaxLifespan closes connections once they are older than d, counted from
// the dial, the next time they are found idle. Zero keeps them forever.
func (poolOptions) MaxLifespan(d time.Duration) PoolOption {
	return func(cfg *poolConfig) {
		cfg.maxLifespan = d
	}
}

func (poolOptions) MaintenanceInterval(d time.Duration) PoolOption {
	return func(cfg *poolConfig) {
		cfg.maintenanceInterval = d
	}
}

func (poolOptions) Dialer(d Dialer) PoolOption {
	return func(cfg *poolConfig) {
		cfg.dialer = d
	}
}

func (poolOptions) Logger(l *slog.Logger) PoolOption {
	return func(cfg *poolConfig) {
		cfg.logger = l
	}
}

// DialBreaker replaces the default per-partition dial circuit breaker
// settings. Name and OnStateChange are filled in when empty.
func (poolOptions) DialBreaker(s gobreaker.Settings) PoolOption {
	return func(cfg *poolConfig) {
		cfg.breakerSettings = &s
		cfg.breakerDisabled = false
	}
}

func (poolOptions) DisableDialBreaker() PoolOption {
	return func(cfg *poolConfig) {
		cfg.breakerSettings = nil
		cfg.breakerDisabled = true
	}
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		dialer:              &net.Dialer{},
		queueSize:           math.MaxInt32,
		maintenanceInterval: defaultMaintenanceInterval,
	}
}
