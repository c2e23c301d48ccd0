package xpool

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/sony/gobreaker/v2"
)

// newDialBreaker guards dials for one partition so a host refusing
// connections fails fast instead of costing every request a connect timeout.
func newDialBreaker(key ChannelKey, settings *gobreaker.Settings, logger *slog.Logger) *gobreaker.CircuitBreaker[net.Conn] {
	var st gobreaker.Settings
	if settings != nil {
		st = *settings
	} else {
		st = gobreaker.Settings{
			Timeout: defaultBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= defaultBreakerTripAfter
			},
		}
	}

	if st.Name == "" {
		st.Name = key.String()
	}

	if st.OnStateChange == nil {
		st.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			logger.LogAttrs(context.Background(), slog.LevelError,
				"dial circuit breaker changed state",
				slog.String("circuit_breaker", name),
				slog.String("from_state", from.String()),
				slog.String("to_state", to.String()),
			)
		}
	}

	if st.IsSuccessful == nil {
		// a caller giving up is not evidence against the host
		st.IsSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		}
	}

	return gobreaker.NewCircuitBreaker[net.Conn](st)
}
