// Package middleware contains cross cutting handler wrappers for the
// relay: panic recovery, per handler timeouts and prometheus metrics.
package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/theflyingcodr/relay"
)

// ExecChain builds the middleware chain recursively around f, outermost
// middleware first.
func ExecChain(f relay.HandlerFunc, m []relay.MiddlewareFunc) relay.HandlerFunc {
	if len(m) == 0 {
		return f
	}
	return m[0](ExecChain(f, m[1:]))
}

// PanicHandler recovers a panicking handler and converts the panic into a
// plain error so the dispatch boundary can report it like any other
// handler failure. Always register this first.
func PanicHandler(next relay.HandlerFunc) relay.HandlerFunc {
	return func(ctx context.Context, env *relay.Envelope) (resp *relay.Envelope, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Msgf("panic in handler for %s: %v", env.Type, r)
				resp = nil
				err = errors.Errorf("panic: %v", r)
			}
		}()
		return next(ctx, env)
	}
}

// TimeoutConfig holds the maximum duration a handler may run for.
type TimeoutConfig struct {
	Duration time.Duration
}

// NewTimeoutConfig returns the default 10 second handler timeout, sized
// to cover a fully delayed chunked broadcast.
func NewTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{Duration: 10 * time.Second}
}

// Timeout bounds handler execution with a context deadline.
func Timeout(cfg *TimeoutConfig) relay.MiddlewareFunc {
	return func(next relay.HandlerFunc) relay.HandlerFunc {
		return func(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
			c, cancel := context.WithTimeout(ctx, cfg.Duration)
			defer cancel()
			return next(c, env)
		}
	}
}

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Inbound messages handled, by message type.",
	}, []string{"type"})

	handlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_handler_errors_total",
		Help: "Handler failures, by message type.",
	}, []string{"type"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_handler_duration_seconds",
		Help:    "Handler execution time, by message type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// Metrics records message counts, failures and handler latency.
func Metrics() relay.MiddlewareFunc {
	return func(next relay.HandlerFunc) relay.HandlerFunc {
		return func(ctx context.Context, env *relay.Envelope) (*relay.Envelope, error) {
			start := time.Now()
			resp, err := next(ctx, env)
			messagesTotal.WithLabelValues(env.Type).Inc()
			handlerDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
			if err != nil {
				handlerErrorsTotal.WithLabelValues(env.Type).Inc()
			}
			return resp, err
		}
	}
}
