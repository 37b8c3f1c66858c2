package processor

import (
	"context"
	"time"

	"github.com/jeffleon2/payment-engine/config"
	"github.com/jeffleon2/payment-engine/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Gateway wraps a Processor with the resilience layer: bounded retry with
// exponential backoff and jitter for transient failures, a per-attempt
// timeout, and a circuit breaker shared across operations. Declines pass
// through untouched and are never retried.
type Gateway struct {
	proc           Processor
	breaker        *CircuitBreaker
	retry          config.RetryConfig
	attemptTimeout time.Duration
}

func NewGateway(proc Processor, breaker *CircuitBreaker, retry config.RetryConfig, attemptTimeout time.Duration) *Gateway {
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 5
	}
	if retry.BaseDelay == 0 {
		retry.BaseDelay = time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 30 * time.Second
	}
	if attemptTimeout == 0 {
		attemptTimeout = 30 * time.Second
	}

	return &Gateway{
		proc:           proc,
		breaker:        breaker,
		retry:          retry,
		attemptTimeout: attemptTimeout,
	}
}

func (g *Gateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	return g.call(ctx, "authorize", func(ctx context.Context) (*Result, error) {
		return g.proc.Authorize(ctx, req)
	})
}

func (g *Gateway) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	return g.call(ctx, "capture", func(ctx context.Context) (*Result, error) {
		return g.proc.Capture(ctx, req)
	})
}

func (g *Gateway) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return g.call(ctx, "refund", func(ctx context.Context) (*Result, error) {
		return g.proc.Refund(ctx, req)
	})
}

func (g *Gateway) Void(ctx context.Context, req VoidRequest) (*Result, error) {
	return g.call(ctx, "void", func(ctx context.Context) (*Result, error) {
		return g.proc.Void(ctx, req)
	})
}

// GetTransaction bypasses retry scheduling: it is the authoritative re-query
// issued when an in-flight call was cancelled, so a single bounded attempt
// behind the breaker is enough.
func (g *Gateway) GetTransaction(ctx context.Context, reference string) (*Result, error) {
	if !g.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	result, err := g.proc.GetTransaction(attemptCtx, reference)
	if err != nil {
		g.breaker.Failure()
		return nil, err
	}
	g.breaker.Success()
	return result, nil
}

func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if !g.breaker.Allow() {
			metrics.ProcessorCallsTotal.WithLabelValues(op, "circuit_open").Inc()
			return nil, ErrCircuitOpen
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		result, err := fn(attemptCtx)
		attemptTimedOut := attemptCtx.Err() != nil && ctx.Err() == nil
		cancel()

		if err == nil {
			g.breaker.Success()
			outcome := "approved"
			if !result.Approved() {
				outcome = "declined"
			}
			metrics.ProcessorCallsTotal.WithLabelValues(op, outcome).Inc()
			return result, nil
		}

		// An attempt that hit its own deadline while the caller is still
		// live is a network timeout, which the retry budget exists for.
		// Only a caller-level cancellation aborts the loop.
		if attemptTimedOut && !IsTransient(err) {
			err = &TransientError{Op: op, Err: err}
		}

		g.breaker.Failure()
		lastErr = err

		if !IsTransient(err) {
			metrics.ProcessorCallsTotal.WithLabelValues(op, "error").Inc()
			return nil, err
		}

		if attempt == g.retry.MaxAttempts-1 {
			break
		}

		delay := g.retry.Backoff(attempt)
		logrus.WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
		}).Warnf("transient processor failure, retrying: %v", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	metrics.ProcessorCallsTotal.WithLabelValues(op, "exhausted").Inc()
	logrus.WithField("operation", op).Errorf("processor retries exhausted: %v", lastErr)
	return nil, &TransientError{Op: op, Err: ErrRetriesExhausted}
}
