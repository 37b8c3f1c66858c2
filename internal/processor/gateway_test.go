package processor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeffleon2/payment-engine/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProcessor returns canned responses in order and counts calls.
type scriptedProcessor struct {
	calls   atomic.Int32
	results []scriptedResult
}

type scriptedResult struct {
	result *Result
	err    error
}

func (s *scriptedProcessor) next() (*Result, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.results) {
		n = len(s.results) - 1
	}
	return s.results[n].result, s.results[n].err
}

func (s *scriptedProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	return s.next()
}

func (s *scriptedProcessor) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	return s.next()
}

func (s *scriptedProcessor) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return s.next()
}

func (s *scriptedProcessor) Void(ctx context.Context, req VoidRequest) (*Result, error) {
	return s.next()
}

func (s *scriptedProcessor) GetTransaction(ctx context.Context, reference string) (*Result, error) {
	return s.next()
}

func fastRetry(maxAttempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Jitter:      false,
	}
}

func authReq() AuthorizeRequest {
	return AuthorizeRequest{
		Amount:           decimal.RequireFromString("19.99"),
		Currency:         "USD",
		MethodRef:        "tok_visa",
		IdempotencyToken: "pay-1",
	}
}

func TestGateway_RetriesTransientThenSucceeds(t *testing.T) {
	proc := &scriptedProcessor{results: []scriptedResult{
		{nil, &TransientError{Op: "authorize", Err: errors.New("timeout")}},
		{nil, &TransientError{Op: "authorize", Err: errors.New("timeout")}},
		{&Result{Outcome: OutcomeApproved, Reference: "ref-1"}, nil},
	}}
	gateway := NewGateway(proc, NewCircuitBreaker(10, time.Minute), fastRetry(5), time.Second)

	result, err := gateway.Authorize(context.Background(), authReq())

	require.NoError(t, err)
	assert.True(t, result.Approved())
	assert.Equal(t, int32(3), proc.calls.Load())
}

func TestGateway_DoesNotRetryDeclines(t *testing.T) {
	proc := &scriptedProcessor{results: []scriptedResult{
		{&Result{Outcome: OutcomeDeclined, Code: "CARD_DECLINED", Message: "card declined"}, nil},
	}}
	gateway := NewGateway(proc, NewCircuitBreaker(10, time.Minute), fastRetry(5), time.Second)

	result, err := gateway.Authorize(context.Background(), authReq())

	require.NoError(t, err)
	assert.False(t, result.Approved())
	assert.Equal(t, "CARD_DECLINED", result.Code)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestGateway_ExhaustedRetriesSurfaceAsTransient(t *testing.T) {
	proc := &scriptedProcessor{results: []scriptedResult{
		{nil, &TransientError{Op: "authorize", Err: errors.New("timeout")}},
	}}
	gateway := NewGateway(proc, NewCircuitBreaker(10, time.Minute), fastRetry(3), time.Second)

	_, err := gateway.Authorize(context.Background(), authReq())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), proc.calls.Load())
}

func TestGateway_OpenBreakerFailsFastWithoutCallingProcessor(t *testing.T) {
	proc := &scriptedProcessor{results: []scriptedResult{
		{nil, &TransientError{Op: "authorize", Err: errors.New("timeout")}},
	}}
	breaker := NewCircuitBreaker(5, time.Minute)
	gateway := NewGateway(proc, breaker, fastRetry(5), time.Second)

	// Five consecutive transient failures open the breaker mid-call.
	_, err := gateway.Authorize(context.Background(), authReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, BreakerOpen, breaker.State())
	assert.Equal(t, int32(5), proc.calls.Load())

	// The next call fails fast and never reaches the processor.
	_, err = gateway.Authorize(context.Background(), authReq())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), proc.calls.Load())
}

// hangingProcessor blocks every call until its context expires.
type hangingProcessor struct {
	calls atomic.Int32
}

func (h *hangingProcessor) wait(ctx context.Context) (*Result, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	return h.wait(ctx)
}

func (h *hangingProcessor) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	return h.wait(ctx)
}

func (h *hangingProcessor) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return h.wait(ctx)
}

func (h *hangingProcessor) Void(ctx context.Context, req VoidRequest) (*Result, error) {
	return h.wait(ctx)
}

func (h *hangingProcessor) GetTransaction(ctx context.Context, reference string) (*Result, error) {
	return h.wait(ctx)
}

func TestGateway_AttemptTimeoutsConsumeTheRetryBudget(t *testing.T) {
	proc := &hangingProcessor{}
	gateway := NewGateway(proc, NewCircuitBreaker(10, time.Minute), fastRetry(3), 10*time.Millisecond)

	_, err := gateway.Authorize(context.Background(), authReq())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), proc.calls.Load())
}

func TestGateway_CallerCancellationStopsRetries(t *testing.T) {
	proc := &hangingProcessor{}
	gateway := NewGateway(proc, NewCircuitBreaker(10, time.Minute), fastRetry(5), time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := gateway.Authorize(ctx, authReq())

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestGateway_NonTransientErrorNotRetried(t *testing.T) {
	boom := errors.New("protocol violation")
	proc := &scriptedProcessor{results: []scriptedResult{{nil, boom}}}
	gateway := NewGateway(proc, NewCircuitBreaker(10, time.Minute), fastRetry(5), time.Second)

	_, err := gateway.Authorize(context.Background(), authReq())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), proc.calls.Load())
}

func TestSimulated_ForcedOutcomes(t *testing.T) {
	sim := NewSimulated(0, 0, 0)
	ctx := context.Background()

	result, err := sim.Authorize(ctx, AuthorizeRequest{MethodRef: "tok_declined", IdempotencyToken: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "CARD_DECLINED", result.Code)

	result, err = sim.Authorize(ctx, AuthorizeRequest{MethodRef: "tok_insufficient", IdempotencyToken: "p2"})
	require.NoError(t, err)
	assert.Equal(t, "INSUFFICIENT_FUNDS", result.Code)

	_, err = sim.Authorize(ctx, AuthorizeRequest{MethodRef: "tok_timeout", IdempotencyToken: "p3"})
	assert.True(t, IsTransient(err))
}

func TestSimulated_IdempotentAuthorize(t *testing.T) {
	sim := NewSimulated(0, 0, 0)
	ctx := context.Background()
	req := AuthorizeRequest{MethodRef: "tok_visa", IdempotencyToken: "p1"}

	first, err := sim.Authorize(ctx, req)
	require.NoError(t, err)
	second, err := sim.Authorize(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Reference, second.Reference)

	status, err := sim.GetTransaction(ctx, first.Reference)
	require.NoError(t, err)
	assert.True(t, status.Approved())
}
