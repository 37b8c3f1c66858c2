package processor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Simulated is an in-process stand-in for the external card processor, used
// in local runs and tests. Outcomes are steered two ways: well-known method
// token suffixes force a result, and the configured rates inject random
// declines and transient faults.
//
// Recognized tokens: "*_declined" (card declined), "*_insufficient"
// (insufficient funds), "*_invalid" (invalid card), "*_fraud"
// (fraud-flagged), "*_timeout" (transient network failure).
type Simulated struct {
	Latency       time.Duration
	DeclineRate   float64
	TransientRate float64

	mu       sync.Mutex
	ledger   map[string]Outcome
	seenKeys map[string]*Result
}

func NewSimulated(latency time.Duration, declineRate, transientRate float64) *Simulated {
	return &Simulated{
		Latency:       latency,
		DeclineRate:   declineRate,
		TransientRate: transientRate,
		ledger:        make(map[string]Outcome),
		seenKeys:      make(map[string]*Result),
	}
}

func (s *Simulated) Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	// Honor the idempotency token: a retried authorize returns the first
	// result instead of opening a second authorization.
	s.mu.Lock()
	if prev, ok := s.seenKeys["auth:"+req.IdempotencyToken]; ok {
		s.mu.Unlock()
		return prev, nil
	}
	s.mu.Unlock()

	if result, err := s.forcedOutcome(req.MethodRef, "authorize"); result != nil || err != nil {
		if result != nil {
			s.remember("auth:"+req.IdempotencyToken, result)
		}
		return result, err
	}

	if rand.Float64() < s.TransientRate {
		return nil, &TransientError{Op: "authorize", Err: errors.New("simulated gateway timeout")}
	}
	if rand.Float64() < s.DeclineRate {
		result := declined("CARD_DECLINED", "card declined by issuer")
		s.remember("auth:"+req.IdempotencyToken, result)
		return result, nil
	}

	result := &Result{
		Outcome:   OutcomeApproved,
		Reference: "sim_" + uuid.New().String(),
		Code:      "00",
		Message:   "approved",
	}
	s.mu.Lock()
	s.ledger[result.Reference] = OutcomeApproved
	s.seenKeys["auth:"+req.IdempotencyToken] = result
	s.mu.Unlock()

	return result, nil
}

func (s *Simulated) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	return s.settlementCall(ctx, "capture", req.Reference, req.IdempotencyToken)
}

func (s *Simulated) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	return s.settlementCall(ctx, "refund", req.Reference, req.IdempotencyToken)
}

func (s *Simulated) Void(ctx context.Context, req VoidRequest) (*Result, error) {
	return s.settlementCall(ctx, "void", req.Reference, req.IdempotencyToken)
}

func (s *Simulated) GetTransaction(ctx context.Context, reference string) (*Result, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	outcome, ok := s.ledger[reference]
	s.mu.Unlock()
	if !ok {
		return declined("NOT_FOUND", "unknown transaction reference"), nil
	}
	return &Result{Outcome: outcome, Reference: reference, Code: "00", Message: "status"}, nil
}

func (s *Simulated) settlementCall(ctx context.Context, op, reference, token string) (*Result, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}

	key := op + ":" + token
	s.mu.Lock()
	if prev, ok := s.seenKeys[key]; ok {
		s.mu.Unlock()
		return prev, nil
	}
	known := s.ledger[reference] == OutcomeApproved
	s.mu.Unlock()

	if !known {
		return declined("NOT_FOUND", "unknown transaction reference"), nil
	}
	if rand.Float64() < s.TransientRate {
		return nil, &TransientError{Op: op, Err: errors.New("simulated gateway timeout")}
	}

	result := &Result{Outcome: OutcomeApproved, Reference: reference, Code: "00", Message: "approved"}
	s.remember(key, result)
	return result, nil
}

func (s *Simulated) forcedOutcome(methodRef, op string) (*Result, error) {
	switch {
	case strings.HasSuffix(methodRef, "_timeout"):
		return nil, &TransientError{Op: op, Err: errors.New("simulated network timeout")}
	case strings.HasSuffix(methodRef, "_declined"):
		return declined("CARD_DECLINED", "card declined by issuer"), nil
	case strings.HasSuffix(methodRef, "_insufficient"):
		return declined("INSUFFICIENT_FUNDS", "insufficient funds"), nil
	case strings.HasSuffix(methodRef, "_invalid"):
		return declined("INVALID_CARD", "invalid card number"), nil
	case strings.HasSuffix(methodRef, "_fraud"):
		return declined("FRAUD_SUSPECTED", "transaction flagged as fraudulent"), nil
	default:
		return nil, nil
	}
}

func (s *Simulated) remember(key string, result *Result) {
	s.mu.Lock()
	s.seenKeys[key] = result
	s.mu.Unlock()
}

func (s *Simulated) sleep(ctx context.Context) error {
	if s.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(s.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func declined(code, message string) *Result {
	return &Result{Outcome: OutcomeDeclined, Code: code, Message: message}
}
