package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Outcome classifies a processor response. Declines are data, not errors:
// only transport-level failures come back through the error return.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeDeclined Outcome = "DECLINED"
)

type Result struct {
	Outcome   Outcome
	Reference string
	Code      string
	Message   string
}

func (r *Result) Approved() bool {
	return r != nil && r.Outcome == OutcomeApproved
}

type AuthorizeRequest struct {
	Amount    decimal.Decimal
	Currency  string
	MethodRef string
	// IdempotencyToken is the payment's own id, forwarded so a retried call
	// after a timeout does not double-charge.
	IdempotencyToken string
}

type CaptureRequest struct {
	Reference        string
	Amount           decimal.Decimal
	Currency         string
	IdempotencyToken string
}

type RefundRequest struct {
	Reference        string
	Amount           decimal.Decimal
	Currency         string
	IdempotencyToken string
}

type VoidRequest struct {
	Reference        string
	IdempotencyToken string
}

// Processor is the capability interface over the external card processor.
// The engine does not know the wire protocol; implementations classify
// transport failures by returning a TransientError for anything retriable.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error)
	Capture(ctx context.Context, req CaptureRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*Result, error)
	Void(ctx context.Context, req VoidRequest) (*Result, error)
	// GetTransaction re-queries authoritative status after an ambiguous
	// outcome (e.g. a cancelled in-flight call).
	GetTransaction(ctx context.Context, reference string) (*Result, error)
}

// TransientError marks a retriable failure: network timeout, 5xx,
// rate-limited.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient processor failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

var (
	// ErrCircuitOpen is returned without contacting the processor while the
	// breaker is open.
	ErrCircuitOpen = errors.New("processor circuit breaker is open")
	// ErrRetriesExhausted is returned after the retry budget is spent on
	// transient failures.
	ErrRetriesExhausted = errors.New("processor retries exhausted")
)
