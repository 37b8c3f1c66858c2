package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jeffleon2/payment-engine/internal/idempotency"
	"github.com/jeffleon2/payment-engine/internal/metrics"
	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/jeffleon2/payment-engine/internal/models/dto"
	"github.com/jeffleon2/payment-engine/internal/processor"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// PaymentStore is the persistence contract the orchestrator needs: one
// atomic create-with-event and one atomic read-locked transition.
type PaymentStore interface {
	CreateWithEvent(ctx context.Context, payment *models.Payment, history *models.StatusHistoryEntry, event *models.DomainEvent) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	History(ctx context.Context, paymentID string) ([]models.StatusHistoryEntry, error)
	ApplyTransition(ctx context.Context, paymentID string, apply func(p *models.Payment) (*models.StatusHistoryEntry, *models.DomainEvent, error)) (*models.Payment, error)
}

// IdempotencyStore guards duplicate submissions. Reserve must be atomic
// across concurrent callers using the same key.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, fingerprint string) (*idempotency.Reservation, error)
	Attach(ctx context.Context, key, paymentID string) error
	Complete(ctx context.Context, key, paymentID string, response interface{}) error
	Release(ctx context.Context, key string) error
}

// ProcessorGateway is the resilience-wrapped card processor.
type ProcessorGateway interface {
	Authorize(ctx context.Context, req processor.AuthorizeRequest) (*processor.Result, error)
	Capture(ctx context.Context, req processor.CaptureRequest) (*processor.Result, error)
	Refund(ctx context.Context, req processor.RefundRequest) (*processor.Result, error)
	Void(ctx context.Context, req processor.VoidRequest) (*processor.Result, error)
	GetTransaction(ctx context.Context, reference string) (*processor.Result, error)
}

// PaymentService orchestrates the payment lifecycle: idempotency check,
// transition legality, processor call, atomic commit of state + history +
// outbox event. Processor calls are issued outside the per-payment row lock;
// the lock is held only around the local transition, which re-validates
// legality against the committed status.
type PaymentService struct {
	Store       PaymentStore
	Idempotency IdempotencyStore
	Gateway     ProcessorGateway

	AutoCapture bool
	currencies  map[string]bool
}

func NewPaymentService(store PaymentStore, idem IdempotencyStore, gateway ProcessorGateway, autoCapture bool, currencies []string) *PaymentService {
	supported := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		supported[c] = true
	}
	return &PaymentService{
		Store:       store,
		Idempotency: idem,
		Gateway:     gateway,
		AutoCapture: autoCapture,
		currencies:  supported,
	}
}

// Fingerprint hashes the normalized request body. The same key with a
// different fingerprint is a conflict, not a replay.
func Fingerprint(body interface{}) string {
	raw, _ := json.Marshal(body)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CreatePayment runs the full create flow. A processor decline is a
// successful orchestration outcome: the payment ends in FAILED and the
// snapshot is returned without an error.
func (s *PaymentService) CreatePayment(ctx context.Context, key string, req *dto.CreatePayment) (*dto.PaymentResponse, error) {
	if key == "" {
		return nil, NewValidationError("IDEMPOTENCY_KEY_REQUIRED", "an idempotency key is required")
	}

	req.Sanitize()
	if !req.Amount.IsPositive() {
		return nil, NewValidationError("AMOUNT_INVALID", "amount must be greater than zero")
	}
	if !s.currencies[req.Currency] {
		return nil, NewValidationError("CURRENCY_UNSUPPORTED", "unsupported currency: %s", req.Currency)
	}

	reservation, err := s.Idempotency.Reserve(ctx, key, Fingerprint(req))
	if err != nil {
		return nil, fmt.Errorf("error reserving idempotency key: %w", err)
	}
	switch reservation.Outcome {
	case idempotency.OutcomeConflict:
		return nil, ErrIdempotencyConflict
	case idempotency.OutcomeInProgress:
		return nil, ErrIdempotencyInProgress
	case idempotency.OutcomeReplay:
		metrics.IdempotentReplaysTotal.Inc()
		var stored dto.PaymentResponse
		if err := json.Unmarshal(reservation.Record.Response, &stored); err != nil {
			return nil, fmt.Errorf("error decoding stored idempotent response: %w", err)
		}
		return &stored, nil
	}

	payment := req.ToEntity()
	if err := payment.Validate(); err != nil {
		s.release(ctx, key)
		return nil, NewValidationError("PAYMENT_INVALID", "%s", err.Error())
	}

	history := &models.StatusHistoryEntry{
		NewStatus: models.StatusPending,
		Reason:    "payment created",
		Actor:     models.ActorCustomer,
	}
	if err := s.Store.CreateWithEvent(ctx, payment, history, buildEvent(payment, models.EventPaymentCreated)); err != nil {
		s.release(ctx, key)
		return nil, err
	}
	if err := s.Idempotency.Attach(ctx, key, payment.ID); err != nil {
		logrus.WithField("payment_id", payment.ID).Errorf("error attaching idempotency record: %v", err)
	}
	metrics.PaymentsTotal.WithLabelValues(string(models.StatusPending)).Inc()

	result, err := s.Gateway.Authorize(ctx, processor.AuthorizeRequest{
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		MethodRef:        payment.MethodRef,
		IdempotencyToken: payment.ID,
	})
	if err != nil {
		// Payment stays PENDING; the whole operation is safe to retry.
		s.release(ctx, key)
		return nil, s.mapProcessorError(err)
	}

	if !result.Approved() {
		payment, err = s.failPayment(ctx, payment.ID, result.Code, result.Message)
		if err != nil {
			s.release(ctx, key)
			return nil, err
		}
		return s.complete(ctx, key, payment)
	}

	payment, err = s.transition(ctx, payment.ID, ActionAuthorize, models.ActorSystem, "authorized by processor", func(p *models.Payment) {
		p.ProcessorReferenceID = result.Reference
	})
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}

	if s.AutoCapture {
		payment, err = s.capture(ctx, payment)
		if err != nil {
			var unavailable *DomainError
			if errors.As(err, &unavailable) && unavailable.Kind == KindUnavailable {
				// Authorization stands; capture can be retried through the
				// capture operation. Surface the authorized snapshot.
				logrus.WithField("payment_id", payment.ID).
					Warn("auto-capture deferred: processor unavailable")
				return s.complete(ctx, key, payment)
			}
			s.release(ctx, key)
			return nil, err
		}
	}

	return s.complete(ctx, key, payment)
}

// CapturePayment completes a delayed-capture payment.
func (s *PaymentService) CapturePayment(ctx context.Context, paymentID string) (*dto.PaymentResponse, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(payment.Status, ActionCapture) {
		return nil, ErrPaymentCannotBeCaptured
	}

	payment, err = s.capture(ctx, payment)
	if err != nil {
		return nil, err
	}
	return dto.FromEntity(payment), nil
}

func (s *PaymentService) capture(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	result, err := s.Gateway.Capture(ctx, processor.CaptureRequest{
		Reference:        payment.ProcessorReferenceID,
		Amount:           payment.Amount,
		Currency:         payment.Currency,
		IdempotencyToken: payment.ID + ":capture",
	})
	if err != nil {
		return payment, s.mapProcessorError(err)
	}
	if !result.Approved() {
		return s.failPayment(ctx, payment.ID, result.Code, result.Message)
	}

	return s.transition(ctx, payment.ID, ActionCapture, models.ActorSystem, "captured by processor", func(p *models.Payment) {
		now := time.Now().UTC()
		p.ProcessedAt = &now
	})
}

// RefundPayment refunds part or all of a captured payment. A nil amount
// refunds the full remaining balance. Partial refunds keep the payment
// CAPTURED; the refund that exhausts the balance moves it to REFUNDED.
// The key is reserved before any state check so a retry of a completed
// refund replays the stored response instead of tripping the pre-check
// against the post-refund status.
func (s *PaymentService) RefundPayment(ctx context.Context, key, paymentID string, req *dto.Refund) (*dto.PaymentResponse, error) {
	req.Sanitize()

	reserved, err := s.reserveOptional(ctx, key, refundFingerprint(paymentID, req))
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		return reserved, nil
	}

	payment, err := s.load(ctx, paymentID)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	if !CanTransition(payment.Status, ActionRefund) {
		s.release(ctx, key)
		return nil, ErrPaymentCannotBeRefunded
	}

	amount := payment.RemainingRefundable()
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() {
		s.release(ctx, key)
		return nil, NewValidationError("REFUND_AMOUNT_INVALID", "refund amount must be greater than zero")
	}
	if amount.GreaterThan(payment.RemainingRefundable()) {
		s.release(ctx, key)
		return nil, NewValidationError("REFUND_EXCEEDS_BALANCE",
			"refund amount %s exceeds remaining refundable balance %s", amount, payment.RemainingRefundable())
	}

	// The processor token is unique per refund call, not derived from the
	// refund count: two concurrent partials read the same snapshot and
	// would otherwise send identical tokens, and a deduping processor
	// would move money for only one of them.
	result, err := s.Gateway.Refund(ctx, processor.RefundRequest{
		Reference:        payment.ProcessorReferenceID,
		Amount:           amount,
		Currency:         payment.Currency,
		IdempotencyToken: fmt.Sprintf("%s:refund:%s", payment.ID, uuid.New().String()),
	})
	if err != nil {
		s.release(ctx, key)
		return nil, s.mapProcessorError(err)
	}
	if !result.Approved() {
		// A declined refund leaves the payment untouched; the capture is
		// still good.
		s.release(ctx, key)
		return nil, NewProcessorDeclinedError(result.Code, result.Message)
	}

	reason := req.Reason
	if reason == "" {
		reason = "refund requested"
	}

	payment, err = s.Store.ApplyTransition(ctx, paymentID, func(p *models.Payment) (*models.StatusHistoryEntry, *models.DomainEvent, error) {
		if !CanTransition(p.Status, ActionRefund) {
			return nil, nil, ErrPaymentCannotBeRefunded
		}
		if amount.GreaterThan(p.RemainingRefundable()) {
			return nil, nil, NewStateConflictError("REFUND_EXCEEDS_BALANCE",
				"refund amount %s exceeds remaining refundable balance %s", amount, p.RemainingRefundable())
		}

		previous := p.Status
		p.RefundedAmount = p.RefundedAmount.Add(amount)
		p.RefundCount++
		if p.FullyRefunded() {
			next, err := NextStatus(p.Status, ActionRefund)
			if err != nil {
				return nil, nil, err
			}
			p.Status = next
		}

		history := &models.StatusHistoryEntry{
			PreviousStatus: previous,
			NewStatus:      p.Status,
			Reason:         reason,
			Actor:          models.ActorCustomer,
		}
		return history, buildEvent(p, models.EventPaymentRefunded), nil
	})
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(payment.Status)).Inc()

	return s.complete(ctx, key, payment)
}

// CancelPayment cancels a pending or authorized payment, voiding the
// authorization with the processor when one exists.
func (s *PaymentService) CancelPayment(ctx context.Context, key, paymentID string, req *dto.Cancel) (*dto.PaymentResponse, error) {
	req.Sanitize()

	reserved, err := s.reserveOptional(ctx, key, Fingerprint(map[string]string{"op": "cancel", "payment_id": paymentID, "reason": req.Reason}))
	if err != nil {
		return nil, err
	}
	if reserved != nil {
		return reserved, nil
	}

	payment, err := s.load(ctx, paymentID)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}
	if !CanTransition(payment.Status, ActionCancel) {
		s.release(ctx, key)
		return nil, ErrPaymentCannotBeCancelled
	}

	if payment.ProcessorReferenceID != "" {
		if err := s.voidAuthorization(ctx, payment); err != nil {
			s.release(ctx, key)
			return nil, err
		}
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by customer"
	}
	payment, err = s.transition(ctx, paymentID, ActionCancel, models.ActorCustomer, reason, nil)
	if err != nil {
		s.release(ctx, key)
		return nil, err
	}

	return s.complete(ctx, key, payment)
}

// voidAuthorization releases the processor-side hold. A cancelled in-flight
// call leaves ownership ambiguous, so the processor is re-queried for
// authoritative status instead of guessing.
func (s *PaymentService) voidAuthorization(ctx context.Context, payment *models.Payment) error {
	result, err := s.Gateway.Void(ctx, processor.VoidRequest{
		Reference:        payment.ProcessorReferenceID,
		IdempotencyToken: payment.ID + ":void",
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status, qerr := s.Gateway.GetTransaction(context.WithoutCancel(ctx), payment.ProcessorReferenceID)
			if qerr == nil && !status.Approved() {
				// The hold is gone; the void applied before the call was cut.
				return nil
			}
		}
		return s.mapProcessorError(err)
	}
	if !result.Approved() {
		return NewProcessorDeclinedError(result.Code, result.Message)
	}
	return nil
}

// MarkSettled records processor settlement for a captured payment.
func (s *PaymentService) MarkSettled(ctx context.Context, paymentID string) (*dto.PaymentResponse, error) {
	payment, err := s.transition(ctx, paymentID, ActionSettle, models.ActorSystem, "settled by processor", func(p *models.Payment) {
		now := time.Now().UTC()
		p.SettledAt = &now
	})
	if err != nil {
		return nil, err
	}
	return dto.FromEntity(payment), nil
}

// MarkDisputed records an external chargeback notice.
func (s *PaymentService) MarkDisputed(ctx context.Context, paymentID, reason string) (*dto.PaymentResponse, error) {
	if reason == "" {
		reason = "chargeback received"
	}
	payment, err := s.transition(ctx, paymentID, ActionDispute, models.ActorAdmin, reason, nil)
	if err != nil {
		return nil, err
	}
	return dto.FromEntity(payment), nil
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*dto.PaymentResponse, error) {
	payment, err := s.load(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return dto.FromEntity(payment), nil
}

func (s *PaymentService) GetHistory(ctx context.Context, paymentID string) ([]models.StatusHistoryEntry, error) {
	if _, err := s.load(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.Store.History(ctx, paymentID)
}

func (s *PaymentService) load(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := s.Store.GetByID(ctx, paymentID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// transition applies one table-driven transition under the row lock.
func (s *PaymentService) transition(ctx context.Context, paymentID string, action Action, actor models.Actor, reason string, mutate func(p *models.Payment)) (*models.Payment, error) {
	payment, err := s.Store.ApplyTransition(ctx, paymentID, func(p *models.Payment) (*models.StatusHistoryEntry, *models.DomainEvent, error) {
		previous := p.Status
		next, err := NextStatus(previous, action)
		if err != nil {
			return nil, nil, err
		}
		p.Status = next
		if mutate != nil {
			mutate(p)
		}

		history := &models.StatusHistoryEntry{
			PreviousStatus: previous,
			NewStatus:      next,
			Reason:         reason,
			Actor:          actor,
		}
		return history, buildEvent(p, eventForStatus(next)), nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PaymentsTotal.WithLabelValues(string(payment.Status)).Inc()

	return payment, nil
}

func (s *PaymentService) failPayment(ctx context.Context, paymentID, code, message string) (*models.Payment, error) {
	return s.transition(ctx, paymentID, ActionFail, models.ActorSystem, "declined by processor", func(p *models.Payment) {
		p.FailureCode = code
		p.FailureReason = message
	})
}

func (s *PaymentService) mapProcessorError(err error) error {
	if errors.Is(err, processor.ErrCircuitOpen) || errors.Is(err, processor.ErrRetriesExhausted) {
		return NewUnavailableError(err)
	}
	if processor.IsTransient(err) {
		return NewUnavailableError(err)
	}
	return err
}

// reserveOptional handles the optional idempotency key of refund/cancel.
// It returns a non-nil response only on replay.
func (s *PaymentService) reserveOptional(ctx context.Context, key, fingerprint string) (*dto.PaymentResponse, error) {
	if key == "" {
		return nil, nil
	}

	reservation, err := s.Idempotency.Reserve(ctx, key, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("error reserving idempotency key: %w", err)
	}
	switch reservation.Outcome {
	case idempotency.OutcomeConflict:
		return nil, ErrIdempotencyConflict
	case idempotency.OutcomeInProgress:
		return nil, ErrIdempotencyInProgress
	case idempotency.OutcomeReplay:
		metrics.IdempotentReplaysTotal.Inc()
		var stored dto.PaymentResponse
		if err := json.Unmarshal(reservation.Record.Response, &stored); err != nil {
			return nil, fmt.Errorf("error decoding stored idempotent response: %w", err)
		}
		return &stored, nil
	}
	return nil, nil
}

func (s *PaymentService) complete(ctx context.Context, key string, payment *models.Payment) (*dto.PaymentResponse, error) {
	response := dto.FromEntity(payment)
	if key != "" {
		if err := s.Idempotency.Complete(ctx, key, payment.ID, response); err != nil {
			logrus.WithField("payment_id", payment.ID).Errorf("error storing idempotent response: %v", err)
		}
	}
	return response, nil
}

func (s *PaymentService) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.Idempotency.Release(ctx, key); err != nil {
		logrus.Errorf("error releasing idempotency key: %v", err)
	}
}

// refundFingerprint hashes the request as submitted. The default amount is
// deliberately left unresolved: fingerprinting the remaining balance would
// make a replayed full refund look like a different request once the balance
// has moved.
func refundFingerprint(paymentID string, req *dto.Refund) string {
	amount := ""
	if req.Amount != nil {
		amount = req.Amount.String()
	}
	return Fingerprint(map[string]string{
		"op":         "refund",
		"payment_id": paymentID,
		"amount":     amount,
		"reason":     req.Reason,
	})
}

func buildEvent(p *models.Payment, eventType models.EventType) *models.DomainEvent {
	payload, _ := json.Marshal(dto.FromEntity(p))
	return &models.DomainEvent{
		PaymentID: p.ID,
		Type:      eventType,
		Payload:   datatypes.JSON(payload),
	}
}
