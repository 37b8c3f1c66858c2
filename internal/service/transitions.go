package service

import (
	"github.com/jeffleon2/payment-engine/internal/models"
)

// Action is one of the closed set of operations the state machine accepts.
type Action string

const (
	ActionAuthorize Action = "authorize"
	ActionCapture   Action = "capture"
	ActionSettle    Action = "settle"
	ActionRefund    Action = "refund"
	ActionCancel    Action = "cancel"
	ActionFail      Action = "fail"
	ActionDispute   Action = "dispute"
)

// transitionTable is the single source of truth for the payment lifecycle.
// An absent entry means the transition is rejected. Partial refunds are the
// one special case: the orchestrator keeps the status at CAPTURED until the
// refunded total reaches the amount, then applies (CAPTURED, refund).
var transitionTable = map[models.PaymentStatus]map[Action]models.PaymentStatus{
	models.StatusPending: {
		ActionAuthorize: models.StatusAuthorized,
		ActionCancel:    models.StatusCancelled,
		ActionFail:      models.StatusFailed,
	},
	models.StatusAuthorized: {
		ActionCapture: models.StatusCaptured,
		ActionCancel:  models.StatusCancelled,
		ActionFail:    models.StatusFailed,
	},
	models.StatusCaptured: {
		ActionSettle:  models.StatusSettled,
		ActionRefund:  models.StatusRefunded,
		ActionFail:    models.StatusFailed,
		ActionDispute: models.StatusDisputed,
	},
}

// NextStatus resolves (current, action) against the transition table.
// Rejections are typed so the caller can surface a stable code without
// mutating anything.
func NextStatus(current models.PaymentStatus, action Action) (models.PaymentStatus, error) {
	if allowed, ok := transitionTable[current]; ok {
		if next, ok := allowed[action]; ok {
			return next, nil
		}
	}

	switch action {
	case ActionRefund:
		return "", ErrPaymentCannotBeRefunded
	case ActionCancel:
		return "", ErrPaymentCannotBeCancelled
	case ActionCapture:
		return "", ErrPaymentCannotBeCaptured
	default:
		return "", NewStateConflictError("INVALID_TRANSITION",
			"cannot %s a payment in status %s", action, current)
	}
}

// CanTransition reports transition legality without building an error,
// used for pre-checks issued before the processor call.
func CanTransition(current models.PaymentStatus, action Action) bool {
	_, err := NextStatus(current, action)
	return err == nil
}

// eventForStatus maps the status reached by a transition to the domain event
// type it emits. Partial refunds emit payment.refunded while the status
// stays CAPTURED, so refunds are mapped by action, not status.
func eventForStatus(status models.PaymentStatus) models.EventType {
	switch status {
	case models.StatusAuthorized:
		return models.EventPaymentAuthorized
	case models.StatusCaptured:
		return models.EventPaymentCaptured
	case models.StatusSettled:
		return models.EventPaymentSettled
	case models.StatusRefunded:
		return models.EventPaymentRefunded
	case models.StatusCancelled:
		return models.EventPaymentCancelled
	case models.StatusFailed:
		return models.EventPaymentFailed
	case models.StatusDisputed:
		return models.EventPaymentDisputed
	default:
		return models.EventPaymentCreated
	}
}
