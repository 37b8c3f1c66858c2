package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentStatus string
type Actor string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusAuthorized PaymentStatus = "AUTHORIZED"
	StatusCaptured   PaymentStatus = "CAPTURED"
	StatusSettled    PaymentStatus = "SETTLED"
	StatusRefunded   PaymentStatus = "REFUNDED"
	StatusCancelled  PaymentStatus = "CANCELLED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusDisputed   PaymentStatus = "DISPUTED"

	ActorSystem   Actor = "SYSTEM"
	ActorCustomer Actor = "CUSTOMER"
	ActorAdmin    Actor = "ADMIN"
)

// Payment is the aggregate owned by the lifecycle engine. Rows are never
// deleted; every status change goes through the transition table and leaves
// a StatusHistoryEntry behind.
type Payment struct {
	ID                   string          `json:"id" gorm:"primaryKey"`
	ExternalID           *string         `json:"external_id,omitempty" gorm:"uniqueIndex"`
	Amount               decimal.Decimal `json:"amount" gorm:"type:numeric(20,4)"`
	RefundedAmount       decimal.Decimal `json:"refunded_amount" gorm:"type:numeric(20,4)"`
	RefundCount          int             `json:"refund_count"`
	Currency             string          `json:"currency"`
	Status               PaymentStatus   `json:"status" gorm:"index"`
	MethodRef            string          `json:"payment_method_ref"`
	CustomerID           string          `json:"customer_id"`
	ProcessorReferenceID string          `json:"processor_reference_id,omitempty"`
	FailureCode          string          `json:"failure_code,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ProcessedAt          *time.Time      `json:"processed_at,omitempty"`
	SettledAt            *time.Time      `json:"settled_at,omitempty"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	return
}

func (p *Payment) Validate() error {
	if !p.Amount.IsPositive() {
		return fmt.Errorf("amount must be greater than zero")
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("invalid currency code: %s", p.Currency)
	}
	if p.MethodRef == "" {
		return fmt.Errorf("payment method reference is required")
	}

	return nil
}

// RemainingRefundable is the portion of the captured amount not yet refunded.
func (p *Payment) RemainingRefundable() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

func (p *Payment) FullyRefunded() bool {
	return p.RefundedAmount.GreaterThanOrEqual(p.Amount)
}

func (s PaymentStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusAuthorized, StatusCaptured, StatusSettled,
		StatusRefunded, StatusCancelled, StatusFailed, StatusDisputed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is permitted from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case StatusRefunded, StatusCancelled, StatusFailed, StatusDisputed:
		return true
	default:
		return false
	}
}
