package dto

import (
	"strings"
	"time"

	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/shopspring/decimal"
)

type CreatePayment struct {
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	MethodRef  string          `json:"payment_method_ref"`
	CustomerID string          `json:"customer_id"`
	ExternalID string          `json:"external_id,omitempty"`
}

func (p *CreatePayment) Sanitize() {
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	p.MethodRef = strings.TrimSpace(p.MethodRef)
	p.CustomerID = strings.TrimSpace(p.CustomerID)
	p.ExternalID = strings.TrimSpace(p.ExternalID)
}

func (p *CreatePayment) ToEntity() *models.Payment {
	payment := &models.Payment{
		Amount:         p.Amount,
		RefundedAmount: decimal.Zero,
		Currency:       p.Currency,
		MethodRef:      p.MethodRef,
		CustomerID:     p.CustomerID,
		Status:         models.StatusPending,
	}
	if p.ExternalID != "" {
		payment.ExternalID = &p.ExternalID
	}

	return payment
}

type Refund struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason"`
}

func (r *Refund) Sanitize() {
	r.Reason = strings.TrimSpace(r.Reason)
}

type Cancel struct {
	Reason string `json:"reason"`
}

func (c *Cancel) Sanitize() {
	c.Reason = strings.TrimSpace(c.Reason)
}

// PaymentResponse is the snapshot returned by every public operation and
// embedded in webhook payloads.
type PaymentResponse struct {
	ID                   string          `json:"id"`
	ExternalID           string          `json:"external_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	RefundedAmount       decimal.Decimal `json:"refunded_amount"`
	RefundCount          int             `json:"refund_count"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	MethodRef            string          `json:"payment_method_ref"`
	CustomerID           string          `json:"customer_id,omitempty"`
	ProcessorReferenceID string          `json:"processor_reference_id,omitempty"`
	FailureCode          string          `json:"failure_code,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ProcessedAt          *time.Time      `json:"processed_at,omitempty"`
	SettledAt            *time.Time      `json:"settled_at,omitempty"`
}

func FromEntity(p *models.Payment) *PaymentResponse {
	resp := &PaymentResponse{
		ID:                   p.ID,
		Amount:               p.Amount,
		RefundedAmount:       p.RefundedAmount,
		RefundCount:          p.RefundCount,
		Currency:             p.Currency,
		Status:               string(p.Status),
		MethodRef:            p.MethodRef,
		CustomerID:           p.CustomerID,
		ProcessorReferenceID: p.ProcessorReferenceID,
		FailureCode:          p.FailureCode,
		FailureReason:        p.FailureReason,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
		ProcessedAt:          p.ProcessedAt,
		SettledAt:            p.SettledAt,
	}
	if p.ExternalID != nil {
		resp.ExternalID = *p.ExternalID
	}

	return resp
}
