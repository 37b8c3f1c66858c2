package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string
type DeliveryState string

const (
	EventPaymentCreated    EventType = "payment.created"
	EventPaymentAuthorized EventType = "payment.authorized"
	EventPaymentCaptured   EventType = "payment.captured"
	EventPaymentSettled    EventType = "payment.settled"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventPaymentCancelled  EventType = "payment.cancelled"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentDisputed   EventType = "payment.disputed"

	DeliveryPending    DeliveryState = "PENDING"
	DeliveryDelivering DeliveryState = "DELIVERING"
	DeliveryDelivered  DeliveryState = "DELIVERED"
	DeliveryDead       DeliveryState = "DEAD"
)

// DomainEvent is an outbox row. It is inserted in the same transaction as
// the payment mutation it describes and owned by the dispatcher afterwards.
type DomainEvent struct {
	ID            string         `json:"id" gorm:"primaryKey"`
	PaymentID     string         `json:"payment_id" gorm:"index"`
	Type          EventType      `json:"type"`
	Payload       datatypes.JSON `json:"payload"`
	DeliveryState DeliveryState  `json:"delivery_state" gorm:"index"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at" gorm:"index"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (e *DomainEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.DeliveryState == "" {
		e.DeliveryState = DeliveryPending
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = time.Now().UTC()
	}

	return
}
