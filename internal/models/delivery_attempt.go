package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "SUCCESS"
	AttemptFailure AttemptOutcome = "FAILURE"
	AttemptTimeout AttemptOutcome = "TIMEOUT"
)

// DeliveryAttempt is the append-only audit trail of one webhook POST to one
// subscriber endpoint.
type DeliveryAttempt struct {
	ID            string         `json:"id" gorm:"primaryKey"`
	EventID       string         `json:"event_id" gorm:"index"`
	Endpoint      string         `json:"endpoint"`
	AttemptNumber int            `json:"attempt_number"`
	Outcome       AttemptOutcome `json:"outcome"`
	ResponseCode  int            `json:"response_code,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (a *DeliveryAttempt) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	return
}
