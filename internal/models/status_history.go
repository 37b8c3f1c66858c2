package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StatusHistoryEntry is an append-only record of one accepted transition.
// Entries are never updated or deleted.
type StatusHistoryEntry struct {
	ID             string        `json:"id" gorm:"primaryKey"`
	PaymentID      string        `json:"payment_id" gorm:"index"`
	PreviousStatus PaymentStatus `json:"previous_status"`
	NewStatus      PaymentStatus `json:"new_status"`
	Reason         string        `json:"reason"`
	Actor          Actor         `json:"actor"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (e *StatusHistoryEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	return
}
