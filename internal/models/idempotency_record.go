package models

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyRecord maps a caller-supplied key to the outcome of the first
// request that used it. The key is the primary key so reservation is a plain
// insert-if-absent; a second request with the same key but a different
// fingerprint is a conflict, not a replay.
type IdempotencyRecord struct {
	Key         string         `json:"key" gorm:"primaryKey"`
	Fingerprint string         `json:"fingerprint"`
	PaymentID   string         `json:"payment_id"`
	Response    datatypes.JSON `json:"response,omitempty"`
	Completed   bool           `json:"completed"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at" gorm:"index"`
}
