package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeffleon2/payment-engine/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Outcome string

const (
	// OutcomeNew means this caller won the reservation and must execute the
	// operation, then call Complete or Release.
	OutcomeNew Outcome = "NEW"
	// OutcomeReplay means a finished request already used the key with the
	// same fingerprint; the stored response should be returned as-is.
	OutcomeReplay Outcome = "REPLAY"
	// OutcomeInProgress means another caller holds the reservation but has
	// not stored a response yet.
	OutcomeInProgress Outcome = "IN_PROGRESS"
	// OutcomeConflict means the key was used with a different request body.
	OutcomeConflict Outcome = "CONFLICT"
)

type Reservation struct {
	Outcome Outcome
	Record  *models.IdempotencyRecord
}

// Store persists idempotency records. Reservation is a single
// insert-if-absent (ON CONFLICT DO NOTHING) so concurrent duplicates race on
// the database, not on a read-then-write.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewStore(db *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl}
}

func (s *Store) Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error) {
	now := time.Now().UTC()

	// Expired keys are treated as new.
	if err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at <= ?", key, now).
		Delete(&models.IdempotencyRecord{}).Error; err != nil {
		return nil, fmt.Errorf("error purging expired idempotency record: %w", err)
	}

	record := models.IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(&record)
	if res.Error != nil {
		return nil, fmt.Errorf("error reserving idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &Reservation{Outcome: OutcomeNew, Record: &record}, nil
	}

	var existing models.IdempotencyRecord
	if err := s.db.WithContext(ctx).First(&existing, "key = ?", key).Error; err != nil {
		return nil, fmt.Errorf("error loading existing idempotency record: %w", err)
	}

	if existing.Fingerprint != fingerprint {
		return &Reservation{Outcome: OutcomeConflict, Record: &existing}, nil
	}
	if !existing.Completed {
		return &Reservation{Outcome: OutcomeInProgress, Record: &existing}, nil
	}
	return &Reservation{Outcome: OutcomeReplay, Record: &existing}, nil
}

// Attach links the reservation to the payment it created, so an interrupted
// request can be traced back to its aggregate.
func (s *Store) Attach(ctx context.Context, key, paymentID string) error {
	return s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("key = ?", key).
		Update("payment_id", paymentID).Error
}

// Complete stores the response payload that replays of this key will return.
func (s *Store) Complete(ctx context.Context, key, paymentID string, response interface{}) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("error marshaling idempotency response: %w", err)
	}

	return s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"payment_id": paymentID,
			"response":   payload,
			"completed":  true,
		}).Error
}

// Release abandons a reservation after a system fault so a later retry of
// the same request starts fresh.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&models.IdempotencyRecord{}, "key = ?", key).Error
}
