package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeffleon2/payment-engine/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxStore is the dispatcher's and dead-letter handler's view of the
// domain event table plus the delivery attempt audit trail.
type OutboxStore struct {
	db *gorm.DB
}

func NewOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// ClaimDue atomically moves up to limit due pending events to DELIVERING and
// returns them. SKIP LOCKED keeps concurrent dispatcher instances from
// claiming the same rows.
func (s *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DomainEvent, error) {
	var events []models.DomainEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("delivery_state = ? AND next_attempt_at <= ?", models.DeliveryPending, now).
			Order("created_at ASC").
			Limit(limit).
			Find(&events).Error
		if err != nil {
			return fmt.Errorf("error selecting due events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]string, len(events))
		for i := range events {
			ids[i] = events[i].ID
			events[i].DeliveryState = models.DeliveryDelivering
		}
		return tx.Model(&models.DomainEvent{}).
			Where("id IN ?", ids).
			Update("delivery_state", models.DeliveryDelivering).Error
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}

// ReclaimStale returns events stuck in DELIVERING since before cutoff to
// PENDING. A dispatcher that dies mid-delivery leaves its claims behind;
// without this pass those events would never be retried.
func (s *OutboxStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.DomainEvent{}).
		Where("delivery_state = ? AND updated_at < ?", models.DeliveryDelivering, cutoff).
		Updates(map[string]interface{}{
			"delivery_state":  models.DeliveryPending,
			"next_attempt_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).
		Model(&models.DomainEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"delivery_state": models.DeliveryDelivered,
			"last_error":     "",
		}).Error
}

// Reschedule puts the event back to PENDING with the next attempt time and
// the bumped attempt counter.
func (s *OutboxStore) Reschedule(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	return s.db.WithContext(ctx).
		Model(&models.DomainEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"delivery_state":  models.DeliveryPending,
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		}).Error
}

func (s *OutboxStore) MarkDead(ctx context.Context, eventID string, attempts int, lastError string) error {
	return s.db.WithContext(ctx).
		Model(&models.DomainEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"delivery_state": models.DeliveryDead,
			"attempts":       attempts,
			"last_error":     lastError,
		}).Error
}

func (s *OutboxStore) RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

// DeliveredEndpoints returns the endpoints that already acknowledged this
// event, so retries only target the ones still failing.
func (s *OutboxStore) DeliveredEndpoints(ctx context.Context, eventID string) (map[string]bool, error) {
	var attempts []models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND outcome = ?", eventID, models.AttemptSuccess).
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}

	delivered := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		delivered[a.Endpoint] = true
	}
	return delivered, nil
}

func (s *OutboxStore) GetEvent(ctx context.Context, eventID string) (*models.DomainEvent, error) {
	var event models.DomainEvent
	err := s.db.WithContext(ctx).First(&event, "id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *OutboxStore) ListDead(ctx context.Context) ([]models.DomainEvent, error) {
	var events []models.DomainEvent
	err := s.db.WithContext(ctx).
		Where("delivery_state = ?", models.DeliveryDead).
		Order("updated_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *OutboxStore) AttemptsFor(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// Requeue resets a dead event to PENDING with a zeroed attempt counter. The
// WHERE clause on delivery_state makes replay race-safe: only an event still
// dead gets requeued.
func (s *OutboxStore) Requeue(ctx context.Context, eventID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.DomainEvent{}).
		Where("id = ? AND delivery_state = ?", eventID, models.DeliveryDead).
		Updates(map[string]interface{}{
			"delivery_state":  models.DeliveryPending,
			"attempts":        0,
			"next_attempt_at": time.Now().UTC(),
			"last_error":      "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}
