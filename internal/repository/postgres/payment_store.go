package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeffleon2/payment-engine/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentStore owns the two atomic primitives the orchestrator needs:
// create-with-event and read-locked transition application. All writes that
// belong to one lifecycle transition happen in one transaction.
type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// CreateWithEvent inserts the payment together with its first history entry
// and its payment.created outbox event.
func (s *PaymentStore) CreateWithEvent(ctx context.Context, payment *models.Payment, history *models.StatusHistoryEntry, event *models.DomainEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(payment).Error; err != nil {
			return fmt.Errorf("error creating payment: %w", err)
		}
		history.PaymentID = payment.ID
		event.PaymentID = payment.ID
		if err := tx.Create(history).Error; err != nil {
			return fmt.Errorf("error creating status history: %w", err)
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("error creating outbox event: %w", err)
		}
		return nil
	})
}

func (s *PaymentStore) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).First(&payment, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *PaymentStore) History(ctx context.Context, paymentID string) ([]models.StatusHistoryEntry, error) {
	var entries []models.StatusHistoryEntry
	err := s.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ApplyTransition reloads the payment under a row-level lock, runs apply,
// and commits the mutated payment plus the history entry and outbox event
// apply returned. Two concurrent operations on the same payment serialize on
// the row lock; the loser re-validates against the committed status and
// fails its own legality check inside apply.
func (s *PaymentStore) ApplyTransition(
	ctx context.Context,
	paymentID string,
	apply func(p *models.Payment) (*models.StatusHistoryEntry, *models.DomainEvent, error),
) (*models.Payment, error) {
	var payment models.Payment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payment, "id = ?", paymentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("error locking payment row: %w", err)
		}

		history, event, err := apply(&payment)
		if err != nil {
			return err
		}

		if err := tx.Save(&payment).Error; err != nil {
			return fmt.Errorf("error saving payment: %w", err)
		}
		history.PaymentID = payment.ID
		event.PaymentID = payment.ID
		if err := tx.Create(history).Error; err != nil {
			return fmt.Errorf("error creating status history: %w", err)
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("error creating outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &payment, nil
}
