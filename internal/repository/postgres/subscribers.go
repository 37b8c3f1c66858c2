package postgres

import (
	"context"
	"errors"

	"github.com/jeffleon2/payment-engine/internal/models"
	"gorm.io/gorm"
)

// SubscriberRegistry reads registered webhook endpoints. The dispatcher
// never mutates this table; Seed exists for local bootstrap only.
type SubscriberRegistry struct {
	db   *gorm.DB
	repo *repository[models.Subscriber]
}

func NewSubscriberRegistry(db *gorm.DB) *SubscriberRegistry {
	return &SubscriberRegistry{db: db, repo: New[models.Subscriber](db)}
}

func (r *SubscriberRegistry) EndpointsFor(ctx context.Context, eventType models.EventType) ([]models.Subscriber, error) {
	subscribers, err := r.repo.GetBy(ctx, "event_type = ?", string(eventType))
	if err != nil {
		return nil, err
	}

	active := make([]models.Subscriber, 0, len(*subscribers))
	for _, s := range *subscribers {
		if s.Active {
			active = append(active, s)
		}
	}
	return active, nil
}

// Seed registers endpoints that are not present yet, keyed by
// (event_type, url).
func (r *SubscriberRegistry) Seed(ctx context.Context, subscribers []models.Subscriber) error {
	for i := range subscribers {
		sub := subscribers[i]
		var existing models.Subscriber
		err := r.db.WithContext(ctx).
			Where("event_type = ? AND url = ?", sub.EventType, sub.URL).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := r.repo.Create(ctx, &sub); err != nil {
			return err
		}
	}
	return nil
}
