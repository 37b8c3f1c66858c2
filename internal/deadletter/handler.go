package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/sirupsen/logrus"
)

// Store is the handler's view of the outbox: dead events plus their attempt
// trail, and the requeue primitive used by replay.
type Store interface {
	ListDead(ctx context.Context) ([]models.DomainEvent, error)
	GetEvent(ctx context.Context, eventID string) (*models.DomainEvent, error)
	AttemptsFor(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error)
	Requeue(ctx context.Context, eventID string) error
}

var (
	ErrEventNotFound = errors.New("event not found")
	ErrEventNotDead  = errors.New("event is not dead-lettered")
)

// Detail is one dead event with its full delivery history.
type Detail struct {
	Event    models.DomainEvent       `json:"event"`
	Attempts []models.DeliveryAttempt `json:"attempts"`
}

// Handler exposes permanently-failed events for inspection and manual
// replay. Replay is an explicit operator action, never automatic, so a
// broken subscriber cannot trap the system in a silent retry loop.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) List(ctx context.Context) ([]models.DomainEvent, error) {
	return h.store.ListDead(ctx)
}

func (h *Handler) Inspect(ctx context.Context, eventID string) (*Detail, error) {
	event, err := h.store.GetEvent(ctx, eventID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	attempts, err := h.store.AttemptsFor(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("error loading delivery attempts: %w", err)
	}
	return &Detail{Event: *event, Attempts: attempts}, nil
}

// Replay re-enqueues a dead event as pending with a reset attempt counter.
func (h *Handler) Replay(ctx context.Context, eventID string) error {
	event, err := h.store.GetEvent(ctx, eventID)
	if errors.Is(err, models.ErrNotFound) {
		return ErrEventNotFound
	}
	if err != nil {
		return err
	}
	if event.DeliveryState != models.DeliveryDead {
		return ErrEventNotDead
	}

	if err := h.store.Requeue(ctx, eventID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Lost the race with a concurrent replay; the event is already
			// back in the queue.
			return nil
		}
		return err
	}

	logrus.WithFields(logrus.Fields{
		"event_id":    eventID,
		"replayed_at": time.Now().UTC().Format(time.RFC3339),
	}).Info("dead-lettered event replayed by operator")
	return nil
}
