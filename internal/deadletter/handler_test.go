package deadletter_test

import (
	"context"
	"testing"
	"time"

	"github.com/jeffleon2/payment-engine/internal/deadletter"
	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	events   map[string]*models.DomainEvent
	attempts map[string][]models.DeliveryAttempt
	requeued []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:   make(map[string]*models.DomainEvent),
		attempts: make(map[string][]models.DeliveryAttempt),
	}
}

func (f *fakeStore) ListDead(ctx context.Context) ([]models.DomainEvent, error) {
	var dead []models.DomainEvent
	for _, event := range f.events {
		if event.DeliveryState == models.DeliveryDead {
			dead = append(dead, *event)
		}
	}
	return dead, nil
}

func (f *fakeStore) GetEvent(ctx context.Context, eventID string) (*models.DomainEvent, error) {
	event, ok := f.events[eventID]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (f *fakeStore) AttemptsFor(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error) {
	return f.attempts[eventID], nil
}

func (f *fakeStore) Requeue(ctx context.Context, eventID string) error {
	event, ok := f.events[eventID]
	if !ok || event.DeliveryState != models.DeliveryDead {
		return models.ErrNotFound
	}
	event.DeliveryState = models.DeliveryPending
	event.Attempts = 0
	event.LastError = ""
	event.NextAttemptAt = time.Now().UTC()
	f.requeued = append(f.requeued, eventID)
	return nil
}

func deadEvent(id string) *models.DomainEvent {
	return &models.DomainEvent{
		ID:            id,
		PaymentID:     "pay-1",
		Type:          models.EventPaymentCaptured,
		DeliveryState: models.DeliveryDead,
		Attempts:      10,
		LastError:     "unexpected status 500",
	}
}

func TestList_ReturnsOnlyDeadEvents(t *testing.T) {
	store := newFakeStore()
	store.events["evt-dead"] = deadEvent("evt-dead")
	store.events["evt-live"] = &models.DomainEvent{ID: "evt-live", DeliveryState: models.DeliveryPending}
	handler := deadletter.NewHandler(store)

	dead, err := handler.List(context.Background())

	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "evt-dead", dead[0].ID)
}

func TestInspect_IncludesAttemptTrail(t *testing.T) {
	store := newFakeStore()
	store.events["evt-1"] = deadEvent("evt-1")
	store.attempts["evt-1"] = []models.DeliveryAttempt{
		{EventID: "evt-1", Endpoint: "https://example.com/hooks", AttemptNumber: 1, Outcome: models.AttemptFailure, ResponseCode: 500},
		{EventID: "evt-1", Endpoint: "https://example.com/hooks", AttemptNumber: 2, Outcome: models.AttemptTimeout},
	}
	handler := deadletter.NewHandler(store)

	detail, err := handler.Inspect(context.Background(), "evt-1")

	require.NoError(t, err)
	assert.Equal(t, "evt-1", detail.Event.ID)
	require.Len(t, detail.Attempts, 2)
	assert.Equal(t, models.AttemptTimeout, detail.Attempts[1].Outcome)
}

func TestInspect_NotFound(t *testing.T) {
	handler := deadletter.NewHandler(newFakeStore())

	_, err := handler.Inspect(context.Background(), "missing")

	assert.ErrorIs(t, err, deadletter.ErrEventNotFound)
}

func TestReplay_ResetsDeadEvent(t *testing.T) {
	store := newFakeStore()
	store.events["evt-1"] = deadEvent("evt-1")
	handler := deadletter.NewHandler(store)

	err := handler.Replay(context.Background(), "evt-1")

	require.NoError(t, err)
	assert.Equal(t, []string{"evt-1"}, store.requeued)
	assert.Equal(t, models.DeliveryPending, store.events["evt-1"].DeliveryState)
	assert.Zero(t, store.events["evt-1"].Attempts)
	assert.Empty(t, store.events["evt-1"].LastError)
}

func TestReplay_RejectsNonDeadEvent(t *testing.T) {
	store := newFakeStore()
	store.events["evt-1"] = &models.DomainEvent{ID: "evt-1", DeliveryState: models.DeliveryDelivered}
	handler := deadletter.NewHandler(store)

	err := handler.Replay(context.Background(), "evt-1")

	assert.ErrorIs(t, err, deadletter.ErrEventNotDead)
	assert.Empty(t, store.requeued)
}

func TestReplay_NotFound(t *testing.T) {
	handler := deadletter.NewHandler(newFakeStore())

	err := handler.Replay(context.Background(), "missing")

	assert.ErrorIs(t, err, deadletter.ErrEventNotFound)
}
