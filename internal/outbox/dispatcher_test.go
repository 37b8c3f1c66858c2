package outbox_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jeffleon2/payment-engine/config"
	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/jeffleon2/payment-engine/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// fakeEventStore keeps the outbox in memory with the same state machine the
// real store enforces.
type fakeEventStore struct {
	mu               sync.Mutex
	events           map[string]*models.DomainEvent
	attempts         []models.DeliveryAttempt
	rescheduleDelays []time.Duration
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*models.DomainEvent)}
}

func (f *fakeEventStore) add(eventType models.EventType, payload string) *models.DomainEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	event := &models.DomainEvent{
		ID:            uuid.New().String(),
		PaymentID:     uuid.New().String(),
		Type:          eventType,
		Payload:       datatypes.JSON([]byte(payload)),
		DeliveryState: models.DeliveryPending,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	f.events[event.ID] = event
	return event
}

func (f *fakeEventStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DomainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var claimed []models.DomainEvent
	for _, event := range f.events {
		if len(claimed) >= limit {
			break
		}
		if event.DeliveryState == models.DeliveryPending && !event.NextAttemptAt.After(now) {
			event.DeliveryState = models.DeliveryDelivering
			event.UpdatedAt = time.Now().UTC()
			claimed = append(claimed, *event)
		}
	}
	return claimed, nil
}

func (f *fakeEventStore) MarkDelivered(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[eventID].DeliveryState = models.DeliveryDelivered
	return nil
}

func (f *fakeEventStore) Reschedule(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event := f.events[eventID]
	event.DeliveryState = models.DeliveryPending
	event.Attempts = attempts
	event.NextAttemptAt = nextAttemptAt
	event.LastError = lastError
	event.UpdatedAt = time.Now().UTC()
	f.rescheduleDelays = append(f.rescheduleDelays, time.Until(nextAttemptAt))
	return nil
}

func (f *fakeEventStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var reclaimed int64
	for _, event := range f.events {
		if event.DeliveryState == models.DeliveryDelivering && event.UpdatedAt.Before(cutoff) {
			event.DeliveryState = models.DeliveryPending
			event.NextAttemptAt = time.Now().UTC()
			event.UpdatedAt = time.Now().UTC()
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (f *fakeEventStore) MarkDead(ctx context.Context, eventID string, attempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event := f.events[eventID]
	event.DeliveryState = models.DeliveryDead
	event.Attempts = attempts
	event.LastError = lastError
	return nil
}

func (f *fakeEventStore) RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *attempt)
	return nil
}

func (f *fakeEventStore) DeliveredEndpoints(ctx context.Context, eventID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delivered := make(map[string]bool)
	for _, attempt := range f.attempts {
		if attempt.EventID == eventID && attempt.Outcome == models.AttemptSuccess {
			delivered[attempt.Endpoint] = true
		}
	}
	return delivered, nil
}

func (f *fakeEventStore) get(eventID string) models.DomainEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.events[eventID]
}

func (f *fakeEventStore) attemptsFor(eventID, endpoint string) []models.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []models.DeliveryAttempt
	for _, attempt := range f.attempts {
		if attempt.EventID == eventID && attempt.Endpoint == endpoint {
			matched = append(matched, attempt)
		}
	}
	return matched
}

type fakeRegistry struct {
	subscribers []models.Subscriber
}

func (f *fakeRegistry) EndpointsFor(ctx context.Context, eventType models.EventType) ([]models.Subscriber, error) {
	var matched []models.Subscriber
	for _, sub := range f.subscribers {
		if sub.EventType == eventType {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (s *recordingSink) Publish(ctx context.Context, event *models.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func newTestDispatcher(store *fakeEventStore, registry *fakeRegistry, sink outbox.EventSink, maxAttempts int) *outbox.Dispatcher {
	return &outbox.Dispatcher{
		Events:   store,
		Registry: registry,
		Sink:     sink,
		Client:   &http.Client{},
		Retry: config.RetryConfig{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Jitter:      false,
		},
		PollInterval:    time.Millisecond,
		BatchSize:       20,
		DeliveryTimeout: time.Second,
		StaleClaimAfter: 5 * time.Minute,
	}
}

func TestDispatchOnce_DeliversSignedEnvelope(t *testing.T) {
	const secret = "whsec_test"

	var (
		mu        sync.Mutex
		bodies    [][]byte
		signature string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		signature = r.Header.Get(outbox.SignatureHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeEventStore()
	event := store.add(models.EventPaymentCaptured, `{"id":"pay-1","status":"CAPTURED"}`)
	registry := &fakeRegistry{subscribers: []models.Subscriber{
		{EventType: models.EventPaymentCaptured, URL: server.URL, Secret: secret, Active: true},
	}}
	sink := &recordingSink{}
	dispatcher := newTestDispatcher(store, registry, sink, 10)

	dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, models.DeliveryDelivered, store.get(event.ID).DeliveryState)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.True(t, outbox.VerifySignature(secret, bodies[0], signature))

	var envelope outbox.Envelope
	require.NoError(t, json.Unmarshal(bodies[0], &envelope))
	assert.Equal(t, event.ID, envelope.ID)
	assert.Equal(t, models.EventPaymentCaptured, envelope.Type)
	assert.JSONEq(t, `{"id":"pay-1","status":"CAPTURED"}`, string(envelope.Data))

	require.Len(t, sink.events, 1)
	assert.Equal(t, event.ID, sink.events[0].ID)
}

func TestDispatchOnce_NoSubscribersMarksDelivered(t *testing.T) {
	store := newFakeEventStore()
	event := store.add(models.EventPaymentCreated, `{}`)
	dispatcher := newTestDispatcher(store, &fakeRegistry{}, nil, 10)

	dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, models.DeliveryDelivered, store.get(event.ID).DeliveryState)
	assert.Empty(t, store.attempts)
}

func TestDispatchOnce_FailingEndpointExhaustsRetriesThenDeadLetters(t *testing.T) {
	const maxAttempts = 3

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newFakeEventStore()
	event := store.add(models.EventPaymentFailed, `{}`)
	registry := &fakeRegistry{subscribers: []models.Subscriber{
		{EventType: models.EventPaymentFailed, URL: server.URL, Secret: "s", Active: true},
	}}
	dispatcher := newTestDispatcher(store, registry, nil, maxAttempts)

	ctx := context.Background()
	for i := 0; i < maxAttempts; i++ {
		// Backoff delays are a few milliseconds with jitter off; wait them
		// out so the event is due again.
		time.Sleep(15 * time.Millisecond)
		dispatcher.DispatchOnce(ctx)
	}

	final := store.get(event.ID)
	assert.Equal(t, models.DeliveryDead, final.DeliveryState)
	assert.Equal(t, maxAttempts, final.Attempts)
	assert.Contains(t, final.LastError, "unexpected status 500")
	assert.Len(t, store.attemptsFor(event.ID, server.URL), maxAttempts)

	// A dead event is out of the queue for good.
	dispatcher.DispatchOnce(ctx)
	assert.Len(t, store.attemptsFor(event.ID, server.URL), maxAttempts)
}

func TestDispatchOnce_SuccessfulEndpointNotRetried(t *testing.T) {
	var okCalls, failCalls int32
	var mu sync.Mutex

	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		okCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()

	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		failCalls++
		calls := failCalls
		mu.Unlock()
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer failServer.Close()

	store := newFakeEventStore()
	event := store.add(models.EventPaymentRefunded, `{}`)
	registry := &fakeRegistry{subscribers: []models.Subscriber{
		{EventType: models.EventPaymentRefunded, URL: okServer.URL, Secret: "s1", Active: true},
		{EventType: models.EventPaymentRefunded, URL: failServer.URL, Secret: "s2", Active: true},
	}}
	dispatcher := newTestDispatcher(store, registry, nil, 10)

	ctx := context.Background()
	dispatcher.DispatchOnce(ctx)
	assert.Equal(t, models.DeliveryPending, store.get(event.ID).DeliveryState)

	time.Sleep(15 * time.Millisecond)
	dispatcher.DispatchOnce(ctx)

	assert.Equal(t, models.DeliveryDelivered, store.get(event.ID).DeliveryState)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), okCalls)
	assert.Equal(t, int32(2), failCalls)
}

func TestDispatchOnce_RetryDelaysGrow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newFakeEventStore()
	event := store.add(models.EventPaymentFailed, `{}`)
	registry := &fakeRegistry{subscribers: []models.Subscriber{
		{EventType: models.EventPaymentFailed, URL: server.URL, Secret: "s", Active: true},
	}}
	dispatcher := newTestDispatcher(store, registry, nil, 10)
	dispatcher.Retry = config.RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      false,
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		dispatcher.DispatchOnce(ctx)
		// Wait until the rescheduled event is due again.
		for store.get(event.ID).NextAttemptAt.After(time.Now().UTC()) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	// Each failed attempt pushes the next one further out: 50ms, 100ms,
	// 200ms with jitter off.
	store.mu.Lock()
	delays := append([]time.Duration(nil), store.rescheduleDelays...)
	store.mu.Unlock()
	require.Len(t, delays, 3)
	assert.Greater(t, delays[1], delays[0])
	assert.Greater(t, delays[2], delays[1])
}

func TestDispatchOnce_ReclaimsStaleDeliveringEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeEventStore()
	event := store.add(models.EventPaymentCaptured, `{}`)
	store.mu.Lock()
	// A claim abandoned by a crashed dispatcher instance.
	store.events[event.ID].DeliveryState = models.DeliveryDelivering
	store.events[event.ID].UpdatedAt = time.Now().UTC().Add(-10 * time.Minute)
	store.mu.Unlock()

	registry := &fakeRegistry{subscribers: []models.Subscriber{
		{EventType: models.EventPaymentCaptured, URL: server.URL, Secret: "s", Active: true},
	}}
	dispatcher := newTestDispatcher(store, registry, nil, 10)

	dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, models.DeliveryDelivered, store.get(event.ID).DeliveryState)
}

func TestDispatchOnce_HonorsNextAttemptAt(t *testing.T) {
	store := newFakeEventStore()
	event := store.add(models.EventPaymentCreated, `{}`)
	store.mu.Lock()
	store.events[event.ID].NextAttemptAt = time.Now().UTC().Add(time.Hour)
	store.mu.Unlock()

	dispatcher := newTestDispatcher(store, &fakeRegistry{}, nil, 10)
	dispatcher.DispatchOnce(context.Background())

	assert.Equal(t, models.DeliveryPending, store.get(event.ID).DeliveryState)
}
