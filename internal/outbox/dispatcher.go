package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jeffleon2/payment-engine/config"
	"github.com/jeffleon2/payment-engine/internal/metrics"
	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/sirupsen/logrus"
)

// EventStore is the dispatcher's contract with the outbox table.
type EventStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DomainEvent, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	MarkDelivered(ctx context.Context, eventID string) error
	Reschedule(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkDead(ctx context.Context, eventID string, attempts int, lastError string) error
	RecordAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	DeliveredEndpoints(ctx context.Context, eventID string) (map[string]bool, error)
}

// SubscriberRegistry yields the endpoints registered for an event type.
// The dispatcher only reads it.
type SubscriberRegistry interface {
	EndpointsFor(ctx context.Context, eventType models.EventType) ([]models.Subscriber, error)
}

// EventSink receives events that completed webhook delivery, e.g. a Kafka
// topic mirroring the webhook stream. Optional.
type EventSink interface {
	Publish(ctx context.Context, event *models.DomainEvent) error
}

// Envelope is the wire payload of one webhook delivery.
type Envelope struct {
	ID        string           `json:"id"`
	Type      models.EventType `json:"type"`
	Data      json.RawMessage  `json:"data"`
	CreatedAt time.Time        `json:"created_at"`
}

// Dispatcher drains the outbox in its own goroutine, fully decoupled from
// the request path: the two only share the database. Events are claimed
// pending→delivering, POSTed to every registered endpoint in parallel, and
// either marked delivered, rescheduled with backoff, or dead-lettered once
// the retry budget is spent.
type Dispatcher struct {
	Events   EventStore
	Registry SubscriberRegistry
	Sink     EventSink

	Client          *http.Client
	Retry           config.RetryConfig
	PollInterval    time.Duration
	BatchSize       int
	DeliveryTimeout time.Duration
	StaleClaimAfter time.Duration
}

func NewDispatcher(events EventStore, registry SubscriberRegistry, sink EventSink, cfg config.Webhook) *Dispatcher {
	return &Dispatcher{
		Events:          events,
		Registry:        registry,
		Sink:            sink,
		Client:          &http.Client{},
		Retry:           cfg.GetRetryConfig(),
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		DeliveryTimeout: cfg.DeliveryTimeout,
		StaleClaimAfter: cfg.StaleClaimAfter,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	logrus.Info("webhook dispatcher started")
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("webhook dispatcher stopped")
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce claims one batch of due events and delivers them in parallel.
// Claims abandoned by a crashed dispatcher instance are swept back to
// pending first.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	if d.StaleClaimAfter > 0 {
		reclaimed, err := d.Events.ReclaimStale(ctx, time.Now().UTC().Add(-d.StaleClaimAfter))
		if err != nil {
			logrus.Errorf("error reclaiming stale deliveries: %v", err)
		} else if reclaimed > 0 {
			logrus.WithField("events", reclaimed).Warn("requeued events stuck in delivering state")
		}
	}

	events, err := d.Events.ClaimDue(ctx, time.Now().UTC(), d.BatchSize)
	if err != nil {
		logrus.Errorf("error claiming outbox events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i := range events {
		wg.Add(1)
		go func(event models.DomainEvent) {
			defer wg.Done()
			d.deliver(ctx, &event)
		}(events[i])
	}
	wg.Wait()
}

type endpointResult struct {
	subscriber models.Subscriber
	outcome    models.AttemptOutcome
	code       int
	err        string
}

// deliver fans one event out to every endpoint registered for its type.
// Endpoints that already acknowledged the event on an earlier attempt are
// skipped; one failing endpoint reschedules only itself being retried, never
// blocks the others.
func (d *Dispatcher) deliver(ctx context.Context, event *models.DomainEvent) {
	subscribers, err := d.Registry.EndpointsFor(ctx, event.Type)
	if err != nil {
		logrus.WithField("event_id", event.ID).Errorf("error loading subscribers: %v", err)
		d.requeue(ctx, event, "subscriber registry unavailable")
		return
	}

	delivered, err := d.Events.DeliveredEndpoints(ctx, event.ID)
	if err != nil {
		logrus.WithField("event_id", event.ID).Errorf("error loading delivered endpoints: %v", err)
		d.requeue(ctx, event, "attempt history unavailable")
		return
	}

	pending := make([]models.Subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		if !delivered[sub.URL] {
			pending = append(pending, sub)
		}
	}

	// No one left to notify: either no subscribers exist for this type or
	// all of them already acknowledged.
	if len(pending) == 0 {
		d.finish(ctx, event)
		return
	}

	body, err := json.Marshal(Envelope{
		ID:        event.ID,
		Type:      event.Type,
		Data:      json.RawMessage(event.Payload),
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		logrus.WithField("event_id", event.ID).Errorf("error encoding webhook payload: %v", err)
		d.requeue(ctx, event, "payload encoding failed")
		return
	}

	attemptNumber := event.Attempts + 1
	results := make([]endpointResult, len(pending))
	var wg sync.WaitGroup
	for i := range pending {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.post(ctx, pending[i], body)
		}(i)
	}
	wg.Wait()

	allDelivered := true
	var lastError string
	for _, res := range results {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(res.outcome)).Inc()
		attempt := &models.DeliveryAttempt{
			EventID:       event.ID,
			Endpoint:      res.subscriber.URL,
			AttemptNumber: attemptNumber,
			Outcome:       res.outcome,
			ResponseCode:  res.code,
			Error:         res.err,
		}
		if err := d.Events.RecordAttempt(ctx, attempt); err != nil {
			logrus.WithField("event_id", event.ID).Errorf("error recording delivery attempt: %v", err)
		}
		if res.outcome != models.AttemptSuccess {
			allDelivered = false
			lastError = fmt.Sprintf("%s: %s", res.subscriber.URL, res.err)
		}
	}

	if allDelivered {
		d.finish(ctx, event)
		return
	}

	if attemptNumber >= d.Retry.MaxAttempts {
		logrus.WithFields(logrus.Fields{
			"event_id": event.ID,
			"attempts": attemptNumber,
		}).Error("webhook delivery retries exhausted, dead-lettering event")
		metrics.DeadLetteredEventsTotal.Inc()
		if err := d.Events.MarkDead(ctx, event.ID, attemptNumber, lastError); err != nil {
			logrus.WithField("event_id", event.ID).Errorf("error dead-lettering event: %v", err)
		}
		return
	}

	next := time.Now().UTC().Add(d.Retry.Backoff(attemptNumber - 1))
	if err := d.Events.Reschedule(ctx, event.ID, attemptNumber, next, lastError); err != nil {
		logrus.WithField("event_id", event.ID).Errorf("error rescheduling event: %v", err)
	}
}

// post performs one signed delivery bounded by its own timeout, so a hanging
// subscriber cannot stall the rest of the queue.
func (d *Dispatcher) post(ctx context.Context, sub models.Subscriber, body []byte) endpointResult {
	reqCtx, cancel := context.WithTimeout(ctx, d.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return endpointResult{subscriber: sub, outcome: models.AttemptFailure, err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := d.Client.Do(req)
	if err != nil {
		outcome := models.AttemptFailure
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = models.AttemptTimeout
		}
		return endpointResult{subscriber: sub, outcome: outcome, err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return endpointResult{subscriber: sub, outcome: models.AttemptSuccess, code: resp.StatusCode}
	}
	return endpointResult{
		subscriber: sub,
		outcome:    models.AttemptFailure,
		code:       resp.StatusCode,
		err:        fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}

func (d *Dispatcher) finish(ctx context.Context, event *models.DomainEvent) {
	if err := d.Events.MarkDelivered(ctx, event.ID); err != nil {
		logrus.WithField("event_id", event.ID).Errorf("error marking event delivered: %v", err)
		return
	}
	if d.Sink != nil {
		if err := d.Sink.Publish(ctx, event); err != nil {
			logrus.WithField("event_id", event.ID).Errorf("error mirroring event to sink: %v", err)
		}
	}
}

// requeue puts an event back without consuming an attempt, used when the
// failure was local (registry or storage), not the subscriber's.
func (d *Dispatcher) requeue(ctx context.Context, event *models.DomainEvent, reason string) {
	next := time.Now().UTC().Add(d.PollInterval)
	if err := d.Events.Reschedule(ctx, event.ID, event.Attempts, next, reason); err != nil {
		logrus.WithField("event_id", event.ID).Errorf("error requeueing event: %v", err)
	}
}
