package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jeffleon2/payment-engine/config"
	"github.com/jeffleon2/payment-engine/internal/deadletter"
	"github.com/jeffleon2/payment-engine/internal/handlers"
	"github.com/jeffleon2/payment-engine/internal/idempotency"
	"github.com/jeffleon2/payment-engine/internal/metrics"
	"github.com/jeffleon2/payment-engine/internal/models"
	"github.com/jeffleon2/payment-engine/internal/outbox"
	"github.com/jeffleon2/payment-engine/internal/processor"
	"github.com/jeffleon2/payment-engine/internal/publisher"
	"github.com/jeffleon2/payment-engine/internal/repository/postgres"
	"github.com/jeffleon2/payment-engine/internal/service"
)

type App struct {
	config     *config.Config
	Router     *gin.Engine
	dispatcher *outbox.Dispatcher
}

func (a *App) Initialize(cfg *config.Config) {
	a.config = cfg
	db, err := cfg.DB.GormConnect()
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Payment{},
		&models.StatusHistoryEntry{},
		&models.IdempotencyRecord{},
		&models.DomainEvent{},
		&models.DeliveryAttempt{},
		&models.Subscriber{},
	); err != nil {
		log.Fatalf("failed to auto migrate: %v", err)
	}

	paymentStore := postgres.NewPaymentStore(db)
	outboxStore := postgres.NewOutboxStore(db)
	registry := postgres.NewSubscriberRegistry(db)
	idemStore := idempotency.NewStore(db, cfg.Payments.IdempotencyTTL)

	if seeds := parseSubscribers(cfg.Webhook.Subscribers); len(seeds) > 0 {
		if err := registry.Seed(context.Background(), seeds); err != nil {
			log.Fatalf("failed to seed webhook subscribers: %v", err)
		}
	}

	breaker := processor.NewCircuitBreaker(cfg.Processor.BreakerThreshold, cfg.Processor.BreakerCooldown)
	simulated := processor.NewSimulated(cfg.Processor.SimulatedLatency, cfg.Processor.DeclineRate, cfg.Processor.TransientRate)
	gateway := processor.NewGateway(simulated, breaker, cfg.Processor.GetRetryConfig(), cfg.Processor.AttemptTimeout)

	paymentService := service.NewPaymentService(
		paymentStore,
		idemStore,
		gateway,
		cfg.Payments.AutoCapture,
		cfg.Payments.CurrencyList(),
	)

	var sink outbox.EventSink
	if cfg.Kafka.Enabled {
		sink = publisher.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.GetRetryConfig())
	}
	a.dispatcher = outbox.NewDispatcher(outboxStore, registry, sink, cfg.Webhook)

	deadLetters := deadletter.NewHandler(outboxStore)

	paymentHandler := handlers.NewPaymentHandler(paymentService)
	deadLetterHandler := handlers.NewDeadLetterHandler(deadLetters)

	metrics.RegisterMetrics()

	a.Router = gin.Default()
	a.Router.Use(gin.Recovery())
	a.RegisterRoutes(paymentHandler, deadLetterHandler)
}

// parseSubscribers reads semicolon-separated "event_type|url|secret"
// entries from WEBHOOK_SUBSCRIBERS. Malformed entries are skipped.
func parseSubscribers(raw string) []models.Subscriber {
	var subscribers []models.Subscriber
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			continue
		}
		subscribers = append(subscribers, models.Subscriber{
			EventType: models.EventType(parts[0]),
			URL:       parts[1],
			Secret:    parts[2],
			Active:    true,
		})
	}
	return subscribers
}

func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.dispatcher.Run(ctx)

	err := a.Router.Run(fmt.Sprintf(":%s", a.config.APP.PORT))
	if err != nil {
		panic(err)
	}
}
