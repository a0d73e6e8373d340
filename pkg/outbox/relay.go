package outbox

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// RelayConfig tunes the background relay.
type RelayConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PublishTimeout time.Duration
	ClaimLease     time.Duration
	PublishRate    rate.Limit
	DeadLetter     string
}

// DefaultRelayConfig returns production-ready defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:   time.Second,
		BatchSize:      32,
		MaxAttempts:    8,
		BackoffBase:    500 * time.Millisecond,
		BackoffCap:     5 * time.Minute,
		PublishTimeout: 10 * time.Second,
		ClaimLease:     30 * time.Second,
		PublishRate:    rate.Limit(200),
		DeadLetter:     TopicDeadLetter,
	}
}

// Relay polls for due outbox rows and drives their lifecycle. Any number of
// instances may run concurrently; the store's claim-once dequeue guarantees
// a row is processed by exactly one instance at a time.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
	workerID  string
	limiter   *rate.Limiter
	logger    *slog.Logger

	published    metric.Int64Counter
	retried      metric.Int64Counter
	deadlettered metric.Int64Counter
}

func NewRelay(s Store, p Publisher, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg = DefaultRelayConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerID := "relay-" + uuid.NewString()[:8]

	meter := otel.Meter("veriground.outbox")
	published, _ := meter.Int64Counter("outbox.published",
		metric.WithDescription("Outbox events published to the bus"))
	retried, _ := meter.Int64Counter("outbox.retried",
		metric.WithDescription("Outbox publish attempts rescheduled with backoff"))
	deadlettered, _ := meter.Int64Counter("outbox.deadlettered",
		metric.WithDescription("Outbox events routed to the dead-letter topic"))

	return &Relay{
		store:        s,
		publisher:    p,
		cfg:          cfg,
		workerID:     workerID,
		limiter:      rate.NewLimiter(cfg.PublishRate, 1),
		logger:       logger.With("component", "outbox-relay", "worker", workerID),
		published:    published,
		retried:      retried,
		deadlettered: deadlettered,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started",
		"poll_interval", r.cfg.PollInterval,
		"max_attempts", r.cfg.MaxAttempts)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("relay drain failed", "error", err)
			}
		}
	}
}

// Drain claims and processes one batch of due rows. Exposed so tests and
// the daemon's shutdown path can pump the relay synchronously.
func (r *Relay) Drain(ctx context.Context) error {
	events, err := r.store.Claim(ctx, r.workerID, r.cfg.ClaimLease, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		r.process(ctx, e)
	}
	return nil
}

func (r *Relay) process(ctx context.Context, e Event) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	err := r.publisher.Publish(attemptCtx, e.Topic, e.PartitionKey, e.Payload)
	cancel()

	if err == nil {
		if markErr := r.store.MarkPublished(ctx, e.ID); markErr != nil {
			r.logger.Error("mark published failed", "event", e.ID, "error", markErr)
			return
		}
		r.published.Add(ctx, 1)
		return
	}

	// A timed-out attempt is a failure, never a silent success.
	attempts := e.Attempts + 1
	if attempts > r.cfg.MaxAttempts {
		r.deadletter(ctx, e, attempts, err)
		return
	}

	delay := r.backoff(attempts)
	r.logger.Warn("publish failed, rescheduling",
		"event", e.ID, "topic", e.Topic, "attempts", attempts, "delay", delay, "error", err)
	if markErr := r.store.MarkRetrying(ctx, e.ID, attempts, err.Error(), time.Now().UTC().Add(delay)); markErr != nil {
		r.logger.Error("mark retrying failed", "event", e.ID, "error", markErr)
		return
	}
	r.retried.Add(ctx, 1)
}

// deadletter emits the payload to the dead-letter topic and moves the row
// to its terminal FAILED state. FAILED is an expected operational condition
// at scale, surfaced via metrics rather than errors.
func (r *Relay) deadletter(ctx context.Context, e Event, attempts int, cause error) {
	if err := r.publisher.Publish(ctx, r.cfg.DeadLetter, e.PartitionKey, e.Payload); err != nil {
		// The row stays claimable so dead-lettering is retried next poll.
		r.logger.Error("dead-letter publish failed", "event", e.ID, "error", err)
		_ = r.store.MarkRetrying(ctx, e.ID, e.Attempts, cause.Error(), time.Now().UTC().Add(r.cfg.PollInterval))
		return
	}
	if err := r.store.MarkFailed(ctx, e.ID, attempts, cause.Error()); err != nil {
		r.logger.Error("mark failed failed", "event", e.ID, "error", err)
		return
	}
	r.deadlettered.Add(ctx, 1)
	r.logger.Warn("event dead-lettered", "event", e.ID, "topic", e.Topic, "attempts", attempts)
}

// backoff computes base * 2^(attempts-1) with jitter, capped.
func (r *Relay) backoff(attempts int) time.Duration {
	delay := r.cfg.BackoffBase
	for i := 1; i < attempts && delay < r.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > r.cfg.BackoffCap {
		delay = r.cfg.BackoffCap
	}
	jitter := time.Duration(0)
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(r.cfg.BackoffBase/4)+1)); err == nil {
		jitter = time.Duration(n.Int64())
	}
	return delay + jitter
}
