package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundmind/composer-be/internal/api/model"
)

// outboxStore is the slice of storage the relay needs
type outboxStore interface {
	ListUnsentOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
}

// publisher sends dispatch messages to the broker
type publisher interface {
	PublishTrackWithRetry(ctx context.Context, trackID string, body []byte) error
}

// Config holds outbox relay configuration
type Config struct {
	Logger       *slog.Logger
	Store        outboxStore
	Publisher    publisher
	PollInterval time.Duration
	BatchSize    int
}

// Relay publishes outbox records written by the track insert transaction.
// Publishing is at-least-once: a crash between publish and mark-sent
// re-publishes on restart, and the worker's idempotency guard absorbs
// the duplicate.
type Relay struct {
	logger       *slog.Logger
	store        outboxStore
	publisher    publisher
	pollInterval time.Duration
	batchSize    int
}

// NewRelay creates a new outbox relay instance
func NewRelay(cfg *Config) *Relay {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &Relay{
		logger:       cfg.Logger,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		pollInterval: cfg.PollInterval,
		batchSize:    batchSize,
	}
}

// Run drains the outbox on a fixed interval until the context is canceled
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("Outbox relay started",
		slog.Duration("poll_interval", r.pollInterval),
		slog.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped - context canceled")
			return

		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				r.logger.Error("Outbox drain failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// drain publishes one batch of unsent outbox records, oldest first
func (r *Relay) drain(ctx context.Context) error {
	messages, err := r.store.ListUnsentOutbox(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to load outbox records: %w", err)
	}

	for _, msg := range messages {
		if err := r.publisher.PublishTrackWithRetry(ctx, msg.TrackID, msg.Payload); err != nil {
			// Leave the record unsent; the next drain retries it. Stop the
			// batch so records keep publishing in insertion order.
			r.logger.Error("Failed to publish outbox record",
				slog.Int64("outbox_id", msg.ID),
				slog.String("track_id", msg.TrackID),
				slog.String("error", err.Error()),
			)
			return nil
		}

		if err := r.store.MarkOutboxSent(ctx, msg.ID); err != nil {
			r.logger.Error("Failed to mark outbox record sent",
				slog.Int64("outbox_id", msg.ID),
				slog.String("track_id", msg.TrackID),
				slog.String("error", err.Error()),
			)
			return nil
		}

		r.logger.Debug("Outbox record published",
			slog.Int64("outbox_id", msg.ID),
			slog.String("track_id", msg.TrackID),
		)
	}

	return nil
}
