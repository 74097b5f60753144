package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundmind/composer-be/internal/worker/domain"
)

// stuckStore is the slice of track persistence the reaper needs
type stuckStore interface {
	ListStuck(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Track, error)
	RequeueStuck(ctx context.Context, trackID string) error
	MarkFailed(ctx context.Context, trackID, errorMsg string) error
}

// dispatchPublisher re-publishes dispatch messages for requeued tracks
type dispatchPublisher interface {
	PublishTrackWithRetry(ctx context.Context, trackID string, body []byte) error
}

// ReaperConfig holds stuck-track sweep configuration
type ReaperConfig struct {
	Logger         *slog.Logger
	Store          stuckStore
	Publisher      dispatchPublisher
	SweepInterval  time.Duration
	StaleThreshold time.Duration
	BatchSize      int
}

// Reaper periodically requeues tracks left in PROCESSING by a crashed
// worker. Requeues are capped by the track's retry budget so a poison
// track cannot loop forever.
type Reaper struct {
	logger         *slog.Logger
	store          stuckStore
	publisher      dispatchPublisher
	sweepInterval  time.Duration
	staleThreshold time.Duration
	batchSize      int
}

// NewReaper creates a new reaper instance
func NewReaper(cfg *ReaperConfig) *Reaper {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &Reaper{
		logger:         cfg.Logger,
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		sweepInterval:  cfg.SweepInterval,
		staleThreshold: cfg.StaleThreshold,
		batchSize:      batchSize,
	}
}

// Run sweeps on a fixed interval until the context is canceled
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("Reaper started",
		slog.Duration("sweep_interval", r.sweepInterval),
		slog.Duration("stale_threshold", r.staleThreshold),
	)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped - context canceled")
			return

		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("Reaper sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sweep requeues one batch of stale PROCESSING tracks
func (r *Reaper) sweep(ctx context.Context) error {
	staleBefore := time.Now().Add(-r.staleThreshold)

	stuck, err := r.store.ListStuck(ctx, staleBefore, r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stuck tracks: %w", err)
	}

	for _, track := range stuck {
		if track.RetryCount >= track.MaxRetries {
			r.logger.Warn("Stuck track exhausted retries",
				slog.String("track_id", track.TrackID),
				slog.Int("retry_count", track.RetryCount),
				slog.Int("max_retries", track.MaxRetries),
			)
			if err := r.store.MarkFailed(ctx, track.TrackID, "stuck in PROCESSING: retries exhausted"); err != nil {
				// Benign when the track moved on since the sweep snapshot
				if errors.Is(err, domain.ErrTrackNotProcessing) {
					continue
				}
				r.logger.Error("Failed to fail stuck track",
					slog.String("track_id", track.TrackID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		// Publish before requeueing: a message for a PROCESSING row is
		// safe (the worker resumes mid-flight work), while a QUEUED row
		// without a message would be stranded until the next crash sweep.
		body, err := json.Marshal(domain.DispatchMessage{
			TrackID:       track.TrackID,
			Prompt:        track.Prompt,
			MusicLengthMS: track.MusicLengthMS,
		})
		if err != nil {
			r.logger.Error("Failed to encode dispatch message",
				slog.String("track_id", track.TrackID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := r.publisher.PublishTrackWithRetry(ctx, track.TrackID, body); err != nil {
			r.logger.Error("Failed to re-publish dispatch message",
				slog.String("track_id", track.TrackID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := r.store.RequeueStuck(ctx, track.TrackID); err != nil {
			// Benign when the track moved on since the sweep snapshot
			if errors.Is(err, domain.ErrTrackAlreadyClaimed) {
				continue
			}
			r.logger.Error("Failed to requeue stuck track",
				slog.String("track_id", track.TrackID),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.logger.Info("Requeued stuck track",
			slog.String("track_id", track.TrackID),
			slog.Int("retry_count", track.RetryCount+1),
		)
	}

	return nil
}
