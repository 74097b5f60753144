package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soundmind/composer-be/internal/provider"
	"github.com/soundmind/composer-be/internal/worker/domain"
)

const defaultMusicLengthMS = 60_000

// processTrack drives one dispatch message through the track state machine:
// idempotency guard, claim, provider submission, status polling, terminal
// write. A nil return means a terminal (or already-terminal) state is
// durably persisted and the message may be acknowledged.
func (w *Worker) processTrack(ctx context.Context, msg *domain.DispatchMessage) error {
	w.logger.Info("Processing track",
		slog.String("track_id", msg.TrackID),
		slog.String("worker_id", w.workerID),
	)

	// Step 1: idempotency guard. The row is the authority on status;
	// redelivered messages for terminal tracks are discarded untouched.
	track, err := w.store.GetTrackByID(ctx, msg.TrackID)
	if err != nil {
		if errors.Is(err, domain.ErrTrackNotFound) {
			w.logger.Error("Dispatch message for unknown track",
				slog.String("track_id", msg.TrackID),
			)
			return fmt.Errorf("track lookup: %w", err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load track: %w", err))
	}

	if domain.IsTerminal(track.Status) {
		w.logger.Info("Track already terminal, discarding redelivery",
			slog.String("track_id", msg.TrackID),
			slog.String("status", track.Status),
		)
		return nil
	}

	// Step 2: claim QUEUED -> PROCESSING before any external call, so a
	// crash past this point shows as in-flight rather than not-started.
	// A PROCESSING row here means a redelivery after a crash mid-work;
	// processing continues without a claim.
	if track.Status == domain.TrackStatusQueued {
		if err := w.store.ClaimTrack(ctx, msg.TrackID); err != nil {
			if errors.Is(err, domain.ErrTrackAlreadyClaimed) {
				return fmt.Errorf("claim track: %w", err)
			}
			return domain.NewRetryableError(fmt.Errorf("failed to claim track: %w", err))
		}
	}

	req := w.buildComposeRequest(msg, track)
	if strings.TrimSpace(req.Prompt) == "" {
		return w.failTrack(ctx, msg.TrackID, "empty prompt")
	}

	deadline := time.Now().Add(w.pollBudget)

	// Step 3: provider submission. Rejections are final; unavailability
	// is retried with backoff inside the same wall-clock budget.
	taskID, err := w.submitWithRetry(ctx, req, deadline)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.NewRetryableError(fmt.Errorf("submission interrupted: %w", ctxErr))
		}
		return w.failTrack(ctx, msg.TrackID, err.Error())
	}

	w.logger.Info("Composition submitted",
		slog.String("track_id", msg.TrackID),
		slog.String("provider_task_id", taskID),
	)

	if err := w.store.SetProviderTaskID(ctx, msg.TrackID, taskID); err != nil {
		// Bookkeeping only; polling can proceed without it
		w.logger.Warn("Failed to record provider task id",
			slog.String("track_id", msg.TrackID),
			slog.String("error", err.Error()),
		)
	}

	// Step 4: polling loop with bounded exponential backoff
	return w.pollUntilTerminal(ctx, msg.TrackID, taskID, deadline)
}

// buildComposeRequest assembles the provider request from the dispatch
// message, falling back to the stored row where the message is stale
func (w *Worker) buildComposeRequest(msg *domain.DispatchMessage, track *domain.Track) provider.ComposeRequest {
	prompt := msg.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = track.Prompt
	}

	lengthMS := msg.MusicLengthMS
	if lengthMS <= 0 {
		lengthMS = track.MusicLengthMS
	}
	if lengthMS <= 0 {
		lengthMS = defaultMusicLengthMS
	}

	options := msg.Options
	if options == nil && track.Options != "" {
		if err := json.Unmarshal([]byte(track.Options), &options); err != nil {
			w.logger.Warn("Ignoring unparsable stored options",
				slog.String("track_id", track.TrackID),
				slog.String("error", err.Error()),
			)
			options = nil
		}
	}

	return provider.ComposeRequest{
		Prompt:        prompt,
		MusicLengthMS: lengthMS,
		Options:       options,
	}
}

// submitWithRetry calls the provider's submit operation, retrying
// unavailability with backoff until the wall-clock deadline
func (w *Worker) submitWithRetry(ctx context.Context, req provider.ComposeRequest, deadline time.Time) (string, error) {
	interval := w.pollInitialInterval

	for {
		taskID, err := w.composer.Compose(ctx, req)
		if err == nil {
			return taskID, nil
		}

		if errors.Is(err, provider.ErrProviderRejected) {
			return "", err
		}

		if !time.Now().Add(interval).Before(deadline) {
			return "", fmt.Errorf("submission retries exhausted: %w", err)
		}

		w.logger.Warn("Provider submission failed, retrying",
			slog.Duration("retry_after", interval),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		interval = nextInterval(interval, w.pollMaxInterval)
	}
}

// pollUntilTerminal polls provider status until completion, provider
// failure, or budget exhaustion. Every exit path persists a terminal
// track state before returning nil.
func (w *Worker) pollUntilTerminal(ctx context.Context, trackID, taskID string, deadline time.Time) error {
	interval := w.pollInitialInterval

	for {
		if !time.Now().Before(deadline) {
			w.logger.Warn("Polling budget exhausted",
				slog.String("track_id", trackID),
				slog.String("provider_task_id", taskID),
			)
			return w.failTrack(ctx, trackID, "timeout waiting for music composition")
		}

		status, err := w.composer.Status(ctx, taskID)
		switch {
		case err == nil:
			switch status.State {
			case provider.StateCompleted:
				if markErr := w.store.MarkReady(ctx, trackID, status.TrackURL); markErr != nil {
					// Another actor moved the row out of PROCESSING; it owns
					// the track now and this delivery must not be acked
					if errors.Is(markErr, domain.ErrTrackNotProcessing) {
						return fmt.Errorf("finalize track: %w", markErr)
					}
					return domain.NewRetryableError(markErr)
				}
				return nil

			case provider.StateFailed:
				return w.failTrack(ctx, trackID, status.Reason)
			}

		case errors.Is(err, provider.ErrProviderRejected):
			// The poll itself can never succeed (bad task id, unusable body)
			return w.failTrack(ctx, trackID, err.Error())

		default:
			if ctx.Err() != nil {
				return domain.NewRetryableError(fmt.Errorf("polling interrupted: %w", ctx.Err()))
			}
			// Transient blip: stay silent and keep polling within the budget
			w.logger.Debug("Transient poll error",
				slog.String("track_id", trackID),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return domain.NewRetryableError(fmt.Errorf("polling interrupted: %w", ctx.Err()))
		case <-time.After(interval):
		}

		interval = nextInterval(interval, w.pollMaxInterval)
	}
}

// failTrack persists the FAILED terminal state. A failed store write is
// retryable: the message must not be acknowledged until a terminal state
// is durable.
func (w *Worker) failTrack(ctx context.Context, trackID, errorMsg string) error {
	if err := w.store.MarkFailed(ctx, trackID, errorMsg); err != nil {
		if errors.Is(err, domain.ErrTrackNotProcessing) {
			return fmt.Errorf("finalize track: %w", err)
		}
		return domain.NewRetryableError(err)
	}
	return nil
}

func nextInterval(current, max time.Duration) time.Duration {
	next := current + current/2
	if next > max {
		return max
	}
	return next
}
