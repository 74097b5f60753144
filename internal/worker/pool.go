package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soundmind/composer-be/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.tracksChan:
			if !ok {
				w.logger.Info("Worker goroutine stopping - tracksChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			w.logger.Info("Worker received track",
				slog.String("worker_name", workerName),
				slog.String("track_id", msg.TrackID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := w.processTrack(ctx, msg)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("track_id", msg.TrackID),
				)
				continue
			}

			// ACK only when a terminal (or already-terminal) state was
			// persisted; anything else is NACKed and the requeue decision
			// depends on the error class
			if err != nil {
				w.logger.Error("Track processing failed",
					slog.String("worker_name", workerName),
					slog.String("track_id", msg.TrackID),
					slog.String("error", err.Error()),
				)

				requeue := w.shouldRequeueTrack(err)

				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("worker_name", workerName),
						slog.String("track_id", msg.TrackID),
						slog.String("error", nackErr.Error()),
					)
				} else {
					w.logger.Info("Message NACKed",
						slog.String("worker_name", workerName),
						slog.String("track_id", msg.TrackID),
						slog.Bool("requeue", requeue),
					)
				}
			} else {
				if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("worker_name", workerName),
						slog.String("track_id", msg.TrackID),
						slog.String("error", ackErr.Error()),
					)
				} else {
					w.logger.Debug("Message ACKed",
						slog.String("worker_name", workerName),
						slog.String("track_id", msg.TrackID),
					)
				}
			}
		}
	}
}

// shouldRequeueTrack determines if a dispatch message should be requeued based on the error type
func (w *Worker) shouldRequeueTrack(err error) bool {
	// Another worker holds the claim - its processing will finish the track
	if errors.Is(err, domain.ErrTrackAlreadyClaimed) {
		return false
	}

	// A message for a row that never existed can never succeed
	if errors.Is(err, domain.ErrTrackNotFound) {
		return false
	}

	// The row left PROCESSING under us (requeued or finished elsewhere);
	// whoever moved it owns the follow-up, not a redelivery of this message
	if errors.Is(err, domain.ErrTrackNotProcessing) {
		return false
	}

	// Requeue for transient/retryable errors (store writes that failed
	// before a terminal state could be persisted)
	var retryableErr *domain.RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	return false
}
