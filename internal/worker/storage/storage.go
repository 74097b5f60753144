package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/soundmind/composer-be/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetTrackByID retrieves a track from the database by its ID
func (s *Storage) GetTrackByID(ctx context.Context, trackID string) (*domain.Track, error) {
	query := `
		SELECT track_id, prompt, music_length_ms, options, status,
		       provider_task_id, track_url, error, retry_count, max_retries, updated_at
		FROM tracks
		WHERE track_id = $1
	`

	var track domain.Track
	var providerTaskID, trackURL, trackErr, options sql.NullString

	err := s.db.QueryRowContext(ctx, query, trackID).Scan(
		&track.TrackID,
		&track.Prompt,
		&track.MusicLengthMS,
		&options,
		&track.Status,
		&providerTaskID,
		&trackURL,
		&trackErr,
		&track.RetryCount,
		&track.MaxRetries,
		&track.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrTrackNotFound
		}
		return nil, fmt.Errorf("failed to get track: %w", err)
	}

	track.Options = options.String
	track.ProviderTaskID = providerTaskID.String
	track.TrackURL = trackURL.String
	track.Error = trackErr.String

	return &track, nil
}

// ClaimTrack attempts the QUEUED -> PROCESSING transition using an
// optimistic status check, so a duplicate concurrent claim loses cleanly
func (s *Storage) ClaimTrack(ctx context.Context, trackID string) error {
	query := `
		UPDATE tracks
		SET status = $1,
		    updated_at = NOW()
		WHERE track_id = $2
		  AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.TrackStatusProcessing, trackID, domain.TrackStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to claim track: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Failed to claim track - already claimed or not found",
			slog.String("track_id", trackID),
		)
		return domain.ErrTrackAlreadyClaimed
	}

	s.logger.Info("Track claimed",
		slog.String("track_id", trackID),
	)

	return nil
}

// SetProviderTaskID records the external task id assigned by the provider
func (s *Storage) SetProviderTaskID(ctx context.Context, trackID, providerTaskID string) error {
	query := `
		UPDATE tracks
		SET provider_task_id = $1,
		    updated_at = NOW()
		WHERE track_id = $2
		  AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query, providerTaskID, trackID, domain.TrackStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to set provider task id: %w", err)
	}

	return nil
}

// MarkReady performs the PROCESSING -> READY transition with the resolved
// track URL. Terminal: error stays null, no further transitions.
func (s *Storage) MarkReady(ctx context.Context, trackID, trackURL string) error {
	query := `
		UPDATE tracks
		SET status = $1,
		    track_url = $2,
		    error = NULL,
		    updated_at = NOW()
		WHERE track_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.TrackStatusReady, trackURL, trackID, domain.TrackStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark track ready: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Failed to mark track READY - no longer in PROCESSING",
			slog.String("track_id", trackID),
		)
		return domain.ErrTrackNotProcessing
	}

	s.logger.Info("Track marked READY",
		slog.String("track_id", trackID),
	)

	return nil
}

// MarkFailed performs the PROCESSING -> FAILED transition with the error
// recorded. Terminal: track_url stays null, no further transitions.
func (s *Storage) MarkFailed(ctx context.Context, trackID, errorMsg string) error {
	query := `
		UPDATE tracks
		SET status = $1,
		    error = $2,
		    track_url = NULL,
		    updated_at = NOW()
		WHERE track_id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, domain.TrackStatusFailed, errorMsg, trackID, domain.TrackStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark track failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Failed to mark track FAILED - no longer in PROCESSING",
			slog.String("track_id", trackID),
		)
		return domain.ErrTrackNotProcessing
	}

	s.logger.Info("Track marked FAILED",
		slog.String("track_id", trackID),
		slog.String("error", errorMsg),
	)

	return nil
}

// ListStuck returns PROCESSING tracks whose last transition is older than
// staleBefore, oldest first
func (s *Storage) ListStuck(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Track, error) {
	query := `
		SELECT track_id, prompt, music_length_ms, retry_count, max_retries
		FROM tracks
		WHERE status = $1
		  AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, query, domain.TrackStatusProcessing, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tracks: %w", err)
	}
	defer rows.Close()

	var tracks []domain.Track
	for rows.Next() {
		var track domain.Track
		if err := rows.Scan(&track.TrackID, &track.Prompt, &track.MusicLengthMS, &track.RetryCount, &track.MaxRetries); err != nil {
			return nil, fmt.Errorf("failed to scan stuck track: %w", err)
		}
		track.Status = domain.TrackStatusProcessing
		tracks = append(tracks, track)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stuck tracks: %w", err)
	}

	return tracks, nil
}

// RequeueStuck moves a stale PROCESSING track back to QUEUED and counts
// the attempt against its retry budget
func (s *Storage) RequeueStuck(ctx context.Context, trackID string) error {
	query := `
		UPDATE tracks
		SET status = $1,
		    retry_count = retry_count + 1,
		    updated_at = NOW()
		WHERE track_id = $2
		  AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.TrackStatusQueued, trackID, domain.TrackStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue stuck track: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrTrackAlreadyClaimed
	}

	return nil
}
