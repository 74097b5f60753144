package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/soundmind/composer-be/internal/api/domain"
	"github.com/soundmind/composer-be/internal/api/model"
	"github.com/soundmind/composer-be/shared/postgresql"
)

type Storage struct {
	pg *postgresql.Client
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		pg: pg,
		db: pg.GetDB(),
	}
}

// CreateTrackWithOutbox inserts the track row and its outbox record in one
// transaction, so a dispatch message can never be lost between the insert
// and the publish. The relay picks the outbox record up asynchronously.
func (s *Storage) CreateTrackWithOutbox(ctx context.Context, track *model.Track, payload []byte) error {
	tx, err := s.pg.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	trackQuery := `
		INSERT INTO tracks (
			track_id, prompt, music_length_ms, options,
			status, retry_count, max_retries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9
		)
	`

	_, err = tx.ExecContext(
		ctx,
		trackQuery,
		track.TrackID,
		track.Prompt,
		track.MusicLengthMS,
		track.Options,
		track.Status,
		track.RetryCount,
		track.MaxRetries,
		track.CreatedAt,
		track.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create track: %w", err)
	}

	outboxQuery := `
		INSERT INTO outbox (track_id, payload, sent, created_at)
		VALUES ($1, $2, FALSE, $3)
	`

	if _, err := tx.ExecContext(ctx, outboxQuery, track.TrackID, payload, track.CreatedAt); err != nil {
		return fmt.Errorf("failed to create outbox record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit track creation: %w", err)
	}

	return nil
}

func (s *Storage) GetTrackByID(ctx context.Context, trackID string) (*model.Track, error) {
	var track model.Track
	query := `
		SELECT
			track_id, prompt, music_length_ms, options, status,
			provider_task_id, track_url, error, retry_count, max_retries,
			created_at, updated_at
		FROM tracks
		WHERE track_id = $1
	`

	err := s.db.GetContext(ctx, &track, query, trackID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTrackNotFound
		}
		return nil, fmt.Errorf("failed to get track: %w", err)
	}

	return &track, nil
}

type TrackFilter struct {
	Status   string
	PageSize int
	Cursor   *TrackCursor
}

type TrackCursor struct {
	CreatedAt time.Time
	TrackID   string
}

func (s *Storage) ListTracks(ctx context.Context, filter TrackFilter) ([]model.Track, error) {
	query := `
        SELECT
            track_id, prompt, music_length_ms, options, status,
            provider_task_id, track_url, error, retry_count, max_retries,
            created_at, updated_at
        FROM tracks
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, track_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.TrackID)
		argIdx += 2
	}

	// Order by created_at DESC, track_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, track_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var tracks []model.Track
	err := s.db.SelectContext(ctx, &tracks, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}

	return tracks, nil
}

// ListUnsentOutbox returns unpublished outbox records, oldest first
func (s *Storage) ListUnsentOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	query := `
		SELECT id, track_id, payload, sent, created_at, sent_at
		FROM outbox
		WHERE sent = FALSE
		ORDER BY id ASC
		LIMIT $1
	`

	var messages []model.OutboxMessage
	if err := s.db.SelectContext(ctx, &messages, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list unsent outbox records: %w", err)
	}

	return messages, nil
}

// MarkOutboxSent flags an outbox record as published
func (s *Storage) MarkOutboxSent(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox
		SET sent = TRUE,
		    sent_at = NOW()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark outbox record sent: %w", err)
	}

	return nil
}
