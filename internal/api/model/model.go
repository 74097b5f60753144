package model

import (
	"database/sql"
	"time"
)

type Track struct {
	TrackID        string         `db:"track_id"`
	Prompt         string         `db:"prompt"`
	MusicLengthMS  int            `db:"music_length_ms"`
	Options        sql.NullString `db:"options"`
	Status         string         `db:"status"`
	ProviderTaskID sql.NullString `db:"provider_task_id"`
	TrackURL       sql.NullString `db:"track_url"`
	Error          sql.NullString `db:"error"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

type OutboxMessage struct {
	ID        int64        `db:"id"`
	TrackID   string       `db:"track_id"`
	Payload   []byte       `db:"payload"`
	Sent      bool         `db:"sent"`
	CreatedAt time.Time    `db:"created_at"`
	SentAt    sql.NullTime `db:"sent_at"`
}
