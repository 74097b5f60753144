package domain

import "time"

// Track represents a composition track from the database for worker processing
type Track struct {
	TrackID        string
	Prompt         string
	MusicLengthMS  int
	Options        string // JSON string, opaque provider options
	Status         string
	ProviderTaskID string
	TrackURL       string
	Error          string
	RetryCount     int
	MaxRetries     int
	UpdatedAt      time.Time
}

// DispatchMessage is the broker-carried work order for one track.
// The track row is the authority on status; message fields are a
// redundant carrier so the worker can act without an extra store read.
type DispatchMessage struct {
	TrackID       string         `json:"track_id"`
	Prompt        string         `json:"prompt"`
	MusicLengthMS int            `json:"music_length_ms"`
	Options       map[string]any `json:"options,omitempty"`

	DeliveryTag uint64 `json:"-"`
}
