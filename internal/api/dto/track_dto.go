package dto

type ComposeTrackRequest struct {
	Prompt        string         `json:"prompt" binding:"required"`
	MusicLengthMS int            `json:"music_length_ms"`
	Options       map[string]any `json:"options"`
}

type ComposeTrackResponse struct {
	TrackID   string `json:"track_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type ListTracksRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListTracksResponse struct {
	Tracks     []TrackDTO `json:"tracks"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type TrackDTO struct {
	TrackID        string `json:"track_id"`
	Prompt         string `json:"prompt"`
	MusicLengthMS  int    `json:"music_length_ms"`
	Status         string `json:"status"`
	ProviderTaskID string `json:"provider_task_id,omitempty"`
	TrackURL       string `json:"track_url,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// DispatchMessage is the outbox payload published to the broker. Shape is
// shared with the worker's consumer by convention.
type DispatchMessage struct {
	TrackID       string         `json:"track_id"`
	Prompt        string         `json:"prompt"`
	MusicLengthMS int            `json:"music_length_ms"`
	Options       map[string]any `json:"options,omitempty"`
}
