package handler

import (
	"log/slog"

	"github.com/soundmind/composer-be/internal/api/storage"
	"github.com/soundmind/composer-be/internal/config"
	"github.com/soundmind/composer-be/shared/postgresql"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	DBClient *postgresql.Client
	Storage  *storage.Storage
	Compose  config.ComposeConfig
}

// TrackHandler handles track-related HTTP requests
type TrackHandler struct {
	logger  *slog.Logger
	storage *storage.Storage
	compose config.ComposeConfig
}

// NewTrackHandler creates a new TrackHandler instance
func NewTrackHandler(deps *Dependencies) *TrackHandler {
	return &TrackHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
		compose: deps.Compose,
	}
}
