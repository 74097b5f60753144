package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/soundmind/composer-be/internal/api/domain"
	"github.com/soundmind/composer-be/internal/api/dto"
	"github.com/soundmind/composer-be/internal/api/model"
	"github.com/soundmind/composer-be/internal/api/storage"
)

// ComposeTrack handles POST /api/v1/tracks/compose
// Creates a QUEUED track and its outbox record, returning immediately;
// composition happens asynchronously and is observed via status polling.
func (h *TrackHandler) ComposeTrack(c *gin.Context) {
	var req dto.ComposeTrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "prompt must not be empty",
		})
		return
	}

	lengthMS := req.MusicLengthMS
	if lengthMS == 0 {
		lengthMS = h.compose.DefaultLengthMS
	}
	if lengthMS < h.compose.MinLengthMS || lengthMS > h.compose.MaxLengthMS {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "music_length_ms out of range",
		})
		return
	}

	now := time.Now()
	track := model.Track{
		TrackID:       uuid.New().String(),
		Prompt:        req.Prompt,
		MusicLengthMS: lengthMS,
		Status:        domain.TrackStatusQueued,
		MaxRetries:    h.compose.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.Options != nil {
		optionsJSON, err := json.Marshal(req.Options)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "options must be a JSON object",
			})
			return
		}
		track.Options.String = string(optionsJSON)
		track.Options.Valid = true
	}

	payload, err := json.Marshal(dto.DispatchMessage{
		TrackID:       track.TrackID,
		Prompt:        track.Prompt,
		MusicLengthMS: track.MusicLengthMS,
		Options:       req.Options,
	})
	if err != nil {
		h.logger.Error("Failed to encode dispatch message", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create track",
		})
		return
	}

	if err := h.storage.CreateTrackWithOutbox(c.Request.Context(), &track, payload); err != nil {
		h.logger.Error("Failed to create track", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create track",
		})
		return
	}

	h.logger.Info("Track queued for composition",
		slog.String("track_id", track.TrackID),
		slog.Int("music_length_ms", track.MusicLengthMS),
	)

	c.JSON(http.StatusAccepted, dto.ComposeTrackResponse{
		TrackID:   track.TrackID,
		Status:    track.Status,
		CreatedAt: track.CreatedAt.Format(time.RFC3339),
	})
}

// GetTrack handles GET /api/v1/tracks/:track_id
// The status-reader surface: clients poll here to observe status,
// track_url and error.
func (h *TrackHandler) GetTrack(c *gin.Context) {
	trackID := c.Param("track_id")

	if _, err := uuid.Parse(trackID); err != nil {
		h.logger.Error("Invalid track_id format", slog.String("track_id", trackID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "track_id must be a valid UUID",
		})
		return
	}

	track, err := h.storage.GetTrackByID(c.Request.Context(), trackID)
	if err != nil {
		if errors.Is(err, domain.ErrTrackNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "track not found",
			})
			return
		}
		h.logger.Error("Failed to get track", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get track",
		})
		return
	}

	c.JSON(http.StatusOK, toTrackDTO(track))
}

// ListTracks handles GET /api/v1/tracks
// Lists tracks with optional status filtering and cursor pagination
func (h *TrackHandler) ListTracks(c *gin.Context) {
	var req dto.ListTracksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}

	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeTrackCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.TrackFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	tracks, err := h.storage.ListTracks(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list tracks", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list tracks",
		})
		return
	}

	hasMore := len(tracks) > req.PageSize
	if hasMore {
		tracks = tracks[:req.PageSize]
	}

	trackResponse := make([]dto.TrackDTO, len(tracks))
	for i, track := range tracks {
		trackResponse[i] = toTrackDTO(&track)
	}

	var nextCursor string
	if hasMore {
		lastTrack := tracks[len(tracks)-1]
		cursorObj := storage.TrackCursor{
			CreatedAt: lastTrack.CreatedAt,
			TrackID:   lastTrack.TrackID,
		}
		nextCursor, err = EncodeTrackCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListTracksResponse{
		Tracks:     trackResponse,
		NextCursor: nextCursor,
	})
}

func toTrackDTO(track *model.Track) dto.TrackDTO {
	return dto.TrackDTO{
		TrackID:        track.TrackID,
		Prompt:         track.Prompt,
		MusicLengthMS:  track.MusicLengthMS,
		Status:         track.Status,
		ProviderTaskID: track.ProviderTaskID.String,
		TrackURL:       track.TrackURL.String,
		Error:          track.Error.String,
		CreatedAt:      track.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      track.UpdatedAt.Format(time.RFC3339),
	}
}
