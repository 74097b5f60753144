package domain

import (
	"errors"
)

const (
	TrackStatusQueued     = "QUEUED"
	TrackStatusProcessing = "PROCESSING"
	TrackStatusReady      = "READY"
	TrackStatusFailed     = "FAILED"
)

var (
	ErrTrackNotFound = errors.New("track not found")
)
