package domain

// Track status constants
const (
	TrackStatusQueued     = "QUEUED"
	TrackStatusProcessing = "PROCESSING"
	TrackStatusReady      = "READY"
	TrackStatusFailed     = "FAILED"
)

// IsTerminal reports whether a track status permits no further transitions
func IsTerminal(status string) bool {
	return status == TrackStatusReady || status == TrackStatusFailed
}
