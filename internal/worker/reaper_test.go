package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundmind/composer-be/internal/worker/domain"
)

type fakeStuckStore struct {
	stuck   []domain.Track
	listErr error

	requeueErrs    map[string]error
	markFailedErrs map[string]error
	requeued       []string
	failed         map[string]string
}

func (f *fakeStuckStore) ListStuck(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Track, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.stuck) > limit {
		return f.stuck[:limit], nil
	}
	return f.stuck, nil
}

func (f *fakeStuckStore) RequeueStuck(ctx context.Context, trackID string) error {
	if err := f.requeueErrs[trackID]; err != nil {
		return err
	}
	f.requeued = append(f.requeued, trackID)
	return nil
}

func (f *fakeStuckStore) MarkFailed(ctx context.Context, trackID, errorMsg string) error {
	if err := f.markFailedErrs[trackID]; err != nil {
		return err
	}
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[trackID] = errorMsg
	return nil
}

type fakePublisher struct {
	publishErrs map[string]error
	published   []string
	bodies      map[string][]byte
}

func (f *fakePublisher) PublishTrackWithRetry(ctx context.Context, trackID string, body []byte) error {
	if err := f.publishErrs[trackID]; err != nil {
		return err
	}
	f.published = append(f.published, trackID)
	if f.bodies == nil {
		f.bodies = make(map[string][]byte)
	}
	f.bodies[trackID] = body
	return nil
}

func newTestReaper(store stuckStore, pub dispatchPublisher) *Reaper {
	return NewReaper(&ReaperConfig{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:          store,
		Publisher:      pub,
		SweepInterval:  time.Minute,
		StaleThreshold: 10 * time.Minute,
		BatchSize:      50,
	})
}

func TestReaperSweep_RequeuesStuckTrack(t *testing.T) {
	store := &fakeStuckStore{
		stuck: []domain.Track{
			{
				TrackID:       testTrackID,
				Prompt:        "uplifting piano",
				MusicLengthMS: 45_000,
				Status:        domain.TrackStatusProcessing,
				RetryCount:    1,
				MaxRetries:    3,
			},
		},
	}
	pub := &fakePublisher{}

	r := newTestReaper(store, pub)
	require.NoError(t, r.sweep(context.Background()))

	require.Equal(t, []string{testTrackID}, pub.published)
	require.Equal(t, []string{testTrackID}, store.requeued)
	assert.Empty(t, store.failed)

	var msg domain.DispatchMessage
	require.NoError(t, json.Unmarshal(pub.bodies[testTrackID], &msg))
	assert.Equal(t, testTrackID, msg.TrackID)
	assert.Equal(t, "uplifting piano", msg.Prompt)
	assert.Equal(t, 45_000, msg.MusicLengthMS)
}

func TestReaperSweep_ExhaustedRetriesFailsWithoutPublish(t *testing.T) {
	store := &fakeStuckStore{
		stuck: []domain.Track{
			{
				TrackID:    testTrackID,
				Status:     domain.TrackStatusProcessing,
				RetryCount: 3,
				MaxRetries: 3,
			},
		},
	}
	pub := &fakePublisher{}

	r := newTestReaper(store, pub)
	require.NoError(t, r.sweep(context.Background()))

	assert.Empty(t, pub.published, "exhausted tracks must not be re-dispatched")
	assert.Empty(t, store.requeued)
	assert.Contains(t, store.failed[testTrackID], "retries exhausted")
}

func TestReaperSweep_PublishFailureSkipsRequeue(t *testing.T) {
	store := &fakeStuckStore{
		stuck: []domain.Track{
			{
				TrackID:    testTrackID,
				Prompt:     "slow jazz",
				Status:     domain.TrackStatusProcessing,
				MaxRetries: 3,
			},
		},
	}
	pub := &fakePublisher{
		publishErrs: map[string]error{testTrackID: errors.New("broker unreachable")},
	}

	r := newTestReaper(store, pub)
	require.NoError(t, r.sweep(context.Background()))

	// The row stays PROCESSING and is picked up by a later sweep; requeueing
	// without a published message would strand it in QUEUED
	assert.Empty(t, store.requeued)
	assert.Empty(t, store.failed)
}

func TestReaperSweep_ClaimedSinceSnapshotIsBenign(t *testing.T) {
	other := "9f8e7d6c-5b4a-4c3d-9e2f-1a0b9c8d7e6f"
	store := &fakeStuckStore{
		stuck: []domain.Track{
			{TrackID: testTrackID, Prompt: "a", Status: domain.TrackStatusProcessing, MaxRetries: 3},
			{TrackID: other, Prompt: "b", Status: domain.TrackStatusProcessing, MaxRetries: 3},
		},
		requeueErrs: map[string]error{testTrackID: domain.ErrTrackAlreadyClaimed},
	}
	pub := &fakePublisher{}

	r := newTestReaper(store, pub)
	require.NoError(t, r.sweep(context.Background()))

	// The moved-on track is skipped; the rest of the batch still processes
	assert.Equal(t, []string{other}, store.requeued)
	assert.Len(t, pub.published, 2)
}

func TestReaperSweep_ExhaustedTrackMovedOnIsBenign(t *testing.T) {
	other := "9f8e7d6c-5b4a-4c3d-9e2f-1a0b9c8d7e6f"
	store := &fakeStuckStore{
		stuck: []domain.Track{
			{TrackID: testTrackID, Status: domain.TrackStatusProcessing, RetryCount: 3, MaxRetries: 3},
			{TrackID: other, Prompt: "b", Status: domain.TrackStatusProcessing, MaxRetries: 3},
		},
		markFailedErrs: map[string]error{testTrackID: domain.ErrTrackNotProcessing},
	}
	pub := &fakePublisher{}

	r := newTestReaper(store, pub)
	require.NoError(t, r.sweep(context.Background()))

	assert.Empty(t, store.failed)
	assert.Equal(t, []string{other}, store.requeued)
}

func TestReaperSweep_ListError(t *testing.T) {
	store := &fakeStuckStore{listErr: errors.New("connection reset")}
	pub := &fakePublisher{}

	r := newTestReaper(store, pub)
	err := r.sweep(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list stuck tracks")
}
