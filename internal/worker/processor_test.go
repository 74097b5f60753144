package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundmind/composer-be/internal/provider"
	"github.com/soundmind/composer-be/internal/worker/domain"
)

const testTrackID = "3e2f6b54-9c1d-4f3a-8e7b-2d5a6c9f0e1a"

type fakeStore struct {
	track *domain.Track

	getErr        error
	claimErr      error
	markReadyErr  error
	markFailedErr error

	claimCalls   int
	setTaskCalls int
	providerTask string
	readyCalls   int
	readyURL     string
	failedCalls  int
	failedMsg    string
}

func (f *fakeStore) GetTrackByID(ctx context.Context, trackID string) (*domain.Track, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	copied := *f.track
	return &copied, nil
}

func (f *fakeStore) ClaimTrack(ctx context.Context, trackID string) error {
	f.claimCalls++
	if f.claimErr != nil {
		return f.claimErr
	}
	f.track.Status = domain.TrackStatusProcessing
	return nil
}

func (f *fakeStore) SetProviderTaskID(ctx context.Context, trackID, providerTaskID string) error {
	f.setTaskCalls++
	f.providerTask = providerTaskID
	return nil
}

func (f *fakeStore) MarkReady(ctx context.Context, trackID, trackURL string) error {
	if f.markReadyErr != nil {
		return f.markReadyErr
	}
	f.readyCalls++
	f.readyURL = trackURL
	f.track.Status = domain.TrackStatusReady
	f.track.TrackURL = trackURL
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, trackID, errorMsg string) error {
	if f.markFailedErr != nil {
		return f.markFailedErr
	}
	f.failedCalls++
	f.failedMsg = errorMsg
	f.track.Status = domain.TrackStatusFailed
	f.track.Error = errorMsg
	return nil
}

type statusResult struct {
	status provider.TaskStatus
	err    error
}

type fakeComposer struct {
	composeErrs   []error // returned before composeTaskID succeeds
	composeTaskID string
	composeCalls  int
	lastRequest   provider.ComposeRequest

	statuses    []statusResult // consumed in order; the last one repeats
	statusCalls int
}

func (f *fakeComposer) Compose(ctx context.Context, req provider.ComposeRequest) (string, error) {
	call := f.composeCalls
	f.composeCalls++
	f.lastRequest = req
	if call < len(f.composeErrs) {
		return "", f.composeErrs[call]
	}
	return f.composeTaskID, nil
}

func (f *fakeComposer) Status(ctx context.Context, taskID string) (provider.TaskStatus, error) {
	idx := f.statusCalls
	f.statusCalls++
	if len(f.statuses) == 0 {
		return provider.TaskStatus{State: provider.StatePending}, nil
	}
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	return f.statuses[idx].status, f.statuses[idx].err
}

func queuedTrack() *domain.Track {
	return &domain.Track{
		TrackID:       testTrackID,
		Prompt:        "calm ambient, 60s",
		MusicLengthMS: 60_000,
		Status:        domain.TrackStatusQueued,
		MaxRetries:    3,
	}
}

func newTestWorker(store trackStore, comp composer, budget time.Duration) *Worker {
	return &Worker{
		logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:               store,
		composer:            comp,
		workerID:            "test-worker",
		pollInitialInterval: 2 * time.Millisecond,
		pollMaxInterval:     5 * time.Millisecond,
		pollBudget:          budget,
	}
}

func TestProcessTrack_CompletesAfterPolling(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{
		composeTaskID: "T1",
		statuses: []statusResult{
			{status: provider.TaskStatus{State: provider.StatePending}},
			{status: provider.TaskStatus{State: provider.StatePending}},
			{status: provider.TaskStatus{State: provider.StateCompleted, TrackURL: "https://cdn.example.com/a.mp3"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{
		TrackID:       testTrackID,
		Prompt:        "calm ambient, 60s",
		MusicLengthMS: 60_000,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, store.claimCalls)
	assert.Equal(t, "T1", store.providerTask)
	assert.Equal(t, 3, comp.statusCalls)
	assert.Equal(t, 1, store.readyCalls)
	assert.Equal(t, "https://cdn.example.com/a.mp3", store.readyURL)
	assert.Equal(t, domain.TrackStatusReady, store.track.Status)

	// Exactly one terminal state
	assert.Zero(t, store.failedCalls)
	assert.Empty(t, store.track.Error)
}

func TestProcessTrack_ProviderRejectsSubmission(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{
		composeErrs:   []error{fmt.Errorf("%w: status 400: invalid prompt", provider.ErrProviderRejected)},
		composeTaskID: "unreachable",
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Equal(t, 1, comp.composeCalls)
	assert.Zero(t, comp.statusCalls, "rejected submission must never be polled")
	assert.Equal(t, 1, store.failedCalls)
	assert.Contains(t, store.failedMsg, "status 400")
	assert.Equal(t, domain.TrackStatusFailed, store.track.Status)
	assert.Zero(t, store.readyCalls)
}

func TestProcessTrack_SubmissionRetriesTransientErrors(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{
		composeErrs: []error{
			fmt.Errorf("%w: status 503", provider.ErrProviderUnavailable),
			fmt.Errorf("%w: connection refused", provider.ErrProviderUnavailable),
		},
		composeTaskID: "T2",
		statuses: []statusResult{
			{status: provider.TaskStatus{State: provider.StateCompleted, TrackURL: "https://cdn.example.com/b.mp3"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Equal(t, 3, comp.composeCalls)
	assert.Equal(t, 1, store.readyCalls)
	assert.Zero(t, store.failedCalls)
}

func TestProcessTrack_ProviderReportsFailure(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{
		composeTaskID: "T3",
		statuses: []statusResult{
			{status: provider.TaskStatus{State: provider.StateFailed, Reason: "content policy"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Equal(t, 1, store.failedCalls)
	assert.Equal(t, "content policy", store.failedMsg)
	assert.Zero(t, store.readyCalls)
}

func TestProcessTrack_PollingBudgetExhausted(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{composeTaskID: "T4"} // Status always reports pending

	budget := 40 * time.Millisecond
	w := newTestWorker(store, comp, budget)

	start := time.Now()
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 1, store.failedCalls)
	assert.Contains(t, store.failedMsg, "timeout")
	assert.Greater(t, comp.statusCalls, 1)

	// Terminal within budget + one poll interval, with scheduling slack
	assert.Less(t, elapsed, budget+w.pollMaxInterval+50*time.Millisecond)
}

func TestProcessTrack_TransientPollErrorsRetriedWithinBudget(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{
		composeTaskID: "T5",
		statuses: []statusResult{
			{err: fmt.Errorf("%w: status 502", provider.ErrProviderUnavailable)},
			{err: fmt.Errorf("%w: i/o timeout", provider.ErrProviderUnavailable)},
			{status: provider.TaskStatus{State: provider.StateCompleted, TrackURL: "https://cdn.example.com/c.mp3"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Equal(t, 3, comp.statusCalls)
	assert.Equal(t, 1, store.readyCalls)
	assert.Zero(t, store.failedCalls, "transient poll errors must not fail the track")
}

func TestProcessTrack_RedeliveryAfterTerminalIsNoop(t *testing.T) {
	track := queuedTrack()
	track.Status = domain.TrackStatusReady
	track.TrackURL = "https://cdn.example.com/a.mp3"
	store := &fakeStore{track: track}
	comp := &fakeComposer{composeTaskID: "never"}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Zero(t, comp.composeCalls, "terminal redelivery must not reach the provider")
	assert.Zero(t, comp.statusCalls)
	assert.Zero(t, store.claimCalls)
	assert.Zero(t, store.readyCalls)
	assert.Zero(t, store.failedCalls)
}

func TestProcessTrack_PromptFallsBackToStoredRow(t *testing.T) {
	store := &fakeStore{track: queuedTrack()}
	comp := &fakeComposer{
		composeTaskID: "T6",
		statuses: []statusResult{
			{status: provider.TaskStatus{State: provider.StateCompleted, TrackURL: "https://cdn.example.com/d.mp3"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID, Prompt: "  "})

	require.NoError(t, err)
	assert.Equal(t, "calm ambient, 60s", comp.lastRequest.Prompt)
	assert.Equal(t, 60_000, comp.lastRequest.MusicLengthMS)
}

func TestProcessTrack_EmptyPromptFails(t *testing.T) {
	track := queuedTrack()
	track.Prompt = ""
	store := &fakeStore{track: track}
	comp := &fakeComposer{composeTaskID: "never"}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Zero(t, comp.composeCalls)
	assert.Equal(t, 1, store.failedCalls)
	assert.Equal(t, "empty prompt", store.failedMsg)
}

func TestProcessTrack_ClaimLostToConcurrentWorker(t *testing.T) {
	store := &fakeStore{track: queuedTrack(), claimErr: domain.ErrTrackAlreadyClaimed}
	comp := &fakeComposer{composeTaskID: "never"}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTrackAlreadyClaimed)
	assert.False(t, w.shouldRequeueTrack(err))
	assert.Zero(t, comp.composeCalls)
}

func TestProcessTrack_UnknownTrackNotRequeued(t *testing.T) {
	store := &fakeStore{track: queuedTrack(), getErr: domain.ErrTrackNotFound}
	comp := &fakeComposer{}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTrackNotFound)
	assert.False(t, w.shouldRequeueTrack(err))
}

func TestProcessTrack_TransientStoreErrorIsRequeued(t *testing.T) {
	store := &fakeStore{track: queuedTrack(), getErr: errors.New("connection reset")}
	comp := &fakeComposer{}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.Error(t, err)
	assert.True(t, w.shouldRequeueTrack(err))
}

func TestProcessTrack_FailedTerminalWriteIsRequeued(t *testing.T) {
	store := &fakeStore{
		track:         queuedTrack(),
		markFailedErr: errors.New("connection reset"),
	}
	comp := &fakeComposer{
		composeErrs: []error{fmt.Errorf("%w: status 400", provider.ErrProviderRejected)},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	// No terminal state was persisted, so the message must not be acked
	require.Error(t, err)
	assert.True(t, w.shouldRequeueTrack(err))
}

func TestProcessTrack_ReadyWriteConflictNotAcked(t *testing.T) {
	store := &fakeStore{
		track:        queuedTrack(),
		markReadyErr: domain.ErrTrackNotProcessing,
	}
	comp := &fakeComposer{
		composeTaskID: "T8",
		statuses: []statusResult{
			{status: provider.TaskStatus{State: provider.StateCompleted, TrackURL: "https://cdn.example.com/f.mp3"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	// The row left PROCESSING under us, so nothing terminal was persisted
	// for this delivery and it must not be acked
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTrackNotProcessing)
	assert.False(t, w.shouldRequeueTrack(err), "the new owner of the row drives it; no redelivery")
	assert.Zero(t, store.readyCalls)
	assert.Equal(t, domain.TrackStatusProcessing, store.track.Status)
}

func TestProcessTrack_FailedWriteConflictNotAcked(t *testing.T) {
	store := &fakeStore{
		track:         queuedTrack(),
		markFailedErr: domain.ErrTrackNotProcessing,
	}
	comp := &fakeComposer{
		composeErrs: []error{fmt.Errorf("%w: status 400", provider.ErrProviderRejected)},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTrackNotProcessing)
	assert.False(t, w.shouldRequeueTrack(err))
	assert.Zero(t, store.failedCalls)
}

func TestProcessTrack_ResumesProcessingRow(t *testing.T) {
	track := queuedTrack()
	track.Status = domain.TrackStatusProcessing
	store := &fakeStore{track: track}
	comp := &fakeComposer{
		composeTaskID: "T7",
		statuses: []statusResult{
			{status: provider.TaskStatus{State: provider.StateCompleted, TrackURL: "https://cdn.example.com/e.mp3"}},
		},
	}

	w := newTestWorker(store, comp, time.Second)
	err := w.processTrack(context.Background(), &domain.DispatchMessage{TrackID: testTrackID})

	require.NoError(t, err)
	assert.Zero(t, store.claimCalls, "a PROCESSING row is resumed, not re-claimed")
	assert.Equal(t, 1, store.readyCalls)
}

func TestNextInterval(t *testing.T) {
	assert.Equal(t, 3*time.Second, nextInterval(2*time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, nextInterval(8*time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, nextInterval(10*time.Second, 10*time.Second))
}
