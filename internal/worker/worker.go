package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/soundmind/composer-be/internal/provider"
	"github.com/soundmind/composer-be/internal/worker/domain"
	"github.com/soundmind/composer-be/internal/worker/storage"
	"github.com/soundmind/composer-be/shared/rabbitmq"
)

// trackStore is the slice of track persistence the processor needs
type trackStore interface {
	GetTrackByID(ctx context.Context, trackID string) (*domain.Track, error)
	ClaimTrack(ctx context.Context, trackID string) error
	SetProviderTaskID(ctx context.Context, trackID, providerTaskID string) error
	MarkReady(ctx context.Context, trackID, trackURL string) error
	MarkFailed(ctx context.Context, trackID, errorMsg string) error
}

// composer drives the external composition provider
type composer interface {
	Compose(ctx context.Context, req provider.ComposeRequest) (string, error)
	Status(ctx context.Context, taskID string) (provider.TaskStatus, error)
}

// Config holds worker configuration
type Config struct {
	Logger              *slog.Logger
	Storage             *storage.Storage
	RabbitClient        *rabbitmq.Client
	Provider            *provider.Client
	WorkerID            string
	Concurrency         int
	PrefetchCount       int
	QueueName           string
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollBudget          time.Duration
}

// Worker consumes dispatch messages and drives tracks to a terminal state
type Worker struct {
	logger       *slog.Logger
	store        trackStore
	composer     composer
	rabbitClient *rabbitmq.Client
	workerID     string
	concurrency  int

	prefetchCount     int
	rabbitMQQueueName string

	pollInitialInterval time.Duration
	pollMaxInterval     time.Duration
	pollBudget          time.Duration

	tracksChan chan *domain.DispatchMessage
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:              cfg.Logger,
		store:               cfg.Storage,
		composer:            cfg.Provider,
		rabbitClient:        cfg.RabbitClient,
		workerID:            cfg.WorkerID,
		concurrency:         cfg.Concurrency,
		prefetchCount:       cfg.PrefetchCount,
		rabbitMQQueueName:   cfg.QueueName,
		pollInitialInterval: cfg.PollInitialInterval,
		pollMaxInterval:     cfg.PollMaxInterval,
		pollBudget:          cfg.PollBudget,
		tracksChan:          make(chan *domain.DispatchMessage),
		stopChan:            make(chan struct{}),
	}
}

// Start begins consuming and processing dispatch messages. Blocks until
// the context is canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_budget", w.pollBudget),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	// The dispatcher stays off the processing path: slow provider polls
	// happen in pool goroutines, so the consumer keeps draining the
	// broker connection and heartbeats are never starved.
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
