package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/shared"
)

// Worker wraps the Asynq server and the cron scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  *Handlers
}

// NewWorker constructs a Worker instance with the periodic sweeps
// registered: escalation scan hourly, RFQ deadline sweep every ten
// minutes, order close sweep every fifteen minutes, idempotency
// cleanup nightly.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(shared.TaskTypeNotify, cfg.Handlers.HandleNotify)
	mux.HandleFunc(TaskTypeEscalationScan, cfg.Handlers.HandleEscalationScan)
	mux.HandleFunc(TaskTypeRFQDeadline, cfg.Handlers.HandleRFQDeadline)
	mux.HandleFunc(TaskTypeOrderCloseScan, cfg.Handlers.HandleOrderCloseScan)
	mux.HandleFunc(TaskTypeIdempotencyCleanup, cfg.Handlers.HandleIdempotencyCleanup)

	scheduler := asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
	crons := []struct {
		spec string
		task *asynq.Task
	}{
		{"@every 1h", asynq.NewTask(TaskTypeEscalationScan, nil)},
		{"@every 10m", asynq.NewTask(TaskTypeRFQDeadline, nil)},
		{"@every 15m", asynq.NewTask(TaskTypeOrderCloseScan, nil)},
		{"0 3 * * *", asynq.NewTask(TaskTypeIdempotencyCleanup, nil)},
	}
	for _, entry := range crons {
		if _, err := scheduler.Register(entry.spec, entry.task, asynq.Queue(QueueDefault)); err != nil {
			return nil, err
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if err := w.scheduler.Start(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.scheduler.Shutdown()
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		w.scheduler.Shutdown()
		return err
	}
}
