package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting"
	"github.com/odyssey-erp/odyssey-ledger/internal/events"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

// DefaultRetryDelay is the fixed wait between event redeliveries.
const DefaultRetryDelay = 10 * time.Second

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	RetryDelay  time.Duration
	// MaxRetry caps event redeliveries regardless of what the producer
	// stamped on the task. Negative uses DefaultEventMaxRetry.
	MaxRetry    int
	Router      *events.Router
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = DefaultEventMaxRetry
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueLedger:  6,
			QueueDefault: 1,
		},
		RetryDelayFunc: FixedRetryDelay(cfg.RetryDelay),
		ErrorHandler:   NewFailureLogger(logger, cfg.MaxRetry),
	})
	mux := asynq.NewServeMux()
	if cfg.Router != nil {
		handler := EventHandler(cfg.Router, cfg.MaxRetry)
		for _, eventType := range cfg.Router.Types() {
			mux.HandleFunc(EventTaskType(eventType), handler)
		}
	}
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// FixedRetryDelay waits the same duration before every redelivery.
func FixedRetryDelay(d time.Duration) asynq.RetryDelayFunc {
	return func(int, error, *asynq.Task) time.Duration { return d }
}

// EventHandler decodes event tasks and dispatches them through the router.
// Failures that redelivery cannot fix, and failures past maxRetry
// redeliveries, skip the remaining retries.
func EventHandler(router *events.Router, maxRetry int) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		env, err := DecodeEventTask(t)
		if err != nil {
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		retried, _ := asynq.GetRetryCount(ctx)
		return settle(router.Dispatch(ctx, env), retried, maxRetry)
	}
}

// settle decides whether a dispatch failure goes back to the queue.
func settle(err error, retried, maxRetry int) error {
	if err == nil {
		return nil
	}
	if !retryable(err) || retried >= maxRetry {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}
	return err
}

// retryable treats unclassified failures as retryable. Missing reference
// data may still arrive, so reference errors are redelivered too.
func retryable(err error) bool {
	switch {
	case errors.Is(err, events.ErrMalformedEvent), errors.Is(err, events.ErrUnknownEvent):
		return false
	case accounting.IsRetryable(err), errors.Is(err, accounting.ErrReference):
		return true
	case errors.Is(err, accounting.ErrValidation):
		return false
	}
	return true
}

// NewFailureLogger logs every failed attempt and singles out the final one.
// The budget is the lower of the task's own max retry and maxRetry.
func NewFailureLogger(logger *slog.Logger, maxRetry int) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		budget := maxRetry
		if taskMax, ok := asynq.GetMaxRetry(ctx); ok && taskMax < budget {
			budget = taskMax
		}
		logFailure(logger, t, err, retried, budget)
	})
}

func logFailure(logger *slog.Logger, t *asynq.Task, err error, retried, maxRetry int) {
	attrs := []any{
		slog.String("task_type", t.Type()),
		slog.Int("attempt", retried+1),
		slog.Int("max_retry", maxRetry),
		slog.Any("error", err),
	}
	if IsEventTask(t.Type()) {
		var env events.Envelope
		if json.Unmarshal(t.Payload(), &env) == nil {
			attrs = append(attrs,
				slog.String("event_id", env.ID.String()),
				slog.String("event_type", env.Type),
				slog.Int64("tenant_id", env.TenantID))
		}
	}
	if errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
		logger.Error("event permanently failed", attrs...)
		return
	}
	logger.Warn("task attempt failed, will retry", attrs...)
}

// Client submits jobs to the queue.
type Client struct {
	client   *asynq.Client
	maxRetry int
	now      func() time.Time
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt, maxRetry int) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client, maxRetry: maxRetry, now: time.Now}, nil
}

// Publish wraps evt in an envelope and enqueues it.
func (c *Client) Publish(ctx context.Context, tenantID int64, evt events.Event) (events.Envelope, error) {
	env, err := events.NewEnvelope(tenantID, evt, c.now())
	if err != nil {
		return events.Envelope{}, err
	}
	return env, c.Enqueue(ctx, env)
}

// Enqueue submits a prepared envelope. A task already queued under the same
// event id is treated as success.
func (c *Client) Enqueue(ctx context.Context, env events.Envelope) error {
	task, err := NewEventTask(env, c.maxRetry)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

var _ events.Bus = (*Client)(nil)

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue    string `json:"queue"`
	Pending  int    `json:"pending"`
	Retry    int    `json:"retry"`
	Archived int    `json:"archived"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	out := make([]queueHealth, 0, 2)
	for _, queue := range []string{QueueLedger, QueueDefault} {
		stat := queueHealth{Queue: queue}
		if h.inspector != nil {
			info, err := h.inspector.GetQueueInfo(queue)
			if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
				h.logger.Warn("jobs health", slog.String("queue", queue), slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "queue inspector unavailable")
				return
			}
			if info != nil {
				stat.Pending = info.Pending
				stat.Retry = info.Retry
				stat.Archived = info.Archived
			}
		}
		out = append(out, stat)
	}
	httpx.JSON(w, http.StatusOK, out)
}
