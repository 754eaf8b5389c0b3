package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/kardex-erp/kardex/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler wires an Asynq handler during worker setup.
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
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  []TaskHandler
	Cron      []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
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

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
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

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueReconcile enqueues a verification sweep.
func (c *Client) EnqueueReconcile(ctx context.Context, payload ReconcilePayload) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueCatchup enqueues a projection catch-up walk.
func (c *Client) EnqueueCatchup(ctx context.Context, payload CatchupPayload) (*asynq.TaskInfo, error) {
	task, err := NewCatchupTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// EnqueueRevalue enqueues a valuation snapshot.
func (c *Client) EnqueueRevalue(ctx context.Context, payload RevaluePayload) (*asynq.TaskInfo, error) {
	task, err := NewRevalueTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueuer abstracts the client for the HTTP trigger endpoints.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, payload ReconcilePayload) (*asynq.TaskInfo, error)
	EnqueueCatchup(ctx context.Context, payload CatchupPayload) (*asynq.TaskInfo, error)
	EnqueueRevalue(ctx context.Context, payload RevaluePayload) (*asynq.TaskInfo, error)
}

// Handler exposes HTTP endpoints for queue observability and manual
// job triggers.
type Handler struct {
	enqueuer  Enqueuer
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(enqueuer Enqueuer, inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{enqueuer: enqueuer, inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/reconcile", h.triggerReconcile)
	r.Post("/catchup", h.triggerCatchup)
	r.Post("/revalue", h.triggerRevalue)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"default","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueDefault
	if info != nil {
		pending = int(info.Pending)
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + itoa(pending) + `}`))
}

func (h *Handler) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	var payload ReconcilePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Payload", err.Error())
		return
	}
	h.respondEnqueue(w, func() (*asynq.TaskInfo, error) {
		return h.enqueuer.EnqueueReconcile(r.Context(), payload)
	})
}

func (h *Handler) triggerCatchup(w http.ResponseWriter, r *http.Request) {
	var payload CatchupPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Payload", err.Error())
		return
	}
	h.respondEnqueue(w, func() (*asynq.TaskInfo, error) {
		return h.enqueuer.EnqueueCatchup(r.Context(), payload)
	})
}

func (h *Handler) triggerRevalue(w http.ResponseWriter, r *http.Request) {
	var payload RevaluePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Payload", err.Error())
		return
	}
	if payload.AsOf != "" {
		if _, err := time.Parse(time.RFC3339, payload.AsOf); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Payload", "as_of must be RFC3339")
			return
		}
	}
	h.respondEnqueue(w, func() (*asynq.TaskInfo, error) {
		return h.enqueuer.EnqueueRevalue(r.Context(), payload)
	})
}

func (h *Handler) respondEnqueue(w http.ResponseWriter, enqueue func() (*asynq.TaskInfo, error)) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "job queue is not configured")
		return
	}
	info, err := enqueue()
	if err != nil {
		h.logger.Error("enqueue job", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "failed to enqueue job")
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{
		"task_id": info.ID,
		"queue":   info.Queue,
	})
}

func itoa(i int) string {
	return strconv.FormatInt(int64(i), 10)
}
