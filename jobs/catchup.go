package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/kardex-erp/kardex/internal/jobs"
	"github.com/kardex-erp/kardex/internal/ledger"
)

const (
	// TaskLedgerCatchup schedules the projection catch-up walk.
	TaskLedgerCatchup = "ledger:catchup"
)

// CatchupPayload configures the scope of a catch-up walk. Zero ids
// mean all products or all locations.
type CatchupPayload struct {
	ProductID  int64 `json:"product_id"`
	LocationID int64 `json:"location_id"`
}

// StateWalker describes the read side the catch-up drives. Reading
// current state folds any events the projection has not seen yet.
type StateWalker interface {
	Keys(ctx context.Context, scope ledger.Scope) ([]ledger.Key, error)
	CurrentStock(ctx context.Context, productID, locationID int64) (ledger.StockAggregate, error)
}

// CatchupJob walks every key in scope so projections never lag far
// behind the log even on keys nobody queries.
type CatchupJob struct {
	Service StateWalker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCatchupJob constructs the job handler.
func NewCatchupJob(service StateWalker, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatchupJob {
	return &CatchupJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewCatchupTask creates an Asynq task for a projection catch-up walk.
func NewCatchupTask(payload CatchupPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerCatchup, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the catch-up walk. Quarantined keys are skipped and
// reported; they stay halted until an operator rebuilds them.
func (j *CatchupJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger catchup: dependencies not configured")
	}
	var payload CatchupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerCatchup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	scope := ledger.Scope{ProductID: payload.ProductID, LocationID: payload.LocationID}
	keys, err := j.Service.Keys(ctx, scope)
	if err != nil {
		resultErr = err
		j.log().Error("list keys", slog.Any("error", err))
		return resultErr
	}

	caughtUp := 0
	quarantined := 0
	for _, key := range keys {
		if _, err := j.Service.CurrentStock(ctx, key.ProductID, key.LocationID); err != nil {
			if errors.Is(err, ledger.ErrConsistency) {
				quarantined++
				j.log().Warn("skipping quarantined key",
					slog.Int64("product_id", key.ProductID),
					slog.Int64("location_id", key.LocationID))
				continue
			}
			resultErr = err
			j.log().Error("catch up key",
				slog.Int64("product_id", key.ProductID),
				slog.Int64("location_id", key.LocationID),
				slog.Any("error", err))
			return resultErr
		}
		caughtUp++
	}

	j.log().Info("projection catch-up finished",
		slog.Int("keys", caughtUp),
		slog.Int("quarantined", quarantined),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *CatchupJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CatchupJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerCatchup))
	}
	return slog.Default().With(slog.String("job", TaskLedgerCatchup))
}

func (j *CatchupJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CatchupJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
