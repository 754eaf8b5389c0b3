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
	// TaskLedgerRevalue schedules the periodic valuation snapshot.
	TaskLedgerRevalue = "ledger:revalue"
)

// RevaluePayload configures a valuation snapshot. AsOf is RFC3339;
// empty means the top of the current hour. Zero ids mean all products
// or all locations.
type RevaluePayload struct {
	AsOf       string `json:"as_of"`
	ProductID  int64  `json:"product_id"`
	LocationID int64  `json:"location_id"`
}

// Valuer describes the behaviour required to price stock at an instant.
type Valuer interface {
	Valuation(ctx context.Context, asOf time.Time, scope ledger.Scope) (ledger.ValuationReport, error)
}

// RevalueJob computes a valuation snapshot on a schedule. Deployments
// with a report cache get their historical valuations warmed before
// anyone asks for them.
type RevalueJob struct {
	Service Valuer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRevalueJob constructs the job handler.
func NewRevalueJob(service Valuer, logger *slog.Logger, metrics *jobmetrics.Metrics) *RevalueJob {
	return &RevalueJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewRevalueTask creates an Asynq task for a valuation snapshot.
func NewRevalueTask(payload RevaluePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerRevalue, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the valuation snapshot.
func (j *RevalueJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("ledger revalue: dependencies not configured")
	}
	var payload RevaluePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerRevalue)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	asOf, err := j.resolveAsOf(payload.AsOf)
	if err != nil {
		resultErr = err
		j.log().Error("parse as_of", slog.String("as_of", payload.AsOf), slog.Any("error", err))
		return asynq.SkipRetry
	}

	scope := ledger.Scope{ProductID: payload.ProductID, LocationID: payload.LocationID}
	report, err := j.Service.Valuation(ctx, asOf, scope)
	if err != nil {
		resultErr = err
		j.log().Error("valuation snapshot", slog.Time("as_of", asOf), slog.Any("error", err))
		if errors.Is(err, ledger.ErrValidation) {
			// The configured costing method cannot price the past.
			// Retrying will not change that.
			return asynq.SkipRetry
		}
		return resultErr
	}

	j.log().Info("valuation snapshot finished",
		slog.Time("as_of", report.AsOf),
		slog.Int("lines", len(report.Lines)),
		slog.String("total", report.Total.String()))
	return resultErr
}

func (j *RevalueJob) resolveAsOf(raw string) (time.Time, error) {
	if raw == "" {
		return j.now().Truncate(time.Hour), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (j *RevalueJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RevalueJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerRevalue))
	}
	return slog.Default().With(slog.String("job", TaskLedgerRevalue))
}

func (j *RevalueJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *RevalueJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
