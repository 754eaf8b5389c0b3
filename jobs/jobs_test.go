package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/kardex-erp/kardex/internal/jobs"
	"github.com/kardex-erp/kardex/internal/ledger"
)

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func mustTask(t *testing.T, taskType string, payload any) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(taskType, body)
}

type fakeVerifier struct {
	scope       ledger.Scope
	parallelism int
	report      ledger.VerifyReport
	err         error
}

func (f *fakeVerifier) VerifyAll(_ context.Context, scope ledger.Scope, parallelism int) (ledger.VerifyReport, error) {
	f.scope = scope
	f.parallelism = parallelism
	return f.report, f.err
}

func TestReconcileJobSweepsScope(t *testing.T) {
	verifier := &fakeVerifier{report: ledger.VerifyReport{Checked: 3}}
	job := NewReconcileJob(verifier, nil, testMetrics())

	task := mustTask(t, TaskLedgerReconcile, ReconcilePayload{ProductID: 7, Parallelism: 2})
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, ledger.Scope{ProductID: 7}, verifier.scope)
	require.Equal(t, 2, verifier.parallelism)
}

func TestReconcileJobRejectsBadPayload(t *testing.T) {
	job := NewReconcileJob(&fakeVerifier{}, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerReconcile, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileJobFaultsDoNotFailRun(t *testing.T) {
	verifier := &fakeVerifier{report: ledger.VerifyReport{
		Checked: 2,
		Faults: []*ledger.ConsistencyFault{
			{Key: ledger.Key{ProductID: 1, LocationID: 2}, Reason: "quantity mismatch"},
		},
	}}
	job := NewReconcileJob(verifier, nil, testMetrics())

	task := mustTask(t, TaskLedgerReconcile, ReconcilePayload{})
	require.NoError(t, job.Handle(context.Background(), task))
}

type fakeWalker struct {
	keys    []ledger.Key
	faulted map[ledger.Key]bool
	visited []ledger.Key
}

func (f *fakeWalker) Keys(_ context.Context, _ ledger.Scope) ([]ledger.Key, error) {
	return f.keys, nil
}

func (f *fakeWalker) CurrentStock(_ context.Context, productID, locationID int64) (ledger.StockAggregate, error) {
	key := ledger.Key{ProductID: productID, LocationID: locationID}
	f.visited = append(f.visited, key)
	if f.faulted[key] {
		return ledger.StockAggregate{}, &ledger.ConsistencyFault{Key: key, Reason: "checksum chain broken"}
	}
	return ledger.StockAggregate{ProductID: productID, LocationID: locationID}, nil
}

func TestCatchupJobSkipsQuarantinedKeys(t *testing.T) {
	bad := ledger.Key{ProductID: 2, LocationID: 1}
	walker := &fakeWalker{
		keys: []ledger.Key{
			{ProductID: 1, LocationID: 1},
			bad,
			{ProductID: 3, LocationID: 1},
		},
		faulted: map[ledger.Key]bool{bad: true},
	}
	job := NewCatchupJob(walker, nil, testMetrics())

	task := mustTask(t, TaskLedgerCatchup, CatchupPayload{LocationID: 1})
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, walker.visited, 3)
}

type fakeValuer struct {
	asOf   time.Time
	scope  ledger.Scope
	report ledger.ValuationReport
	err    error
}

func (f *fakeValuer) Valuation(_ context.Context, asOf time.Time, scope ledger.Scope) (ledger.ValuationReport, error) {
	f.asOf = asOf
	f.scope = scope
	return f.report, f.err
}

func TestRevalueJobDefaultsToTopOfHour(t *testing.T) {
	valuer := &fakeValuer{}
	job := NewRevalueJob(valuer, nil, testMetrics())
	job.WithClock(func() time.Time {
		return time.Date(2025, 3, 14, 10, 42, 7, 0, time.UTC)
	})

	task := mustTask(t, TaskLedgerRevalue, RevaluePayload{ProductID: 4})
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC), valuer.asOf)
	require.Equal(t, ledger.Scope{ProductID: 4}, valuer.scope)
}

func TestRevalueJobUsesExplicitInstant(t *testing.T) {
	valuer := &fakeValuer{}
	job := NewRevalueJob(valuer, nil, testMetrics())

	task := mustTask(t, TaskLedgerRevalue, RevaluePayload{AsOf: "2025-01-31T23:00:00Z"})
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC), valuer.asOf)
}

func TestRevalueJobUnsupportedHistoricalSkipsRetry(t *testing.T) {
	valuer := &fakeValuer{err: ledger.ErrValidation}
	job := NewRevalueJob(valuer, nil, testMetrics())

	task := mustTask(t, TaskLedgerRevalue, RevaluePayload{AsOf: "2025-01-31T23:00:00Z"})
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type stubEnqueuer struct {
	reconciles []ReconcilePayload
	catchups   []CatchupPayload
	revalues   []RevaluePayload
}

func (s *stubEnqueuer) EnqueueReconcile(_ context.Context, payload ReconcilePayload) (*asynq.TaskInfo, error) {
	s.reconciles = append(s.reconciles, payload)
	return &asynq.TaskInfo{ID: "task-1", Queue: QueueDefault}, nil
}

func (s *stubEnqueuer) EnqueueCatchup(_ context.Context, payload CatchupPayload) (*asynq.TaskInfo, error) {
	s.catchups = append(s.catchups, payload)
	return &asynq.TaskInfo{ID: "task-2", Queue: QueueDefault}, nil
}

func (s *stubEnqueuer) EnqueueRevalue(_ context.Context, payload RevaluePayload) (*asynq.TaskInfo, error) {
	s.revalues = append(s.revalues, payload)
	return &asynq.TaskInfo{ID: "task-3", Queue: QueueDefault}, nil
}

func TestHandlerTriggersReconcile(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	handler := NewHandler(enqueuer, nil, nil)

	router := chi.NewRouter()
	router.Route("/jobs", handler.MountRoutes)

	body := bytes.NewBufferString(`{"product_id":9,"parallelism":3}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs/reconcile", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, enqueuer.reconciles, 1)
	require.Equal(t, int64(9), enqueuer.reconciles[0].ProductID)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "task-1", resp["task_id"])
}

func TestHandlerRejectsMalformedRevalueInstant(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	handler := NewHandler(enqueuer, nil, nil)

	router := chi.NewRouter()
	router.Route("/jobs", handler.MountRoutes)

	body := bytes.NewBufferString(`{"as_of":"yesterday"}`)
	req := httptest.NewRequest(http.MethodPost, "/jobs/revalue", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, enqueuer.revalues)
}
