package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kardex-erp/kardex/internal/observability"
)

const (
	defaultHistoryLimit      = 100
	maxHistoryLimit          = 500
	defaultVerifyParallelism = 4
)

// ServiceConfig groups engine policy settings.
type ServiceConfig struct {
	// AllowBackorders permits projected quantity below zero for
	// ordinary adjustments instead of rejecting them.
	AllowBackorders bool
	// Costing selects the valuation method for the deployment.
	Costing CostingMethod
	// StrictScope makes valuation fail on scopes matching nothing.
	StrictScope bool
}

// ServiceParams wires the service's collaborators. Events and
// Aggregates are required; the rest degrade gracefully when nil.
type ServiceParams struct {
	Events     EventStore
	Aggregates AggregateStore
	Thresholds ThresholdSource
	Catalog    Catalog
	Sink       AlertSink
	Metrics    *observability.LedgerMetrics
	Logger     *slog.Logger
	// WrapValuer decorates the engine valuer, typically with a report
	// cache for immutable historical valuations.
	WrapValuer func(ValuerPort) ValuerPort
}

// Service is the stock ledger façade. It validates adjustments,
// appends them to the log, drives the projection, evaluates thresholds
// and serves the read side. The log is the source of truth throughout;
// everything the service answers is derived from it.
type Service struct {
	events     EventStore
	projector  *Projector
	valuer     ValuerPort
	thresholds ThresholdSource
	catalog    Catalog
	sink       AlertSink
	validate   *validator.Validate
	log        *slog.Logger
	metrics    *observability.LedgerMetrics
	clock      func() time.Time
}

// NewService builds the engine from its collaborators and policy.
func NewService(params ServiceParams, cfg ServiceConfig) (*Service, error) {
	if params.Events == nil {
		return nil, errors.New("ledger: event store is required")
	}
	if params.Aggregates == nil {
		return nil, errors.New("ledger: aggregate store is required")
	}
	method := cfg.Costing
	if method == "" {
		method = CostingWeightedAverage
	}
	if !method.Valid() {
		return nil, fmt.Errorf("ledger: unknown costing method %q", cfg.Costing)
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	projector := NewProjector(params.Events, params.Aggregates, cfg.AllowBackorders, params.Metrics)
	var valuer ValuerPort = NewValuer(params.Events, projector, method, cfg.StrictScope, cfg.AllowBackorders)
	if params.WrapValuer != nil {
		valuer = params.WrapValuer(valuer)
	}
	return &Service{
		events:     params.Events,
		projector:  projector,
		valuer:     valuer,
		thresholds: params.Thresholds,
		catalog:    params.Catalog,
		sink:       params.Sink,
		validate:   validator.New(),
		log:        logger.With(slog.String("component", "ledger")),
		metrics:    params.Metrics,
	}, nil
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

// SubmitAdjustment validates and records one stock adjustment, folds
// it into the projection and evaluates thresholds. The returned event
// carries the assigned id. When the fold is rejected for insufficient
// stock the event stays in the log and is returned together with
// ErrInsufficientStock; retrying a transient append failure with the
// same RequestID never records a duplicate.
func (s *Service) SubmitAdjustment(ctx context.Context, input AdjustmentInput) (StockEvent, error) {
	return s.submit(ctx, input, false)
}

// ForceAdjustment records a privileged adjustment that may drive
// quantity below zero. The override is stamped on the event itself, so
// rebuilds and replays reproduce the same outcome.
func (s *Service) ForceAdjustment(ctx context.Context, input AdjustmentInput) (StockEvent, error) {
	return s.submit(ctx, input, true)
}

func (s *Service) submit(ctx context.Context, input AdjustmentInput, forced bool) (StockEvent, error) {
	if err := s.validateInput(ctx, input); err != nil {
		return StockEvent{}, err
	}
	key := Key{ProductID: input.ProductID, LocationID: input.LocationID}
	if f := s.projector.Fault(key); f != nil {
		return StockEvent{}, f
	}
	// costs travel at a fixed scale so every store reproduces the
	// recorded value exactly
	stored, err := s.events.Append(ctx, StockEvent{
		RequestID:  input.RequestID,
		ProductID:  input.ProductID,
		LocationID: input.LocationID,
		Delta:      input.Delta,
		UnitCost:   input.UnitCost.Round(costScale),
		Kind:       input.Kind,
		Reason:     input.Reason,
		ActorID:    input.ActorID,
		Forced:     forced,
	})
	if err != nil {
		return StockEvent{}, fmt.Errorf("append adjustment: %w", err)
	}
	s.metrics.EventAppended()

	// the event is durable now; the fold must survive caller cancellation
	detached := context.WithoutCancel(ctx)
	agg, err := s.projector.Apply(detached, stored)
	if err != nil {
		return stored, err
	}
	s.emitAlert(detached, agg)
	return stored, nil
}

// SubmitTransfer moves stock between two locations of a product as an
// outbound event at the source followed by an inbound event at the
// destination, carried at the source's average cost at submit time.
// There is no transaction spanning the legs: a failed inbound leg
// leaves the outbound one recorded, and the remedy is a correcting
// adjustment, never an edit.
func (s *Service) SubmitTransfer(ctx context.Context, input TransferInput) (StockEvent, StockEvent, error) {
	if err := s.validate.Struct(input); err != nil {
		return StockEvent{}, StockEvent{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if input.SrcLocation == input.DstLocation {
		return StockEvent{}, StockEvent{}, fmt.Errorf("%w: source and destination location must differ", ErrValidation)
	}
	srcKey := Key{ProductID: input.ProductID, LocationID: input.SrcLocation}
	srcAgg, err := s.projector.CurrentState(ctx, srcKey)
	if err != nil {
		return StockEvent{}, StockEvent{}, err
	}
	// the inbound leg is costed at the source average; a drained source
	// has none, so reject before the outbound leg is recorded
	if !srcAgg.AvgCost.IsPositive() {
		return StockEvent{}, StockEvent{}, fmt.Errorf("%w: source %s has no costed stock to transfer", ErrValidation, srcKey)
	}
	outReq, inReq := uuid.Nil, uuid.Nil
	if input.RequestID != uuid.Nil {
		// derive one idempotency key per leg so retries stay safe
		outReq = uuid.NewSHA1(input.RequestID, []byte("transfer-out"))
		inReq = uuid.NewSHA1(input.RequestID, []byte("transfer-in"))
	}
	out, err := s.submit(ctx, AdjustmentInput{
		ProductID:  input.ProductID,
		LocationID: input.SrcLocation,
		Delta:      -input.Quantity,
		Kind:       KindTransferOut,
		Reason:     fmt.Sprintf("Transfer to %d: %s", input.DstLocation, input.Reason),
		ActorID:    input.ActorID,
		RequestID:  outReq,
	}, false)
	if err != nil {
		return StockEvent{}, StockEvent{}, err
	}
	in, err := s.submit(ctx, AdjustmentInput{
		ProductID:  input.ProductID,
		LocationID: input.DstLocation,
		Delta:      input.Quantity,
		UnitCost:   srcAgg.AvgCost,
		Kind:       KindTransferIn,
		Reason:     fmt.Sprintf("Transfer from %d: %s", input.SrcLocation, input.Reason),
		ActorID:    input.ActorID,
		RequestID:  inReq,
	}, false)
	if err != nil {
		return out, StockEvent{}, err
	}
	return out, in, nil
}

// CurrentStock returns the projected state of one product at one
// location, catching the projection up to the log head first.
func (s *Service) CurrentStock(ctx context.Context, productID, locationID int64) (StockAggregate, error) {
	if productID <= 0 || locationID <= 0 {
		return StockAggregate{}, fmt.Errorf("%w: product and location are required", ErrValidation)
	}
	return s.projector.CurrentState(ctx, Key{ProductID: productID, LocationID: locationID})
}

// Summary lists projected state for every key in scope, ordered by
// product then location. A quarantined key inside the scope surfaces
// as its consistency fault rather than as suspect numbers.
func (s *Service) Summary(ctx context.Context, scope Scope) ([]StockAggregate, error) {
	keys, err := s.events.Keys(ctx, scope)
	if err != nil {
		return nil, err
	}
	out := make([]StockAggregate, 0, len(keys))
	for _, key := range keys {
		agg, err := s.projector.CurrentState(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// MovementHistory lists adjustment events for one key oldest first,
// optionally bounded to a time window. Pages restart from any event id
// via AfterID, so a consumer can resume a feed without rereading.
func (s *Service) MovementHistory(ctx context.Context, filter HistoryFilter) ([]StockEvent, error) {
	if filter.ProductID <= 0 || filter.LocationID <= 0 {
		return nil, fmt.Errorf("%w: product and location are required", ErrValidation)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("%w: history window ends before it starts", ErrValidation)
	}
	key := filter.Key()
	head, err := s.events.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, fmt.Errorf("%w: no stock recorded for %s", ErrNotFound, key)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.events.ReadWindow(ctx, key, filter.From, filter.To, filter.AfterID, limit)
}

// Valuation prices the stock inside scope. A zero asOf means now;
// historical instants require the as-of-replay costing method.
func (s *Service) Valuation(ctx context.Context, asOf time.Time, scope Scope) (ValuationReport, error) {
	return s.valuer.ValueAt(ctx, asOf, scope)
}

// LowStockItems reports every key in scope currently at or below its
// minimum threshold.
func (s *Service) LowStockItems(ctx context.Context, scope Scope) ([]AlertSignal, error) {
	if s.thresholds == nil {
		return nil, nil
	}
	keys, err := s.events.Keys(ctx, scope)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []AlertSignal
	for _, key := range keys {
		agg, err := s.projector.CurrentState(ctx, key)
		if err != nil {
			return nil, err
		}
		th, ok, err := s.thresholds.Lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if sig, breached := EvaluateThreshold(agg, th, now); breached && sig.Kind == AlertLowStock {
			out = append(out, sig)
		}
	}
	return out, nil
}

// Rebuild replays one key from its first event, replacing the stored
// projection and clearing any quarantine. It is the manual
// reconciliation step for a consistency fault.
func (s *Service) Rebuild(ctx context.Context, key Key) (StockAggregate, error) {
	return s.projector.Rebuild(ctx, key)
}

// Verify checks one key's checksum chain and projection against a full
// replay, quarantining the key on divergence.
func (s *Service) Verify(ctx context.Context, key Key) error {
	return s.projector.Verify(ctx, key)
}

// VerifyReport summarises a reconciliation sweep.
type VerifyReport struct {
	Checked int
	Faults  []*ConsistencyFault
}

// VerifyAll verifies every key in scope with bounded parallelism.
// Detected faults are collected, not returned as errors; the affected
// keys stay quarantined until rebuilt.
func (s *Service) VerifyAll(ctx context.Context, scope Scope, parallelism int) (VerifyReport, error) {
	keys, err := s.events.Keys(ctx, scope)
	if err != nil {
		return VerifyReport{}, err
	}
	if parallelism <= 0 {
		parallelism = defaultVerifyParallelism
	}
	var mu sync.Mutex
	report := VerifyReport{Checked: len(keys)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, key := range keys {
		g.Go(func() error {
			err := s.projector.Verify(ctx, key)
			var fault *ConsistencyFault
			if errors.As(err, &fault) {
				mu.Lock()
				report.Faults = append(report.Faults, fault)
				mu.Unlock()
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// Keys lists ledger keys with recorded events inside scope.
func (s *Service) Keys(ctx context.Context, scope Scope) ([]Key, error) {
	return s.events.Keys(ctx, scope)
}

// Faults lists currently quarantined keys.
func (s *Service) Faults() []*ConsistencyFault {
	return s.projector.Faults()
}

func (s *Service) validateInput(ctx context.Context, input AdjustmentInput) error {
	if err := s.validate.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !input.Kind.Valid() {
		return fmt.Errorf("%w: unknown adjustment kind %q", ErrValidation, input.Kind)
	}
	if !input.Kind.AllowsDelta(input.Delta) {
		return fmt.Errorf("%w: kind %s does not allow delta %d", ErrValidation, input.Kind, input.Delta)
	}
	if input.Delta > 0 && !input.UnitCost.IsPositive() {
		return fmt.Errorf("%w: inbound adjustments require a positive unit cost", ErrValidation)
	}
	if input.Delta < 0 && !input.UnitCost.IsZero() {
		return fmt.Errorf("%w: outbound adjustments are costed at the current average, leave unit cost zero", ErrValidation)
	}
	return s.checkCatalog(ctx, input.ProductID, input.LocationID)
}

func (s *Service) checkCatalog(ctx context.Context, productID, locationID int64) error {
	if s.catalog == nil {
		return nil
	}
	ok, err := s.catalog.ProductExists(ctx, productID)
	if err != nil {
		return fmt.Errorf("catalog product lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown product %d", ErrValidation, productID)
	}
	ok, err = s.catalog.LocationExists(ctx, locationID)
	if err != nil {
		return fmt.Errorf("catalog location lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown location %d", ErrValidation, locationID)
	}
	return nil
}

func (s *Service) emitAlert(ctx context.Context, agg StockAggregate) {
	if s.thresholds == nil || s.sink == nil {
		return
	}
	th, ok, err := s.thresholds.Lookup(ctx, agg.Key())
	if err != nil {
		s.log.Warn("threshold lookup failed", slog.String("key", agg.Key().String()), slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	sig, breached := EvaluateThreshold(agg, th, s.now())
	if !breached {
		return
	}
	s.metrics.AlertEmitted(string(sig.Kind))
	if err := s.sink.Publish(ctx, sig); err != nil {
		s.metrics.SinkError()
		s.log.Warn("alert publish failed",
			slog.String("key", sig.Key().String()),
			slog.String("kind", string(sig.Kind)),
			slog.Any("error", err))
	}
}
