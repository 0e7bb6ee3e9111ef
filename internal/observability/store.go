package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"metergate/internal/ledgerstore"
	"metergate/internal/models"
)

// InstrumentedStore wraps a ledgerstore.Store implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStore struct {
	inner    ledgerstore.Store
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStore creates a ledger store wrapper that records trace spans,
// operation latency histograms, and error counters for every store method call.
func NewInstrumentedStore(inner ledgerstore.Store) (*InstrumentedStore, error) {
	tracer := otel.Tracer("metergate/ledgerstore")
	meter := otel.Meter("metergate/ledgerstore")

	duration, err := meter.Float64Histogram(
		"ledger.operation.duration",
		metric.WithDescription("Duration of ledger store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"ledger.operation.errors",
		metric.WithDescription("Number of ledger store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "ledger."+operation,
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("ledger.operation", operation),
		}, attrs...)...),
	)
	return ctx, span
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(attribute.String("operation", operation))

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	ctx, span := s.startSpan(ctx, "GetAccount", attribute.String("user_id", userID))
	start := time.Now()
	result, err := s.inner.GetAccount(ctx, userID)
	s.record(ctx, span, "GetAccount", start, err)
	return result, err
}

func (s *InstrumentedStore) CreateAccount(ctx context.Context, account *models.Account) error {
	ctx, span := s.startSpan(ctx, "CreateAccount",
		attribute.String("user_id", account.UserID),
		attribute.String("plan", account.Plan),
	)
	start := time.Now()
	err := s.inner.CreateAccount(ctx, account)
	s.record(ctx, span, "CreateAccount", start, err)
	return err
}

func (s *InstrumentedStore) IncrementUsed(ctx context.Context, userID string, amount int64, service string, entry models.HistoryEntry) (ledgerstore.IncrementResult, error) {
	ctx, span := s.startSpan(ctx, "IncrementUsed",
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
		attribute.String("service", service),
	)
	start := time.Now()
	result, err := s.inner.IncrementUsed(ctx, userID, amount, service, entry)
	s.record(ctx, span, "IncrementUsed", start, err)
	return result, err
}

func (s *InstrumentedStore) AddCredits(ctx context.Context, userID string, amount int64, entry models.HistoryEntry) error {
	ctx, span := s.startSpan(ctx, "AddCredits",
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
	)
	start := time.Now()
	err := s.inner.AddCredits(ctx, userID, amount, entry)
	s.record(ctx, span, "AddCredits", start, err)
	return err
}

func (s *InstrumentedStore) ResetPeriod(ctx context.Context, userID string, newAllotment, rollover int64, rolloverExpiresAt *time.Time, entries []models.HistoryEntry) error {
	ctx, span := s.startSpan(ctx, "ResetPeriod",
		attribute.String("user_id", userID),
		attribute.Int64("new_allotment", newAllotment),
		attribute.Int64("rollover", rollover),
	)
	start := time.Now()
	err := s.inner.ResetPeriod(ctx, userID, newAllotment, rollover, rolloverExpiresAt, entries)
	s.record(ctx, span, "ResetPeriod", start, err)
	return err
}

func (s *InstrumentedStore) History(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	ctx, span := s.startSpan(ctx, "History",
		attribute.String("user_id", userID),
		attribute.Int("limit", limit),
	)
	start := time.Now()
	result, err := s.inner.History(ctx, userID, limit)
	s.record(ctx, span, "History", start, err)
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
