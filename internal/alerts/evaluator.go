package alerts

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pricealerts/internal/metrics"
	"pricealerts/internal/models"
)

// Notifier receives triggered alerts. Implementations are expected not to
// block; notify.Dispatcher queues and returns immediately.
type Notifier interface {
	Notify(ctx context.Context, t models.TriggeredAlert) error
}

// Evaluator fires the active alerts of a Store that a batch of ticks
// satisfies.
type Evaluator struct {
	mu       sync.Mutex
	store    *Store
	notifier Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEvaluator reports fired alerts to notifier, which may be nil.
func NewEvaluator(store *Store, notifier Notifier, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("price-alerts"),
	}
}

// Evaluate processes ticks in order. An alert fires at most once: it is
// deactivated before the next tick is looked at, so later ticks in the same
// batch (or a repeated batch) cannot fire it again. Ticks with an empty
// symbol or a non-positive price are skipped.
func (e *Evaluator) Evaluate(ctx context.Context, ticks []models.Tick) []models.TriggeredAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "Evaluate", trace.WithAttributes(attribute.Int("ticks", len(ticks))))
	defer span.End()

	var fired []models.TriggeredAlert
	for _, tick := range ticks {
		if err := tick.Validate(); err != nil {
			e.logger.Debug("skipping tick", zap.String("symbol", tick.Symbol), zap.Error(err))
			continue
		}
		for _, alert := range e.candidates(tick.Symbol) {
			if !alert.Matches(tick.Price) {
				continue
			}
			updated, ok := e.store.trigger(alert.ID, tick.Price, e.store.now())
			if !ok {
				continue
			}
			t := models.TriggeredAlert{Alert: updated, TriggeringPrice: tick.Price}
			fired = append(fired, t)

			metrics.AlertsTriggered.WithLabelValues(updated.Symbol, updated.Direction.String()).Inc()
			e.logger.Info("price alert triggered",
				zap.String("alert_id", updated.ID),
				zap.String("symbol", updated.Symbol),
				zap.String("direction", updated.Direction.String()),
				zap.String("target_price", updated.TargetPrice.String()),
				zap.String("price", tick.Price.String()),
			)
			e.notify(ctx, t)
		}
	}

	span.SetAttributes(attribute.Int("fired", len(fired)))
	return fired
}

// candidates are the active alerts for symbol, in insertion order.
func (e *Evaluator) candidates(symbol string) []models.PriceAlert {
	all := e.store.ListBySymbol(symbol)
	out := all[:0]
	for _, a := range all {
		if a.Active {
			out = append(out, a)
		}
	}
	return out
}

func (e *Evaluator) notify(ctx context.Context, t models.TriggeredAlert) {
	if e.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked", zap.String("alert_id", t.Alert.ID), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := e.notifier.Notify(ctx, t); err != nil {
		e.logger.Error("notify failed", zap.String("alert_id", t.Alert.ID), zap.Error(err))
	}
}
