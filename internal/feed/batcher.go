package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pricealerts/internal/metrics"
	"pricealerts/internal/models"
)

// Evaluator is implemented by *alerts.Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, ticks []models.Tick) []models.TriggeredAlert
}

// Batcher groups incoming ticks and hands them to an Evaluator in arrival
// order, either when size ticks are buffered or every interval.
type Batcher struct {
	eval     Evaluator
	size     int
	interval time.Duration
	source   string
	logger   *zap.Logger
}

func NewBatcher(eval Evaluator, size int, interval time.Duration, source string, logger *zap.Logger) *Batcher {
	if size <= 0 {
		size = 1
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{eval: eval, size: size, interval: interval, source: source, logger: logger}
}

// Run consumes in until it is closed or ctx is done. Buffered ticks are
// evaluated before returning.
func (b *Batcher) Run(ctx context.Context, in <-chan models.Tick) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	buf := make([]models.Tick, 0, b.size)
	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		fired := b.eval.Evaluate(ctx, buf)
		metrics.TicksProcessed.WithLabelValues(b.source).Add(float64(len(buf)))
		if len(fired) > 0 {
			b.logger.Debug("batch evaluated", zap.Int("ticks", len(buf)), zap.Int("fired", len(fired)))
		}
		buf = make([]models.Tick, 0, b.size)
	}

	for {
		select {
		case t, ok := <-in:
			if !ok {
				flush(ctx)
				return nil
			}
			buf = append(buf, t)
			if len(buf) >= b.size {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}
