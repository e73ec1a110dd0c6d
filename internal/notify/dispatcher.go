package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pricealerts/internal/metrics"
	"pricealerts/internal/models"
)

type DispatcherConfig struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// Dispatcher queues triggered alerts and delivers them to a Sink on a pool
// of workers. A full queue drops the alert instead of blocking the caller.
type Dispatcher struct {
	sink   Sink
	name   string
	logger *zap.Logger
	cfg    DispatcherConfig

	mu     sync.RWMutex
	closed bool
	queue  chan models.TriggeredAlert
	wg     sync.WaitGroup
	start  sync.Once
}

func NewDispatcher(sink Sink, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		sink:   sink,
		name:   sinkName(sink),
		logger: logger,
		cfg:    cfg,
		queue:  make(chan models.TriggeredAlert, cfg.QueueSize),
	}
}

// Notify enqueues t. It never blocks and always returns nil.
func (d *Dispatcher) Notify(_ context.Context, t models.TriggeredAlert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(t, "dispatcher closed")
		return nil
	}
	select {
	case d.queue <- t:
	default:
		d.drop(t, "queue full")
	}
	return nil
}

func (d *Dispatcher) drop(t models.TriggeredAlert, reason string) {
	metrics.NotificationsDropped.Inc()
	d.logger.Warn("notification dropped",
		zap.String("alert_id", t.Alert.ID),
		zap.String("symbol", t.Alert.Symbol),
		zap.String("reason", reason),
	)
}

// Start launches the workers. Workers stop when ctx is done or after Close
// once the queue is drained.
func (d *Dispatcher) Start(ctx context.Context) {
	d.start.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case t, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t models.TriggeredAlert) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.Notifications.WithLabelValues(d.name, "panic").Inc()
			d.logger.Error("notification sink panicked",
				zap.String("sink", d.name),
				zap.String("alert_id", t.Alert.ID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := d.sink.Notify(ctx, t); err != nil {
		metrics.Notifications.WithLabelValues(d.name, "error").Inc()
		d.logger.Error("notification failed",
			zap.String("sink", d.name),
			zap.String("alert_id", t.Alert.ID),
			zap.Error(err),
		)
		return
	}
	metrics.Notifications.WithLabelValues(d.name, "ok").Inc()
}

// Close stops accepting alerts and waits for the workers to finish what is
// queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}
