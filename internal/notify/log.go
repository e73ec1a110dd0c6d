package notify

import (
	"context"

	"go.uber.org/zap"

	"pricealerts/internal/models"
)

// LogSink writes triggered alerts to the log.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, t models.TriggeredAlert) error {
	s.Logger.Info(Message(t),
		zap.String("alert_id", t.Alert.ID),
		zap.String("symbol", t.Alert.Symbol),
		zap.String("direction", t.Alert.Direction.String()),
		zap.String("price", t.TriggeringPrice.String()),
	)
	return nil
}
