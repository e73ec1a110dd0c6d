// Package notify delivers triggered price alerts to external sinks without
// blocking the evaluator.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"pricealerts/internal/models"
)

// Sink delivers one triggered alert. Implementations should honor ctx.
type Sink interface {
	Notify(ctx context.Context, t models.TriggeredAlert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t models.TriggeredAlert) error

func (f SinkFunc) Notify(ctx context.Context, t models.TriggeredAlert) error { return f(ctx, t) }

type named interface {
	Name() string
}

func sinkName(s Sink) string {
	if n, ok := s.(named); ok {
		return n.Name()
	}
	return "custom"
}

// Message renders the user facing text, e.g.
// "AAPL reached $150.00 target price (above)".
func Message(t models.TriggeredAlert) string {
	return fmt.Sprintf("%s reached $%s target price (%s)",
		t.Alert.Symbol, t.Alert.TargetPrice.StringFixed(2), t.Alert.Direction)
}

// AlertMessage is the JSON payload published to Redis, webhooks and SSE
// clients.
type AlertMessage struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	TargetPrice json.Number `json:"targetPrice"`
	Direction   string      `json:"direction"`
	Price       json.Number `json:"price"`
	Message     string      `json:"message"`
	TriggeredAt int64       `json:"triggeredAt"`
}

func NewAlertMessage(t models.TriggeredAlert) AlertMessage {
	m := AlertMessage{
		ID:          t.Alert.ID,
		Symbol:      t.Alert.Symbol,
		TargetPrice: json.Number(t.Alert.TargetPrice.String()),
		Direction:   t.Alert.Direction.String(),
		Price:       json.Number(t.TriggeringPrice.String()),
		Message:     Message(t),
	}
	if t.Alert.TriggeredAt != nil {
		m.TriggeredAt = t.Alert.TriggeredAt.UnixMilli()
	}
	return m
}
