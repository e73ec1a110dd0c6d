// Package feed moves price ticks from exchanges and Kafka into the alert
// evaluator.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pricealerts/internal/models"
)

// PriceUpdate is the normalized tick published on the price.updates topic.
type PriceUpdate struct {
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Price     json.Number `json:"price"`
	Timestamp string      `json:"timestamp"`
}

// DecodePriceUpdate parses a PriceUpdate into a validated tick. The price
// may be a JSON number or a numeric string.
func DecodePriceUpdate(b []byte) (models.Tick, error) {
	var u PriceUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return models.Tick{}, fmt.Errorf("decode price update: %w", err)
	}
	price, err := decimal.NewFromString(u.Price.String())
	if err != nil {
		return models.Tick{}, fmt.Errorf("decode price update: price %q: %w", u.Price, err)
	}
	t := models.Tick{Symbol: models.NormalizeSymbol(u.Symbol), Price: price}
	if err := t.Validate(); err != nil {
		return models.Tick{}, fmt.Errorf("decode price update: %w", err)
	}
	return t, nil
}

func EncodePriceUpdate(exchange string, t models.Tick, at time.Time) ([]byte, error) {
	return json.Marshal(PriceUpdate{
		Exchange:  exchange,
		Symbol:    t.Symbol,
		Price:     json.Number(t.Price.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}
