package notify

import (
	"context"
	"errors"
	"fmt"

	"pricealerts/internal/models"
)

// MultiSink fans an alert out to every sink. One failing sink does not stop
// the others; their errors are joined.
type MultiSink []Sink

func (MultiSink) Name() string { return "multi" }

func (m MultiSink) Notify(ctx context.Context, t models.TriggeredAlert) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sinkName(s), err))
		}
	}
	return errors.Join(errs...)
}
