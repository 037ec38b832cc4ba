// Package notify fans terminal batch events out to callbacks and event
// topics.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/logging"
)

// Topic adapts a batch.Publisher to batch.Notifier by publishing the event
// to a fixed topic.
type Topic struct {
	Publisher batch.Publisher
	Name      string
}

// Notify implements batch.Notifier.
func (t Topic) Notify(ctx context.Context, _ batch.Batch, ev batch.Event) error {
	if _, err := t.Publisher.Publish(ctx, t.Name, ev); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Event, t.Name, err)
	}
	return nil
}

// Multi delivers every event to each sink. A failing sink never prevents
// delivery to the others.
type Multi struct {
	sinks  []batch.Notifier
	logger *zap.Logger
}

// NewMulti drops nil sinks.
func NewMulti(logger *zap.Logger, sinks ...batch.Notifier) *Multi {
	m := &Multi{logger: logging.OrNop(logger).Named("notify")}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Notify implements batch.Notifier. The returned error joins all sink
// failures.
func (m *Multi) Notify(ctx context.Context, b batch.Batch, ev batch.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, b, ev); err != nil {
			logging.ForBatch(m.logger, b).Warn("notification sink failed", zap.String("event", ev.Event), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
