// Package notify combines completion-event publishers.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Fanout publishes to every configured notifier. Publishing continues
// past individual failures; the joined error reports all of them.
type Fanout struct {
	notifiers []pipeline.Notifier
}

// NewFanout constructs a Fanout.
func NewFanout(notifiers ...pipeline.Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Publish sends the payload to every notifier and returns the first
// non-empty message id.
func (f *Fanout) Publish(ctx context.Context, topic string, payload any) (string, error) {
	var (
		firstID string
		errs    []error
	)
	for _, n := range f.notifiers {
		id, err := n.Publish(ctx, topic, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("fanout publish: %w", err))
			continue
		}
		if firstID == "" {
			firstID = id
		}
	}
	return firstID, errors.Join(errs...)
}
