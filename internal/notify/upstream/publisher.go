// Package upstream reflects run-completion events onto the Boingo API
// as run status updates.
package upstream

import (
	"context"
	"fmt"
)

// StatusClient is the slice of the Boingo client this publisher needs.
type StatusClient interface {
	UpdateRunStatus(ctx context.Context, runID, status string) error
}

// Publisher implements the notifier contract by pushing the run's stage
// upstream instead of onto a message bus.
type Publisher struct {
	client StatusClient
}

// New constructs a Publisher.
func New(client StatusClient) *Publisher {
	return &Publisher{client: client}
}

// Publish extracts the run identity from a completion payload and
// reflects it upstream. The returned id is the run id.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	event, ok := payload.(map[string]any)
	if !ok {
		return "", fmt.Errorf("unsupported payload type %T", payload)
	}
	runID, _ := event["run_id"].(string)
	stage, _ := event["stage"].(string)
	if runID == "" || stage == "" {
		return "", fmt.Errorf("payload missing run_id or stage")
	}
	if err := p.client.UpdateRunStatus(ctx, runID, stage); err != nil {
		return "", fmt.Errorf("update run status upstream: %w", err)
	}
	return runID, nil
}
