package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubStatusClient struct {
	err    error
	runID  string
	status string
}

func (c *stubStatusClient) UpdateRunStatus(_ context.Context, runID, status string) error {
	c.runID = runID
	c.status = status
	return c.err
}

func TestPublishReflectsStatus(t *testing.T) {
	t.Parallel()

	client := &stubStatusClient{}
	p := New(client)
	id, err := p.Publish(context.Background(), "run-completed", map[string]any{
		"run_id": "run-1",
		"stage":  "succeeded",
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", id)
	require.Equal(t, "succeeded", client.status)
}

func TestPublishRejectsUnknownPayload(t *testing.T) {
	t.Parallel()

	p := New(&stubStatusClient{})
	_, err := p.Publish(context.Background(), "run-completed", "raw string")
	require.ErrorContains(t, err, "unsupported payload type")

	_, err = p.Publish(context.Background(), "run-completed", map[string]any{"stage": "succeeded"})
	require.ErrorContains(t, err, "missing run_id")
}

func TestPublishPropagatesClientError(t *testing.T) {
	t.Parallel()

	p := New(&stubStatusClient{err: errors.New("upstream down")})
	_, err := p.Publish(context.Background(), "run-completed", map[string]any{
		"run_id": "run-1",
		"stage":  "failed",
	})
	require.ErrorContains(t, err, "upstream down")
}
