package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/internal/events"
	"parkbeat/pkg/logging"
)

type capturedPublish struct {
	projectID string
	env       events.Envelope
}

type fakePublisher struct {
	published chan capturedPublish
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(chan capturedPublish, 16)}
}

func (f *fakePublisher) FanOutProject(_ context.Context, projectID string, env events.Envelope, _ ...string) (int, error) {
	f.published <- capturedPublish{projectID: projectID, env: env}
	return 1, nil
}

func (f *fakePublisher) wait(t *testing.T) capturedPublish {
	t.Helper()
	select {
	case p := <-f.published:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
		return capturedPublish{}
	}
}

func TestDefaultValidator(t *testing.T) {
	cases := []struct {
		name   string
		source string
		valid  bool
	}{
		{"https", "https://cdn.example.com/tree.jpg", true},
		{"http", "http://cdn.example.com/tree.jpg", true},
		{"data uri", "data:image/png;base64,iVBOR", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"file scheme", "file:///etc/passwd", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := DefaultValidator(context.Background(), events.ValidateImagePayload{
				ProjectID:   "p1",
				ImageSource: tc.source,
			})
			assert.Equal(t, tc.valid, result.Valid)
			if !tc.valid {
				assert.NotEmpty(t, result.Reason)
			}
		})
	}
}

func TestRunnerPublishesValidationResult(t *testing.T) {
	publisher := newFakePublisher()
	runner := NewRunner(publisher, nil, logging.NewLogger(), nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	require.NoError(t, runner.EnqueueValidateImage(events.ValidateImagePayload{
		ProjectID:   "p1",
		RequestID:   "r1",
		ImageSource: "https://cdn.example.com/tree.jpg",
	}))

	published := publisher.wait(t)
	assert.Equal(t, "p1", published.projectID)
	assert.Equal(t, events.ImageValidation, published.env.Event)

	var result events.ImageValidationPayload
	require.NoError(t, json.Unmarshal(published.env.Data, &result))
	assert.True(t, result.Valid)
	assert.Equal(t, "r1", result.RequestID)
}

func TestRunnerCustomValidator(t *testing.T) {
	publisher := newFakePublisher()
	validator := func(_ context.Context, req events.ValidateImagePayload) events.ImageValidationPayload {
		return events.ImageValidationPayload{ProjectID: req.ProjectID, Reason: "rejected by policy"}
	}
	runner := NewRunner(publisher, validator, logging.NewLogger(), nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner.Start(ctx)

	require.NoError(t, runner.EnqueueValidateImage(events.ValidateImagePayload{
		ProjectID:   "p1",
		ImageSource: "https://cdn.example.com/tree.jpg",
	}))

	published := publisher.wait(t)
	var result events.ImageValidationPayload
	require.NoError(t, json.Unmarshal(published.env.Data, &result))
	assert.False(t, result.Valid)
	assert.Equal(t, "rejected by policy", result.Reason)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	// Workers never started, so the queue fills up.
	runner := NewRunner(newFakePublisher(), nil, logging.NewLogger(), nil, 1)

	var err error
	for i := 0; i < 300; i++ {
		if err = runner.EnqueueValidateImage(events.ValidateImagePayload{ProjectID: "p1"}); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPublishResultHelpers(t *testing.T) {
	publisher := newFakePublisher()
	runner := NewRunner(publisher, nil, logging.NewLogger(), nil, 1)
	ctx := context.Background()

	require.NoError(t, runner.PublishImageAnalysis(ctx, events.ImageAnalysisPayload{
		ProjectID: "p1", RequestID: "r1", Analysis: json.RawMessage(`{"species":"oak"}`),
	}))
	assert.Equal(t, events.ImageAnalysis, publisher.wait(t).env.Event)

	require.NoError(t, runner.PublishProjectVision(ctx, events.ProjectVisionPayload{
		ProjectID: "p1", RequestID: "r2", VisionURL: "https://cdn.example.com/vision.png",
	}))
	assert.Equal(t, events.ProjectVision, publisher.wait(t).env.Event)

	require.NoError(t, runner.PublishCostEstimate(ctx, events.CostEstimatePayload{
		ProjectID: "p1", RequestID: "r3",
	}))
	assert.Equal(t, events.CostEstimate, publisher.wait(t).env.Event)
}
