// Package jobs runs the relay's asynchronous work: image validation
// requests and the publication path for analysis, vision and cost results.
// Jobs are never cancelled by socket close; results are published to the
// project room and late subscribers pick them up via the snapshot.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"

	"parkbeat/internal/events"
	"parkbeat/internal/metrics"
	"parkbeat/pkg/logging"
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("job queue full")

// Publisher delivers a result envelope to a project room.
type Publisher interface {
	FanOutProject(ctx context.Context, projectID string, env events.Envelope, exclude ...string) (int, error)
}

// Validator decides an image validation request. The default accepts any
// http(s) source; production deployments plug in the vision service.
type Validator func(ctx context.Context, req events.ValidateImagePayload) events.ImageValidationPayload

// DefaultValidator performs the cheap structural check.
func DefaultValidator(_ context.Context, req events.ValidateImagePayload) events.ImageValidationPayload {
	result := events.ImageValidationPayload{
		ProjectID:    req.ProjectID,
		FundraiserID: req.FundraiserID,
		RequestID:    req.RequestID,
	}
	src := strings.TrimSpace(req.ImageSource)
	if src == "" {
		result.Reason = "empty image source"
		return result
	}
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") && !strings.HasPrefix(src, "data:image/") {
		result.Reason = "unsupported image source scheme"
		return result
	}
	result.Valid = true
	return result
}

// Runner owns the worker pool.
type Runner struct {
	queue     chan events.ValidateImagePayload
	publisher Publisher
	validate  Validator
	logger    logging.Logger
	metrics   *metrics.Metrics
	workers   int
	wg        sync.WaitGroup
}

// NewRunner creates a job runner. validate and m may be nil.
func NewRunner(publisher Publisher, validate Validator, logger logging.Logger, m *metrics.Metrics, workers int) *Runner {
	if validate == nil {
		validate = DefaultValidator
	}
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		queue:     make(chan events.ValidateImagePayload, 256),
		publisher: publisher,
		validate:  validate,
		logger:    logger,
		metrics:   m,
		workers:   workers,
	}
}

// Start launches the workers. ctx stops intake on shutdown; in-flight jobs
// finish and publish.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-r.queue:
					r.run(req)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// EnqueueValidateImage queues a validation request.
func (r *Runner) EnqueueValidateImage(req events.ValidateImagePayload) error {
	select {
	case r.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) run(req events.ValidateImagePayload) {
	// Detached from the requesting socket: validation outlives the
	// connection that asked for it.
	ctx := context.Background()
	result := r.validate(ctx, req)

	env, err := events.New(events.ImageValidation, result)
	if err != nil {
		r.logger.WithError(err).Error("Failed to encode image validation result")
		r.count("validate_image", "error")
		return
	}
	if _, err := r.publisher.FanOutProject(ctx, req.ProjectID, env); err != nil {
		r.logger.WithError(err).WithField("project_id", req.ProjectID).Warn("Failed to publish image validation result")
		r.count("validate_image", "publish_failed")
		return
	}
	r.count("validate_image", "ok")
}

// PublishImageAnalysis forwards an external analysis result to the
// project room.
func (r *Runner) PublishImageAnalysis(ctx context.Context, result events.ImageAnalysisPayload) error {
	env, err := events.New(events.ImageAnalysis, result)
	if err != nil {
		return err
	}
	_, err = r.publisher.FanOutProject(ctx, result.ProjectID, env)
	r.count("image_analysis", outcome(err))
	return err
}

// PublishProjectVision forwards a generated vision image to the project room.
func (r *Runner) PublishProjectVision(ctx context.Context, result events.ProjectVisionPayload) error {
	env, err := events.New(events.ProjectVision, result)
	if err != nil {
		return err
	}
	_, err = r.publisher.FanOutProject(ctx, result.ProjectID, env)
	r.count("project_vision", outcome(err))
	return err
}

// PublishCostEstimate forwards a cost estimation result to the project room.
func (r *Runner) PublishCostEstimate(ctx context.Context, result events.CostEstimatePayload) error {
	env, err := events.New(events.CostEstimate, result)
	if err != nil {
		return err
	}
	_, err = r.publisher.FanOutProject(ctx, result.ProjectID, env)
	r.count("cost_estimate", outcome(err))
	return err
}

func outcome(err error) string {
	if err != nil {
		return "publish_failed"
	}
	return "ok"
}

func (r *Runner) count(kind, result string) {
	if r.metrics != nil && r.metrics.JobsTotal != nil {
		r.metrics.JobsTotal.WithLabelValues(kind, result).Inc()
	}
}
