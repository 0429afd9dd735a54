// Package worker implements the scrape pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/intake"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

var tracer = otel.Tracer("github.com/JakeFAU/realtime-scraper/internal/worker")

// Scraper runs one validated job. *scraper.Service satisfies it.
type Scraper interface {
	Scrape(ctx context.Context, job scrape.Job) (scrape.Result, error)
}

// Hasher fingerprints results. *sha256.Hasher satisfies it.
type Hasher interface {
	HashJSON(v any) (string, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives result messages. Empty disables publishing.
	Topic string
	// JobTimeout bounds one scrape. The browser outlives it.
	JobTimeout time.Duration
}

// Worker consumes queue items and executes the scrape pipeline.
type Worker struct {
	queue     scrape.Queue
	jobStore  scrape.JobStore
	publisher scrape.Publisher
	hasher    Hasher
	clock     scrape.Clock
	ids       scrape.IDGenerator
	validator *intake.Validator
	scraper   Scraper
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue scrape.Queue,
	jobStore scrape.JobStore,
	publisher scrape.Publisher,
	hasher Hasher,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	validator *intake.Validator,
	scraper Scraper,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validator == nil {
		validator = intake.NewValidator()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		validator: validator,
		scraper:   scraper,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if err := sleepCtx(ctx, time.Second); err != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued record", zap.String("queue_id", item.ID), zap.Int("attempt", item.Attempt))
		w.Process(ctx, item)
	}
}

// Process handles one queue item end to end: validate, scrape, publish and
// acknowledge. Failures are reported, never returned.
func (w *Worker) Process(ctx context.Context, item scrape.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	start := w.clock.Now()

	newID := func() (string, error) {
		if item.ID != "" {
			return item.ID, nil
		}
		if w.ids == nil {
			return "", errors.New("no id generator configured")
		}
		return w.ids.NewID()
	}
	job, err := w.validator.Decode(item.Body, newID)
	if err != nil {
		w.reject(ctx, item, err)
		metrics.ObserveJob("unknown", "rejected", "validation", w.clock.Now().Sub(start))
		w.ack(ctx, item)
		return
	}
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_kind", string(job.Kind)),
		zap.String("url", job.URL),
		zap.Int("attempt", item.Attempt),
	)
	ctx, span := tracer.Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.url", job.URL),
		attribute.Int("queue.attempt", item.Attempt),
	))
	defer span.End()
	w.markRunning(ctx, job, logger)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	result, err := w.scraper.Scrape(jobCtx, job)
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutdown: leave the record unacknowledged so it is delivered again.
		logger.Warn("job interrupted by shutdown", zap.Error(err))
		w.setStatus(context.WithoutCancel(ctx), job.ID, scrape.JobStatusQueued, "interrupted by shutdown", logger)
		metrics.ObserveJob(string(job.Kind), string(scrape.JobStatusCanceled), "shutdown", w.clock.Now().Sub(start))
		return
	}

	msg := scrape.ResultMessage{
		JobID:     job.ID,
		UserID:    job.UserID,
		Action:    scrape.ActionScrapeResult,
		Timestamp: w.clock.Now().UTC().Format(time.RFC3339),
		Metadata:  job.Metadata,
	}
	status := scrape.JobStatusSucceeded
	reason := ""
	errText := ""
	if err != nil {
		status = scrape.JobStatusFailed
		reason = scrape.FailureReason(err)
		errText = err.Error()
		msg.Error = errText
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		logger.Error("scrape failed", zap.String("reason", reason), zap.Error(err))
	} else {
		msg.Success = true
		msg.Result = &result
		if w.hasher != nil {
			if hash, herr := w.hasher.HashJSON(result); herr == nil {
				msg.ContentHash = hash
			} else {
				logger.Warn("hash result failed", zap.Error(herr))
			}
		}
	}

	if perr := w.publish(ctx, msg); perr != nil {
		logger.Error("publish result failed", zap.Error(perr))
		if status == scrape.JobStatusSucceeded {
			status = scrape.JobStatusFailed
			reason = "publish_error"
			errText = perr.Error()
			span.SetStatus(codes.Error, reason)
		}
	}
	w.setStatus(ctx, job.ID, status, errText, logger)
	metrics.ObserveJob(string(job.Kind), string(status), reason, w.clock.Now().Sub(start))
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Duration("duration", w.clock.Now().Sub(start)),
	)
	w.ack(ctx, item)
}

func (w *Worker) reject(ctx context.Context, item scrape.QueueItem, err error) {
	w.logger.Warn("rejected job record", zap.String("queue_id", item.ID), zap.Error(err))
	msg := scrape.ResultMessage{
		JobID:     item.ID,
		Action:    scrape.ActionRejected,
		Error:     err.Error(),
		Timestamp: w.clock.Now().UTC().Format(time.RFC3339),
	}
	var vErr *intake.ValidationError
	if errors.As(err, &vErr) {
		msg.ValidationErrors = vErr.Issues
	}
	if perr := w.publish(ctx, msg); perr != nil {
		w.logger.Error("publish rejection failed", zap.String("queue_id", item.ID), zap.Error(perr))
	}
	if item.ID != "" {
		w.setStatus(ctx, item.ID, scrape.JobStatusFailed, err.Error(), w.logger)
	}
}

// markRunning records the transition to running, creating the row first
// when the job arrived straight on the queue.
func (w *Worker) markRunning(ctx context.Context, job scrape.Job, logger *zap.Logger) {
	if w.jobStore == nil {
		return
	}
	err := w.jobStore.UpdateJobStatus(ctx, job.ID, scrape.JobStatusRunning, "")
	if errors.Is(err, scrape.ErrJobNotFound) {
		err = w.jobStore.CreateJob(ctx, scrape.JobRecord{
			ID:        job.ID,
			Kind:      job.Kind,
			UserID:    job.UserID,
			URL:       job.URL,
			Status:    scrape.JobStatusQueued,
			Submitted: w.clock.Now(),
		})
		if err == nil || errors.Is(err, scrape.ErrJobExists) {
			err = w.jobStore.UpdateJobStatus(ctx, job.ID, scrape.JobStatusRunning, "")
		}
	}
	if err != nil {
		logger.Error("update job status failed", zap.Error(err))
	}
}

func (w *Worker) setStatus(ctx context.Context, jobID string, status scrape.JobStatus, errText string, logger *zap.Logger) {
	if w.jobStore == nil {
		return
	}
	if err := w.jobStore.UpdateJobStatus(ctx, jobID, status, errText); err != nil && !errors.Is(err, scrape.ErrJobNotFound) {
		logger.Error("final job status update failed", zap.String("status", string(status)), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, msg scrape.ResultMessage) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	_, err := w.publisher.Publish(ctx, w.cfg.Topic, msg)
	metrics.ObservePublish(msg.Action, err)
	if err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	return nil
}

func (w *Worker) ack(ctx context.Context, item scrape.QueueItem) {
	if err := w.queue.Delete(context.WithoutCancel(ctx), item); err != nil {
		w.logger.Warn("queue delete failed", zap.String("queue_id", item.ID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
