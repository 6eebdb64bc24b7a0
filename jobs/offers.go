package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tradedesk/tradedesk/internal/jobs"
	"github.com/tradedesk/tradedesk/internal/offers"
	"github.com/tradedesk/tradedesk/internal/shared"
)

const defaultIdempotencyRetention = 7 * 24 * time.Hour

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OfferService is the part of offers.Service the worker drives.
type OfferService interface {
	RenderPDF(ctx context.Context, id int64) (*offers.Document, error)
	ExpireOverdue(ctx context.Context) (int, error)
}

// IdempotencyCleaner removes expired idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// OfferJobs handles the offer background tasks.
type OfferJobs struct {
	Offers      OfferService
	Idempotency IdempotencyCleaner
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// NewOfferJobs wires dependencies for the offer task handlers.
func NewOfferJobs(svc OfferService, idem IdempotencyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *OfferJobs {
	return &OfferJobs{Offers: svc, Idempotency: idem, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers to register with the worker.
func (j *OfferJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskOfferRenderPDF, Handler: j.HandleRenderPDF},
		{Type: TaskOfferExpire, Handler: j.HandleExpire},
		{Type: TaskIdempotencyCleanup, Handler: j.HandleCleanup},
	}
}

// HandleRenderPDF renders one offer document. Offers deleted in the meantime
// are skipped without retry.
func (j *OfferJobs) HandleRenderPDF(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Offers == nil {
		return errors.New("offer pdf: handler not configured")
	}
	var payload RenderPDFPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.OfferID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskOfferRenderPDF)
	logger := j.logger(TaskOfferRenderPDF).With(slog.Int64("offer_id", payload.OfferID))

	doc, err := j.Offers.RenderPDF(ctx, payload.OfferID)
	if errors.Is(err, shared.ErrNotFound) {
		logger.Warn("offer gone before pdf render")
		_ = tracker.End(nil)
		return asynq.SkipRetry
	}
	if err != nil {
		logger.Error("render offer pdf", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("rendered offer pdf", slog.String("document_id", doc.ID.String()))
	return tracker.End(nil)
}

// HandleExpire runs the expiry sweep.
func (j *OfferJobs) HandleExpire(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Offers == nil {
		return errors.New("offer expire: handler not configured")
	}
	tracker := j.metrics().Track(TaskOfferExpire)
	n, err := j.Offers.ExpireOverdue(ctx)
	if err != nil {
		j.logger(TaskOfferExpire).Error("expire offers", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddAffected(TaskOfferExpire, int64(n))
	j.logger(TaskOfferExpire).Info("expired offers", slog.Int("count", n))
	return tracker.End(nil)
}

// HandleCleanup removes idempotency keys older than the payload retention.
func (j *OfferJobs) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Idempotency == nil {
		return nil
	}
	var payload CleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultIdempotencyRetention
	}
	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	n, err := j.Idempotency.Cleanup(ctx, payload.Retention)
	if err != nil {
		j.logger(TaskIdempotencyCleanup).Error("cleanup idempotency keys", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics().AddAffected(TaskIdempotencyCleanup, n)
	return tracker.End(nil)
}

func (j *OfferJobs) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *OfferJobs) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
