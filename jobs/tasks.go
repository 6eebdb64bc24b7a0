package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOfferRenderPDF renders and stores the PDF of one offer.
	TaskOfferRenderPDF = "offer:render_pdf"
	// TaskOfferExpire marks offers past their validity date as expired.
	TaskOfferExpire = "offer:expire"
	// TaskIdempotencyCleanup drops idempotency keys past their retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// RenderPDFPayload identifies the offer to render.
type RenderPDFPayload struct {
	OfferID int64 `json:"offer_id"`
}

// ExpirePayload carries scheduling metadata.
type ExpirePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// CleanupPayload sets how long idempotency keys are retained.
type CleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// RenderPDFTaskID is the deterministic task id for an offer render. While a
// render for the offer is queued, enqueueing another one is a no-op.
func RenderPDFTaskID(offerID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("tradedesk:%s:%d", TaskOfferRenderPDF, offerID))).String()
}

// NewRenderPDFTask constructs the render task for offerID.
func NewRenderPDFTask(offerID int64) (*asynq.Task, error) {
	if offerID <= 0 {
		return nil, fmt.Errorf("render pdf: invalid offer id %d", offerID)
	}
	body, err := json.Marshal(RenderPDFPayload{OfferID: offerID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOfferRenderPDF, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(RenderPDFTaskID(offerID)),
		asynq.MaxRetry(5),
	), nil
}

// NewExpireTask constructs the expiry sweep task.
func NewExpireTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ExpirePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOfferExpire, body, asynq.Queue(QueueDefault)), nil
}

// NewCleanupTask constructs the idempotency cleanup task.
func NewCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(CleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
