package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/hub"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher delivers committed order events: always to the in-process
// notification hub, and additionally to Pub/Sub when a topic is configured.
// Rows are claimed with SKIP LOCKED so multiple instances never double-claim.
type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Hub          *hub.Hub
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, h *hub.Hub) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Hub:            h,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *OutboxDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.OrderEventRecord
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch), reclaim after LockTimeout
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Enforce max attempts: poison events go terminal rather than
			// spin forever.
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.OrderEventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].PublishAttempts = claimed[i].PublishAttempts + 1
			if err := tx.Model(&models.OrderEventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     claimed[i].PublishStatus,
				"locked_at":          claimed[i].LockedAt,
				"locked_by":          claimed[i].LockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		d.deliver(ctx, rec)
	}
}

func (d *OutboxDispatcher) deliver(ctx context.Context, rec models.OrderEventRecord) {
	// Hub fanout is local and cannot fail; stalled connections are the hub's
	// problem, not the dispatcher's.
	if d.Hub != nil {
		d.Hub.Broadcast(rec.BusinessId, hub.MarshalEnvelope(string(rec.EventType), rec.Payload))
	}

	var pubsubId *string
	if config.OrderEventsTopic() != "" {
		id, pubErr := config.PublishOrderEventWithResult(ctx, rec.BusinessId, models.ConvertToOrderEventMessage(rec))
		if pubErr != nil {
			d.markFailed(ctx, rec, pubErr)
			return
		}
		pubsubId = &id
	}

	now := time.Now().UTC()
	if err := d.DB.WithContext(ctx).Model(&models.OrderEventRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"publish_status":    models.OutboxPublishStatusSent,
		"published_at":      &now,
		"pubsub_message_id": pubsubId,
		"locked_at":         nil,
		"locked_by":         nil,
	}).Error; err != nil {
		config.LogError(d.Logger, moduleName, "deliver", "failed to mark event sent", rec.ID, err)
	}
}

func (d *OutboxDispatcher) markFailed(ctx context.Context, rec models.OrderEventRecord, pubErr error) {
	backoff := d.InitialBackoff * time.Duration(1<<min(rec.PublishAttempts, 6))
	nextAttempt := time.Now().UTC().Add(backoff)
	errMsg := pubErr.Error()
	if err := d.DB.WithContext(ctx).Model(&models.OrderEventRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusFailed,
		"last_publish_error": &errMsg,
		"next_attempt_at":    &nextAttempt,
		"locked_at":          nil,
		"locked_by":          nil,
	}).Error; err != nil {
		config.LogError(d.Logger, moduleName, "markFailed", "failed to mark event failed", rec.ID, err)
	}
	config.LogError(d.Logger, moduleName, "markFailed", "order event publish failed", rec.ID, pubErr)
}
