package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderEventRecord is the transactional outbox row for order lifecycle
// events. It is written inside the mutating DB transaction; delivery (to the
// in-process notification hub, and optionally Pub/Sub) happens asynchronously
// via the outbox dispatcher after commit.
type OrderEventRecord struct {
	ID          int            `gorm:"primary_key;index:idx_order_event_dispatch,priority:3" json:"id"`
	BusinessId  string         `gorm:"size:64;not null;index" json:"business_id"`
	OrderId     int            `gorm:"index;not null" json:"order_id"`
	OrderNumber string         `gorm:"size:64;index;not null" json:"order_number"`
	EventType   OrderEventType `gorm:"size:32;not null" json:"event_type"`
	Payload     []byte         `gorm:"type:blob" json:"payload"`
	OccurredAt  time.Time      `gorm:"index;not null" json:"occurred_at"`

	// Outbox metadata (delivery happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_order_event_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_order_event_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishOrderEvent writes the event row inside the caller's DB transaction.
// It does NOT deliver anything; the dispatcher owns delivery after commit.
func PublishOrderEvent(ctx context.Context, tx *gorm.DB, businessId string, eventType OrderEventType, order *Order) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	record := OrderEventRecord{
		BusinessId:    businessId,
		OrderId:       order.ID,
		OrderNumber:   order.OrderNumber,
		EventType:     eventType,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// ConvertToOrderEventMessage maps an outbox row to the Pub/Sub wire form.
func ConvertToOrderEventMessage(record OrderEventRecord) config.OrderEventMessage {
	return config.OrderEventMessage{
		ID:            record.ID,
		BusinessId:    record.BusinessId,
		EventType:     string(record.EventType),
		OrderNumber:   record.OrderNumber,
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
