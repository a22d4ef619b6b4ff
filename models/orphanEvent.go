package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
)

// OrphanPaymentEvent is a valid provider event that matched no order. These
// are acknowledged rather than retried (a retry cannot manufacture a matching
// order) and kept for manual reconciliation.
type OrphanPaymentEvent struct {
	ID                    int       `gorm:"primary_key" json:"id"`
	EventId               string    `gorm:"size:64;index;not null" json:"event_id"`
	Reference             string    `gorm:"size:255;index;default:null" json:"reference"`
	ExternalTransactionId string    `gorm:"size:255;index;default:null" json:"external_transaction_id"`
	ProviderStatus        string    `gorm:"size:64;default:null" json:"provider_status"`
	RawBody               []byte    `gorm:"type:blob" json:"raw_body"`
	ReceivedAt            time.Time `gorm:"index;not null" json:"received_at"`
	Reconciled            *bool     `gorm:"not null;default:false;index" json:"reconciled"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func RecordOrphanPaymentEvent(ctx context.Context, orphan *OrphanPaymentEvent) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(orphan).Error
}
