package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentApplication is one provider event reduced to the fields we apply to
// an order. Built by the webhook processor or a manual staff override.
type PaymentApplication struct {
	Outcome               ProviderPaymentOutcome
	ProviderStatus        string
	CapturedAmount        decimal.Decimal
	Method                string
	ExternalTransactionId string
	Timestamp             time.Time
	Meta                  []byte
}

// ConvergePaymentState applies one payment event to an order value and
// reports whether anything changed. It is a pure function: applying the same
// event to the result is always a no-op, which is what makes at-least-once
// webhook delivery safe without event-id deduplication.
func ConvergePaymentState(o Order, app PaymentApplication) (Order, bool, error) {
	switch app.Outcome {
	case ProviderOutcomeSuccess:
		return convergeSuccess(o, app)
	case ProviderOutcomeFailed:
		return convergeFailure(o, app), o.PaymentStatus == PaymentStatusPending, nil
	case ProviderOutcomePending:
		return convergePending(o, app)
	}
	return o, false, nil
}

func convergeSuccess(o Order, app PaymentApplication) (Order, bool, error) {
	if o.PaymentStatus == PaymentStatusPaid || o.PaymentStatus == PaymentStatusRefunded {
		return o, false, nil
	}
	if app.CapturedAmount.IsNegative() {
		return o, false, utils.ErrorNegativeAmount
	}

	o.PaymentStatus = PaymentStatusPaid
	if o.PaidAt == nil {
		paidAt := app.Timestamp.UTC()
		o.PaidAt = &paidAt
	}
	o.AmountPaidWithCharges = app.CapturedAmount
	o.ServiceCharge = app.CapturedAmount.Sub(o.TotalAmount)
	if app.Method != "" {
		o.PaymentMethod = app.Method
	}
	if app.ExternalTransactionId != "" {
		o.ExternalTransactionId = app.ExternalTransactionId
	}
	if len(app.Meta) > 0 {
		o.PaymentMeta = app.Meta
	}
	if o.Status == OrderStatusPending {
		o.Status = OrderStatusConfirmed
	}
	o.RecomputeEligibility()
	return o, true, nil
}

func convergeFailure(o Order, app PaymentApplication) Order {
	// A failure never unwinds a captured payment.
	if o.PaymentStatus != PaymentStatusPending {
		return o
	}
	o.PaymentNote = "payment failed: " + strings.ToLower(strings.TrimSpace(app.ProviderStatus))
	if app.Method != "" && o.PaymentMethod == "" {
		o.PaymentMethod = app.Method
	}
	if app.ExternalTransactionId != "" && o.ExternalTransactionId == "" {
		o.ExternalTransactionId = app.ExternalTransactionId
	}
	if len(app.Meta) > 0 {
		o.PaymentMeta = app.Meta
	}
	return o
}

func convergePending(o Order, app PaymentApplication) (Order, bool, error) {
	if o.PaymentStatus != PaymentStatusPending {
		return o, false, nil
	}
	changed := false
	if app.Method != "" && o.PaymentMethod == "" {
		o.PaymentMethod = app.Method
		changed = true
	}
	if app.ExternalTransactionId != "" && o.ExternalTransactionId == "" {
		o.ExternalTransactionId = app.ExternalTransactionId
		changed = true
	}
	return o, changed, nil
}

// ApplyPaymentEvent persists one payment event against an order. The UPDATE
// is guarded on both state axes as read: a concurrent webhook delivery moves
// payment_status, a concurrent staff transition moves status, and either one
// makes the guard miss. The loser re-reads and re-converges against the fresh
// state, so a capture landing mid-transition never regresses the lifecycle.
func ApplyPaymentEvent(ctx context.Context, businessId string, orderNumber string, app PaymentApplication) (*Order, bool, error) {
	db := config.GetDB()

	for attempt := 0; attempt < 3; attempt++ {
		order, err := GetOrderByNumber(ctx, businessId, orderNumber)
		if err != nil {
			return nil, false, err
		}

		next, changed, err := ConvergePaymentState(*order, app)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return order, false, nil
		}

		wasPaid := order.PaymentStatus == PaymentStatusPaid
		updates := map[string]interface{}{
			"payment_status":             next.PaymentStatus,
			"status":                     next.Status,
			"amount_paid_with_charges":   next.AmountPaidWithCharges,
			"service_charge":             next.ServiceCharge,
			"paid_at":                    next.PaidAt,
			"payment_method":             next.PaymentMethod,
			"external_transaction_id":    next.ExternalTransactionId,
			"payment_note":               next.PaymentNote,
			"payment_meta":               next.PaymentMeta,
			"is_eligible_for_withdrawal": next.IsEligibleForWithdrawal,
		}

		var applied bool
		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Order{}).
				Where("id = ? AND payment_status = ? AND status = ?", order.ID, order.PaymentStatus, order.Status).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost the race; retry against fresh state.
				return nil
			}
			applied = true
			eventType := OrderEventUpdated
			if !wasPaid && next.PaymentStatus == PaymentStatusPaid {
				eventType = OrderEventPaid
			}
			next.ID = order.ID
			next.Details = order.Details
			return PublishOrderEvent(ctx, tx, businessId, eventType, &next)
		})
		if err != nil {
			return nil, false, err
		}
		if applied {
			return &next, true, nil
		}
	}
	return nil, false, fmt.Errorf("payment application kept losing the status race for order %s", orderNumber)
}

// ApplyManualPayment is the staff override path: it marks an order paid with
// an operator-entered capture, through the same convergence logic the webhook
// processor uses.
func ApplyManualPayment(ctx context.Context, businessId string, orderNumber string, capturedAmount decimal.Decimal, method string, externalTxId string) (*Order, error) {
	order, _, err := ApplyPaymentEvent(ctx, businessId, orderNumber, PaymentApplication{
		Outcome:               ProviderOutcomeSuccess,
		ProviderStatus:        "success",
		CapturedAmount:        capturedAmount,
		Method:                method,
		ExternalTransactionId: externalTxId,
		Timestamp:             time.Now().UTC(),
	})
	return order, err
}

// FindOrderForWebhook resolves the order a provider event refers to: exact
// match on order number first, stored external transaction id second.
func FindOrderForWebhook(ctx context.Context, reference string, externalTxId string) (*Order, error) {
	db := config.GetDB()

	if reference != "" {
		var order Order
		err := db.WithContext(ctx).Where("order_number = ?", reference).First(&order).Error
		if err == nil {
			return &order, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if externalTxId != "" {
		var order Order
		err := db.WithContext(ctx).Where("external_transaction_id = ?", externalTxId).First(&order).Error
		if err == nil {
			return &order, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, utils.ErrorRecordNotFound
}
