package models

import (
	"strings"
)

// OrderStatus is the kitchen lifecycle axis of an order. It only ever moves
// forward; Cancelled is terminal and reachable from any non-terminal state.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusServed    OrderStatus = "served"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusConfirmed: 1,
	OrderStatusPreparing: 2,
	OrderStatusReady:     3,
	OrderStatusServed:    4,
	OrderStatusCompleted: 5,
}

func (s OrderStatus) IsValid() bool {
	if s == OrderStatusCancelled {
		return true
	}
	_, ok := orderStatusRank[s]
	return ok
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// CanTransitionTo is the lifecycle transition table. Forward moves only;
// cancellation allowed from any non-terminal state.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if next == OrderStatusCancelled {
		return true
	}
	return orderStatusRank[next] > orderStatusRank[s]
}

// PaymentStatus is the money axis, independent of the kitchen lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusRefunded:
		return true
	}
	return false
}

// ProviderPaymentOutcome classifies the provider's free-form status strings
// onto our payment axis. Unknown statuses map to no change.
type ProviderPaymentOutcome int

const (
	ProviderOutcomeUnknown ProviderPaymentOutcome = iota
	ProviderOutcomeSuccess
	ProviderOutcomeFailed
	ProviderOutcomePending
)

func ClassifyProviderStatus(status string) ProviderPaymentOutcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "successful", "completed", "paid":
		return ProviderOutcomeSuccess
	case "failed", "failure":
		return ProviderOutcomeFailed
	case "pending":
		return ProviderOutcomePending
	}
	return ProviderOutcomeUnknown
}

// mobileMoneyMarkers identifies the mobile-money payment method class.
// Matching is case-insensitive substring, same rule the withdrawal query uses.
var mobileMoneyMarkers = []string{
	"mtn", "momo", "orange", "airtel", "mpesa", "m-pesa", "wave", "mobile money",
}

func IsMobileMoneyMethod(method string) bool {
	m := strings.ToLower(strings.TrimSpace(method))
	if m == "" {
		return false
	}
	for _, marker := range mobileMoneyMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// WithdrawalStatus tracks a settlement batch.
type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusFailed     WithdrawalStatus = "failed"
	WithdrawalStatusCancelled  WithdrawalStatus = "cancelled"
)

func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusCompleted || s == WithdrawalStatusFailed || s == WithdrawalStatusCancelled
}

// OrderEventType tags outbox rows and websocket envelopes.
type OrderEventType string

const (
	OrderEventNew     OrderEventType = "new_order"
	OrderEventUpdated OrderEventType = "order_updated"
	OrderEventPaid    OrderEventType = "order_paid"
)

// Outbox publish lifecycle (dispatcher claims rows, marks them terminal).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
