package models

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
)

func pendingOrder(total int64) Order {
	return Order{
		ID:            1,
		BusinessId:    "biz-1",
		OrderNumber:   "ORD-1700000000000-000001",
		Status:        OrderStatusPending,
		PaymentStatus: PaymentStatusPending,
		TotalAmount:   decimal.NewFromInt(total),
		Withdrawn:     utils.NewFalse(),
	}
}

func successApplication(captured int64) PaymentApplication {
	return PaymentApplication{
		Outcome:               ProviderOutcomeSuccess,
		ProviderStatus:        "success",
		CapturedAmount:        decimal.NewFromInt(captured),
		Method:                "MTN MoMo",
		ExternalTransactionId: "tx-abc",
		Timestamp:             time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestConvergeSuccessCapturesPayment(t *testing.T) {
	order := pendingOrder(1000)
	app := successApplication(1050)

	next, changed, err := ConvergePaymentState(order, app)
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if !changed {
		t.Fatal("expected a state change")
	}
	if next.PaymentStatus != PaymentStatusPaid {
		t.Fatalf("payment status = %s", next.PaymentStatus)
	}
	if next.Status != OrderStatusConfirmed {
		t.Fatalf("lifecycle status = %s, want confirmed", next.Status)
	}
	if next.PaidAt == nil || !next.PaidAt.Equal(app.Timestamp) {
		t.Fatalf("paid_at = %v", next.PaidAt)
	}
	if !next.AmountPaidWithCharges.Equal(decimal.NewFromInt(1050)) {
		t.Fatalf("amount_paid_with_charges = %s", next.AmountPaidWithCharges)
	}
	if !next.ServiceCharge.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("service_charge = %s, want 50", next.ServiceCharge)
	}
	if next.IsEligibleForWithdrawal == nil || !*next.IsEligibleForWithdrawal {
		t.Fatal("paid momo order with positive charge should be eligible")
	}
}

func TestConvergeSuccessIsIdempotent(t *testing.T) {
	order := pendingOrder(1000)
	app := successApplication(1050)

	once, changed, err := ConvergePaymentState(order, app)
	if err != nil || !changed {
		t.Fatalf("first apply: changed=%v err=%v", changed, err)
	}

	twice, changed, err := ConvergePaymentState(once, app)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if changed {
		t.Fatal("re-applying the same event must be a no-op")
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("state drifted on duplicate delivery:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestConvergeSuccessDoesNotAdvanceActiveLifecycle(t *testing.T) {
	order := pendingOrder(1000)
	order.Status = OrderStatusPreparing

	next, _, err := ConvergePaymentState(order, successApplication(1000))
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if next.Status != OrderStatusPreparing {
		t.Fatalf("payment must not move an already-progressing order, got %s", next.Status)
	}
}

func TestConvergeRetryAfterConcurrentTransition(t *testing.T) {
	// A capture read against a pending order would advance it to confirmed.
	// If staff move the order to preparing before the capture lands, writing
	// that stale result would regress the lifecycle; the persisted UPDATE is
	// therefore guarded on status as read, forcing a re-read and re-converge.
	stale := pendingOrder(1000)
	app := successApplication(1050)

	fromStale, _, err := ConvergePaymentState(stale, app)
	if err != nil {
		t.Fatalf("converge stale: %v", err)
	}
	if fromStale.Status != OrderStatusConfirmed {
		t.Fatalf("stale converge status = %s, want confirmed", fromStale.Status)
	}

	fresh := stale
	fresh.Status = OrderStatusPreparing

	fromFresh, changed, err := ConvergePaymentState(fresh, app)
	if err != nil || !changed {
		t.Fatalf("converge fresh: changed=%v err=%v", changed, err)
	}
	if fromFresh.Status != OrderStatusPreparing {
		t.Fatalf("re-converge status = %s, want preparing (no regression)", fromFresh.Status)
	}
	if fromFresh.PaymentStatus != PaymentStatusPaid {
		t.Fatalf("re-converge payment status = %s, want paid", fromFresh.PaymentStatus)
	}

	// The two results disagree on status, which is exactly why the write
	// guard must key on it: a guard on payment_status alone would let the
	// stale result through.
	if fromStale.Status == fromFresh.Status {
		t.Fatal("stale and fresh convergence unexpectedly agree on status")
	}
}

func TestConvergeRejectsNegativeCapture(t *testing.T) {
	_, _, err := ConvergePaymentState(pendingOrder(1000), successApplication(-1))
	if !errors.Is(err, utils.ErrorNegativeAmount) {
		t.Fatalf("err = %v, want ErrorNegativeAmount", err)
	}
}

func TestConvergeNegativeServiceChargeAllowedButIneligible(t *testing.T) {
	// Captured below total: the difference is carried as a negative charge,
	// and the order never qualifies for withdrawal.
	next, changed, err := ConvergePaymentState(pendingOrder(1000), successApplication(900))
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if !next.ServiceCharge.Equal(decimal.NewFromInt(-100)) {
		t.Fatalf("service_charge = %s, want -100", next.ServiceCharge)
	}
	if next.IsEligibleForWithdrawal == nil || *next.IsEligibleForWithdrawal {
		t.Fatal("underpaid order must not be eligible for withdrawal")
	}
}

func TestConvergeFailureRecordsNoteAndStaysPending(t *testing.T) {
	order := pendingOrder(1000)
	next, changed, err := ConvergePaymentState(order, PaymentApplication{
		Outcome:        ProviderOutcomeFailed,
		ProviderStatus: "FAILED",
		Method:         "MTN MoMo",
	})
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if !changed {
		t.Fatal("first failure should record a note")
	}
	if next.PaymentStatus != PaymentStatusPending {
		t.Fatalf("payment status = %s, want pending", next.PaymentStatus)
	}
	if next.PaymentNote != "payment failed: failed" {
		t.Fatalf("payment note = %q", next.PaymentNote)
	}
}

func TestConvergeFailureNeverUnwindsCapture(t *testing.T) {
	paid, _, err := ConvergePaymentState(pendingOrder(1000), successApplication(1050))
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	next, changed, err := ConvergePaymentState(paid, PaymentApplication{
		Outcome:        ProviderOutcomeFailed,
		ProviderStatus: "failed",
	})
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if changed {
		t.Fatal("late failure event must not change a captured payment")
	}
	if next.PaymentStatus != PaymentStatusPaid {
		t.Fatalf("payment status = %s, want paid", next.PaymentStatus)
	}
}

func TestConvergePendingFillsMissingFieldsOnly(t *testing.T) {
	order := pendingOrder(1000)
	next, changed, err := ConvergePaymentState(order, PaymentApplication{
		Outcome:               ProviderOutcomePending,
		Method:                "MTN MoMo",
		ExternalTransactionId: "tx-1",
	})
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if next.PaymentMethod != "MTN MoMo" || next.ExternalTransactionId != "tx-1" {
		t.Fatalf("fields not filled: %+v", next)
	}

	// Already-filled fields stick.
	again, changed, err := ConvergePaymentState(next, PaymentApplication{
		Outcome:               ProviderOutcomePending,
		Method:                "other",
		ExternalTransactionId: "tx-2",
	})
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if changed {
		t.Fatal("no-op pending event should report no change")
	}
	if again.ExternalTransactionId != "tx-1" {
		t.Fatalf("external tx id overwritten: %q", again.ExternalTransactionId)
	}
}

func TestConvergeUnknownOutcomeIsNoop(t *testing.T) {
	order := pendingOrder(1000)
	next, changed, err := ConvergePaymentState(order, PaymentApplication{
		Outcome:        ProviderOutcomeUnknown,
		ProviderStatus: "expired",
	})
	if err != nil {
		t.Fatalf("converge: %v", err)
	}
	if changed || !reflect.DeepEqual(order, next) {
		t.Fatal("unknown provider status must not change the order")
	}
}
