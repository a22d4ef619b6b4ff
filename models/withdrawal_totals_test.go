package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeWithdrawalTotals(t *testing.T) {
	// One captured momo order (1000 total, 1050 captured) and nothing else in
	// the batch: the cash order never makes it through the eligibility query.
	orders := []Order{
		{
			TotalAmount:           decimal.NewFromInt(1000),
			AmountPaidWithCharges: decimal.NewFromInt(1050),
			ServiceCharge:         decimal.NewFromInt(50),
			PaymentMethod:         "MTN MoMo",
		},
	}
	feeRate := decimal.NewFromFloat(0.02)

	got := ComputeWithdrawalTotals(orders, feeRate)

	if !got.WithdrawalAmount.Equal(decimal.NewFromInt(1050)) {
		t.Errorf("withdrawal amount = %s, want 1050", got.WithdrawalAmount)
	}
	if !got.CustomerCharges.Equal(decimal.NewFromInt(50)) {
		t.Errorf("customer charges = %s, want 50", got.CustomerCharges)
	}
	if !got.WithdrawalFee.Equal(decimal.NewFromInt(21)) {
		t.Errorf("withdrawal fee = %s, want 21", got.WithdrawalFee)
	}
	if !got.NetProfit.Equal(decimal.NewFromInt(29)) {
		t.Errorf("net profit = %s, want 29", got.NetProfit)
	}
}

func TestComputeWithdrawalTotalsSumsAcrossOrders(t *testing.T) {
	orders := []Order{
		{AmountPaidWithCharges: decimal.NewFromInt(1050), ServiceCharge: decimal.NewFromInt(50)},
		{AmountPaidWithCharges: decimal.NewFromInt(2100), ServiceCharge: decimal.NewFromInt(100)},
		{AmountPaidWithCharges: decimal.NewFromInt(525), ServiceCharge: decimal.NewFromInt(25)},
	}
	got := ComputeWithdrawalTotals(orders, decimal.NewFromFloat(0.02))

	if !got.WithdrawalAmount.Equal(decimal.NewFromInt(3675)) {
		t.Errorf("withdrawal amount = %s, want 3675", got.WithdrawalAmount)
	}
	if !got.CustomerCharges.Equal(decimal.NewFromInt(175)) {
		t.Errorf("customer charges = %s, want 175", got.CustomerCharges)
	}
	if !got.WithdrawalFee.Equal(decimal.NewFromFloat(73.5)) {
		t.Errorf("withdrawal fee = %s, want 73.5", got.WithdrawalFee)
	}
	if !got.NetProfit.Equal(decimal.NewFromFloat(101.5)) {
		t.Errorf("net profit = %s, want 101.5", got.NetProfit)
	}
}

func TestComputeWithdrawalTotalsEmpty(t *testing.T) {
	got := ComputeWithdrawalTotals(nil, decimal.NewFromFloat(0.02))
	if !got.WithdrawalAmount.IsZero() || !got.CustomerCharges.IsZero() ||
		!got.WithdrawalFee.IsZero() || !got.NetProfit.IsZero() {
		t.Fatalf("empty batch must total zero, got %+v", got)
	}
}

func TestComputeWithdrawalTotalsNegativeNetProfit(t *testing.T) {
	// Charges smaller than the platform fee: net profit goes negative, which
	// is reported as-is rather than clamped.
	orders := []Order{
		{AmountPaidWithCharges: decimal.NewFromInt(10000), ServiceCharge: decimal.NewFromInt(100)},
	}
	got := ComputeWithdrawalTotals(orders, decimal.NewFromFloat(0.02))

	if !got.WithdrawalFee.Equal(decimal.NewFromInt(200)) {
		t.Errorf("withdrawal fee = %s, want 200", got.WithdrawalFee)
	}
	if !got.NetProfit.Equal(decimal.NewFromInt(-100)) {
		t.Errorf("net profit = %s, want -100", got.NetProfit)
	}
}
