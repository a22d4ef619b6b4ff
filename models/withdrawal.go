package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalBatch is one authorized settlement action over a set of eligible
// orders. Immutable once completed.
type WithdrawalBatch struct {
	ID          int    `gorm:"primary_key" json:"id"`
	BusinessId  string `gorm:"index;not null" json:"business_id" binding:"required"`
	BatchNumber string `gorm:"size:64;uniqueIndex;not null" json:"batch_number"`

	// Query the batch settled: UTC calendar day and payment method class.
	SettlementDate       time.Time `gorm:"not null;index" json:"settlement_date"`
	PaymentMethodPattern string    `gorm:"size:128;not null" json:"payment_method_pattern"`

	// Financial summary.
	OrderCount       int             `gorm:"not null" json:"order_count"`
	WithdrawalAmount decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"withdrawal_amount"`
	CustomerCharges  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"customer_charges"`
	WithdrawalFee    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"withdrawal_fee"`
	NetProfit        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_profit"`
	FeeRate          decimal.Decimal `gorm:"type:decimal(10,4);default:0" json:"fee_rate"`

	// Authorization record: who approved and the (hashed) secret check
	// outcome. Never the secret itself.
	AuthorizedById   int    `gorm:"not null" json:"authorized_by_id"`
	AuthorizedByName string `gorm:"size:255;default:null" json:"authorized_by_name"`
	AuthorizedRole   string `gorm:"size:64;default:null" json:"authorized_role"`
	SecretCheckedAt  *time.Time `json:"secret_checked_at"`

	Status      WithdrawalStatus `gorm:"size:32;index;not null;default:'pending'" json:"status"`
	CompletedAt *time.Time       `json:"completed_at"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// WithdrawalTotals is the financial summary of a candidate batch.
type WithdrawalTotals struct {
	WithdrawalAmount decimal.Decimal
	CustomerCharges  decimal.Decimal
	WithdrawalFee    decimal.Decimal
	NetProfit        decimal.Decimal
}

// ComputeWithdrawalTotals sums captured amounts and service charges over the
// selected orders and applies the platform fee:
//
//	withdrawalAmount = Σ amountPaidWithCharges
//	customerCharges  = Σ serviceCharge
//	withdrawalFee    = feeRate × withdrawalAmount
//	netProfit        = customerCharges − withdrawalFee
func ComputeWithdrawalTotals(orders []Order, feeRate decimal.Decimal) WithdrawalTotals {
	amount := decimal.Zero
	charges := decimal.Zero
	for _, o := range orders {
		amount = amount.Add(o.AmountPaidWithCharges)
		charges = charges.Add(o.ServiceCharge)
	}
	fee := feeRate.Mul(amount)
	return WithdrawalTotals{
		WithdrawalAmount: amount,
		CustomerCharges:  charges,
		WithdrawalFee:    fee,
		NetProfit:        charges.Sub(fee),
	}
}
