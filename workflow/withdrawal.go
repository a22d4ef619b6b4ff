package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const withdrawalLockType = "withdrawal_settle"

// ListEligibleOrders selects the orders a settlement batch may aggregate:
// paid, not yet withdrawn, eligible, method matching the requested class, and
// created within the UTC calendar day. Day boundaries are always UTC,
// never local-time truncation.
func ListEligibleOrders(ctx context.Context, businessId string, dayUTC time.Time, methodPattern string) ([]models.Order, error) {
	db := config.GetDB()
	start, end := utils.DayRangeUTC(dayUTC)

	var orders []models.Order
	q := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where("payment_status = ?", models.PaymentStatusPaid).
		Where("withdrawn = ?", false).
		Where("is_eligible_for_withdrawal = ?", true).
		Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at ASC")
	if p := strings.ToLower(strings.TrimSpace(methodPattern)); p != "" {
		q = q.Where("LOWER(payment_method) LIKE ?", "%"+p+"%")
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

type SettleWithdrawalInput struct {
	Date          time.Time `json:"date"`
	MethodPattern string    `json:"method_pattern"`
	Secret        string    `json:"secret"`
	AuthorizerId  int       `json:"authorizer_id"`
	Authorizer    string    `json:"authorizer"`
	Role          string    `json:"role"`
}

// AuthorizeAndSettle runs one settlement batch end to end: gate approval,
// eligibility query, fee math, then an all-or-nothing conditional flip of
// every selected order to withdrawn.
//
// Race policy: if any selected order was already claimed by a concurrent
// batch (its conditional flip affects zero rows), the entire transaction is
// aborted with ErrorAlreadyWithdrawn and the caller must re-query. A batch
// never completes having captured only part of its selection.
func AuthorizeAndSettle(ctx context.Context, businessId string, input SettleWithdrawalInput) (*models.WithdrawalBatch, error) {
	// Gate first; Denied/Locked propagate unchanged. The secret check happens
	// before any financial mutation is attempted.
	if _, err := VerifyWithdrawalSecret(ctx, businessId, input.Secret); err != nil {
		return nil, err
	}
	secretCheckedAt := time.Now().UTC()

	var batch *models.WithdrawalBatch
	err := utils.WithBusinessLock(ctx, businessId, withdrawalLockType, 30*time.Second, func(ctx context.Context) error {
		orders, err := ListEligibleOrders(ctx, businessId, input.Date, input.MethodPattern)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return utils.ErrorEmptySelection
		}

		feeRate := config.WithdrawalFeeRate()
		totals := models.ComputeWithdrawalTotals(orders, feeRate)
		dayStart, _ := utils.DayRangeUTC(input.Date)

		db := config.GetDB()
		return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			candidate := models.WithdrawalBatch{
				BusinessId:           businessId,
				BatchNumber:          generateBatchNumber(),
				SettlementDate:       dayStart,
				PaymentMethodPattern: strings.ToLower(strings.TrimSpace(input.MethodPattern)),
				OrderCount:           len(orders),
				WithdrawalAmount:     totals.WithdrawalAmount,
				CustomerCharges:      totals.CustomerCharges,
				WithdrawalFee:        totals.WithdrawalFee,
				NetProfit:            totals.NetProfit,
				FeeRate:              feeRate,
				AuthorizedById:       input.AuthorizerId,
				AuthorizedByName:     input.Authorizer,
				AuthorizedRole:       input.Role,
				SecretCheckedAt:      &secretCheckedAt,
				Status:               models.WithdrawalStatusPending,
			}
			if err := tx.Create(&candidate).Error; err != nil {
				return err
			}

			if err := tx.Model(&models.WithdrawalBatch{}).
				Where("id = ?", candidate.ID).
				Update("status", models.WithdrawalStatusProcessing).Error; err != nil {
				return err
			}

			// Conditional per-order flip: withdrawn false -> true. A zero
			// rows-affected means a concurrent batch won that order; abort
			// everything rather than settle a partial batch.
			for _, o := range orders {
				res := tx.Model(&models.Order{}).
					Where("id = ? AND withdrawn = ?", o.ID, false).
					Updates(map[string]interface{}{
						"withdrawn":           true,
						"withdrawal_batch_id": candidate.ID,
					})
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return fmt.Errorf("%w: order %s", utils.ErrorAlreadyWithdrawn, o.OrderNumber)
				}
			}

			completedAt := time.Now().UTC()
			if err := tx.Model(&models.WithdrawalBatch{}).
				Where("id = ?", candidate.ID).
				Updates(map[string]interface{}{
					"status":       models.WithdrawalStatusCompleted,
					"completed_at": completedAt,
				}).Error; err != nil {
				return err
			}
			candidate.Status = models.WithdrawalStatusCompleted
			candidate.CompletedAt = &completedAt
			batch = &candidate
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func generateBatchNumber() string {
	return "WDB-" + strings.ToUpper(uuid.NewString()[:8]) + "-" + fmt.Sprintf("%d", time.Now().UnixMilli())
}
