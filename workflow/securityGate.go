package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

const (
	moduleName = "workflow"

	// secretGateLockType serializes attempts per tenant so two concurrent
	// wrong guesses cannot both observe "not yet locked".
	secretGateLockType = "withdrawal_gate"
)

// VerifyWithdrawalSecret checks a candidate authorization code for a tenant.
// Returns nil on approval; ErrorSecretDenied, *LockedError or
// ErrorSecretNotProvisioned otherwise. The check-and-count sequence runs under
// a per-tenant redis lock.
func VerifyWithdrawalSecret(ctx context.Context, businessId string, candidate string) (models.SecretAttemptResult, error) {
	logger := config.GetLogger()
	var result models.SecretAttemptResult

	err := utils.WithBusinessLock(ctx, businessId, secretGateLockType, 10*time.Second, func(ctx context.Context) error {
		db := config.GetDB()

		var secret models.WithdrawalSecret
		err := db.WithContext(ctx).Where("business_id = ?", businessId).First(&secret).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Fail closed: no default secret is ever created on first
				// access; provisioning must be explicit.
				return utils.ErrorSecretNotProvisioned
			}
			return err
		}

		matched := utils.CompareSecret(secret.SecretHash, candidate) == nil
		var next models.WithdrawalSecret
		result, next = models.EvaluateSecretAttempt(secret, matched, time.Now().UTC(),
			config.SecretLockoutThreshold(), config.SecretLockoutWindow())

		if next.FailedAttempts != secret.FailedAttempts || !equalLockUntil(next.LockUntil, secret.LockUntil) {
			if err := db.WithContext(ctx).Model(&models.WithdrawalSecret{}).
				Where("id = ?", secret.ID).
				Updates(map[string]interface{}{
					"failed_attempts": next.FailedAttempts,
					"lock_until":      next.LockUntil,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	switch result.Verdict {
	case models.SecretVerdictApproved:
		return result, nil
	case models.SecretVerdictLocked:
		config.LogError(logger, moduleName, "VerifyWithdrawalSecret", "withdrawal secret locked", businessId, utils.NewLockedError(result.RetryAfter))
		return result, utils.NewLockedError(result.RetryAfter)
	default:
		config.LogError(logger, moduleName, "VerifyWithdrawalSecret", "withdrawal secret denied", businessId, utils.ErrorSecretDenied)
		return result, utils.ErrorSecretDenied
	}
}

func equalLockUntil(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RotateWithdrawalSecret provisions or replaces a tenant's authorization
// code. The audit row keeps only the superseded hash, never any plaintext.
func RotateWithdrawalSecret(ctx context.Context, businessId string, newSecret string, authorId int, authorName string, reason string) error {
	if len(newSecret) < 4 {
		return utils.ErrorValidation
	}
	hashed, err := utils.HashSecret(newSecret)
	if err != nil {
		return err
	}

	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previousHash string

		var secret models.WithdrawalSecret
		err := tx.Where("business_id = ?", businessId).First(&secret).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			secret = models.WithdrawalSecret{
				BusinessId: businessId,
				SecretHash: string(hashed),
			}
			if err := tx.Create(&secret).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			previousHash = secret.SecretHash
			if err := tx.Model(&models.WithdrawalSecret{}).
				Where("id = ?", secret.ID).
				Updates(map[string]interface{}{
					"secret_hash":     string(hashed),
					"failed_attempts": 0,
					"lock_until":      nil,
				}).Error; err != nil {
				return err
			}
		}

		audit := models.WithdrawalSecretAudit{
			BusinessId:    businessId,
			PreviousHash:  previousHash,
			RotatedById:   authorId,
			RotatedByName: authorName,
			Reason:        reason,
		}
		return tx.Create(&audit).Error
	})
}
