package models

import (
	"time"
)

// WithdrawalSecret gates batch settlement for one tenant: a salted one-way
// hash of the authorization code plus lockout bookkeeping. Exactly one active
// row per tenant. There is no default secret: tenants must provision one
// explicitly before their first withdrawal (fail closed).
type WithdrawalSecret struct {
	ID             int        `gorm:"primary_key" json:"id"`
	BusinessId     string     `gorm:"uniqueIndex;size:64;not null" json:"business_id"`
	SecretHash     string     `gorm:"size:255;not null" json:"-"`
	FailedAttempts int        `gorm:"not null;default:0" json:"failed_attempts"`
	LockUntil      *time.Time `json:"lock_until"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// WithdrawalSecretAudit records each rotation: only the superseded hash is
// kept, never any plaintext.
type WithdrawalSecretAudit struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;size:64;not null" json:"business_id"`
	PreviousHash  string    `gorm:"size:255;default:null" json:"-"`
	RotatedById   int       `gorm:"not null" json:"rotated_by_id"`
	RotatedByName string    `gorm:"size:255;default:null" json:"rotated_by_name"`
	Reason        string    `gorm:"type:text;default:null" json:"reason"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type SecretVerdict int

const (
	SecretVerdictApproved SecretVerdict = iota
	SecretVerdictDenied
	SecretVerdictLocked
)

func (v SecretVerdict) String() string {
	switch v {
	case SecretVerdictApproved:
		return "approved"
	case SecretVerdictDenied:
		return "denied"
	case SecretVerdictLocked:
		return "locked"
	}
	return "unknown"
}

type SecretAttemptResult struct {
	Verdict    SecretVerdict
	RetryAfter time.Duration
}

// EvaluateSecretAttempt is the lockout state machine, separated from storage
// so the semantics are testable without a DB. An active lockout short-circuits
// without consuming an attempt; a match resets the counter; the Nth
// consecutive failure (threshold) triggers the lockout window.
func EvaluateSecretAttempt(sec WithdrawalSecret, matched bool, now time.Time, threshold int, lockWindow time.Duration) (SecretAttemptResult, WithdrawalSecret) {
	if sec.LockUntil != nil && sec.LockUntil.After(now) {
		return SecretAttemptResult{
			Verdict:    SecretVerdictLocked,
			RetryAfter: sec.LockUntil.Sub(now),
		}, sec
	}

	if matched {
		sec.FailedAttempts = 0
		sec.LockUntil = nil
		return SecretAttemptResult{Verdict: SecretVerdictApproved}, sec
	}

	sec.FailedAttempts++
	if sec.FailedAttempts >= threshold {
		until := now.Add(lockWindow)
		sec.LockUntil = &until
		return SecretAttemptResult{
			Verdict:    SecretVerdictLocked,
			RetryAfter: lockWindow,
		}, sec
	}
	return SecretAttemptResult{Verdict: SecretVerdictDenied}, sec
}
