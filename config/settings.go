package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Operational knobs for the settlement engine. All are env-driven with
// production defaults so a bare container still behaves sensibly.

// WithdrawalFeeRate is the platform fee charged on the gross withdrawal
// amount (borne by the platform, not the restaurant).
//
// Set via env:
// - WITHDRAWAL_FEE_RATE=0.02
func WithdrawalFeeRate() decimal.Decimal {
	v := strings.TrimSpace(os.Getenv("WITHDRAWAL_FEE_RATE"))
	if v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return decimal.NewFromFloat(0.02)
}

// SecretLockoutThreshold is the number of consecutive failed withdrawal-secret
// attempts before a tenant is locked out.
func SecretLockoutThreshold() int {
	return intFromEnv("SECRET_LOCKOUT_THRESHOLD", 5)
}

// SecretLockoutWindow is how long a lockout lasts once triggered.
func SecretLockoutWindow() time.Duration {
	return time.Duration(intFromEnv("SECRET_LOCKOUT_MINUTES", 30)) * time.Minute
}

// HubSweepInterval bounds how long a dead websocket connection can linger.
func HubSweepInterval() time.Duration {
	return time.Duration(intFromEnv("HUB_SWEEP_SECONDS", 30)) * time.Second
}

// HubIdleTimeout is the max silence tolerated before a connection is closed.
func HubIdleTimeout() time.Duration {
	return time.Duration(intFromEnv("HUB_IDLE_TIMEOUT_SECONDS", 90)) * time.Second
}

// WebhookVerifyTimeout bounds webhook signature verification + application.
// A webhook that cannot complete within this window is rejected as invalid.
func WebhookVerifyTimeout() time.Duration {
	return time.Duration(intFromEnv("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second
}

// ProviderPublicKeyPEM returns the payment provider's signing public key.
func ProviderPublicKeyPEM() string {
	return os.Getenv("MOMO_PROVIDER_PUBLIC_KEY")
}

// WebhookCallbackURL is the canonical callback URL included in the signed
// webhook message. It must match what the provider signs against.
func WebhookCallbackURL() string {
	return strings.TrimSpace(os.Getenv("MOMO_CALLBACK_URL"))
}
