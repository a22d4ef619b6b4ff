package workflow

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/momo"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/google/uuid"
)

// WebhookResult is what the HTTP layer reports back to the provider.
type WebhookResult struct {
	EventId   string
	Processed bool
	Orphaned  bool
}

var (
	providerKeyOnce sync.Once
	providerKey     *rsa.PublicKey
	providerKeyErr  error
)

func providerPublicKey() (*rsa.PublicKey, error) {
	providerKeyOnce.Do(func() {
		pemStr := config.ProviderPublicKeyPEM()
		if pemStr == "" {
			providerKeyErr = fmt.Errorf("MOMO_PROVIDER_PUBLIC_KEY not configured")
			return
		}
		providerKey, providerKeyErr = momo.ParsePublicKey(pemStr)
	})
	return providerKey, providerKeyErr
}

// ProcessPaymentWebhook is the full ingestion path for one provider event:
// verify authenticity, match an order, converge its payment state. The whole
// of it is bounded by the webhook timeout; verification that cannot finish in
// time is rejected as if invalid. Signature verification happens before any
// mutation is attempted.
func ProcessPaymentWebhook(ctx context.Context, rawBody []byte, signature string, timestamp string) (*WebhookResult, error) {
	logger := config.GetLogger()
	ctx, cancel := context.WithTimeout(ctx, config.WebhookVerifyTimeout())
	defer cancel()

	pub, err := providerPublicKey()
	if err != nil {
		config.LogError(logger, moduleName, "ProcessPaymentWebhook", "provider key unavailable", nil, err)
		return nil, err
	}
	if err := momo.VerifySignature(pub, timestamp, config.WebhookCallbackURL(), rawBody, signature); err != nil {
		config.LogError(logger, moduleName, "ProcessPaymentWebhook", "signature verification failed", timestamp, err)
		return nil, utils.ErrorInvalidSignature
	}
	if ctx.Err() != nil {
		return nil, utils.ErrorInvalidSignature
	}

	var event momo.WebhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: unparseable webhook body", utils.ErrorValidation)
	}
	eventId := event.EventId
	if eventId == "" {
		eventId = uuid.NewString()
	}
	result := &WebhookResult{EventId: eventId}

	order, err := models.FindOrderForWebhook(ctx, event.Reference, event.TransactionId)
	if err != nil {
		if !errors.Is(err, utils.ErrorRecordNotFound) {
			return result, err
		}
		// Orphan: the event is valid but no order matches. Acknowledge and
		// record for manual reconciliation; a retry cannot manufacture an
		// order, so this is terminal by policy.
		orphan := &models.OrphanPaymentEvent{
			EventId:               eventId,
			Reference:             event.Reference,
			ExternalTransactionId: event.TransactionId,
			ProviderStatus:        event.Status,
			RawBody:               rawBody,
			ReceivedAt:            time.Now().UTC(),
			Reconciled:            utils.NewFalse(),
		}
		if recErr := models.RecordOrphanPaymentEvent(ctx, orphan); recErr != nil {
			config.LogError(logger, moduleName, "ProcessPaymentWebhook", "failed to record orphan event", eventId, recErr)
		}
		config.LogError(logger, moduleName, "ProcessPaymentWebhook", "orphaned payment event",
			map[string]string{"event_id": eventId, "reference": event.Reference}, utils.ErrorRecordNotFound)
		result.Orphaned = true
		return result, nil
	}

	eventTime := event.Timestamp
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	application := models.PaymentApplication{
		Outcome:               models.ClassifyProviderStatus(event.Status),
		ProviderStatus:        event.Status,
		CapturedAmount:        event.Amount,
		Method:                event.PaymentMethod,
		ExternalTransactionId: event.TransactionId,
		Timestamp:             eventTime,
		Meta:                  event.Metadata,
	}

	if _, _, err := models.ApplyPaymentEvent(ctx, order.BusinessId, order.OrderNumber, application); err != nil {
		return result, err
	}
	result.Processed = true
	return result, nil
}
