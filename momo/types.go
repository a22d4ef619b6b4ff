package momo

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// WebhookEvent is the provider's payment notification payload. Reference
// carries the caller-supplied reference string from the collect request, which
// by contract equals the order number.
type WebhookEvent struct {
	EventId       string          `json:"event_id"`
	Status        string          `json:"status"`
	Reference     string          `json:"reference"`
	TransactionId string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PayerPhone    string          `json:"payer_phone"`
	PaymentMethod string          `json:"payment_method"`
	Timestamp     time.Time       `json:"timestamp"`
	Metadata      json.RawMessage `json:"metadata"`
}

type CollectRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
	// Reference must equal the order number so later webhooks can be matched
	// back by reference.
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url"`
}

type DisburseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
	Reference   string          `json:"reference"`
	Narration   string          `json:"narration"`
}

type TransactionResponse struct {
	TransactionId string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}
