package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
)

// OrderEventMessage is the wire form of an order lifecycle event published to
// the order-events topic for downstream consumers (analytics, receipts).
// The in-process notification hub consumes the same outbox rows directly.
type OrderEventMessage struct {
	ID            int       `json:"id"`
	BusinessId    string    `json:"business_id"`
	EventType     string    `json:"event_type"`
	OrderNumber   string    `json:"order_number"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       []byte    `json:"payload"`
	CorrelationId string    `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

// OrderEventsTopic returns the configured topic name, empty when Pub/Sub
// publishing is disabled (single-instance deployments).
func OrderEventsTopic() string {
	return os.Getenv("ORDER_EVENTS_TOPIC")
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return ""
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	// Uses Application Default Credentials (Cloud Run service account or GOOGLE_APPLICATION_CREDENTIALS).
	c, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pubsubClient = c
	log.Printf("pubsub client ready (project_id=%s)", projectID)
	return pubsubClient, nil
}

// PublishOrderEventWithResult publishes one order event and returns the
// server-assigned message id. Callers must only invoke this after the
// originating DB transaction has committed (outbox dispatcher).
func PublishOrderEventWithResult(ctx context.Context, businessId string, msg OrderEventMessage) (string, error) {
	topicName := OrderEventsTopic()
	if topicName == "" {
		return "", errors.New("ORDER_EVENTS_TOPIC not set")
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	result := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"business_id": businessId,
			"event_type":  msg.EventType,
		},
		OrderingKey: businessId,
	})
	return result.Get(ctx)
}
