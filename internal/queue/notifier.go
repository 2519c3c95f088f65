package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// NotificationType enumerates lifecycle events pushed downstream.
type NotificationType string

const (
	NotifyCallStarted     NotificationType = "call_started"
	NotifyCallCompleted   NotificationType = "call_completed"
	NotifyCallFailed      NotificationType = "call_failed"
	NotifyCallDTMF        NotificationType = "call_dtmf"
	NotifyCampaignUpdated NotificationType = "campaign_updated"
)

// Notification is one lifecycle event for real-time delivery.
type Notification struct {
	Type            NotificationType `json:"type"`
	CampaignID      uuid.UUID        `json:"campaign_id"`
	ContactID       uuid.UUID        `json:"contact_id,omitempty"`
	SessionToken    string           `json:"session_token,omitempty"`
	PhoneNumber     string           `json:"phone_number,omitempty"`
	Outcome         string           `json:"outcome,omitempty"`
	Digit           string           `json:"digit,omitempty"`
	Attempt         int              `json:"attempt,omitempty"`
	CampaignStatus  string           `json:"campaign_status,omitempty"`
	MachineDetected bool             `json:"machine_detected,omitempty"`
	OccurredAt      time.Time        `json:"occurred_at"`
}

// Notifier publishes lifecycle notifications to Kafka.
type Notifier struct {
	writer *kafka.Writer
}

// NewNotifier constructs a notifier for the given topic.
func NewNotifier(k *Kafka, topic string) *Notifier {
	return &Notifier{writer: k.NewWriter(topic)}
}

// Publish emits one notification, keyed by campaign for per-campaign ordering.
func (n *Notifier) Publish(ctx context.Context, msg Notification) error {
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notifier: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   msg.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := n.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("notifier: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (n *Notifier) Close() error {
	return n.writer.Close()
}
