package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS or Kafka (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `json:"type" yaml:"type" env:"CANOMALY_BUS_TYPE"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size" env:"CANOMALY_BUS_BUFFER_SIZE"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"nats_url" env:"CANOMALY_NATS_URL"`
	NATSToken         string `json:"-" yaml:"nats_token" env:"CANOMALY_NATS_TOKEN"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects" env:"CANOMALY_NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait" env:"CANOMALY_NATS_RECONNECT_WAIT"` // seconds
	// NATSQueue load-balances each topic across instances sharing the group.
	NATSQueue string `json:"natsQueue" yaml:"nats_queue" env:"CANOMALY_NATS_QUEUE"`

	// Kafka settings
	KafkaBrokers []string `json:"kafkaBrokers" yaml:"kafka_brokers" env:"CANOMALY_KAFKA_BROKERS" env-separator:","`
	KafkaGroupID string   `json:"kafkaGroupId" yaml:"kafka_group_id" env:"CANOMALY_KAFKA_GROUP_ID"`
}

// Topic names for scoring events.
const (
	TopicTicketScored  = "canomaly.ticket.scored"
	TopicTicketFlagged = "canomaly.ticket.flagged"
)

// ScoredEvent is the payload published after a purchase has been scored and persisted.
type ScoredEvent struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id,omitempty"`
	Prediction    Label     `json:"prediction"`
	AnomalyScore  float64   `json:"anomaly_score"`
	RiskScore     float64   `json:"risk_score"`
	RiskLevel     RiskLevel `json:"risk_level"`
	FraudFlag     bool      `json:"fraud_flag"`
	PriceValid    bool      `json:"price_valid"`
	StatusID      int       `json:"status_id"`
	TraceID       string    `json:"trace_id,omitempty"`
}
