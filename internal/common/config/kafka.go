package config

import "time"

// KafkaConfig holds connection settings for Kafka compatible brokers (Kafka, Redpanda)
type KafkaConfig struct {
	// Seed list of host:port addresses
	Brokers []string `validate:"required,min=1"`
	// Client id reported to the brokers
	ClientId string
	// Consumer group session timeout
	SessionTimeout time.Duration
	// Maximum number of messages returned by a single poll
	MaxPollRecords int `validate:"gte=1"`
	// e.g. PLAINTEXT, SASL_SSL
	SecurityProtocol string
	SaslMechanism    string
	SaslUsername     string
	SaslPassword     string
	// Additional librdkafka properties, applied last
	Extra map[string]string
}
