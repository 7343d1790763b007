package kafkautils

import (
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/config"
)

// ConsumerConfigMap returns librdkafka settings for a consumer in group.  Offsets are only ever committed
// explicitly, and a group with no committed offsets starts from the earliest message.
func ConsumerConfigMap(config config.KafkaConfig, group string) *kafka.ConfigMap {
	configMap := baseConfigMap(config)
	_ = configMap.SetKey("group.id", group)
	_ = configMap.SetKey("enable.auto.commit", false)
	_ = configMap.SetKey("enable.auto.offset.store", false)
	_ = configMap.SetKey("auto.offset.reset", "earliest")
	if config.SessionTimeout > 0 {
		_ = configMap.SetKey("session.timeout.ms", int(config.SessionTimeout/time.Millisecond))
	}
	applyExtra(configMap, config)
	return configMap
}

// ProducerConfigMap returns librdkafka settings for an idempotent producer that waits for all in-sync replicas
func ProducerConfigMap(config config.KafkaConfig) *kafka.ConfigMap {
	configMap := baseConfigMap(config)
	_ = configMap.SetKey("acks", "all")
	_ = configMap.SetKey("enable.idempotence", true)
	applyExtra(configMap, config)
	return configMap
}

func baseConfigMap(config config.KafkaConfig) *kafka.ConfigMap {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(config.Brokers, ","),
	}
	if config.ClientId != "" {
		_ = configMap.SetKey("client.id", config.ClientId)
	}
	if config.SecurityProtocol != "" {
		_ = configMap.SetKey("security.protocol", config.SecurityProtocol)
	}
	if config.SaslMechanism != "" {
		_ = configMap.SetKey("sasl.mechanisms", config.SaslMechanism)
		_ = configMap.SetKey("sasl.username", config.SaslUsername)
		_ = configMap.SetKey("sasl.password", config.SaslPassword)
	}
	return configMap
}

func applyExtra(configMap *kafka.ConfigMap, config config.KafkaConfig) {
	for k, v := range config.Extra {
		_ = configMap.SetKey(k, v)
	}
}

// Ping fetches cluster metadata to check that the brokers are reachable
func Ping(config config.KafkaConfig, timeout time.Duration) error {
	producer, err := kafka.NewProducer(ProducerConfigMap(config))
	if err != nil {
		return errors.WithStack(err)
	}
	defer producer.Close()
	metadata, err := producer.GetMetadata(nil, true, int(timeout/time.Millisecond))
	if err != nil {
		return errors.WithMessagef(err, "could not reach kafka brokers %v", config.Brokers)
	}
	if len(metadata.Brokers) == 0 {
		return errors.Errorf("kafka cluster at %v reported no brokers", config.Brokers)
	}
	return nil
}

func isTimeout(err error) bool {
	var kafkaErr kafka.Error
	return errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut
}
