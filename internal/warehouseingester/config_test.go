package warehouseingester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datahaul/datahaul/internal/common/config"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

func validConfig() Configuration {
	return Configuration{
		Source:          SourceKafka,
		Kafka:           &config.KafkaConfig{Brokers: []string{"localhost:9092"}, MaxPollRecords: 10},
		Postgres:        &config.PostgresConfig{Connection: map[string]string{"host": "localhost"}, MaxOpenConns: 2},
		DeadLetter:      DeadLetterConfig{Transport: TransportKafka, Channel: "dlq", Timeout: time.Second},
		Retry:           ingest.RetryConfig{MaxRetries: 3, BaseBackoff: time.Second},
		ShutdownTimeout: time.Second,
		Pipelines: []PipelineConfig{
			{
				Config: ingest.Config{
					Name:          "orders",
					Topics:        []string{"ecommerce_orders"},
					ConsumerGroup: "orders_ingestion",
					BatchSize:     100,
					BatchMaxAge:   time.Second,
					PollTimeout:   time.Second,
				},
				Sink:  SinkPostgres,
				Table: "orders",
			},
		},
	}
}

func TestApplyDefaults(t *testing.T) {
	c := validConfig()
	c.OnRetriesExhausted = ingest.ExhaustedPolicyDeadLetter
	custom := ingest.RetryConfig{MaxRetries: 1}
	c.Pipelines = append(c.Pipelines, PipelineConfig{
		Config: ingest.Config{
			Name:               "custom",
			Retry:              custom,
			OnRetriesExhausted: ingest.ExhaustedPolicyFail,
			DeadLetterChannel:  "custom_dlq",
			DeadLetterTimeout:  time.Minute,
		},
	})

	c.ApplyDefaults()

	inherited := c.Pipelines[0]
	assert.Equal(t, c.Retry, inherited.Retry)
	assert.Equal(t, ingest.ExhaustedPolicyDeadLetter, inherited.OnRetriesExhausted)
	assert.Equal(t, "dlq", inherited.DeadLetterChannel)
	assert.Equal(t, time.Second, inherited.DeadLetterTimeout)

	own := c.Pipelines[1]
	assert.Equal(t, custom, own.Retry)
	assert.Equal(t, ingest.ExhaustedPolicyFail, own.OnRetriesExhausted)
	assert.Equal(t, "custom_dlq", own.DeadLetterChannel)
	assert.Equal(t, time.Minute, own.DeadLetterTimeout)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify   func(c *Configuration)
		expected []string
	}{
		"valid": {
			modify: func(c *Configuration) {},
		},
		"missing kafka": {
			modify:   func(c *Configuration) { c.Kafka = nil },
			expected: []string{"kafka configuration is required"},
		},
		"missing pulsar for dead letters": {
			modify:   func(c *Configuration) { c.DeadLetter.Transport = TransportPulsar },
			expected: []string{"pulsar configuration is required"},
		},
		"missing redis for dead letters": {
			modify:   func(c *Configuration) { c.DeadLetter.Transport = TransportRedis },
			expected: []string{"redis configuration is required"},
		},
		"duplicate pipeline": {
			modify:   func(c *Configuration) { c.Pipelines = append(c.Pipelines, c.Pipelines[0]) },
			expected: []string{"pipeline name orders is used more than once"},
		},
		"missing postgres": {
			modify:   func(c *Configuration) { c.Postgres = nil },
			expected: []string{"pipeline orders writes to postgres but postgres is not configured"},
		},
		"unknown table": {
			modify:   func(c *Configuration) { c.Pipelines[0].Table = "customers" },
			expected: []string{"pipeline orders"},
		},
		"missing s3": {
			modify:   func(c *Configuration) { c.Pipelines[0].Sink = SinkS3 },
			expected: []string{"pipeline orders writes to s3 but s3 is not configured"},
		},
		"several problems": {
			modify: func(c *Configuration) {
				c.Kafka = nil
				c.Postgres = nil
			},
			expected: []string{
				"kafka configuration is required",
				"pipeline orders writes to postgres but postgres is not configured",
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			c.ApplyDefaults()
			err := c.Validate()
			if len(tc.expected) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tc.expected {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestValidate_StructTags(t *testing.T) {
	c := validConfig()
	c.Source = "rabbitmq"
	c.Pipelines[0].BatchSize = 0
	c.ApplyDefaults()
	assert.Error(t, c.Validate())
}

func TestValidate_NoPipelines(t *testing.T) {
	c := validConfig()
	c.Pipelines = nil
	assert.Error(t, c.Validate())
}

func TestLoadDefaultConfig(t *testing.T) {
	var c Configuration
	_, err := config.LoadConfig(&c, "../../config/warehouseingester", nil)
	require.NoError(t, err)
	c.ApplyDefaults()
	require.NoError(t, c.Validate())

	assert.Equal(t, SourceKafka, c.Source)
	assert.Equal(t, []string{"localhost:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "5432", c.Postgres.Connection["port"])
	assert.Equal(t, int32(10), c.Postgres.MaxOpenConns)
	assert.Equal(t, int32(1), c.Postgres.MinOpenConns)

	require.Len(t, c.Pipelines, 3)
	byName := map[string]PipelineConfig{}
	for _, p := range c.Pipelines {
		byName[p.Name] = p
		assert.Equal(t, 100, p.BatchSize)
		assert.Equal(t, "ecommerce_dlq", p.DeadLetterChannel)
		assert.Equal(t, 3, p.Retry.MaxRetries)
		assert.Equal(t, time.Second, p.Retry.BaseBackoff)
		assert.Equal(t, SinkPostgres, p.Sink)
	}
	assert.Equal(t, []string{"ecommerce_orders"}, byName["orders"].Topics)
	assert.Equal(t, "orders_ingestion", byName["orders"].ConsumerGroup)
	assert.Equal(t, "page_views", byName["page_views"].Table)
	assert.Equal(t, "inventory_ingestion", byName["inventory_changes"].ConsumerGroup)
	assert.Equal(t, ingest.ExhaustedPolicyFail, byName["orders"].OnRetriesExhausted)
	assert.Equal(t, ingest.ExhaustedPolicyDeadLetter, byName["inventory_changes"].OnRetriesExhausted)
}
