package pulsarutils

import (
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

// producerCreator is satisfied by pulsar.Client
type producerCreator interface {
	CreateProducer(options pulsar.ProducerOptions) (pulsar.Producer, error)
}

// Publisher sends dead letter records as JSON.  A producer is created lazily for each channel.
type Publisher struct {
	client          producerCreator
	compressionType pulsar.CompressionType
	sendTimeout     time.Duration
	mu              sync.Mutex
	producers       map[string]pulsar.Producer
}

func NewPublisher(client pulsar.Client, compressionType pulsar.CompressionType, sendTimeout time.Duration) *Publisher {
	return &Publisher{
		client:          client,
		compressionType: compressionType,
		sendTimeout:     sendTimeout,
		producers:       map[string]pulsar.Producer{},
	}
}

func (p *Publisher) Publish(ctx *haulcontext.Context, channel string, record *ingest.DeadLetterRecord) error {
	payload, err := record.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	producer, err := p.producer(channel)
	if err != nil {
		return err
	}
	_, err = producer.Send(ctx, &pulsar.ProducerMessage{
		Payload: payload,
		Key:     record.Key,
	})
	return errors.WithMessagef(err, "error sending to %s", channel)
}

func (p *Publisher) producer(channel string) (pulsar.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if producer, ok := p.producers[channel]; ok {
		return producer, nil
	}
	producer, err := p.client.CreateProducer(pulsar.ProducerOptions{
		Topic:           channel,
		CompressionType: p.compressionType,
		SendTimeout:     p.sendTimeout,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error creating producer for %s", channel)
	}
	p.producers[channel] = producer
	return producer, nil
}

// Close flushes and closes all producers
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result *multierror.Error
	for channel, producer := range p.producers {
		if err := producer.Flush(); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "error flushing producer for %s", channel))
		}
		producer.Close()
	}
	p.producers = map[string]pulsar.Producer{}
	return result.ErrorOrNil()
}
