package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/datahaul/datahaul/internal/common/config"
	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
	"github.com/datahaul/datahaul/internal/common/util"
)

const (
	contentType = "application/vnd.apache.parquet"
	keyLayout   = "2006-01-02/15-04-05"
)

// Record is a single row of an archive file
type Record struct {
	Topic     string    `parquet:"topic"`
	Partition int32     `parquet:"partition"`
	Offset    int64     `parquet:"offset"`
	Key       string    `parquet:"key"`
	Payload   string    `parquet:"payload"`
	EventTime time.Time `parquet:"event_time,timestamp"`
}

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Sink writes each batch as one snappy compressed parquet object under <prefix>/raw/.  A batch that is retried is
// written to the same key as its first attempt.
type Sink struct {
	client s3API
	bucket string
	prefix string
	clock  clock.PassiveClock
	// Key used by the last batch written, so that retries overwrite it
	lastFirst *ingest.Event
	lastLen   int
	lastKey   string
}

func NewSink(client s3API, bucket string, prefix string) *Sink {
	return &Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		clock:  clock.RealClock{},
	}
}

// NewS3Client creates a client from the default aws credential chain.  Endpoint may be set to target an S3
// compatible store instead of AWS.
func NewS3Client(ctx context.Context, config config.S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "error loading aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	}), nil
}

func (s *Sink) WriteBatch(ctx *haulcontext.Context, events []*ingest.Event) error {
	if len(events) == 0 {
		return nil
	}
	data, err := Encode(events)
	if err != nil {
		return ingest.NonRetryable(err)
	}
	key := s.keyFor(events)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return errors.WithMessagef(err, "error writing s3://%s/%s", s.bucket, key)
	}
	ctx.Log.Debugf("Archived %d events to s3://%s/%s", len(events), s.bucket, key)
	return nil
}

func (s *Sink) Ping(ctx *haulcontext.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return errors.WithMessagef(err, "error accessing bucket %s", s.bucket)
}

func (s *Sink) keyFor(events []*ingest.Event) string {
	if s.lastFirst == events[0] && s.lastLen == len(events) {
		return s.lastKey
	}
	now := s.clock.Now().UTC()
	key := fmt.Sprintf("raw/%s-%06d-%s.parquet", now.Format(keyLayout), now.Nanosecond()/1000, util.NewULIDAt(now))
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	s.lastFirst, s.lastLen, s.lastKey = events[0], len(events), key
	return key
}

// Encode converts events into a snappy compressed parquet file.  Payloads are stored as JSON.
func Encode(events []*ingest.Event) ([]byte, error) {
	records := make([]Record, len(events))
	for i, event := range events {
		payload, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "error encoding payload of %s@%d", event.TopicPartition(), event.Offset)
		}
		records[i] = Record{
			Topic:     event.Topic,
			Partition: event.Partition,
			Offset:    event.Offset,
			Key:       event.Key,
			Payload:   string(payload),
			EventTime: event.Timestamp.UTC(),
		}
	}

	output := &bytes.Buffer{}
	w := parquet.NewGenericWriter[Record](output, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(records); err != nil {
		_ = w.Close()
		return nil, errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return output.Bytes(), nil
}
