package redisutils

import (
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/ingest"
)

const (
	dataKey  = "record"
	topicKey = "original_topic"
)

// StreamPublisher appends dead letter records to a redis stream named after the channel.  If maxLen is positive
// the stream is approximately trimmed to that many entries.
type StreamPublisher struct {
	db     redis.UniversalClient
	maxLen int64
}

func NewStreamPublisher(db redis.UniversalClient, maxLen int64) *StreamPublisher {
	return &StreamPublisher{db: db, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx *haulcontext.Context, channel string, record *ingest.DeadLetterRecord) error {
	data, err := record.Marshal()
	if err != nil {
		return errors.WithStack(err)
	}
	args := &redis.XAddArgs{
		Stream: channel,
		Values: map[string]interface{}{
			dataKey:  data,
			topicKey: record.OriginalTopic,
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.db.XAdd(ctx, args).Err(); err != nil {
		return errors.WithMessagef(err, "error appending to stream %s", channel)
	}
	return nil
}

func (p *StreamPublisher) Ping(ctx *haulcontext.Context) error {
	return errors.WithStack(p.db.Ping(ctx).Err())
}

func (p *StreamPublisher) Close() error {
	return p.db.Close()
}
