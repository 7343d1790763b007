package warehouseingester

import (
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/datahaul/datahaul/internal/common/database"
	"github.com/datahaul/datahaul/internal/common/haulcontext"
	"github.com/datahaul/datahaul/internal/common/kafkautils"
	"github.com/datahaul/datahaul/internal/common/pulsarutils"
	"github.com/datahaul/datahaul/internal/warehouseingester/archive"
)

const checkTimeout = 10 * time.Second

// Check verifies that every configured dependency is reachable.  All checks run concurrently and the first
// failure is returned.
func Check(ctx *haulcontext.Context, config Configuration) error {
	ctx, cancel := haulcontext.WithTimeout(ctx, checkTimeout)
	defer cancel()
	g, ctx := haulcontext.ErrGroup(ctx)

	if config.Postgres != nil {
		g.Go(func() error {
			db, err := database.OpenPgxPool(*config.Postgres)
			if err != nil {
				return errors.WithMessage(err, "postgres")
			}
			db.Close()
			ctx.Log.Info("postgres OK")
			return nil
		})
	}
	if config.Kafka != nil {
		g.Go(func() error {
			if err := kafkautils.Ping(*config.Kafka, checkTimeout); err != nil {
				return errors.WithMessage(err, "kafka")
			}
			ctx.Log.Info("kafka OK")
			return nil
		})
	}
	if config.Pulsar != nil {
		g.Go(func() error {
			client, err := pulsarutils.NewPulsarClient(config.Pulsar)
			if err != nil {
				return errors.WithMessage(err, "pulsar")
			}
			defer client.Close()
			if _, err := client.TopicPartitions(pulsarCheckTopic(config)); err != nil {
				return errors.WithMessage(err, "pulsar")
			}
			ctx.Log.Info("pulsar OK")
			return nil
		})
	}
	if config.Redis != nil {
		g.Go(func() error {
			client := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return errors.WithMessage(err, "redis")
			}
			ctx.Log.Info("redis OK")
			return nil
		})
	}
	if config.S3 != nil {
		g.Go(func() error {
			client, err := archive.NewS3Client(ctx, *config.S3)
			if err != nil {
				return errors.WithMessage(err, "s3")
			}
			if err := archive.NewSink(client, config.S3.Bucket, config.S3.Prefix).Ping(ctx); err != nil {
				return errors.WithMessage(err, "s3")
			}
			ctx.Log.Info("s3 OK")
			return nil
		})
	}
	return g.Wait()
}

// pulsarCheckTopic returns a topic that must exist if pulsar is in use
func pulsarCheckTopic(config Configuration) string {
	if config.Source == SourcePulsar && len(config.Pipelines) > 0 && len(config.Pipelines[0].Topics) > 0 {
		return config.Pipelines[0].Topics[0]
	}
	return config.DeadLetter.Channel
}
