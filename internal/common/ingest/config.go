package ingest

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExhaustedPolicy decides what happens to a batch whose flush has failed on every retry
type ExhaustedPolicy string

const (
	// ExhaustedPolicyFail stops the pipeline without committing.  The batch is re-delivered on restart.
	ExhaustedPolicyFail ExhaustedPolicy = "fail"
	// ExhaustedPolicyDeadLetter routes every event of the batch to the dead letter channel and carries on.
	ExhaustedPolicyDeadLetter ExhaustedPolicy = "deadletter"
)

func (p *ExhaustedPolicy) UnmarshalText(text []byte) error {
	switch policy := ExhaustedPolicy(strings.ToLower(string(text))); policy {
	case ExhaustedPolicyFail, ExhaustedPolicyDeadLetter:
		*p = policy
		return nil
	case "":
		*p = ExhaustedPolicyFail
		return nil
	default:
		return errors.Errorf("unknown exhausted retry policy %q; valid values are %q and %q",
			text, ExhaustedPolicyFail, ExhaustedPolicyDeadLetter)
	}
}

type RetryConfig struct {
	// Number of retries after the first attempt
	MaxRetries int `validate:"gte=0"`
	// Delay before the first retry.  Each further retry doubles it.
	BaseBackoff time.Duration `validate:"gte=0"`
	// Upper bound on a single delay.  Zero means unbounded
	MaxBackoff time.Duration `validate:"gte=0"`
	// Fraction of each delay added as random jitter, between 0 and 1
	Jitter float64 `validate:"gte=0,lte=1"`
}

// Config defines a single ingestion pipeline.  It must not change once the pipeline has started.
type Config struct {
	// Used in logs and metrics
	Name string `validate:"required"`
	// Topics consumed by the pipeline
	Topics []string `validate:"required,min=1,dive,required"`
	// Consumer group whose committed positions are used
	ConsumerGroup string `validate:"required"`
	// Number of events that will be batched together before being written to the sink
	BatchSize int `validate:"gte=1"`
	// Maximum time since the last flush before a batch will be written to the sink
	BatchMaxAge time.Duration `validate:"gt=0"`
	// Maximum time a single poll waits for messages
	PollTimeout time.Duration `validate:"gt=0"`
	// Time to wait after a failed poll
	PollBackoff time.Duration `validate:"gte=0"`
	// Retry policy for flushes and commits
	Retry RetryConfig
	// What to do once a flush has exhausted its retries
	OnRetriesExhausted ExhaustedPolicy `validate:"omitempty,oneof=fail deadletter"`
	// Channel that unprocessable events are routed to
	DeadLetterChannel string `validate:"required"`
	// Maximum time a single dead letter publish may take
	DeadLetterTimeout time.Duration `validate:"gte=0"`
}
