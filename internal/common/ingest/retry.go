package ingest

import (
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go"

	"github.com/datahaul/datahaul/internal/common/haulcontext"
)

// RetryPolicy retries an operation with exponential backoff.  The delay before retry n (counting from zero) is
// BaseBackoff * 2^n, capped at MaxBackoff and with up to Jitter * delay added at random.
type RetryPolicy struct {
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	jitter      float64
	onBackoff   func(attempt uint, delay time.Duration, err error)
}

func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		maxRetries:  config.MaxRetries,
		baseBackoff: config.BaseBackoff,
		maxBackoff:  config.MaxBackoff,
		jitter:      config.Jitter,
	}
}

// OnBackoff registers f to be called with the delay chosen before each retry
func (r *RetryPolicy) OnBackoff(f func(attempt uint, delay time.Duration, err error)) *RetryPolicy {
	r.onBackoff = f
	return r
}

// Backoff returns the delay, before jitter, preceding retry n
func (r *RetryPolicy) Backoff(n uint) time.Duration {
	delay := r.baseBackoff
	for i := uint(0); i < n && delay > 0; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
		if r.maxBackoff > 0 && delay >= r.maxBackoff {
			break
		}
	}
	if r.maxBackoff > 0 && delay > r.maxBackoff {
		delay = r.maxBackoff
	}
	return delay
}

func (r *RetryPolicy) delay(n uint) time.Duration {
	delay := r.Backoff(n)
	if r.jitter > 0 && delay > 0 {
		if jittered := delay + time.Duration(rand.Float64()*r.jitter*float64(delay)); jittered > delay {
			delay = jittered
		}
	}
	return delay
}

// Execute runs op until it succeeds, returns a NonRetryable error or has been retried MaxRetries times, in which
// case the last error is returned.  Cancelling ctx stops any wait between attempts but never interrupts an attempt
// in progress.  If ctx is already done, op is not run and ctx.Err() is returned.
func (r *RetryPolicy) Execute(ctx *haulcontext.Context, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(uint(r.maxRetries+1)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !IsNonRetryable(err) }),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			delay := r.delay(n)
			ctx.Log.WithError(err).Warnf("Attempt %d of %d failed; retrying in %s", n+1, r.maxRetries+1, delay)
			if r.onBackoff != nil {
				r.onBackoff(n, delay, err)
			}
			return delay
		}),
	)
}
